// Package metadata applies page, canvas and layer mutations and broadcasts
// the results to everyone in the project room.
package metadata

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/membership"
	"github.com/agentworkforce/canvasrelay/internal/room"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

const (
	EventInitialData   = "initial-data"
	EventPageCreated   = "page-created"
	EventPageUpdated   = "page-updated"
	EventPageDeleted   = "page-deleted"
	EventCanvasCreated = "canvas-created"
	EventCanvasUpdated = "canvas-updated"
	EventCanvasDeleted = "canvas-deleted"
	EventLayerCreated  = "layer-created"
	EventLayerUpdated  = "layer-updated"
	EventLayerDeleted  = "layer-deleted"
)

func ProjectRoom(projectID string) string {
	return "project:" + projectID
}

type InitialData struct {
	Pages    []store.Page   `json:"pages"`
	Canvases []store.Canvas `json:"canvases"`
	Layers   []store.Layer  `json:"layers"`
}

type PageDeleted struct {
	PageID string `json:"pageId"`
}

type CanvasDeleted struct {
	CanvasID  string `json:"canvasId"`
	ProjectID string `json:"projectId"`
}

type LayerDeleted struct {
	LayerID   string `json:"layerId"`
	ProjectID string `json:"projectId"`
}

type Options struct {
	Tree   store.TreeStore
	Guard  *membership.Guard
	Hub    *room.Hub
	Logger zerolog.Logger
	NewID  func() string
	// OnDocumentsDeleted receives the ids of deleted layers, canvases and
	// pages so document state keyed by them can be dropped.
	OnDocumentsDeleted func(ctx context.Context, documentIDs []string)
}

type Engine struct {
	tree      store.TreeStore
	guard     *membership.Guard
	hub       *room.Hub
	log       zerolog.Logger
	newID     func() string
	onDeleted func(ctx context.Context, documentIDs []string)
}

func NewEngine(opts Options) *Engine {
	if opts.Hub == nil {
		opts.Hub = room.NewHub()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{
		tree:      opts.Tree,
		guard:     opts.Guard,
		hub:       opts.Hub,
		log:       opts.Logger.With().Str("component", "metadata").Logger(),
		newID:     opts.NewID,
		onDeleted: opts.OnDocumentsDeleted,
	}
}

// Join admits any collaborator to the project room and returns the project
// tree. The member joins before the tree is read so no broadcast between the
// read and the join is missed.
func (e *Engine) Join(ctx context.Context, m room.Member, userID, projectID string) (InitialData, error) {
	if _, err := e.guard.RequireMember(ctx, projectID, userID); err != nil {
		return InitialData{}, err
	}
	name := ProjectRoom(projectID)
	joined := e.hub.Join(name, m)

	var data InitialData
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		data.Pages, err = e.tree.ListPages(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		data.Canvases, err = e.tree.ListCanvases(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		data.Layers, err = e.tree.ListLayers(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		if joined {
			e.hub.Leave(name, m.ID())
		}
		return InitialData{}, errs.Storage("Failed to join project.", err)
	}
	e.log.Info().Str("project_id", projectID).Str("user_id", userID).Str("conn_id", m.ID()).Msg("joined project")
	return data, nil
}

type CreatePageRequest struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
}

func (e *Engine) CreatePage(ctx context.Context, userID string, req CreatePageRequest) (store.Page, error) {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "create pages"); err != nil {
		return store.Page{}, err
	}
	page, err := e.tree.CreatePage(ctx, store.Page{ID: e.newID(), ProjectID: req.ProjectID, Name: req.Name})
	if err != nil {
		return store.Page{}, storeFailure("Failed to create page.", err)
	}
	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventPageCreated, page)
	e.log.Info().Str("project_id", req.ProjectID).Str("user_id", userID).Str("page_id", page.ID).Msg("page created")
	return page, nil
}

type CreateCanvasRequest struct {
	ProjectID string     `json:"projectId"`
	PageID    string     `json:"pageId"`
	Name      string     `json:"name"`
	Width     float64    `json:"width"`
	Height    float64    `json:"height"`
	Unit      store.Unit `json:"unit,omitempty"`
}

func (e *Engine) CreateCanvas(ctx context.Context, userID string, req CreateCanvasRequest) (store.Canvas, error) {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "create canvases"); err != nil {
		return store.Canvas{}, err
	}
	if _, err := e.tree.GetPage(ctx, req.ProjectID, req.PageID); err != nil {
		return store.Canvas{}, lookupFailure("Parent page not found.", "Failed to create canvas.", err)
	}
	canvas, err := e.tree.CreateCanvas(ctx, store.Canvas{
		ID:     e.newID(),
		PageID: req.PageID,
		Name:   req.Name,
		Width:  req.Width,
		Height: req.Height,
		Unit:   req.Unit,
	})
	if err != nil {
		return store.Canvas{}, lookupFailure("Parent page not found.", "Failed to create canvas.", err)
	}
	e.hub.Broadcast(ProjectRoom(canvas.ProjectID), EventCanvasCreated, canvas)
	e.log.Info().Str("project_id", canvas.ProjectID).Str("user_id", userID).Str("canvas_id", canvas.ID).Msg("canvas created")
	return canvas, nil
}

type CreateLayerRequest struct {
	ProjectID string          `json:"projectId"`
	CanvasID  string          `json:"canvasId"`
	Name      string          `json:"name"`
	Type      store.LayerType `json:"type"`
	BlendMode store.BlendMode `json:"blendMode,omitempty"`
	Opacity   *int            `json:"opacity,omitempty"`
	Visible   *bool           `json:"isVisible,omitempty"`
	Locked    *bool           `json:"isLocked,omitempty"`
}

func (e *Engine) CreateLayer(ctx context.Context, userID string, req CreateLayerRequest) (store.Layer, error) {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "create layers"); err != nil {
		return store.Layer{}, err
	}
	if _, err := e.tree.GetCanvas(ctx, req.ProjectID, req.CanvasID); err != nil {
		return store.Layer{}, lookupFailure("Parent canvas not found.", "Failed to create layer.", err)
	}
	layer := store.Layer{
		ID:        e.newID(),
		CanvasID:  req.CanvasID,
		Name:      req.Name,
		Type:      req.Type,
		BlendMode: req.BlendMode,
		Opacity:   100,
		Visible:   true,
	}
	if req.Opacity != nil {
		layer.Opacity = *req.Opacity
	}
	if req.Visible != nil {
		layer.Visible = *req.Visible
	}
	if req.Locked != nil {
		layer.Locked = *req.Locked
	}
	layer, err := e.tree.CreateLayer(ctx, layer)
	if err != nil {
		return store.Layer{}, lookupFailure("Parent canvas not found.", "Failed to create layer.", err)
	}
	e.hub.Broadcast(ProjectRoom(layer.ProjectID), EventLayerCreated, layer)
	e.log.Info().Str("project_id", layer.ProjectID).Str("user_id", userID).Str("layer_id", layer.ID).Msg("layer created")
	return layer, nil
}

type UpdatePageRequest struct {
	ProjectID string          `json:"projectId"`
	PageID    string          `json:"pageId"`
	Updates   store.PagePatch `json:"updates"`
}

func (e *Engine) UpdatePage(ctx context.Context, userID string, req UpdatePageRequest) (store.Page, error) {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "update pages"); err != nil {
		return store.Page{}, err
	}
	page, err := e.tree.UpdatePage(ctx, req.ProjectID, req.PageID, req.Updates)
	if err != nil {
		return store.Page{}, lookupFailure("Page not found.", "Failed to update page.", err)
	}
	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventPageUpdated, page)
	return page, nil
}

type UpdateCanvasRequest struct {
	ProjectID string            `json:"projectId"`
	CanvasID  string            `json:"canvasId"`
	Updates   store.CanvasPatch `json:"updates"`
}

func (e *Engine) UpdateCanvas(ctx context.Context, userID string, req UpdateCanvasRequest) (store.Canvas, error) {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "update canvases"); err != nil {
		return store.Canvas{}, err
	}
	canvas, err := e.tree.UpdateCanvas(ctx, req.ProjectID, req.CanvasID, req.Updates)
	if err != nil {
		return store.Canvas{}, lookupFailure("Canvas not found.", "Failed to update canvas.", err)
	}
	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventCanvasUpdated, canvas)
	return canvas, nil
}

// UpdateLayerRequest carries a LayerPatch, which cannot express the layer's
// binary data. Clients that send a data key have it ignored.
type UpdateLayerRequest struct {
	ProjectID string           `json:"projectId"`
	LayerID   string           `json:"layerId"`
	Updates   store.LayerPatch `json:"updates"`
}

func (e *Engine) UpdateLayer(ctx context.Context, userID string, req UpdateLayerRequest) (store.Layer, error) {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "update layers"); err != nil {
		return store.Layer{}, err
	}
	layer, err := e.tree.UpdateLayer(ctx, req.ProjectID, req.LayerID, req.Updates)
	if err != nil {
		return store.Layer{}, lookupFailure("Layer not found.", "Failed to update layer.", err)
	}
	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventLayerUpdated, layer)
	return layer, nil
}

type DeletePageRequest struct {
	ProjectID string `json:"projectId"`
	PageID    string `json:"pageId"`
}

// DeletePage removes the page with its canvases and their layers, children
// first, and broadcasts a single page-deleted event.
func (e *Engine) DeletePage(ctx context.Context, userID string, req DeletePageRequest) error {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "delete pages"); err != nil {
		return err
	}
	const failed = "Failed to delete page."
	if _, err := e.tree.GetPage(ctx, req.ProjectID, req.PageID); err != nil {
		return lookupFailure("Page not found.", failed, err)
	}
	canvasIDs, err := e.tree.CanvasIDsByPage(ctx, req.PageID)
	if err != nil {
		return errs.Storage(failed, err)
	}
	layerIDs, err := e.tree.LayerIDsByCanvases(ctx, canvasIDs)
	if err != nil {
		return errs.Storage(failed, err)
	}

	c := e.newCascade(ctx, req.ProjectID, "page", req.PageID)
	if err := c.step("layers", func() error {
		_, err := e.tree.DeleteLayersByCanvases(ctx, canvasIDs)
		return err
	}); err != nil {
		return errs.Storage(failed, err)
	}
	c.deleted(layerIDs...)
	if err := c.step("canvases", func() error {
		_, err := e.tree.DeleteCanvasesByPage(ctx, req.PageID)
		return err
	}); err != nil {
		return errs.Storage(failed, err)
	}
	c.deleted(canvasIDs...)
	if err := c.step("page", func() error {
		return e.tree.DeletePage(ctx, req.ProjectID, req.PageID)
	}); err != nil {
		return lookupFailure("Page not found.", failed, err)
	}
	c.deleted(req.PageID)
	c.finish()

	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventPageDeleted, PageDeleted{PageID: req.PageID})
	e.log.Info().Str("project_id", req.ProjectID).Str("user_id", userID).Str("page_id", req.PageID).
		Int("canvases", len(canvasIDs)).Int("layers", len(layerIDs)).Msg("page deleted")
	return nil
}

type DeleteCanvasRequest struct {
	ProjectID string `json:"projectId"`
	CanvasID  string `json:"canvasId"`
}

func (e *Engine) DeleteCanvas(ctx context.Context, userID string, req DeleteCanvasRequest) error {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "delete canvases"); err != nil {
		return err
	}
	const failed = "Failed to delete canvas."
	if _, err := e.tree.GetCanvas(ctx, req.ProjectID, req.CanvasID); err != nil {
		return lookupFailure("Canvas not found.", failed, err)
	}
	canvasIDs := []string{req.CanvasID}
	layerIDs, err := e.tree.LayerIDsByCanvases(ctx, canvasIDs)
	if err != nil {
		return errs.Storage(failed, err)
	}

	c := e.newCascade(ctx, req.ProjectID, "canvas", req.CanvasID)
	if err := c.step("layers", func() error {
		_, err := e.tree.DeleteLayersByCanvases(ctx, canvasIDs)
		return err
	}); err != nil {
		return errs.Storage(failed, err)
	}
	c.deleted(layerIDs...)
	if err := c.step("canvas", func() error {
		return e.tree.DeleteCanvas(ctx, req.ProjectID, req.CanvasID)
	}); err != nil {
		return lookupFailure("Canvas not found.", failed, err)
	}
	c.deleted(req.CanvasID)
	c.finish()

	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventCanvasDeleted, CanvasDeleted{CanvasID: req.CanvasID, ProjectID: req.ProjectID})
	e.log.Info().Str("project_id", req.ProjectID).Str("user_id", userID).Str("canvas_id", req.CanvasID).
		Int("layers", len(layerIDs)).Msg("canvas deleted")
	return nil
}

type DeleteLayerRequest struct {
	ProjectID string `json:"projectId"`
	LayerID   string `json:"layerId"`
}

func (e *Engine) DeleteLayer(ctx context.Context, userID string, req DeleteLayerRequest) error {
	if err := e.guard.RequireWriter(ctx, req.ProjectID, userID, "delete layers"); err != nil {
		return err
	}
	if err := e.tree.DeleteLayer(ctx, req.ProjectID, req.LayerID); err != nil {
		return lookupFailure("Layer not found.", "Failed to delete layer.", err)
	}
	if e.onDeleted != nil {
		e.onDeleted(ctx, []string{req.LayerID})
	}
	e.hub.Broadcast(ProjectRoom(req.ProjectID), EventLayerDeleted, LayerDeleted{LayerID: req.LayerID, ProjectID: req.ProjectID})
	e.log.Info().Str("project_id", req.ProjectID).Str("user_id", userID).Str("layer_id", req.LayerID).Msg("layer deleted")
	return nil
}

// cascade tracks the steps of a multi-step delete so that a failure after
// the first destructive step is reported as a partial application.
type cascade struct {
	e       *Engine
	ctx     context.Context
	log     zerolog.Logger
	applied []string
	docs    []string
}

func (e *Engine) newCascade(ctx context.Context, projectID, kind, id string) *cascade {
	return &cascade{
		e:   e,
		ctx: ctx,
		log: e.log.With().Str("project_id", projectID).Str("target", kind).Str("target_id", id).Logger(),
	}
}

func (c *cascade) step(name string, fn func() error) error {
	if err := fn(); err != nil {
		if len(c.applied) > 0 {
			c.log.Error().Err(err).Str("failed_step", name).Strs("applied_steps", c.applied).
				Msg("cascade delete partially applied")
		} else {
			c.log.Error().Err(err).Str("failed_step", name).Msg("cascade delete failed")
		}
		c.finish()
		return err
	}
	c.applied = append(c.applied, name)
	return nil
}

func (c *cascade) deleted(ids ...string) {
	c.docs = append(c.docs, ids...)
}

// finish hands every id deleted so far to the document hook, once.
func (c *cascade) finish() {
	if len(c.docs) == 0 || c.e.onDeleted == nil {
		c.docs = nil
		return
	}
	c.e.onDeleted(c.ctx, c.docs)
	c.docs = nil
}

func storeFailure(message string, err error) error {
	if errors.Is(err, store.ErrInvalidInput) {
		return errs.Wrap(errs.ErrValidation, err.Error(), err)
	}
	return errs.Storage(message, err)
}

// lookupFailure maps a store error for an id the caller named.
func lookupFailure(notFound, failed string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound(notFound)
	}
	return storeFailure(failed, err)
}
