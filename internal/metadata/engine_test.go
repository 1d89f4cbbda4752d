package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/membership"
	"github.com/agentworkforce/canvasrelay/internal/room"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

type sent struct {
	event   string
	payload any
}

type recorder struct {
	id string

	mu  sync.Mutex
	got []sent
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(event string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, sent{event, payload})
	return true
}

func (r *recorder) events(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []any{}
	for _, s := range r.got {
		if s.event == name {
			out = append(out, s.payload)
		}
	}
	return out
}

type fixture struct {
	store     *store.MemoryStore
	engine    *Engine
	hub       *room.Hub
	forgotten []string
	logs      *bytes.Buffer
}

func newFixture(t *testing.T, tree store.TreeStore) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutProject(context.Background(), store.Project{
		ID: "p1", Name: "Poster", OwnerID: "1",
		Collaborators: []store.Collaborator{
			{UserID: "1", Role: store.RoleOwner},
			{UserID: "2", Role: store.RoleEditor},
			{UserID: "3", Role: store.RoleViewer},
		},
	}))
	if tree == nil {
		tree = ms
	}
	f := &fixture{store: ms, hub: room.NewHub(), logs: &bytes.Buffer{}}
	n := 0
	f.engine = NewEngine(Options{
		Tree:   tree,
		Guard:  membership.NewGuard(ms),
		Hub:    f.hub,
		Logger: zerolog.New(f.logs),
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
		OnDocumentsDeleted: func(ctx context.Context, ids []string) {
			f.forgotten = append(f.forgotten, ids...)
		},
	})
	return f
}

func (f *fixture) join(t *testing.T, id, userID string) *recorder {
	t.Helper()
	r := &recorder{id: id}
	_, err := f.engine.Join(context.Background(), r, userID, "p1")
	require.NoError(t, err)
	return r
}

func TestJoinPermissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Join(ctx, &recorder{id: "c9"}, "9", "p1")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	require.Equal(t, "You do not have permission to join this project.", errs.Message(err, ""))
	require.False(t, f.hub.IsMember(ProjectRoom("p1"), "c9"))

	_, err = f.engine.Join(ctx, &recorder{id: "c1"}, "1", "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, "Project not found.", errs.Message(err, ""))

	f.join(t, "viewer", "3")
	require.True(t, f.hub.IsMember(ProjectRoom("p1"), "viewer"))
}

func TestJoinReturnsOrderedTree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page, err := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "One"})
	require.NoError(t, err)
	_, err = f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Two"})
	require.NoError(t, err)
	canvas, err := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 100, Height: 100})
	require.NoError(t, err)
	_, err = f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "L", Type: store.LayerBrush})
	require.NoError(t, err)

	data, err := f.engine.Join(ctx, &recorder{id: "c3"}, "3", "p1")
	require.NoError(t, err)
	require.Len(t, data.Pages, 2)
	require.Equal(t, "One", data.Pages[0].Name)
	require.Equal(t, 1, data.Pages[1].Order)
	require.Len(t, data.Canvases, 1)
	require.Len(t, data.Layers, 1)
}

func TestEditorCreatesCanvasesInOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	watcher := f.join(t, "watcher", "3")

	page, err := f.engine.CreatePage(ctx, "2", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	require.NoError(t, err)
	first, err := f.engine.CreateCanvas(ctx, "2", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "A", Width: 10, Height: 10})
	require.NoError(t, err)
	second, err := f.engine.CreateCanvas(ctx, "2", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "B", Width: 10, Height: 10})
	require.NoError(t, err)

	require.Equal(t, 0, first.Order)
	require.Equal(t, 1, second.Order)
	require.Equal(t, store.UnitPixel, first.Unit)
	require.Len(t, watcher.events(EventPageCreated), 1)
	require.Len(t, watcher.events(EventCanvasCreated), 2)
}

func TestCreateLayerDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	canvas, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 1, Height: 1})

	layer, err := f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "Ink", Type: store.LayerBrush})
	require.NoError(t, err)
	require.Equal(t, store.BlendNormal, layer.BlendMode)
	require.Equal(t, 100, layer.Opacity)
	require.True(t, layer.Visible)
	require.False(t, layer.Locked)
	require.Equal(t, "p1", layer.ProjectID)
}

func TestViewerMutationsDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	watcher := f.join(t, "watcher", "1")
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	canvas, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 1, Height: 1})
	before := len(watcher.got)

	_, err := f.engine.CreateLayer(ctx, "3", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "L", Type: store.LayerText})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	require.Equal(t, "Only owners or editors can create layers.", errs.Message(err, ""))

	name := "renamed"
	checks := map[string]error{}
	_, checks["create pages"] = f.engine.CreatePage(ctx, "3", CreatePageRequest{ProjectID: "p1", Name: "X"})
	_, checks["create canvases"] = f.engine.CreateCanvas(ctx, "3", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "X", Width: 1, Height: 1})
	_, checks["update pages"] = f.engine.UpdatePage(ctx, "3", UpdatePageRequest{ProjectID: "p1", PageID: page.ID, Updates: store.PagePatch{Name: &name}})
	_, checks["update canvases"] = f.engine.UpdateCanvas(ctx, "3", UpdateCanvasRequest{ProjectID: "p1", CanvasID: canvas.ID})
	_, checks["update layers"] = f.engine.UpdateLayer(ctx, "3", UpdateLayerRequest{ProjectID: "p1", LayerID: "x"})
	checks["delete pages"] = f.engine.DeletePage(ctx, "3", DeletePageRequest{ProjectID: "p1", PageID: page.ID})
	checks["delete canvases"] = f.engine.DeleteCanvas(ctx, "3", DeleteCanvasRequest{ProjectID: "p1", CanvasID: canvas.ID})
	checks["delete layers"] = f.engine.DeleteLayer(ctx, "3", DeleteLayerRequest{ProjectID: "p1", LayerID: "x"})
	for action, err := range checks {
		require.ErrorIs(t, err, errs.ErrPermissionDenied, action)
		require.Equal(t, "Only owners or editors can "+action+".", errs.Message(err, ""))
	}
	require.Len(t, watcher.got, before)
}

func TestCreateChildRequiresParentInProject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.PutProject(ctx, store.Project{ID: "p2", OwnerID: "1", Collaborators: []store.Collaborator{{UserID: "1", Role: store.RoleOwner}}}))
	foreign, err := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p2", Name: "Elsewhere"})
	require.NoError(t, err)

	_, err = f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: "missing", Name: "C", Width: 1, Height: 1})
	require.Equal(t, "Parent page not found.", errs.Message(err, ""))
	_, err = f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: foreign.ID, Name: "C", Width: 1, Height: 1})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: "missing", Name: "L", Type: store.LayerShape})
	require.Equal(t, "Parent canvas not found.", errs.Message(err, ""))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	_, err := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: -1, Height: 1})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1"})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestUpdateLayerMergesAndBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	watcher := f.join(t, "watcher", "3")
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	canvas, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 1, Height: 1})
	layer, _ := f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "L", Type: store.LayerImage})
	require.NoError(t, f.store.SaveSnapshot(ctx, layer.ID, []byte("crdt")))

	hidden := false
	updated, err := f.engine.UpdateLayer(ctx, "2", UpdateLayerRequest{ProjectID: "p1", LayerID: layer.ID, Updates: store.LayerPatch{Visible: &hidden}})
	require.NoError(t, err)
	require.False(t, updated.Visible)
	require.Equal(t, "L", updated.Name)
	require.Len(t, watcher.events(EventLayerUpdated), 1)

	data, err := f.store.LoadSnapshot(ctx, layer.ID)
	require.NoError(t, err)
	require.Equal(t, "crdt", string(data))

	_, err = f.engine.UpdateLayer(ctx, "2", UpdateLayerRequest{ProjectID: "p1", LayerID: "missing"})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Len(t, watcher.events(EventLayerUpdated), 1)
}

func TestDeletePageCascades(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	watcher := f.join(t, "watcher", "3")
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	keep, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Keep"})
	for i := 0; i < 2; i++ {
		canvas, err := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 1, Height: 1})
		require.NoError(t, err)
		for j := 0; j < 2; j++ {
			_, err := f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "L", Type: store.LayerBrush})
			require.NoError(t, err)
		}
	}
	kept, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: keep.ID, Name: "K", Width: 1, Height: 1})

	require.NoError(t, f.engine.DeletePage(ctx, "2", DeletePageRequest{ProjectID: "p1", PageID: page.ID}))

	require.Equal(t, []any{PageDeleted{PageID: page.ID}}, watcher.events(EventPageDeleted))
	require.Empty(t, watcher.events(EventCanvasDeleted))
	require.Empty(t, watcher.events(EventLayerDeleted))

	pages, _ := f.store.ListPages(ctx, "p1")
	canvases, _ := f.store.ListCanvases(ctx, "p1")
	layers, _ := f.store.ListLayers(ctx, "p1")
	require.Len(t, pages, 1)
	require.Equal(t, []store.Canvas{kept}, canvases)
	require.Empty(t, layers)
	require.Len(t, f.forgotten, 7)

	err := f.engine.DeletePage(ctx, "2", DeletePageRequest{ProjectID: "p1", PageID: page.ID})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Len(t, watcher.events(EventPageDeleted), 1)
}

func TestDeleteCanvasAndLayer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	watcher := f.join(t, "watcher", "3")
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	canvas, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 1, Height: 1})
	other, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "D", Width: 1, Height: 1})
	_, _ = f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "L", Type: store.LayerBrush})
	single, _ := f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: other.ID, Name: "S", Type: store.LayerBrush})

	require.NoError(t, f.engine.DeleteCanvas(ctx, "1", DeleteCanvasRequest{ProjectID: "p1", CanvasID: canvas.ID}))
	require.Equal(t, []any{CanvasDeleted{CanvasID: canvas.ID, ProjectID: "p1"}}, watcher.events(EventCanvasDeleted))

	require.NoError(t, f.engine.DeleteLayer(ctx, "1", DeleteLayerRequest{ProjectID: "p1", LayerID: single.ID}))
	require.Equal(t, []any{LayerDeleted{LayerID: single.ID, ProjectID: "p1"}}, watcher.events(EventLayerDeleted))

	layers, _ := f.store.ListLayers(ctx, "p1")
	require.Empty(t, layers)

	require.ErrorIs(t, f.engine.DeleteLayer(ctx, "1", DeleteLayerRequest{ProjectID: "p1", LayerID: single.ID}), errs.ErrNotFound)
	require.Len(t, watcher.events(EventLayerDeleted), 1)
}

type failingCanvasDelete struct {
	*store.MemoryStore
}

func (failingCanvasDelete) DeleteCanvasesByPage(context.Context, string) (int, error) {
	return 0, errors.New("disk full")
}

func TestDeletePagePartialFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	tree := failingCanvasDelete{f.store}
	f.engine.tree = tree
	ctx := context.Background()
	watcher := f.join(t, "watcher", "3")
	page, _ := f.engine.CreatePage(ctx, "1", CreatePageRequest{ProjectID: "p1", Name: "Page"})
	canvas, _ := f.engine.CreateCanvas(ctx, "1", CreateCanvasRequest{ProjectID: "p1", PageID: page.ID, Name: "C", Width: 1, Height: 1})
	layer, _ := f.engine.CreateLayer(ctx, "1", CreateLayerRequest{ProjectID: "p1", CanvasID: canvas.ID, Name: "L", Type: store.LayerBrush})

	err := f.engine.DeletePage(ctx, "1", DeletePageRequest{ProjectID: "p1", PageID: page.ID})
	require.ErrorIs(t, err, errs.ErrStorage)
	require.Equal(t, "Failed to delete page.", errs.Message(err, ""))
	require.Empty(t, watcher.events(EventPageDeleted))
	require.Contains(t, f.logs.String(), "cascade delete partially applied")
	require.Contains(t, f.logs.String(), `"failed_step":"canvases"`)
	require.Equal(t, []string{layer.ID}, f.forgotten)
}
