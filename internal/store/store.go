// Package store holds the project tree, the mirrored project membership and
// the durable document snapshots behind a single Store interface with
// memory, JSON file, SQLite and Postgres implementations.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// ProjectStore is the membership data mirrored from the upstream system of
// record. Collaborator user ids are unique per project.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
	PutProject(ctx context.Context, project Project) error
	DeleteProject(ctx context.Context, projectID string) error
	UpsertCollaborator(ctx context.Context, projectID string, collaborator Collaborator) error
	RemoveCollaborator(ctx context.Context, projectID, userID string) error
}

// TreeStore holds pages, canvases and layers. Create calls assign the entity
// order as the highest sibling order plus one, or zero for the first child.
// Get, Update and single-entity Delete calls are scoped to a project and
// return ErrNotFound when the id does not resolve inside it.
type TreeStore interface {
	ListPages(ctx context.Context, projectID string) ([]Page, error)
	ListCanvases(ctx context.Context, projectID string) ([]Canvas, error)
	ListLayers(ctx context.Context, projectID string) ([]Layer, error)

	GetPage(ctx context.Context, projectID, pageID string) (Page, error)
	GetCanvas(ctx context.Context, projectID, canvasID string) (Canvas, error)
	GetLayer(ctx context.Context, projectID, layerID string) (Layer, error)

	CreatePage(ctx context.Context, page Page) (Page, error)
	CreateCanvas(ctx context.Context, canvas Canvas) (Canvas, error)
	CreateLayer(ctx context.Context, layer Layer) (Layer, error)

	UpdatePage(ctx context.Context, projectID, pageID string, patch PagePatch) (Page, error)
	UpdateCanvas(ctx context.Context, projectID, canvasID string, patch CanvasPatch) (Canvas, error)
	UpdateLayer(ctx context.Context, projectID, layerID string, patch LayerPatch) (Layer, error)

	CanvasIDsByPage(ctx context.Context, pageID string) ([]string, error)
	LayerIDsByCanvases(ctx context.Context, canvasIDs []string) ([]string, error)
	DeleteLayersByCanvases(ctx context.Context, canvasIDs []string) (int, error)
	DeleteCanvasesByPage(ctx context.Context, pageID string) (int, error)
	DeletePage(ctx context.Context, projectID, pageID string) error
	DeleteCanvas(ctx context.Context, projectID, canvasID string) error
	DeleteLayer(ctx context.Context, projectID, layerID string) error

	// DocumentProject resolves a document id (a layer, canvas or page id) to
	// the project owning it.
	DocumentProject(ctx context.Context, documentID string) (string, error)
}

// SnapshotStore keeps one opaque binary snapshot per document id. A layer's
// snapshot is its data column; canvas and page ids use a separate documents
// keyspace whose rows are removed with their owner. SaveSnapshot returns
// ErrNotFound when the id names no layer, canvas or page.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, documentID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, documentID string, data []byte) error
}

type Store interface {
	ProjectStore
	TreeStore
	SnapshotStore
	// Ready verifies the backend is reachable and its schema exists.
	Ready(ctx context.Context) error
	Close() error
}
