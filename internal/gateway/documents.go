package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/agentworkforce/canvasrelay/internal/auth"
	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

const (
	eventRequestSnapshot = "request-snapshot"
	eventSnapshot        = "snapshot"
	eventSaveUpdate      = "save-update"
	eventCRDTUpdate      = "crdt-update"
	eventAwarenessUpdate = "awareness-update"
)

func DocumentRoom(documentID string) string {
	return "document:" + documentID
}

// Snapshot answers request-snapshot. Data is null when the document has no
// stored state yet.
type Snapshot struct {
	Ack  json.RawMessage `json:"ack,omitempty"`
	Data []byte          `json:"data"`
}

// DocumentUpdate carries an opaque CRDT payload, base64 encoded on the wire.
type DocumentUpdate struct {
	Data []byte `json:"data"`
}

type documentSession struct {
	documentID string
	projectID  string
}

func (g *Gateway) handleDocuments(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	identity, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	documentID := ps.ByName("documentID")
	projectID, ok := g.authorizeDocument(w, r, identity, documentID)
	if !ok {
		return
	}

	c, ok := g.accept(w, r, identity, "documents")
	if !ok {
		return
	}
	session := documentSession{documentID: documentID, projectID: projectID}
	name := DocumentRoom(documentID)
	g.docRooms.Join(name, c)
	c.log.Debug().Str("document_id", documentID).Str("project_id", projectID).Msg("bound document")

	defer g.release(c, func() { g.docRooms.Leave(name, c.id) })
	g.run(r.Context(), c, func(ctx context.Context, msg inbound) {
		g.dispatchDocument(ctx, c, session, msg)
	})
}

// authorizeDocument resolves documentID to its project and requires the
// caller to be a member of it, answering 404 or 403 before any upgrade.
func (g *Gateway) authorizeDocument(w http.ResponseWriter, r *http.Request, identity auth.Identity, documentID string) (string, bool) {
	projectID, err := g.tree.DocumentProject(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errs.NotFound("Document not found.")
		} else {
			err = errs.Storage("Failed to load document.", err)
			g.log.Error().Err(err).Str("document_id", documentID).Msg("failed to resolve document")
		}
		writeError(w, statusFor(err), errs.Message(err, "Failed to load document."))
		return "", false
	}
	if _, err := g.guard.RequireMember(r.Context(), projectID, identity.UserID); err != nil {
		g.log.Warn().Str("user_id", identity.UserID).Str("document_id", documentID).Msg("document access denied")
		writeError(w, statusFor(err), errs.Message(err, "Failed to load document."))
		return "", false
	}
	return projectID, true
}

func (g *Gateway) dispatchDocument(ctx context.Context, c *conn, s documentSession, msg inbound) {
	userID := c.identity.UserID
	switch msg.Event {
	case eventRequestSnapshot:
		if _, err := g.guard.RequireMember(ctx, s.projectID, userID); err != nil {
			c.sendError(err, "Failed to load document.")
			return
		}
		data, found, err := g.documents.Fetch(ctx, s.documentID)
		if err != nil {
			c.sendError(errs.Storage("Failed to load document.", err), "Failed to load document.")
			return
		}
		if !found {
			data = nil
		}
		c.Send(eventSnapshot, Snapshot{Ack: msg.Ack, Data: data})

	case eventSaveUpdate, eventCRDTUpdate:
		var update DocumentUpdate
		if !decode(c, msg, &update, "Failed to save document.") {
			return
		}
		if err := g.guard.RequireWriter(ctx, s.projectID, userID, "edit documents"); err != nil {
			c.sendError(err, "Failed to save document.")
			return
		}
		if msg.Event == eventCRDTUpdate {
			g.docRooms.BroadcastExcept(DocumentRoom(s.documentID), c.id, eventCRDTUpdate, update)
			return
		}
		if err := g.documents.Apply(ctx, s.documentID, update.Data); err != nil {
			c.sendError(errs.Storage("Failed to save document.", err), "Failed to save document.")
		}

	case eventAwarenessUpdate:
		var update DocumentUpdate
		if decode(c, msg, &update, "Failed to relay awareness.") {
			g.docRooms.BroadcastExcept(DocumentRoom(s.documentID), c.id, eventAwarenessUpdate, update)
		}

	default:
		c.log.Debug().Str("event", msg.Event).Msg("ignoring unknown event")
	}
}
