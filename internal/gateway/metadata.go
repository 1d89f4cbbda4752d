package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/metadata"
)

const (
	eventJoinProject  = "join-project"
	eventCreatePage   = "create-page"
	eventUpdatePage   = "update-page"
	eventDeletePage   = "delete-page"
	eventCreateCanvas = "create-canvas"
	eventUpdateCanvas = "update-canvas"
	eventDeleteCanvas = "delete-canvas"
	eventCreateLayer  = "create-layer"
	eventUpdateLayer  = "update-layer"
	eventDeleteLayer  = "delete-layer"
)

func (g *Gateway) handleMetadata(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	c, ok := g.accept(w, r, identity, "metadata")
	if !ok {
		return
	}
	defer g.release(c, func() { g.projects.LeaveAll(c.id) })
	g.run(r.Context(), c, func(ctx context.Context, msg inbound) {
		g.dispatchMetadata(ctx, c, msg)
	})
}

func (g *Gateway) dispatchMetadata(ctx context.Context, c *conn, msg inbound) {
	userID := c.identity.UserID
	switch msg.Event {
	case eventJoinProject:
		projectID, err := joinTarget(msg.Data, "projectId")
		if err != nil {
			c.sendError(errs.Validation("Invalid join-project payload."), "Failed to join project.")
			return
		}
		data, err := g.engine.Join(ctx, c, userID, projectID)
		if err != nil {
			c.sendError(err, "Failed to join project.")
			return
		}
		c.Send(metadata.EventInitialData, data)

	case eventCreatePage:
		var req metadata.CreatePageRequest
		if decode(c, msg, &req, "Failed to create page.") {
			_, err := g.engine.CreatePage(ctx, userID, req)
			reply(c, err, "Failed to create page.")
		}
	case eventUpdatePage:
		var req metadata.UpdatePageRequest
		if decode(c, msg, &req, "Failed to update page.") {
			_, err := g.engine.UpdatePage(ctx, userID, req)
			reply(c, err, "Failed to update page.")
		}
	case eventDeletePage:
		var req metadata.DeletePageRequest
		if decode(c, msg, &req, "Failed to delete page.") {
			reply(c, g.engine.DeletePage(ctx, userID, req), "Failed to delete page.")
		}

	case eventCreateCanvas:
		var req metadata.CreateCanvasRequest
		if decode(c, msg, &req, "Failed to create canvas.") {
			_, err := g.engine.CreateCanvas(ctx, userID, req)
			reply(c, err, "Failed to create canvas.")
		}
	case eventUpdateCanvas:
		var req metadata.UpdateCanvasRequest
		if decode(c, msg, &req, "Failed to update canvas.") {
			_, err := g.engine.UpdateCanvas(ctx, userID, req)
			reply(c, err, "Failed to update canvas.")
		}
	case eventDeleteCanvas:
		var req metadata.DeleteCanvasRequest
		if decode(c, msg, &req, "Failed to delete canvas.") {
			reply(c, g.engine.DeleteCanvas(ctx, userID, req), "Failed to delete canvas.")
		}

	case eventCreateLayer:
		var req metadata.CreateLayerRequest
		if decode(c, msg, &req, "Failed to create layer.") {
			_, err := g.engine.CreateLayer(ctx, userID, req)
			reply(c, err, "Failed to create layer.")
		}
	case eventUpdateLayer:
		// LayerPatch has no data field, so a client-supplied "data" key in
		// updates is dropped while decoding.
		var req metadata.UpdateLayerRequest
		if decode(c, msg, &req, "Failed to update layer.") {
			_, err := g.engine.UpdateLayer(ctx, userID, req)
			reply(c, err, "Failed to update layer.")
		}
	case eventDeleteLayer:
		var req metadata.DeleteLayerRequest
		if decode(c, msg, &req, "Failed to delete layer.") {
			reply(c, g.engine.DeleteLayer(ctx, userID, req), "Failed to delete layer.")
		}

	default:
		c.log.Debug().Str("event", msg.Event).Msg("ignoring unknown event")
	}
}

// decode unmarshals the frame payload into dst, reporting failures to c.
func decode(c *conn, msg inbound, dst any, fallback string) bool {
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		c.sendError(errs.Wrap(errs.ErrValidation, "Invalid "+msg.Event+" payload.", err), fallback)
		return false
	}
	return true
}

// reply reports err to the requester. Successful mutations are answered by
// the room broadcast.
func reply(c *conn, err error, fallback string) {
	if err != nil {
		c.sendError(err, fallback)
	}
}

// joinTarget accepts either a bare string or an object carrying field.
func joinTarget(data json.RawMessage, field string) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	return strings.TrimSpace(obj[field]), nil
}
