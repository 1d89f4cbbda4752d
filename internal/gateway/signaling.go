package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/agentworkforce/canvasrelay/internal/signaling"
)

const (
	eventJoinRoom  = "join-room"
	eventSignal    = "signal"
	eventAwareness = "awareness"
)

type signalRequest struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type awarenessRequest struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// handleSignaling serves the relay scoped to a single room named by the
// room query parameter. The room is a document id and the caller must be a
// member of the project owning it.
func (g *Gateway) handleSignaling(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	scope := strings.TrimSpace(r.URL.Query().Get("room"))
	if scope == "" {
		writeError(w, http.StatusBadRequest, "room query parameter is required")
		return
	}
	if _, ok := g.authorizeDocument(w, r, identity, scope); !ok {
		return
	}
	c, ok := g.accept(w, r, identity, "signaling")
	if !ok {
		return
	}
	g.serveSignaling(r.Context(), c, g.scoped.Session(c, scope))
}

func (g *Gateway) handlePeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	c, ok := g.accept(w, r, identity, "peers")
	if !ok {
		return
	}
	g.serveSignaling(r.Context(), c, g.global.Session(c, ""))
}

func (g *Gateway) serveSignaling(ctx context.Context, c *conn, session *signaling.Session) {
	defer g.release(c, session.Close)
	g.run(ctx, c, func(ctx context.Context, msg inbound) {
		switch msg.Event {
		case eventJoinRoom:
			name, err := joinTarget(msg.Data, "room")
			if err != nil {
				return
			}
			if joined, ok := session.JoinRoom(name); ok {
				c.Send(signaling.EventJoined, joined)
			}
		case eventSignal:
			var req signalRequest
			if err := json.Unmarshal(msg.Data, &req); err == nil {
				session.Signal(req.To, req.Payload)
			}
		case eventAwareness:
			var req awarenessRequest
			if session.Global() && json.Unmarshal(msg.Data, &req) == nil {
				session.Awareness(req.Room, req.Payload)
			}
		default:
			c.log.Debug().Str("event", msg.Event).Msg("ignoring unknown event")
		}
	})
}
