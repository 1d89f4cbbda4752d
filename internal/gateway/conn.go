package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/canvasrelay/internal/auth"
	"github.com/agentworkforce/canvasrelay/internal/errs"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   json.RawMessage `json:"ack,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// conn is one websocket connection. It satisfies room.Member so rooms can
// queue frames on it directly.
type conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	log      zerolog.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, identity auth.Identity, ws *websocket.Conn, queue int, log zerolog.Logger) *conn {
	return &conn{
		id:       id,
		identity: identity,
		ws:       ws,
		log:      log,
		send:     make(chan outbound, queue),
		done:     make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Send queues a frame without blocking. A full queue means the peer is not
// keeping up; it is disconnected and the frame is dropped.
func (c *conn) Send(event string, payload any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{Event: event, Data: payload}:
		return true
	default:
		c.log.Warn().Str("event", event).Msg("send queue full, disconnecting slow consumer")
		go c.close(websocket.StatusPolicyViolation, "send queue full")
		return false
	}
}

func (c *conn) sendError(err error, fallback string) {
	if errors.Is(err, errs.ErrStorage) || !errors.As(err, new(*errs.Error)) {
		c.log.Error().Err(err).Msg(fallback)
	}
	c.Send("error", ErrorPayload{Message: errs.Message(err, fallback)})
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) closeNow() {
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.ws.CloseNow()
}

func (c *conn) readPump(ctx context.Context, dispatch func(context.Context, inbound)) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			c.Send("error", ErrorPayload{Message: "Malformed message."})
			continue
		}
		dispatch(ctx, msg)
	}
}

func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Str("event", msg.Event).Msg("failed to encode frame")
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				go c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				go c.close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}
