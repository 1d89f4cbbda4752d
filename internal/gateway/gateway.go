// Package gateway serves the websocket channels: it authenticates each
// upgrade, tracks live connections and routes inbound frames to the
// metadata engine, the document pipeline and the signaling relays.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/canvasrelay/internal/auth"
	"github.com/agentworkforce/canvasrelay/internal/docsync"
	"github.com/agentworkforce/canvasrelay/internal/errs"
	"github.com/agentworkforce/canvasrelay/internal/membership"
	"github.com/agentworkforce/canvasrelay/internal/metadata"
	"github.com/agentworkforce/canvasrelay/internal/room"
	"github.com/agentworkforce/canvasrelay/internal/signaling"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

const (
	defaultSendQueue       = 256
	defaultMaxMessageBytes = 1 << 20
)

var ErrShuttingDown = errors.New("gateway is shutting down")

type Options struct {
	Auth      *auth.Authenticator
	Tree      store.TreeStore
	Guard     *membership.Guard
	Documents *docsync.Pipeline
	Logger    zerolog.Logger

	SendQueue       int
	MaxMessageBytes int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	// OriginPatterns restricts cross-origin upgrades. Empty allows any origin.
	OriginPatterns []string
	NewID          func() string
}

type Gateway struct {
	opts   Options
	log    zerolog.Logger
	router *httprouter.Router

	auth      *auth.Authenticator
	tree      store.TreeStore
	guard     *membership.Guard
	documents *docsync.Pipeline
	engine    *metadata.Engine
	projects  *room.Hub
	docRooms  *room.Hub
	scoped    *signaling.Relay
	global    *signaling.Relay
	schemas   *validator
	limiter   *userLimiter

	mu      sync.Mutex
	closing bool
	conns   map[string]*conn
	active  sync.WaitGroup
}

func New(opts Options) (*Gateway, error) {
	if opts.Auth == nil || opts.Tree == nil || opts.Guard == nil || opts.Documents == nil {
		return nil, errors.New("gateway: auth, tree, guard and documents are required")
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.RateLimitMax < 0 {
		opts.RateLimitMax = 0
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	schemas, err := newValidator()
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With().Str("component", "gateway").Logger()
	g := &Gateway{
		opts:      opts,
		log:       log,
		auth:      opts.Auth,
		tree:      opts.Tree,
		guard:     opts.Guard,
		documents: opts.Documents,
		projects:  room.NewHub(),
		docRooms:  room.NewHub(),
		scoped:    signaling.NewRelay(opts.Logger),
		global:    signaling.NewRelay(opts.Logger),
		schemas:   schemas,
		conns:     map[string]*conn{},
	}
	g.engine = metadata.NewEngine(metadata.Options{
		Tree:   opts.Tree,
		Guard:  opts.Guard,
		Hub:    g.projects,
		Logger: opts.Logger,
		OnDocumentsDeleted: func(ctx context.Context, ids []string) {
			g.documents.Forget(ctx, ids...)
		},
	})
	if opts.RateLimitMax > 0 {
		g.limiter = newUserLimiter(opts.RateLimitMax, opts.RateLimitWindow)
	}

	router := httprouter.New()
	router.GET("/health", g.handleHealth)
	router.GET("/ws/metadata", g.handleMetadata)
	router.GET("/ws/documents/:documentID", g.handleDocuments)
	router.GET("/ws/signaling", g.handleSignaling)
	router.GET("/ws/peers", g.handlePeers)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	g.router = router
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Connections reports the number of open websocket connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown stops admitting connections, flushes pending documents, closes
// every open connection and flushes whatever those connections wrote in the
// meantime. It returns ctx.Err() when the deadline passes first.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	open := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	g.log.Info().Int("connections", len(open)).Int("pending_documents", g.documents.Pending()).Msg("shutting down")
	flushErr := g.documents.FlushAll(ctx)

	for _, c := range open {
		go c.close(websocket.StatusGoingAway, "server shutting down")
	}
	drained := make(chan struct{})
	go func() {
		g.active.Wait()
		close(drained)
	}()
	grace := time.NewTimer(closeGrace(ctx))
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		g.log.Warn().Msg("close handshakes did not finish, dropping connections")
		for _, c := range open {
			c.closeNow()
		}
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		for _, c := range open {
			c.closeNow()
		}
		return ctx.Err()
	}

	if err := g.documents.FlushAll(ctx); err != nil {
		flushErr = errors.Join(flushErr, err)
	}
	if flushErr != nil {
		return flushErr
	}
	return ctx.Err()
}

// closeGrace is how long peers get to answer the close handshake: half of
// the time left before ctx's deadline, or two seconds without one.
func closeGrace(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 2 * time.Second
	}
	return time.Until(deadline) / 2
}

func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, err := g.auth.Authenticate(auth.FromRequest(r))
	if err != nil {
		g.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected connection")
		writeError(w, http.StatusUnauthorized, errs.Message(err, auth.MsgInvalidToken))
		return auth.Identity{}, false
	}
	return identity, true
}

// accept upgrades the request and registers the connection. The caller must
// call g.release once the connection is done.
func (g *Gateway) accept(w http.ResponseWriter, r *http.Request, identity auth.Identity, channel string) (*conn, bool) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return nil, false
	}
	g.active.Add(1)
	g.mu.Unlock()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.opts.OriginPatterns,
		InsecureSkipVerify: len(g.opts.OriginPatterns) == 0,
	})
	if err != nil {
		g.active.Done()
		g.log.Warn().Err(err).Str("channel", channel).Msg("websocket upgrade failed")
		return nil, false
	}
	ws.SetReadLimit(g.opts.MaxMessageBytes)

	id := g.opts.NewID()
	c := newConn(id, identity, ws, g.opts.SendQueue, g.log.With().
		Str("conn_id", id).
		Str("user_id", identity.UserID).
		Str("channel", channel).
		Logger())

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		c.close(websocket.StatusGoingAway, "server shutting down")
		g.active.Done()
		return nil, false
	}
	g.conns[id] = c
	g.mu.Unlock()
	c.log.Info().Msg("connection opened")
	return c, true
}

func (g *Gateway) release(c *conn, cleanup func()) {
	if cleanup != nil {
		cleanup()
	}
	c.close(websocket.StatusNormalClosure, "")
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.active.Done()
	c.log.Info().Msg("connection closed")
}

// run pumps c until the peer goes away. Frames are handled one at a time in
// arrival order.
func (g *Gateway) run(ctx context.Context, c *conn, handle func(context.Context, inbound)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)

	err := c.readPump(ctx, func(ctx context.Context, msg inbound) {
		if g.limiter != nil && !g.limiter.allow(c.identity.UserID, time.Now().UTC()) {
			c.sendError(errs.New(errs.ErrRateLimited, "rate limit exceeded"), "rate limit exceeded")
			return
		}
		if err := g.schemas.validate(msg.Event, msg.Data); err != nil {
			c.log.Debug().Err(err).Str("event", msg.Event).Msg("rejected payload")
			c.sendError(err, "Invalid payload.")
			return
		}
		handle(ctx, msg)
	})
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway, errors.Is(err, context.Canceled):
	default:
		c.log.Debug().Err(err).Msg("read loop ended")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorPayload{Message: message})
}

// userLimiter counts inbound events per user in fixed windows. All of a
// user's connections share one budget, so reconnecting does not reset it.
type userLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	users   map[string]*userWindow
	sweepAt time.Time
}

type userWindow struct {
	events int
	ends   time.Time
}

func newUserLimiter(limit int, window time.Duration) *userLimiter {
	return &userLimiter{window: window, max: limit, users: map[string]*userWindow{}}
}

func (l *userLimiter) allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.sweepAt) {
		for id, w := range l.users {
			if !now.Before(w.ends) {
				delete(l.users, id)
			}
		}
		l.sweepAt = now.Add(l.window)
	}
	w, ok := l.users[userID]
	if !ok || !now.Before(w.ends) {
		l.users[userID] = &userWindow{events: 1, ends: now.Add(l.window)}
		return true
	}
	if w.events >= l.max {
		return false
	}
	w.events++
	return true
}
