// Package router accepts websocket connections from chat clients, binds each
// to an authenticated identity and routes its frames to the chat operations.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/hub/internal/registry"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// CloseLoggedOut is the close code sent to every session of a user who logs out.
const CloseLoggedOut = 4001

// IdentityResolver maps a verified user id to its identity. It returns
// (nil, nil) when the user no longer exists.
type IdentityResolver interface {
	Resolve(ctx context.Context, id int64) (*auth.Identity, error)
}

// Presence receives registry occupancy transitions.
type Presence interface {
	Online(ctx context.Context, id int64)
	Offline(ctx context.Context, id int64)
}

// Operations are the chat operations a client can invoke.
type Operations interface {
	ListConversations(ctx context.Context, caller auth.Identity) (chat.Delivery, error)
	GetConversation(ctx context.Context, caller auth.Identity, conversationID int64) (chat.Delivery, error)
	FindOrCreateConversation(ctx context.Context, caller auth.Identity, otherID int64) (chat.Delivery, error)
	CreateMessage(ctx context.Context, caller auth.Identity, conversationID int64, content string) (chat.Delivery, error)
	SoftDeleteMessage(ctx context.Context, caller auth.Identity, messageID int64) (chat.Delivery, error)
	ListOnline(ctx context.Context) (chat.Delivery, error)
	ListOffline(ctx context.Context) (chat.Delivery, error)
}

// Options configures the Router.
type Options struct {
	AllowedOrigins  []string // for WebSocket origin check
	MaxMessageBytes int64    // max inbound frame size (default 64KB)
	MaxConnsPerUser int      // 0 = unlimited
	SendBuffer      int      // queued outbound frames per connection (default 64)
	FramesPerSecond float64  // per-connection inbound frame rate; 0 = unlimited
	FrameBurst      int
}

// Router owns the websocket side of the hub.
type Router struct {
	verifier   auth.TokenVerifier
	identities IdentityResolver
	registry   *registry.Registry
	presence   Presence
	ops        Operations
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	opts       Options

	mu           sync.Mutex
	active       sync.WaitGroup
	shuttingDown bool
}

// New creates a Router.
func New(v auth.TokenVerifier, ids IdentityResolver, reg *registry.Registry, p Presence, ops Operations, logger *slog.Logger, opts Options) *Router {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 64 * 1024 // 64KB default
	}
	return &Router{
		verifier:   v,
		identities: ids,
		registry:   reg,
		presence:   p,
		ops:        ops,
		logger:     logger.With("component", "router"),
		upgrader:   makeUpgrader(opts.AllowedOrigins),
		opts:       opts,
	}
}

// tokenFromRequest extracts the credential from the token query parameter,
// falling back to the Authorization header.
func tokenFromRequest(req *http.Request) string {
	// Browsers cannot set headers on a websocket handshake, so the query
	// parameter is the primary channel. Keep query strings out of access logs.
	token := req.URL.Query().Get("token")
	if token == "" {
		token = req.Header.Get("Authorization")
	}
	return auth.StripBearer(token)
}

// HandleWS is the upgrade gate. It authenticates the request before
// upgrading, registers the connection, and serves it until it closes.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	token := tokenFromRequest(req)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !r.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.active.Done()

	claims, err := r.verifier.Verify(req.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := r.identities.Resolve(req.Context(), claims.UserID)
	if err != nil {
		r.logger.Warn("resolve identity failed", "user_id", claims.UserID, "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if identity == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, *identity, r.opts.SendBuffer, r.opts.FramesPerSecond, r.opts.FrameBurst)
	first, err := r.registry.RegisterLimit(identity.ID, c, r.opts.MaxConnsPerUser)
	if errors.Is(err, registry.ErrLimit) {
		r.logger.Warn("too many websocket connections for user", "user_id", identity.ID, "limit", r.opts.MaxConnsPerUser)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}

	// Shutdown may have swept the registry while this handshake was in flight.
	if r.closing() {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	// The request context ends with this handler, and presence updates on
	// the way out must still run.
	ctx := context.WithoutCancel(req.Context())
	r.serve(ctx, c, first)
}

// serve runs the connection from registration to unregistration.
func (r *Router) serve(ctx context.Context, c *Conn, first bool) {
	log := r.logger.With("user_id", c.identity.ID, "conn_id", c.id)
	log.Info("client connected")

	go c.writePump()
	if first {
		r.presence.Online(ctx, c.identity.ID)
	}

	c.ws.SetReadLimit(r.opts.MaxMessageBytes)
	c.startKeepalive()

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug("client read error", "error", err)
			break
		}
		if !c.allowFrame() {
			log.Debug("client frame rate limited")
			r.sendError(c, codeRateLimited, "rate limit exceeded")
			continue
		}
		r.dispatch(ctx, c, msg)
	}

	c.Close(websocket.CloseNormalClosure, "")
	<-c.stopped

	if r.registry.Unregister(c.identity.ID, c) {
		r.presence.Offline(ctx, c.identity.ID)
	}
	log.Info("client disconnected")
}

// track counts an in-flight handshake so Shutdown waits for it. It refuses
// once shutdown has begun, keeping every Add ahead of the Wait.
func (r *Router) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return false
	}
	r.active.Add(1)
	return true
}

func (r *Router) closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// Disconnect closes every connection of identityID with code and returns how
// many were closed. Each connection unregisters itself as it exits.
func (r *Router) Disconnect(identityID int64, code int, reason string) int {
	return r.registry.CloseAll(identityID, code, reason)
}

// Shutdown closes every connection with 1001 and waits until all of them have
// unregistered or ctx is done.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()

	n := r.registry.CloseEverything(websocket.CloseGoingAway, "server shutting down")
	r.logger.Info("closing websocket connections", "count", n)

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
