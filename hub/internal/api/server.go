// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/router"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deliverer fans an encoded frame out to every connection of the given identities.
type Deliverer interface {
	SendToMany(identityIDs []int64, payload []byte) int
}

// BotReplier produces and posts a bot reply in a conversation.
type BotReplier interface {
	Reply(ctx context.Context, conversationID int64, content string) (chat.Delivery, error)
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Store      Pinger
	Accounts   *auth.Service // nil when tokens are issued externally
	Verifier   auth.TokenVerifier
	Identities router.IdentityResolver
	Router     *router.Router
	Chat       *chat.Service
	Conns      Deliverer
	Bot        BotReplier // nil when the chatbot is disabled
	BotID      int64
}

// Server is the HTTP API server.
type Server struct {
	store        Pinger
	accounts     *auth.Service // nil when tokens are issued externally
	verifier     auth.TokenVerifier
	identities   router.IdentityResolver
	router       *router.Router
	chat         *chat.Service
	conns        Deliverer
	bot          BotReplier
	botID        int64
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server. When d.Accounts is nil the register
// and login routes are not mounted.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        d.Store,
		accounts:     d.Accounts,
		verifier:     d.Verifier,
		identities:   d.Identities,
		router:       d.Router,
		chat:         d.Chat,
		conns:        d.Conns,
		bot:          d.Bot,
		botID:        d.BotID,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	if srv.accounts != nil {
		srv.loginRL = newRateLimiter(5, 10)
		limited := mux.With(ipRateLimitMiddleware(srv.loginRL, "too many attempts"))
		limited.Post("/api/auth/register", srv.handleRegister)
		limited.Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside)
	mux.Get("/ws", srv.router.HandleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Post("/api/auth/logout", srv.handleLogout)

		r.Route("/api/users/{userid}/chats", func(r chi.Router) {
			r.Use(srv.requireSelf)
			r.Get("/", srv.handleListChats)
			r.Post("/", srv.handleCreateChat)
			r.Get("/{chatid}", srv.handleGetChat)
			r.Patch("/{chatid}", srv.handleTouchChat)
			r.Post("/{chatid}/messages", srv.handleCreateMessage)
			r.Delete("/{chatid}/messages/{messageid}", srv.handleDeleteMessage)
		})
		r.Post("/api/bot/message", srv.handleBotMessage)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req auth.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.accounts.Register(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "username or email already taken")
		return
	case err != nil:
		s.logger.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Username: user.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, user, err := s.accounts.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.logger.Info("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": "Bearer " + token,
		"user":  userResponse{ID: user.ID, Username: user.Username},
	})
}

// handleLogout closes every live websocket session of the caller.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	n := s.router.Disconnect(identity.ID, router.CloseLoggedOut, "logged out")
	s.logger.Info("user logged out", "user_id", identity.ID, "closed", n)
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getIdentityFromContext(r.Context()))
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
