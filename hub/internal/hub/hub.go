// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/murmur-chat/murmur/hub/internal/api"
	"github.com/murmur-chat/murmur/hub/internal/auth"
	"github.com/murmur-chat/murmur/hub/internal/bot"
	"github.com/murmur-chat/murmur/hub/internal/cache"
	"github.com/murmur-chat/murmur/hub/internal/chat"
	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/presence"
	"github.com/murmur-chat/murmur/hub/internal/queue"
	"github.com/murmur-chat/murmur/hub/internal/registry"
	"github.com/murmur-chat/murmur/hub/internal/router"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	cache    cache.Cache
	queue    queue.Queue // nil when the bot is disabled
	registry *registry.Registry
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (h *Hub, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	closers = append(closers, db.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bootstrap(ctx, db, cfg.Bot); err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	// Accounts are only managed here when this hub signs the tokens.
	var accounts *auth.Service
	if cfg.Auth.Provider == "" || cfg.Auth.Provider == "builtin" {
		accounts = auth.NewService(db, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry.Duration)
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	closers = append(closers, c.Close)
	identities := cache.NewIdentityResolver(c, db, cfg.Cache.IdentityTTL.Duration, logger)

	reg := registry.New()
	tracker := presence.NewTracker(db, reg, logger)
	tracker.Pin(cfg.Bot.UserID)

	chatOpts := chat.Options{MaxContentBytes: cfg.Realtime.MaxContentBytes}
	var q queue.Queue
	if cfg.Bot.Enabled {
		q, err = queue.New(cfg.Queue, logger)
		if err != nil {
			return nil, fmt.Errorf("init queue: %w", err)
		}
		closers = append(closers, q.Close)
		chatOpts.BotID = cfg.Bot.UserID
		chatOpts.Replies = bot.NewScheduler(q)
	}
	svc := chat.NewService(db, logger, chatOpts)

	var replier api.BotReplier
	if q != nil {
		responder := bot.NewResponder(bot.NewAnthropicProvider(cfg.Bot), db, svc, reg, bot.Options{
			Identity:        auth.Identity{ID: cfg.Bot.UserID, DisplayName: cfg.Bot.DisplayName},
			History:         cfg.Bot.History,
			Timeout:         cfg.Bot.Timeout.Duration,
			MaxContentBytes: cfg.Realtime.MaxContentBytes,
		}, logger)
		responder.Register(q)
		replier = responder
	}

	rt := router.New(verifier, identities, reg, tracker, svc, logger, router.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		MaxConnsPerUser: cfg.Realtime.MaxConnsPerUser,
		SendBuffer:      cfg.Realtime.SendBuffer,
		FramesPerSecond: cfg.Realtime.FramesPerSecond,
		FrameBurst:      cfg.Realtime.FrameBurst,
	})

	apiSrv := api.NewServer(api.Deps{
		Store:      db,
		Accounts:   accounts,
		Verifier:   verifier,
		Identities: identities,
		Router:     rt,
		Chat:       svc,
		Conns:      reg,
		Bot:        replier,
		BotID:      cfg.Bot.UserID,
	}, cfg, logger)

	h = &Hub{
		cfg:      cfg,
		store:    db,
		cache:    c,
		queue:    q,
		registry: reg,
		router:   rt,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Bot.Enabled {
		logger.Info("automated responder enabled", "user_id", cfg.Bot.UserID, "queue", cfg.Queue.Driver)
	}

	return h, nil
}

// bootstrap clears presence left over from a previous process and ensures
// the bot account exists and is shown online.
func bootstrap(ctx context.Context, db store.Store, botCfg config.BotConfig) error {
	if err := db.ResetPresence(ctx); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	if err := db.EnsureUser(ctx, &store.User{
		ID:          botCfg.UserID,
		Username:    "chatbot",
		DisplayName: botCfg.DisplayName,
		Online:      true,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("ensure bot user: %w", err)
	}
	return nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	var workers sync.WaitGroup
	if h.queue != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := h.queue.Run(queueCtx); err != nil {
				h.logger.Error("queue worker stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		h.logger.Info("http server stopped gracefully")
	}

	// Hijacked websocket connections are not covered by srv.Shutdown.
	if err := h.router.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("websocket connections did not close in time", "error", err)
	}

	stopQueue()
	workers.Wait()
	h.close()
	h.logger.Info("shutdown complete")
	return runErr
}

func (h *Hub) close() {
	if h.queue != nil {
		if err := h.queue.Close(); err != nil {
			h.logger.Warn("close queue", "error", err)
		}
	}
	if err := h.cache.Close(); err != nil {
		h.logger.Warn("close cache", "error", err)
	}
	h.logger.Info("closing store")
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store", "error", err)
	}
}
