// Package server exposes compilation, collection reads, the category tree and
// the compile event stream over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/cache"
	"github.com/conneroisu/strata/internal/config"
	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/logging"
	"github.com/conneroisu/strata/internal/middleware"
	"github.com/conneroisu/strata/internal/monitoring"
	"github.com/conneroisu/strata/internal/services"
	"github.com/conneroisu/strata/internal/websocket"
)

// Compiler is the compile entry point used by the handlers.
type Compiler interface {
	Trigger(ctx context.Context, force bool) (build.Result, error)
	Status() build.Status
}

// CacheHealth reports the state of the response cache.
type CacheHealth interface {
	Ping(ctx context.Context) error
	Stats() cache.Stats
}

// Dependencies are the components the server routes to.
type Dependencies struct {
	Config      config.ServerConfig
	Compiler    Compiler
	Collections *services.CollectionsService
	Categories  *services.CategoriesService
	Cache       CacheHealth
	Hub         *websocket.Hub
	// Health receives the compile and cache checks; nil creates a monitor
	Health *monitoring.HealthMonitor
	Logger logging.Logger
}

// Server is the API server.
type Server struct {
	config      config.ServerConfig
	compiler    Compiler
	collections *services.CollectionsService
	categories  *services.CategoriesService
	cache       CacheHealth
	hub         *websocket.Hub
	health      *monitoring.HealthMonitor
	auth        *middleware.Authenticator
	limiter     *middleware.RateLimiter
	logger      logging.Logger
	errors      *errors.ErrorHandler
	started     time.Time

	httpServer   *http.Server
	serverMutex  sync.RWMutex
	shutdownOnce sync.Once
}

// New creates a server. It does not listen until Start is called.
func New(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("server")

	s := &Server{
		config:      deps.Config,
		compiler:    deps.Compiler,
		collections: deps.Collections,
		categories:  deps.Categories,
		cache:       deps.Cache,
		hub:         deps.Hub,
		health:      deps.Health,
		auth:        middleware.NewAuthenticator(deps.Config.APIToken, logger),
		logger:      logger,
		errors:      errors.NewErrorHandler(logger),
		started:     time.Now(),
	}
	if s.health == nil {
		s.health = monitoring.NewHealthMonitor(logger)
	}
	if s.compiler != nil {
		s.health.RegisterCheck(monitoring.CompileChecker(s.compiler.Status))
	}
	if s.cache != nil && s.cache.Stats().RedisEnabled {
		s.health.RegisterCheck(monitoring.CacheChecker(s.cache))
	}
	if deps.Config.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: deps.Config.RateLimit.RequestsPerMinute,
			Burst:             deps.Config.RateLimit.Burst,
		}, logger)
	}
	return s
}

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/compile", s.auth.Require(http.HandlerFunc(s.handleCompile)))
	mux.Handle("POST /api/compile/force", s.auth.Require(http.HandlerFunc(s.handleCompileForce)))
	mux.HandleFunc("GET /api/collections", s.handleCollections)
	mux.HandleFunc("GET /api/categories", s.handleCategories)
	mux.Handle("POST /api/categories", s.auth.Require(http.HandlerFunc(s.handleReplaceCategories)))
	mux.Handle("PUT /api/categories", s.auth.Require(http.HandlerFunc(s.handleUpdateCategory)))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	}

	chain := middleware.NewChain(
		middleware.Recover(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
		middleware.SecurityHeaders(),
		middleware.CORS(s.config.AllowedOrigins),
	)
	if s.limiter != nil {
		chain.Add(s.limiter.Middleware())
	}
	return chain.Apply(mux)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "listen on "+s.config.Addr()+": "+err.Error())
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.serverMutex.Lock()
	s.httpServer = srv
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "API server listening",
		"addr", ln.Addr().String(),
		"auth", s.auth.Enabled(),
		"rate_limit", s.limiter != nil,
	)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapInternal(err, errors.ErrCodeInternalError, "http server")
	}
	return nil
}

// Shutdown stops accepting requests, closes websocket clients and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down API server")

		if s.hub != nil {
			_ = s.hub.Shutdown(ctx)
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}

		s.serverMutex.RLock()
		srv := s.httpServer
		s.serverMutex.RUnlock()
		if srv != nil {
			shutdownErr = srv.Shutdown(ctx)
		}
	})
	return shutdownErr
}
