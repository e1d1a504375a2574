// Package server exposes chapter generation over HTTP: a synchronous
// endpoint, an SSE stream, a websocket stream, and cache and summary
// administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/orchestrator"
	"github.com/lamim/chapterforge/pkg/models"
)

// Generator runs generation sessions
type Generator interface {
	Start(ctx context.Context, req orchestrator.Request) (*orchestrator.Session, <-chan orchestrator.Event, error)
	Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Cancel(chapterID string) bool
	ActiveSessions() int
}

// CacheAdmin reports on and prunes the execution cache
type CacheAdmin interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Evict(ctx context.Context) (int, error)
}

// SummaryQueue accepts manual re-summarize requests and lists parked jobs
type SummaryQueue interface {
	Enqueue(ctx context.Context, scope models.SummaryScope, targetID string) (*models.SummaryJob, error)
	Failed(ctx context.Context) ([]models.FailedSummaryJob, error)
	Pending(ctx context.Context) (int64, error)
}

// Pinger checks the database
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Cache and Summaries are optional.
type Deps struct {
	Config    config.ServerConfig
	Generator Generator
	Cache     CacheAdmin
	Summaries SummaryQueue
	Store     Pinger
	Logger    *slog.Logger
}

// Server is the HTTP front end
type Server struct {
	cfg       config.ServerConfig
	gen       Generator
	cache     CacheAdmin
	summaries SummaryQueue
	store     Pinger
	logger    *slog.Logger
	router    *gin.Engine
}

// New builds the router
func New(d Deps) (*Server, error) {
	if d.Generator == nil {
		return nil, errors.New("server: generator is required")
	}
	if d.Store == nil {
		return nil, errors.New("server: store is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       d.Config,
		gen:       d.Generator,
		cache:     d.Cache,
		summaries: d.Summaries,
		store:     d.Store,
		logger:    logger.With("component", "server"),
		router:    router,
	}
	router.Use(s.requestLogger())
	s.registerRoutes()
	return s, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully. Open streams are cancelled by the shutdown.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
