// Package server exposes the dashboard HTTP JSON API: run inspection,
// worktree listing, and operator controls.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alphredhq/alphred/internal/engine"
	"github.com/alphredhq/alphred/internal/store"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8484"
}

// Server serves the dashboard API over a store and an executor.
type Server struct {
	config  Config
	store   *store.Store
	exec    *engine.Executor
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(cfg Config, st *store.Store, exec *engine.Executor, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		store:   st,
		exec:    exec,
		logger:  slog.New(slog.DiscardHandler),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/runs/{runId}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{runId}/worktrees", s.handleGetWorktrees)
	mux.HandleFunc("POST /api/runs/{runId}/control", s.handleControl)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown. SIGINT
// and SIGTERM trigger a graceful drain.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Info("server: shutting down", "signal", sig.String())
		s.Shutdown()
	}()

	s.logger.Info("server: listening", "addr", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains open connections and cancels the base context.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}
