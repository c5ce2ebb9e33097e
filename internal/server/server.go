// Package server implements the HTTP listener and router, the admin API,
// and the instance proxy that forwards client requests to a running
// instance's upstream.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/r44vc0rp/serverbox/internal/bootstrap"
	"github.com/r44vc0rp/serverbox/internal/config"
	"github.com/r44vc0rp/serverbox/internal/lifecycle"
	"github.com/r44vc0rp/serverbox/internal/metrics"
	"github.com/r44vc0rp/serverbox/internal/provider"
	"github.com/r44vc0rp/serverbox/internal/resume"
	"github.com/r44vc0rp/serverbox/internal/store"
)

// Server binds the configured listener to a mux wired with the health,
// admin, and instance-proxy routes.
type Server struct {
	cfg         config.Config
	manager     *lifecycle.Manager
	coordinator *resume.Coordinator
	metrics     *metrics.Metrics
	logger      *levelLogger

	httpServer     *http.Server
	proxyTransport *http.Transport
	store          *store.Store
}

// New wires every collaborator (store, provider adapter, bootstrap driver,
// lifecycle manager, resume coordinator, metrics) from cfg and builds the
// HTTP server.
func New(cfg config.Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend, err := provider.NewDaytonaAdapter(cfg.DaytonaAPIKey, cfg.DaytonaAPIURL, cfg.DaytonaTarget)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build provider adapter: %w", err)
	}

	m := metrics.New()

	manager := lifecycle.NewManager(st, backend, bootstrap.Default{Backend: backend})
	manager.Metrics = m

	coordinator := resume.New(manager, m, cfg.AutoResume, cfg.ResumeTimeout)

	srv := &Server{
		cfg:            cfg,
		manager:        manager,
		coordinator:    coordinator,
		metrics:        m,
		logger:         newLevelLogger(logger, cfg.LogLevel),
		store:          st,
		proxyTransport: newIdleTimeoutTransport(cfg.RequestTimeout),
	}
	srv.httpServer = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.routes(),
	}
	return srv, nil
}

// Run builds a Server from cfg and serves until ctx is cancelled, then
// drains and shuts down. This is the top-level entrypoint cmd/serverboxd
// calls.
func Run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	srv, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts accepting connections and blocks until ctx is cancelled or
// the listener fails, then gracefully shuts down: stop accepting, drain
// in-flight requests, close the store.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("serverboxd listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.shutdown()
			return err
		}
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
