// Package server provides the HTTP server for the runledger run history service.
//
// The server exposes the pipeline run history over a REST API and prunes old
// runs on a cron schedule.
//
// # Endpoints
//
//   - GET /health - Simple health check, returns "ok"
//   - GET /metrics - Prometheus scrape endpoint
//   - GET /api/status - Build properties, store driver and next prune time
//   - GET /config - Returns current configuration as YAML
//   - POST /reload - Reloads configuration from disk
//   - GET /api/3/admin/process/runs[/{from}[/{to}]] - Runs in a time range
//   - GET /api/3/admin/process/runs/{id} - A single run with its units
//
// # Architecture
//
// The store, the metrics registry and the retention trigger live for the
// whole process. Query settings and the log level come from config-derived
// deps that are swapped atomically on reload, so a reload never interrupts
// in-flight requests.
//
// # Example
//
//	srv, err := server.New("/etc/runledger/server.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nomis52/runledger/buildinfo"
	"github.com/nomis52/runledger/config"
	"github.com/nomis52/runledger/logging"
	"github.com/nomis52/runledger/metrics"
	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
	"github.com/nomis52/runledger/server/cron"
	"github.com/nomis52/runledger/server/handlers"
	"github.com/nomis52/runledger/server/types"
)

const (
	// ProcessAPIPath is the base path of the run history API.
	ProcessAPIPath = "/api/3/admin/process"

	defaultShutdownTimeout = 5 * time.Second
)

// serverDeps holds config-derived dependencies that are swapped atomically on reload.
type serverDeps struct {
	config *config.ServerConfig
	runs   http.Handler
}

// Server is the HTTP server for the run history API.
type Server struct {
	configPath string
	addr       string
	logger     *logging.Logger
	properties types.ServerProperties

	store      runlog.Store
	closeStore func() error
	registry   *metrics.ScrapeRegistry
	trigger    *cron.Trigger

	deps       atomic.Pointer[serverDeps]
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithListenAddr overrides the listen address from the config file.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithStore serves the given store instead of opening the configured one.
// The caller keeps ownership of it.
func WithStore(store runlog.Store) Option {
	return func(s *Server) error {
		s.store = store
		s.closeStore = func() error { return nil }
		return nil
	}
}

// WithLogger replaces the logger built from the config file.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// New creates a new Server from the config file at configPath.
// It opens the store and initializes all dependencies.
func New(configPath string, opts ...Option) (*Server, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s := &Server{
		configPath: configPath,
		addr:       cfg.Listener.Addr,
		logger:     logger,
		properties: types.ServerProperties{
			Build:     buildinfo.Get(),
			StartedAt: time.Now(),
			Hostname:  hostname,
		},
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.store == nil {
		store, closeFn, err := cfg.Store.Open(s.logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
		}
		s.store, s.closeStore = store, closeFn
	}

	s.registry, err = metrics.NewScrapeRegistry()
	if err != nil {
		return nil, errors.Join(err, s.closeStore())
	}
	instrumented, err := runlog.NewInstrumentedStore(s.store, s.registry)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("instrumenting store: %w", err), s.closeStore())
	}
	s.store = instrumented

	job := cron.NewRetentionJob(s.store, cfg.Retention.MaxAge, s.logger.Logger)
	s.trigger, err = cron.NewTrigger(cfg.Retention.Schedule, job, s.logger.Logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating retention trigger: %w", err), s.closeStore())
	}

	s.apply(cfg)
	return s, nil
}

// Logger returns the server's logger.
func (s *Server) Logger() *logging.Logger {
	return s.logger
}

// Store returns the instrumented store the server reads from.
func (s *Server) Store() runlog.Store {
	return s.store
}

// Reload reads the config from disk and rebuilds the config-derived deps.
// Listener, store and retention settings only take effect on restart.
func (s *Server) Reload() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	if err := s.logger.SetLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("applying log level: %w", err)
	}
	s.apply(cfg)
	return nil
}

// apply builds the query deps for cfg and swaps them in.
func (s *Server) apply(cfg *config.ServerConfig) {
	engine := query.NewEngine(s.store,
		query.WithDetailUnits(cfg.Query.DetailUnits),
		query.WithRecentWindow(cfg.Query.RecentWindow),
	)
	runs := handlers.NewRunsHandler(s.logger.Logger, engine,
		handlers.WithDefaultLimit(cfg.Query.DefaultLimit),
	)

	s.deps.Store(&serverDeps{
		config: cfg,
		runs:   runs.Routes(),
	})

	s.logger.Info("configuration loaded",
		"config_path", s.configPath,
		"store", cfg.Store.Driver,
		"log_level", s.logger.Level().String(),
	)
}

// Config returns the current configuration.
func (s *Server) Config() *config.ServerConfig {
	return s.deps.Load().config
}

// Properties returns metadata about this server instance.
func (s *Server) Properties() types.ServerProperties {
	return s.properties
}

// NextPrune returns the next scheduled retention run.
func (s *Server) NextPrune() *time.Time {
	if s.trigger == nil {
		return nil
	}
	next := s.trigger.NextRun()
	return &next
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", handlers.HandleHealth)
	r.Method(http.MethodGet, "/metrics", s.registry.Handler())
	r.Method(http.MethodGet, "/api/status", handlers.NewAPIStatusHandler(s))
	r.Method(http.MethodGet, "/config", handlers.NewConfigHandler(s))
	r.Method(http.MethodPost, "/reload", handlers.NewReloadHandler(s.logger.Logger, s))

	r.Mount(ProcessAPIPath+"/runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Load().runs.ServeHTTP(w, r)
	}))
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// Run starts the HTTP server and the retention trigger and blocks until the
// context is cancelled. It performs a graceful shutdown and closes the store
// when the context is done.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.Config()
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Listener.ReadTimeout,
		WriteTimeout: cfg.Listener.WriteTimeout,
	}

	s.logger.Info("starting retention trigger",
		"schedule", cfg.Retention.Schedule,
		"max_age", cfg.Retention.MaxAge,
		"next_run", s.trigger.NextRun(),
	)
	s.trigger.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"addr", s.addr,
			"config_path", s.configPath,
			"version", s.properties.Build.Version,
			"git_commit", s.properties.Build.GitCommit,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		runErr = s.httpServer.Shutdown(shutdownCtx)
	}

	if err := s.closeStore(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("closing store: %w", err))
	}
	return runErr
}
