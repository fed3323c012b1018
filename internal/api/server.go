// Package api provides the HTTP REST API for the portsim scan simulator.
// It exposes scan control, the live progress stream, scan history, scheduled
// jobs and service health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/portsim/internal/api/handlers"
	"github.com/anstrom/portsim/internal/api/middleware"
	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/history"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/scanning"
	"github.com/anstrom/portsim/internal/scheduler"
)

const rateLimitCleanupInterval = time.Minute

// Dependencies are the services the API serves. Engine is required; a nil
// Hub is created from the CORS settings and a nil Scheduler serves no jobs.
type Dependencies struct {
	Engine    *scanning.Engine
	History   *history.Store
	Scheduler *scheduler.Scheduler
	Hub       *apihandlers.Hub
	Logger    *logging.Logger
	Metrics   *metrics.PrometheusMetrics
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     config.APIConfig
	hub        *apihandlers.Hub
	limiter    *middleware.RateLimiter
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics

	// scans started over the API are bound to baseCtx, not to the request
	baseCtx    context.Context
	cancelBase context.CancelFunc
	stopOnce   sync.Once
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, errors.ErrConfigMissing("config")
	}
	if deps.Engine == nil {
		return nil, errors.NewConfigError(errors.CodeConfiguration, "API server requires a scan engine")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	m := deps.Metrics
	if m == nil {
		m = metrics.GetGlobalMetrics()
	}

	hub := deps.Hub
	if hub == nil {
		hub = apihandlers.NewHub(logger, m, cfg.API.CORS.AllowedOrigins)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		router:     mux.NewRouter(),
		config:     cfg.API,
		hub:        hub,
		logger:     logger,
		metrics:    m,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	if cfg.API.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.API.RateLimit.RequestsPerSecond, cfg.API.RateLimit.BurstSize)
	}

	s.setupMiddleware()
	s.setupRoutes(cfg.Scanning, deps)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:      s.handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	return s, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled or serving fails.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.InfoServer("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout,
		"rate_limit", s.limiter != nil,
		"metrics", s.config.EnableMetrics)

	if s.limiter != nil {
		go s.limiter.RunCleanup(ctx, rateLimitCleanupInterval)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.cancelBase()
		s.hub.Close()
		return err
	}
}

// Stop gracefully stops the API server and disconnects WebSocket clients.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.InfoServer("Stopping API server")

		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.hub.Close()
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.ErrorServer("API server shutdown error", shutdownErr)
			err = fmt.Errorf("server shutdown failed: %w", shutdownErr)
		}
		s.cancelBase()

		if err == nil {
			s.logger.InfoServer("API server stopped successfully")
		}
	})
	return err
}

// setupMiddleware configures middleware. Route-aware middleware runs
// through the router so mux.CurrentRoute is available.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	if s.limiter != nil {
		s.router.Use(middleware.RateLimit(s.limiter, s.logger))
	}
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(defaults config.ScanningConfig, deps Dependencies) {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	s.router.MethodNotAllowedHandler = http.HandlerFunc(apihandlers.MethodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(apihandlers.MethodNotAllowed)

	var historyPinger apihandlers.HistoryPinger
	if deps.History != nil {
		historyPinger = deps.History
	}
	health := apihandlers.NewHealthHandler(historyPinger, deps.Engine, s.logger)
	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", health.Status).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	scans := apihandlers.NewScanHandler(s.baseCtx, deps.Engine, defaults, s.hub, s.config.MaxRequestSize, s.logger)
	api.HandleFunc("/presets", scans.ListPresets).Methods(http.MethodGet)
	api.HandleFunc("/scans", scans.StartScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/current", scans.GetCurrentScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/current/stop", scans.StopScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/current/export", scans.ExportScan).Methods(http.MethodGet)

	if deps.History != nil {
		hist := apihandlers.NewHistoryHandler(deps.History, s.logger)
		api.HandleFunc("/history", hist.GetHistory).Methods(http.MethodGet)
		api.HandleFunc("/history", hist.ClearHistory).Methods(http.MethodDelete)
	}

	var jobs apihandlers.JobScheduler
	if deps.Scheduler != nil {
		jobs = deps.Scheduler
	}
	schedules := apihandlers.NewScheduleHandler(jobs, s.logger)
	api.HandleFunc("/schedules", schedules.ListSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{name}/run", schedules.RunSchedule).Methods(http.MethodPost)

	api.HandleFunc("/ws/scans", s.hub.ScanWebSocket).Methods(http.MethodGet)

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// handler wraps the router with CORS handling when enabled.
func (s *Server) handler() http.Handler {
	cors := s.config.CORS
	if !cors.Enabled {
		return s.router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
		handlers.ExposedHeaders([]string{middleware.RequestIDHeader, "Content-Disposition"}),
	)(s.router)
}

// index describes the API for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":   "/api/v1/health",
		"presets":  "/api/v1/presets",
		"scans":    "/api/v1/scans",
		"current":  "/api/v1/scans/current",
		"history":  "/api/v1/history",
		"schedule": "/api/v1/schedules",
		"stream":   "/api/v1/ws/scans",
	}
	if s.config.EnableMetrics {
		endpoints["metrics"] = "/metrics"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"service":   "portsim API",
		"version":   "v1",
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full HTTP handler, including CORS.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the WebSocket hub scans publish to.
func (s *Server) Hub() *apihandlers.Hub {
	return s.hub
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.httpServer.Addr
}
