// Package handlers provides HTTP request handlers for the portsim API.
// This file implements health check and system status endpoints.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/scanning"
)

// HistoryPinger reports the state of the history store.
type HistoryPinger interface {
	Ping(ctx context.Context) error
	Persistent() bool
}

// EngineStatus reports scan engine state.
type EngineStatus interface {
	Active() *scanning.Session
	Stats() scanning.SlotStats
}

// Timeout constants.
const (
	healthCheckTimeout = 5 * time.Second
)

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusDegraded      = "degraded"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	history   HistoryPinger
	engine    EngineStatus
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(history HistoryPinger, engine EngineStatus, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		history:   history,
		engine:    engine,
		logger:    logger.WithFields("handler", "health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service   ServiceInfo    `json:"service"`
	System    SystemInfo     `json:"system"`
	Scanning  ScanningInfo   `json:"scanning"`
	Health    HealthResponse `json:"health"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	PID       int       `json:"pid"`
}

// SystemInfo contains system-related information.
type SystemInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
	Goroutines   int    `json:"goroutines"`
	Allocated    uint64 `json:"allocated_bytes"`
}

// ScanningInfo describes the engine.
type ScanningInfo struct {
	ActiveSession string             `json:"active_session,omitempty"`
	Slots         scanning.SlotStats `json:"slots"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health checks the history store. A memory-only store is degraded, an
// unreachable database is unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := h.check(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Status provides detailed system status information.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := StatusResponse{
		Service: ServiceInfo{
			Name:      "portsim",
			Version:   version,
			StartTime: h.startTime,
			Uptime:    time.Since(h.startTime).String(),
			PID:       os.Getpid(),
		},
		System: SystemInfo{
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			CPUs:         runtime.NumCPU(),
			GoVersion:    runtime.Version(),
			Goroutines:   runtime.NumGoroutine(),
			Allocated:    memStats.Alloc,
		},
		Health:    h.check(r.Context()),
		Timestamp: time.Now().UTC(),
	}
	if h.engine != nil {
		response.Scanning.Slots = h.engine.Stats()
		if active := h.engine.Active(); active != nil {
			response.Scanning.ActiveSession = active.ID()
		}
	}

	writeJSON(w, r, http.StatusOK, response)
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *HealthHandler) check(parent context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(parent, healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	switch {
	case h.history == nil:
		response.Checks["history"] = StatusNotConfigured
	case !h.history.Persistent():
		response.Status = StatusDegraded
		response.Checks["history"] = "memory only"
	default:
		if err := h.history.Ping(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["history"] = "failed: " + errorMessage(err)
			h.logger.Warn("History store health check failed", "error", err)
		} else {
			response.Checks["history"] = "ok"
		}
	}

	if h.engine != nil && h.engine.Stats().Closed {
		response.Status = StatusUnhealthy
		response.Checks["engine"] = "closed"
	} else {
		response.Checks["engine"] = "ok"
	}

	return response
}

// Build information, set via ldflags through SetBuildInfo.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
