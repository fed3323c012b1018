// Package handlers provides HTTP request handlers for the portsim API.
// This file implements scan control endpoints: start, current snapshot,
// stop and JSON export of the latest session.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/export"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/ports"
	"github.com/anstrom/portsim/internal/scanning"
)

// stopWait bounds how long a stop request waits for the session to end.
const stopWait = 2 * time.Second

// ScanEngine is the part of the scan engine used by the API.
type ScanEngine interface {
	Start(ctx context.Context, req scanning.ScanRequest, observer scanning.Observer) (*scanning.Session, error)
	Active() *scanning.Session
	Last() *scanning.Session
}

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	engine         ScanEngine
	defaults       config.ScanningConfig
	observer       scanning.Observer
	baseCtx        context.Context
	maxRequestSize int64
	logger         *logging.Logger
	now            func() time.Time
}

// NewScanHandler creates a new scan handler. Sessions are bound to baseCtx
// rather than to the request that started them.
func NewScanHandler(
	baseCtx context.Context,
	engine ScanEngine,
	defaults config.ScanningConfig,
	observer scanning.Observer,
	maxRequestSize int64,
	logger *logging.Logger,
) *ScanHandler {
	return &ScanHandler{
		engine:         engine,
		defaults:       defaults,
		observer:       observer,
		baseCtx:        baseCtx,
		maxRequestSize: maxRequestSize,
		logger:         logger.WithFields("handler", "scan"),
		now:            time.Now,
	}
}

// StartScanRequest represents a scan start request. Unset fields fall back
// to the configured scan defaults; non-empty ports select the custom preset.
type StartScanRequest struct {
	Target     string  `json:"target"`
	Preset     string  `json:"preset,omitempty"`
	Ports      string  `json:"ports,omitempty"`
	Method     string  `json:"method,omitempty"`
	Timeout    float64 `json:"timeout,omitempty"`
	MaxWorkers int     `json:"max_workers,omitempty"`
	BannerGrab bool    `json:"banner_grab,omitempty"`
}

// StopScanResponse reports the outcome of a stop request.
type StopScanResponse struct {
	Stopped bool              `json:"stopped"`
	Session scanning.Snapshot `json:"session"`
}

// StartScan handles POST /api/v1/scans.
func (h *ScanHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var body StartScanRequest
	if err := parseJSON(w, r, &body, h.maxRequestSize); err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	req, err := h.defaults.BuildRequest(config.ScanSpec{
		Target:     body.Target,
		Preset:     body.Preset,
		Ports:      body.Ports,
		Method:     body.Method,
		Timeout:    body.Timeout,
		Workers:    body.MaxWorkers,
		BannerGrab: body.BannerGrab,
	})
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	session, err := h.engine.Start(h.baseCtx, req, h.observer)
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	h.logger.InfoScan("Scan started via API", req.Target,
		"request_id", getRequestID(r),
		"session_id", session.ID(),
		"ports", ports.Describe(req.Ports),
		"method", req.Method)

	w.Header().Set("Location", "/api/v1/scans/current")
	writeJSON(w, r, http.StatusAccepted, session.Snapshot(scanning.FilterAll))
}

// GetCurrentScan handles GET /api/v1/scans/current. The optional status
// query parameter filters results (all, open, closed).
func (h *ScanHandler) GetCurrentScan(w http.ResponseWriter, r *http.Request) {
	filter, err := scanning.ParseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	session := h.engine.Last()
	if session == nil {
		writeDomainError(w, r, errors.ErrNoActiveScan(), h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, session.Snapshot(filter))
}

// StopScan handles POST /api/v1/scans/current/stop.
func (h *ScanHandler) StopScan(w http.ResponseWriter, r *http.Request) {
	session := h.engine.Active()
	if session == nil {
		writeDomainError(w, r, errors.NewScanError(errors.CodeNoActiveScan, "No scan is running"), h.logger)
		return
	}

	stopped := session.Stop()

	timer := time.NewTimer(stopWait)
	defer timer.Stop()
	select {
	case <-session.Done():
	case <-timer.C:
	case <-r.Context().Done():
	}

	h.logger.InfoScan("Scan stop requested via API", session.Target(),
		"request_id", getRequestID(r),
		"session_id", session.ID(),
		"state", session.State())

	writeJSON(w, r, http.StatusOK, StopScanResponse{
		Stopped: stopped,
		Session: session.Snapshot(scanning.FilterAll),
	})
}

// ExportScan handles GET /api/v1/scans/current/export.
func (h *ScanHandler) ExportScan(w http.ResponseWriter, r *http.Request) {
	doc, err := export.Serialize(h.engine.Last())
	if err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.FileName(doc.Target, h.now())))
	w.WriteHeader(http.StatusOK)

	if err := export.Write(w, doc); err != nil {
		h.logger.Error("Failed to write export", "request_id", getRequestID(r), "error", err)
	}
}

// ListPresets handles GET /api/v1/presets.
func (h *ScanHandler) ListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"presets":        ports.Presets(),
		"default_preset": h.defaults.DefaultPreset,
		"default_method": h.defaults.Method(),
	})
}
