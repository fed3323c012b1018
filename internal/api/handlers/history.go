package handlers

import (
	"context"
	"net/http"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/history"
	"github.com/anstrom/portsim/internal/logging"
)

// HistoryStore is the part of the history store used by the API.
type HistoryStore interface {
	Load(ctx context.Context) history.Log
	Clear(ctx context.Context, confirmed bool) error
	Limit() int
}

// HistoryHandler serves the scan history.
type HistoryHandler struct {
	store  HistoryStore
	logger *logging.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store HistoryStore, logger *logging.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: logger.WithFields("handler", "history"),
	}
}

// HistoryResponse lists history entries, most recent first.
type HistoryResponse struct {
	Entries history.Log `json:"entries"`
	Count   int         `json:"count"`
	Limit   int         `json:"limit"`
}

// ClearHistoryResponse reports a history clear.
type ClearHistoryResponse struct {
	Cleared   bool   `json:"cleared"`
	Persisted bool   `json:"persisted"`
	Warning   string `json:"warning,omitempty"`
}

// GetHistory handles GET /api/v1/history.
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	log := h.store.Load(r.Context())
	if log == nil {
		log = history.Log{}
	}
	writeJSON(w, r, http.StatusOK, HistoryResponse{
		Entries: log,
		Count:   len(log),
		Limit:   h.store.Limit(),
	})
}

// ClearHistory handles DELETE /api/v1/history?confirm=true. Storage
// failures still clear the in-memory log and are reported as a warning.
func (h *HistoryHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	err := h.store.Clear(r.Context(), queryBool(r, "confirm"))
	switch {
	case err == nil:
		h.logger.InfoHistory("History cleared via API", "request_id", getRequestID(r))
		writeJSON(w, r, http.StatusOK, ClearHistoryResponse{Cleared: true, Persisted: true})
	case errors.IsCode(err, errors.CodeConfirmationRequired):
		writeError(w, r, http.StatusPreconditionFailed, err)
	default:
		h.logger.ErrorHistory("History cleared in memory only", err, "request_id", getRequestID(r))
		writeJSON(w, r, http.StatusOK, ClearHistoryResponse{
			Cleared:   true,
			Persisted: false,
			Warning:   errorMessage(err),
		})
	}
}
