package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/scheduler"
)

// JobScheduler is the part of the scheduler used by the API.
type JobScheduler interface {
	Jobs() []scheduler.JobStatus
	Trigger(name string) error
}

// ScheduleHandler exposes scheduled scan jobs.
type ScheduleHandler struct {
	scheduler JobScheduler
	logger    *logging.Logger
}

// NewScheduleHandler creates a schedule handler. A nil scheduler serves an
// empty job list.
func NewScheduleHandler(s JobScheduler, logger *logging.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		scheduler: s,
		logger:    logger.WithFields("handler", "schedule"),
	}
}

// ListSchedules handles GET /api/v1/schedules.
func (h *ScheduleHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobStatus{}
	if h.scheduler != nil {
		jobs = h.scheduler.Jobs()
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// RunSchedule handles POST /api/v1/schedules/{name}/run.
func (h *ScheduleHandler) RunSchedule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h.scheduler == nil {
		writeDomainError(w, r, errors.NewScanError(errors.CodeNotFound, "scheduler is not enabled"), h.logger)
		return
	}
	if err := h.scheduler.Trigger(name); err != nil {
		writeDomainError(w, r, err, h.logger)
		return
	}

	h.logger.Info("Scheduled job triggered via API", "job", name, "request_id", getRequestID(r))
	writeJSON(w, r, http.StatusAccepted, map[string]interface{}{
		"job":       name,
		"status":    "triggered",
		"timestamp": time.Now().UTC(),
	})
}
