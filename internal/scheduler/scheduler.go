// Package scheduler runs configured scans on cron schedules. Jobs go through
// the scan engine like any other request, so a job that fires while another
// scan is running is skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/ports"
	"github.com/anstrom/portsim/internal/scanning"
)

// Job outcomes reported in metrics and job status.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Runner starts scan sessions. *scanning.Engine satisfies it.
type Runner interface {
	Start(ctx context.Context, req scanning.ScanRequest, observer scanning.Observer) (*scanning.Session, error)
}

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	runner   Runner
	defaults config.ScanningConfig
	cron     *cron.Cron
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	observer scanning.Observer

	jobs    map[string]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// ScheduledJob represents a scheduled job wrapper.
type ScheduledJob struct {
	Name          string
	CronID        cron.EntryID
	Config        config.JobConfig
	Request       scanning.ScanRequest
	LastRun       time.Time
	LastOutcome   string
	LastSessionID string
	Running       bool
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	Name          string    `json:"name"`
	Schedule      string    `json:"schedule"`
	Target        string    `json:"target"`
	Ports         int       `json:"ports"`
	Method        string    `json:"method"`
	Enabled       bool      `json:"enabled"`
	Running       bool      `json:"running"`
	LastRun       time.Time `json:"last_run,omitzero"`
	NextRun       time.Time `json:"next_run,omitzero"`
	LastOutcome   string    `json:"last_outcome,omitempty"`
	LastSessionID string    `json:"last_session_id,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l.WithComponent("scheduler")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithObserver attaches an observer to every scheduled session, for example
// the websocket hub.
func WithObserver(o scanning.Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a scheduler that starts scans through runner.
func New(runner Runner, defaults config.ScanningConfig, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		runner:   runner,
		defaults: defaults,
		logger:   logging.Default().WithComponent("scheduler"),
		metrics:  metrics.GetGlobalMetrics(),
		jobs:     make(map[string]*ScheduledJob),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})), cron.WithLogger(cronLogger{s.logger}))
	return s
}

// BuildRequest turns a job definition into a scan request, filling unset
// fields from defaults.
func BuildRequest(job config.JobConfig, defaults config.ScanningConfig) (scanning.ScanRequest, error) {
	return defaults.BuildRequest(job.Spec())
}

// AddJob registers a job with the cron scheduler.
func (s *Scheduler) AddJob(job config.JobConfig) error {
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression: %v", err), "schedule", job.Schedule)
	}
	req, err := BuildRequest(job, s.defaults)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return errors.NewConfigFieldError(errors.CodeValidation, "job already exists", "name", job.Name)
	}

	name := job.Name
	cronID, err := s.cron.AddFunc(job.Schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobs[name] = &ScheduledJob{
		Name:    name,
		CronID:  cronID,
		Config:  job,
		Request: req,
	}

	s.logger.Info("Added scan job", "job", name, "schedule", job.Schedule,
		"target", req.Target, "ports", ports.Describe(req.Ports), "disabled", job.Disabled)
	return nil
}

// LoadJobs adds every job from cfg.
func (s *Scheduler) LoadJobs(cfg config.SchedulerConfig) error {
	for _, job := range cfg.Jobs {
		if err := s.AddJob(job); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
	}
	return nil
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NewScanError(errors.CodeNotFound, "job not found").WithContext("job", name)
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, name)

	s.logger.Info("Removed scan job", "job", name)
	return nil
}

// EnableJob enables a scheduled job.
func (s *Scheduler) EnableJob(name string) error {
	return s.setJobEnabled(name, true)
}

// DisableJob disables a scheduled job.
func (s *Scheduler) DisableJob(name string) error {
	return s.setJobEnabled(name, false)
}

func (s *Scheduler) setJobEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NewScanError(errors.CodeNotFound, "job not found").WithContext("job", name)
	}
	job.Config.Disabled = !enabled

	s.logger.Info("Scan job updated", "job", name, "enabled", enabled)
	return nil
}

// Jobs returns the status of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		st := JobStatus{
			Name:          job.Name,
			Schedule:      job.Config.Schedule,
			Target:        job.Request.Target,
			Ports:         len(job.Request.Ports),
			Method:        string(job.Request.Method),
			Enabled:       !job.Config.Disabled,
			Running:       job.Running,
			LastRun:       job.LastRun,
			LastOutcome:   job.LastOutcome,
			LastSessionID: job.LastSessionID,
		}
		if s.running {
			st.NextRun = s.cron.Entry(job.CronID).Next
		} else if sched, err := cron.ParseStandard(job.Config.Schedule); err == nil {
			st.NextRun = sched.Next(time.Now())
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops the scheduler and waits for running jobs until ctx expires.
// Sessions started by jobs are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow fires a job immediately and waits for its session to end.
func (s *Scheduler) RunNow(name string) (string, error) {
	s.mu.RLock()
	_, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return "", errors.NewScanError(errors.CodeNotFound, "job not found").WithContext("job", name)
	}
	return s.execute(name), nil
}

// Trigger fires a job in the background. It only reports unknown jobs; the
// outcome shows up in the job status.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	_, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return errors.NewScanError(errors.CodeNotFound, "job not found").WithContext("job", name)
	}
	go s.execute(name)
	return nil
}

// execute runs one firing of a job and returns its outcome.
func (s *Scheduler) execute(name string) string {
	job, ok := s.prepare(name)
	if !ok {
		return ""
	}

	logger := s.logger.WithFields("job", name)
	outcome := OutcomeFailed
	sessionID := ""
	defer func() {
		s.finish(name, outcome, sessionID)
		s.metrics.IncrementScheduledRuns(name, outcome)
	}()

	session, err := s.runner.Start(s.ctx, job.Request, s.observer)
	switch {
	case errors.IsCode(err, errors.CodeScanInProgress):
		outcome = OutcomeSkipped
		logger.Warn("Another scan is running, skipping job")
		return outcome
	case err != nil:
		logger.Error("Scheduled scan failed to start", "error", err)
		return outcome
	}

	sessionID = session.ID()
	logger.InfoScan("Scheduled scan started", job.Request.Target, "session_id", sessionID)

	<-session.Done()
	outcome = OutcomeStopped
	if session.State() == scanning.StateCompleted {
		outcome = OutcomeCompleted
	}
	logger.InfoScan("Scheduled scan finished", job.Request.Target,
		"session_id", sessionID, "outcome", outcome, "open", session.OpenCount())
	return outcome
}

// prepare marks a job as running. It returns false for unknown, disabled or
// already running jobs.
func (s *Scheduler) prepare(name string) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists || job.Config.Disabled {
		return ScheduledJob{}, false
	}
	if job.Running {
		s.logger.Warn("Scan job is already running, skipping", "job", name)
		return ScheduledJob{}, false
	}

	job.Running = true
	job.LastRun = time.Now()
	return *job, true
}

func (s *Scheduler) finish(name, outcome, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[name]; exists {
		job.Running = false
		job.LastOutcome = outcome
		if sessionID != "" {
			job.LastSessionID = sessionID
		}
	}
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
