package scanning

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/ports"
)

//go:generate mockgen -destination=mocks/mock_scanning.go -package=mocks github.com/anstrom/portsim/internal/scanning Classifier,Recorder,Observer

// yieldEvery is how many ports the loop processes between scheduler yields.
const yieldEvery = 10

// Recorder persists completed sessions.
type Recorder interface {
	RecordSession(ctx context.Context, session *Session) error
}

// Engine runs scan sessions, one at a time.
type Engine struct {
	classifier Classifier
	recorder   Recorder
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	sleep      Sleeper
	now        func() time.Time
	slots      *SessionSlots

	mu     sync.RWMutex
	active *Session
	last   *Session
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets where completed sessions are handed off.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.WithComponent("engine")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSleeper replaces the throttling delay implementation.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine using classifier for port verdicts. A nil
// classifier selects the random model.
func NewEngine(classifier Classifier, opts ...Option) *Engine {
	if classifier == nil {
		classifier = NewRandomClassifier(nil)
	}
	e := &Engine{
		classifier: classifier,
		logger:     logging.Default().WithComponent("engine"),
		metrics:    metrics.GetGlobalMetrics(),
		sleep:      sleepContext,
		now:        time.Now,
		slots:      NewSessionSlots(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates req and launches a new session in the background. ctx
// bounds the whole session, so callers serving short-lived requests should
// pass a long-lived context. A nil observer is allowed.
func (e *Engine) Start(ctx context.Context, req ScanRequest, observer Observer) (*Session, error) {
	if err := req.Validate(); err != nil {
		e.metrics.IncrementScanRejected("validation")
		return nil, err
	}

	id := uuid.NewString()
	if err := e.slots.TryAcquire(id); err != nil {
		e.metrics.IncrementScanRejected("in_progress")
		activeID := ""
		if active := e.Active(); active != nil {
			activeID = active.ID()
		}
		return nil, errors.ErrScanInProgress(activeID)
	}

	if observer == nil {
		observer = nopObserver{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	session := newSession(id, req, e.now(), cancel)

	e.mu.Lock()
	e.active = session
	e.last = session
	e.mu.Unlock()

	e.metrics.SetActiveScans(1)
	e.logger.WithSessionID(id).InfoScan("Scan started", session.Target(),
		"method", session.Method(),
		"ports", ports.Describe(session.request.Ports),
		"port_count", session.Total(),
		"workers", session.request.MaxWorkers,
		"timeout", session.request.Timeout,
		"banner_grab", session.request.BannerGrab,
		"port_delay", PortDelay(session.Method(), session.request.MaxWorkers))

	go e.run(runCtx, ctx, session, observer)

	return session, nil
}

// Run starts a session and waits for it to finish.
func (e *Engine) Run(ctx context.Context, req ScanRequest, observer Observer) (*Session, error) {
	session, err := e.Start(ctx, req, observer)
	if err != nil {
		return nil, err
	}
	<-session.Done()
	return session, nil
}

// Stop cancels the running session. It reports whether one was running.
func (e *Engine) Stop() bool {
	active := e.Active()
	if active == nil {
		return false
	}
	return active.Stop()
}

// Active returns the running session, or nil.
func (e *Engine) Active() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Last returns the most recently started session, running or not.
func (e *Engine) Last() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Stats reports session slot usage.
func (e *Engine) Stats() SlotStats {
	return e.slots.Stats()
}

// Close stops the running session, waits for it and rejects new starts.
func (e *Engine) Close(ctx context.Context) error {
	if active := e.Active(); active != nil {
		active.Stop()
		if err := active.Wait(ctx); err != nil {
			return err
		}
	}
	e.slots.Close()
	return nil
}

func (e *Engine) run(ctx, parent context.Context, s *Session, observer Observer) {
	defer s.markDone()

	state, err := e.loop(ctx, s, observer)
	e.finish(parent, s, state, err, observer)
}

// loop walks the port set. Cancellation is checked before each port and
// right after its delay; a cancelled in-flight result is discarded.
func (e *Engine) loop(ctx context.Context, s *Session, observer Observer) (state State, err error) {
	defer func() {
		if r := recover(); r != nil {
			state = StateStopped
			err = errors.NewScanErrorWithTarget(errors.CodeScanFailed,
				fmt.Sprintf("scan loop failed: %v", r), s.Target())
		}
	}()

	req := s.request
	total := len(req.Ports)
	delay := PortDelay(req.Method, req.MaxWorkers)

	for _, port := range req.Ports {
		if ctx.Err() != nil {
			break
		}

		result := Probe(e.classifier, port, req.BannerGrab)

		if err := e.sleep(ctx, delay); err != nil || ctx.Err() != nil {
			break
		}

		now := e.now()
		scanned, open, feed, ok := s.commit(result, now)
		if !ok {
			break
		}
		e.metrics.IncrementPortsScanned(string(req.Method), string(result.Status), 1)

		elapsed := now.Sub(s.started)
		observer.OnProgress(ProgressEvent{
			SessionID:  s.id,
			Port:       result.Port,
			Status:     result.Status,
			Service:    result.Service,
			Scanned:    scanned,
			Total:      total,
			Open:       open,
			Percentage: Percentage(scanned, total),
			Elapsed:    elapsed,
			ElapsedMS:  elapsed.Milliseconds(),
			Throughput: Throughput(scanned, elapsed),
			Feed:       feed,
		})

		if scanned%yieldEvery == 0 {
			runtime.Gosched()
		}
	}

	if ctx.Err() != nil || s.Scanned() < total {
		return StateStopped, nil
	}
	return StateCompleted, nil
}

func (e *Engine) finish(parent context.Context, s *Session, state State, loopErr error, observer Observer) {
	if !s.finish(state, e.now(), loopErr) {
		return
	}
	s.cancel()

	e.mu.Lock()
	if e.active == s {
		e.active = nil
	}
	e.mu.Unlock()
	e.slots.Release(s.id)

	method := string(s.Method())
	duration := s.Duration()
	logger := e.logger.WithSessionID(s.id)

	e.metrics.SetActiveScans(0)
	e.metrics.IncrementScansTotal(method, string(state))
	e.metrics.RecordScanDuration(method, duration)

	if loopErr != nil {
		e.metrics.IncrementScanErrors(method, "loop_failure")
		logger.ErrorScan("Scan aborted", s.Target(), loopErr, "scanned", s.Scanned())
	}

	logger.InfoScan("Scan finished", s.Target(),
		"state", state,
		"scanned", s.Scanned(),
		"total", s.Total(),
		"open", s.OpenCount(),
		"duration", duration)

	if state == StateCompleted && e.recorder != nil {
		if err := e.recorder.RecordSession(context.WithoutCancel(parent), s); err != nil {
			logger.ErrorScan("Failed to record scan history", s.Target(), err)
		}
	}

	e.notifyFinish(logger, observer, s.Summary())
}

func (e *Engine) notifyFinish(logger *logging.Logger, observer Observer, summary Summary) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Observer failed on finish", "panic", r)
		}
	}()
	observer.OnFinish(summary)
}
