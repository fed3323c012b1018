package scanning

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Session is one scan run. The engine is its only writer; every exported
// method is safe to call from other goroutines and returns copies.
type Session struct {
	id      string
	request ScanRequest
	cancel  context.CancelFunc

	mu      sync.RWMutex
	state   State
	results []PortResult
	open    int
	feed    liveFeed
	started time.Time
	ended   time.Time
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(id string, req ScanRequest, started time.Time, cancel context.CancelFunc) *Session {
	return &Session{
		id:      id,
		request: req.clone(),
		cancel:  cancel,
		state:   StateRunning,
		results: make([]PortResult, 0, len(req.Ports)),
		started: started,
		done:    make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Request returns a copy of the request the session was started with.
func (s *Session) Request() ScanRequest { return s.request.clone() }

// Target returns the trimmed scan target.
func (s *Session) Target() string { return s.request.Target }

// Method returns the scan method.
func (s *Session) Method() Method { return s.request.Method }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Results returns the committed results in scan order.
func (s *Session) Results() []PortResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.results)
}

// Scanned returns the number of committed results.
func (s *Session) Scanned() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Total returns the number of ports in the request.
func (s *Session) Total() int { return len(s.request.Ports) }

// OpenCount returns the number of open ports found so far.
func (s *Session) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// OpenPorts lists the open ports found so far, in scan order.
func (s *Session) OpenPorts() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, s.open)
	for _, r := range s.results {
		if r.Status == StatusOpen {
			out = append(out, r.Port)
		}
	}
	return out
}

// Feed returns the live feed, newest first.
func (s *Session) Feed() []FeedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feed.snapshot()
}

// StartTime returns when the session started.
func (s *Session) StartTime() time.Time { return s.started }

// EndTime returns when the session reached a terminal state, or the zero
// time while it is running.
func (s *Session) EndTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// Duration is EndTime - StartTime for terminal sessions and zero otherwise.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended.IsZero() {
		return 0
	}
	return s.ended.Sub(s.started)
}

// Err returns the failure that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Stop requests cancellation. It reports whether the session was running.
// The loop notices the request within one throttling interval.
func (s *Session) Stop() bool {
	if s.State() != StateRunning {
		return false
	}
	s.cancel()
	return true
}

// Done is closed once the session is terminal and its results have been
// handed off.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is done or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary builds the session summary from its current state.
func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		SessionID: s.id,
		Target:    s.request.Target,
		Method:    s.request.Method,
		State:     s.state,
		Total:     len(s.request.Ports),
		Scanned:   len(s.results),
		Open:      s.open,
		OpenPorts: make([]int, 0, s.open),
	}
	for _, r := range s.results {
		if r.Status == StatusOpen {
			sum.OpenPorts = append(sum.OpenPorts, r.Port)
		}
	}
	if !s.ended.IsZero() {
		sum.Duration = s.ended.Sub(s.started)
		sum.DurationMS = sum.Duration.Milliseconds()
	}
	if s.err != nil {
		sum.Error = s.err.Error()
	}
	return sum
}

// Snapshot is a JSON view of a session.
type Snapshot struct {
	ID         string       `json:"id"`
	Target     string       `json:"target"`
	Method     Method       `json:"method"`
	Timeout    float64      `json:"timeout"`
	MaxWorkers int          `json:"max_workers"`
	BannerGrab bool         `json:"banner_grab"`
	State      State        `json:"state"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    *time.Time   `json:"end_time,omitempty"`
	DurationMS int64        `json:"duration"`
	Total      int          `json:"total_ports"`
	Scanned    int          `json:"scanned_ports"`
	Open       int          `json:"open_ports"`
	Progress   int          `json:"percentage"`
	Results    []PortResult `json:"results"`
	Feed       []FeedEntry  `json:"live_feed"`
	Error      string       `json:"error,omitempty"`
}

// Snapshot returns a consistent JSON view with results matching filter.
func (s *Session) Snapshot(filter StatusFilter) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:         s.id,
		Target:     s.request.Target,
		Method:     s.request.Method,
		Timeout:    s.request.Timeout,
		MaxWorkers: s.request.MaxWorkers,
		BannerGrab: s.request.BannerGrab,
		State:      s.state,
		StartTime:  s.started,
		Total:      len(s.request.Ports),
		Scanned:    len(s.results),
		Open:       s.open,
		Progress:   Percentage(len(s.results), len(s.request.Ports)),
		Results:    FilterResults(s.results, filter),
		Feed:       s.feed.snapshot(),
	}
	if snap.Results == nil {
		snap.Results = []PortResult{}
	}
	if !s.ended.IsZero() {
		end := s.ended
		snap.EndTime = &end
		snap.DurationMS = end.Sub(s.started).Milliseconds()
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// commit appends a result unless the session is already terminal.
func (s *Session) commit(r PortResult, at time.Time) (scanned, open int, feed []FeedEntry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return len(s.results), s.open, nil, false
	}
	s.results = append(s.results, r)
	if r.Status == StatusOpen {
		s.open++
	}
	s.feed.push(FeedEntry{Port: r.Port, Status: r.Status, Service: r.Service, Time: at})
	return len(s.results), s.open, s.feed.snapshot(), true
}

// finish moves the session to a terminal state once.
func (s *Session) finish(state State, at time.Time, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return false
	}
	s.state = state
	s.ended = at
	s.err = err
	return true
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
