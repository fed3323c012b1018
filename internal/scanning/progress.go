package scanning

import (
	"slices"
	"time"
)

// LiveFeedSize is the number of most recent verdicts kept in the live feed.
const LiveFeedSize = 10

// FeedEntry is one line of the live feed.
type FeedEntry struct {
	Port    int       `json:"port"`
	Status  Status    `json:"status"`
	Service string    `json:"service"`
	Time    time.Time `json:"time"`
}

// liveFeed keeps the newest LiveFeedSize entries, newest first.
type liveFeed struct {
	entries []FeedEntry
}

func (f *liveFeed) push(e FeedEntry) {
	f.entries = slices.Insert(f.entries, 0, e)
	if len(f.entries) > LiveFeedSize {
		f.entries = f.entries[:LiveFeedSize]
	}
}

func (f *liveFeed) snapshot() []FeedEntry {
	return slices.Clone(f.entries)
}

// ProgressEvent is emitted after each port result is committed.
type ProgressEvent struct {
	SessionID  string        `json:"session_id"`
	Port       int           `json:"port"`
	Status     Status        `json:"status"`
	Service    string        `json:"service"`
	Scanned    int           `json:"scanned"`
	Total      int           `json:"total"`
	Open       int           `json:"open"`
	Percentage int           `json:"percentage"`
	Elapsed    time.Duration `json:"-"`
	ElapsedMS  int64         `json:"elapsed_ms"`
	Throughput int           `json:"ports_per_second"`
	Feed       []FeedEntry   `json:"live_feed"`
}

// Observer receives session telemetry. Calls happen on the scan goroutine,
// so implementations must return quickly.
type Observer interface {
	OnProgress(ProgressEvent)
	OnFinish(Summary)
}

// ObserverFuncs adapts optional callbacks to the Observer interface.
type ObserverFuncs struct {
	Progress func(ProgressEvent)
	Finish   func(Summary)
}

// OnProgress implements Observer.
func (o ObserverFuncs) OnProgress(e ProgressEvent) {
	if o.Progress != nil {
		o.Progress(e)
	}
}

// OnFinish implements Observer.
func (o ObserverFuncs) OnFinish(s Summary) {
	if o.Finish != nil {
		o.Finish(s)
	}
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

// OnProgress implements Observer.
func (m MultiObserver) OnProgress(e ProgressEvent) {
	for _, o := range m {
		if o != nil {
			o.OnProgress(e)
		}
	}
}

// OnFinish implements Observer.
func (m MultiObserver) OnFinish(s Summary) {
	for _, o := range m {
		if o != nil {
			o.OnFinish(s)
		}
	}
}

type nopObserver struct{}

func (nopObserver) OnProgress(ProgressEvent) {}
func (nopObserver) OnFinish(Summary)         {}
