package scanning

import (
	"fmt"
	"sync"
	"time"
)

// SessionSlots limits how many sessions may run at once. The engine uses a
// capacity of one: a start request either takes the slot immediately or is
// rejected.
type SessionSlots struct {
	capacity  int
	semaphore chan struct{}
	active    map[string]time.Time
	mutex     sync.RWMutex
	closed    bool
}

// SlotStats describes slot usage.
type SlotStats struct {
	Capacity  int            `json:"capacity"`
	Active    int            `json:"active"`
	Available int            `json:"available"`
	Closed    bool           `json:"closed"`
	Running   map[string]int `json:"running_seconds,omitempty"`
}

// NewSessionSlots creates slots with the given capacity (at least one).
func NewSessionSlots(capacity int) *SessionSlots {
	if capacity <= 0 {
		capacity = 1
	}

	return &SessionSlots{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]time.Time),
	}
}

// TryAcquire takes a slot for id without blocking. It fails when every slot
// is busy or the slots are closed.
func (sl *SessionSlots) TryAcquire(id string) error {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if sl.closed {
		return fmt.Errorf("session slots are closed")
	}
	if _, exists := sl.active[id]; exists {
		return fmt.Errorf("session %s already holds a slot", id)
	}

	select {
	case sl.semaphore <- struct{}{}:
		sl.active[id] = time.Now()
		return nil
	default:
		return fmt.Errorf("all %d session slots are busy", sl.capacity)
	}
}

// Release frees the slot held by id. Unknown ids are ignored.
func (sl *SessionSlots) Release(id string) {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if _, exists := sl.active[id]; !exists {
		return
	}
	delete(sl.active, id)

	select {
	case <-sl.semaphore:
	default:
	}
}

// Holders returns the ids currently holding a slot.
func (sl *SessionSlots) Holders() []string {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()

	ids := make([]string, 0, len(sl.active))
	for id := range sl.active {
		ids = append(ids, id)
	}
	return ids
}

// Available returns the number of free slots.
func (sl *SessionSlots) Available() int {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()

	return sl.capacity - len(sl.active)
}

// Close releases every slot and rejects further acquisitions.
func (sl *SessionSlots) Close() {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if sl.closed {
		return
	}
	sl.closed = true
	sl.active = make(map[string]time.Time)

	for {
		select {
		case <-sl.semaphore:
		default:
			return
		}
	}
}

// Stats returns a point-in-time view of slot usage.
func (sl *SessionSlots) Stats() SlotStats {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()

	stats := SlotStats{
		Capacity:  sl.capacity,
		Active:    len(sl.active),
		Available: sl.capacity - len(sl.active),
		Closed:    sl.closed,
	}
	if len(sl.active) > 0 {
		stats.Running = make(map[string]int, len(sl.active))
		for id, since := range sl.active {
			stats.Running[id] = int(time.Since(since).Seconds())
		}
	}
	return stats
}
