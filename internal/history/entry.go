package history

import (
	"time"

	"github.com/anstrom/portsim/internal/scanning"
)

// Entry is the persisted summary of one completed scan. Entries are never
// modified once created.
type Entry struct {
	ID         int64  `json:"id"`
	Target     string `json:"target"`
	Timestamp  string `json:"timestamp"`
	Duration   int64  `json:"duration"`
	TotalPorts int    `json:"total_ports"`
	OpenPorts  int    `json:"open_ports"`
	Method     string `json:"method"`
}

// NewEntry summarises session under the given id.
func NewEntry(id int64, session *scanning.Session) Entry {
	return Entry{
		ID:         id,
		Target:     session.Target(),
		Timestamp:  session.StartTime().UTC().Format(scanning.TimestampFormat),
		Duration:   session.Duration().Milliseconds(),
		TotalPorts: session.Total(),
		OpenPorts:  session.OpenCount(),
		Method:     string(session.Method()),
	}
}

// StartedAt parses the entry timestamp.
func (e Entry) StartedAt() (time.Time, error) {
	return time.Parse(scanning.TimestampFormat, e.Timestamp)
}

// Log is the ordered history, most recent entry first.
type Log []Entry

// prepend returns a new log with e in front, truncated to limit entries.
func (l Log) prepend(e Entry, limit int) Log {
	n := min(len(l)+1, limit)
	out := make(Log, 0, n)
	out = append(out, e)
	for _, existing := range l {
		if len(out) == n {
			break
		}
		out = append(out, existing)
	}
	return out
}

// truncate drops entries beyond limit.
func (l Log) truncate(limit int) Log {
	if len(l) > limit {
		return l[:limit]
	}
	return l
}

func (l Log) clone() Log {
	out := make(Log, len(l))
	copy(out, l)
	return out
}

// maxID returns the largest id in the log, or zero.
func (l Log) maxID() int64 {
	var id int64
	for _, e := range l {
		id = max(id, e.ID)
	}
	return id
}
