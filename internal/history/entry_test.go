package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogPrepend(t *testing.T) {
	var log Log
	for id := int64(1); id <= 4; id++ {
		log = log.prepend(Entry{ID: id}, 3)
	}

	assert.Equal(t, Log{{ID: 4}, {ID: 3}, {ID: 2}}, log)
	assert.Equal(t, int64(4), log.maxID())
}

func TestLogPrependDoesNotAlias(t *testing.T) {
	base := Log{{ID: 1}, {ID: 2}}
	next := base.prepend(Entry{ID: 3}, 10)

	next[1].Target = "changed"
	assert.Empty(t, base[0].Target)
}

func TestLogTruncate(t *testing.T) {
	log := Log{{ID: 3}, {ID: 2}, {ID: 1}}

	assert.Len(t, log.truncate(2), 2)
	assert.Len(t, log.truncate(5), 3)
	assert.Zero(t, Log{}.maxID())
}

func TestEntryStartedAt(t *testing.T) {
	e := Entry{Timestamp: "2026-02-03T04:05:06.789Z"}

	ts, err := e.StartedAt()
	assert.NoError(t, err)
	assert.Equal(t, 789, ts.Nanosecond()/1e6)

	_, err = Entry{Timestamp: "yesterday"}.StartedAt()
	assert.Error(t, err)
}
