package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/scanning"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "history", "portsim.db")
	return cfg
}

func openTestStore(t *testing.T, cfg Config, opts ...StoreOption) *Store {
	t.Helper()
	base := []StoreOption{
		WithLogger(logging.NewNop()),
		WithMetrics(metrics.NewPrometheusMetrics()),
	}
	s, err := Open(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEngine() *scanning.Engine {
	return scanning.NewEngine(scanning.NewStaticClassifier(22, 443),
		scanning.WithLogger(logging.NewNop()),
		scanning.WithMetrics(metrics.NewPrometheusMetrics()),
		scanning.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func scanRequest(target string) scanning.ScanRequest {
	return scanning.ScanRequest{
		Target:     target,
		Ports:      []int{22, 80, 443},
		Method:     scanning.MethodThreaded,
		Timeout:    1.5,
		MaxWorkers: 50,
	}
}

func completedSession(t *testing.T, target string) *scanning.Session {
	t.Helper()
	s, err := testEngine().Run(context.Background(), scanRequest(target), nil)
	require.NoError(t, err)
	require.Equal(t, scanning.StateCompleted, s.State())
	return s
}

func stoppedSession(t *testing.T, target string) *scanning.Session {
	t.Helper()
	engine := testEngine()
	observer := scanning.ObserverFuncs{Progress: func(e scanning.ProgressEvent) {
		if e.Scanned == 1 {
			engine.Stop()
		}
	}}
	s, err := engine.Run(context.Background(), scanRequest(target), observer)
	require.NoError(t, err)
	require.Equal(t, scanning.StateStopped, s.State())
	return s
}

func TestStore_LoadEmpty(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	log := s.Load(context.Background())
	assert.NotNil(t, log)
	assert.Empty(t, log)
	assert.True(t, s.Persistent())
}

func TestStore_RecordEntry(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	session := completedSession(t, "scanme.example")

	entry, err := s.Record(context.Background(), session)
	require.NoError(t, err)

	assert.Equal(t, "scanme.example", entry.Target)
	assert.Equal(t, 3, entry.TotalPorts)
	assert.Equal(t, 2, entry.OpenPorts)
	assert.Equal(t, "threaded", entry.Method)
	assert.Equal(t, session.Duration().Milliseconds(), entry.Duration)

	started, err := entry.StartedAt()
	require.NoError(t, err)
	assert.True(t, session.StartTime().Truncate(time.Millisecond).Equal(started))

	assert.Equal(t, Log{entry}, s.Load(context.Background()))
}

func TestStore_BoundedMostRecentFirst(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	for i := 0; i < 15; i++ {
		_, err := s.Record(context.Background(), completedSession(t, fmt.Sprintf("host-%02d", i)))
		require.NoError(t, err)
	}

	log := s.Load(context.Background())
	require.Len(t, log, 10)
	for i, e := range log {
		assert.Equal(t, fmt.Sprintf("host-%02d", 14-i), e.Target)
		if i > 0 {
			assert.Greater(t, log[i-1].ID, e.ID, "ids decrease towards older entries")
		}
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	cfg := testConfig(t)

	first := openTestStore(t, cfg)
	_, err := first.Record(context.Background(), completedSession(t, "alpha"))
	require.NoError(t, err)
	_, err = first.Record(context.Background(), completedSession(t, "beta"))
	require.NoError(t, err)
	want := first.Load(context.Background())
	require.NoError(t, first.Close())

	second := openTestStore(t, cfg)
	assert.Equal(t, want, second.Load(context.Background()))

	_, err = second.Record(context.Background(), completedSession(t, "gamma"))
	require.NoError(t, err)
	got := second.Load(context.Background())
	require.Len(t, got, 3)
	assert.Greater(t, got[0].ID, want[0].ID)
}

func TestStore_RejectsUnfinishedSessions(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	_, err := s.Record(context.Background(), stoppedSession(t, "stopped.example"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = s.Record(context.Background(), nil)
	assert.Error(t, err)

	assert.Empty(t, s.Load(context.Background()))
}

func TestStore_EngineRecordsOnlyCompleted(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	engine := scanning.NewEngine(scanning.NewStaticClassifier(80),
		scanning.WithLogger(logging.NewNop()),
		scanning.WithMetrics(metrics.NewPrometheusMetrics()),
		scanning.WithRecorder(s),
		scanning.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	_, err := engine.Run(context.Background(), scanRequest("done.example"), nil)
	require.NoError(t, err)

	observer := scanning.ObserverFuncs{Progress: func(e scanning.ProgressEvent) { engine.Stop() }}
	_, err = engine.Run(context.Background(), scanRequest("stopped.example"), observer)
	require.NoError(t, err)

	log := s.Load(context.Background())
	require.Len(t, log, 1)
	assert.Equal(t, "done.example", log[0].Target)
	assert.Equal(t, 1, log[0].OpenPorts)
}

func TestStore_Clear(t *testing.T) {
	cfg := testConfig(t)
	s := openTestStore(t, cfg)
	_, err := s.Record(context.Background(), completedSession(t, "alpha"))
	require.NoError(t, err)

	err = s.Clear(context.Background(), false)
	assert.True(t, errors.IsCode(err, errors.CodeConfirmationRequired))
	assert.Len(t, s.Load(context.Background()), 1, "unconfirmed clear keeps the log")

	require.NoError(t, s.Clear(context.Background(), true))
	assert.Empty(t, s.Load(context.Background()))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, cfg)
	assert.Empty(t, reopened.Load(context.Background()), "cleared state is persisted")
}

func TestStore_CorruptDataDegradesToEmpty(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not json", "{{{"},
		{"wrong shape", `{"id": 1}`},
		{"null", "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, testConfig(t))
			_, err := s.db.ExecContext(context.Background(),
				s.db.Rebind(upsertValueQuery), s.key, tt.value)
			require.NoError(t, err)

			log := s.Load(context.Background())
			assert.NotNil(t, log)
			assert.Empty(t, log)

			_, err = s.Record(context.Background(), completedSession(t, "after-corruption"))
			require.NoError(t, err)
			assert.Len(t, s.Load(context.Background()), 1)
		})
	}
}

func TestStore_OversizedStoredLogIsTruncated(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	var raw []byte
	raw = append(raw, '[')
	for i := 0; i < 12; i++ {
		if i > 0 {
			raw = append(raw, ',')
		}
		raw = fmt.Appendf(raw, `{"id":%d,"target":"t%d"}`, 100-i, i)
	}
	raw = append(raw, ']')
	_, err := s.db.ExecContext(context.Background(), s.db.Rebind(upsertValueQuery), s.key, string(raw))
	require.NoError(t, err)

	log := s.Load(context.Background())
	require.Len(t, log, 10)
	assert.Equal(t, "t0", log[0].Target)
}

func TestStore_MonotonicIDs(t *testing.T) {
	frozen := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	s := openTestStore(t, testConfig(t), WithClock(func() time.Time { return frozen }))

	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := s.Record(context.Background(), completedSession(t, "same-instant"))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	assert.Equal(t, []int64{frozen.UnixMilli(), frozen.UnixMilli() + 1, frozen.UnixMilli() + 2}, ids)
}

func TestStore_IDsFollowClock(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	now := start
	s := openTestStore(t, testConfig(t), WithClock(func() time.Time { return now }))

	first, err := s.Record(context.Background(), completedSession(t, "a"))
	require.NoError(t, err)
	now = start.Add(5 * time.Second)
	second, err := s.Record(context.Background(), completedSession(t, "b"))
	require.NoError(t, err)

	assert.Equal(t, start.UnixMilli(), first.ID)
	assert.Equal(t, start.Add(5*time.Second).UnixMilli(), second.ID)
}

func TestStore_ConcurrentRecords(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	sessions := make([]*scanning.Session, 8)
	for i := range sessions {
		sessions[i] = completedSession(t, fmt.Sprintf("c-%d", i))
	}

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(sess *scanning.Session) {
			defer wg.Done()
			_, err := s.Record(context.Background(), sess)
			assert.NoError(t, err)
		}(session)
	}
	wg.Wait()

	log := s.Load(context.Background())
	assert.Len(t, log, 8)

	seen := make(map[int64]bool)
	for _, e := range log {
		assert.False(t, seen[e.ID], "duplicate id %d", e.ID)
		seen[e.ID] = true
	}
}

func TestStore_MemoryOnly(t *testing.T) {
	s := NewStore(nil, Config{Limit: 2}, WithLogger(logging.NewNop()), WithMetrics(metrics.NewPrometheusMetrics()))
	assert.False(t, s.Persistent())
	assert.Equal(t, 2, s.Limit())

	for _, target := range []string{"a", "b", "c"} {
		_, err := s.Record(context.Background(), completedSession(t, target))
		require.NoError(t, err)
	}

	log := s.Load(context.Background())
	require.Len(t, log, 2)
	assert.Equal(t, "c", log[0].Target)
	assert.Equal(t, "b", log[1].Target)

	assert.True(t, errors.IsCode(s.Ping(context.Background()), errors.CodeStorageConnection))
	require.NoError(t, s.Clear(context.Background(), true))
	assert.Empty(t, s.Load(context.Background()))
	assert.NoError(t, s.Close())
}

func TestOpenOrMemory_FallsBack(t *testing.T) {
	cfg := Config{Driver: "oracle"}
	s := OpenOrMemory(context.Background(), cfg, WithLogger(logging.NewNop()), WithMetrics(metrics.NewPrometheusMetrics()))
	require.NotNil(t, s)
	assert.False(t, s.Persistent())
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestStore_Metrics(t *testing.T) {
	m := metrics.NewPrometheusMetrics()
	s := openTestStore(t, testConfig(t), WithMetrics(m))

	_, err := s.Record(context.Background(), completedSession(t, "metrics"))
	require.NoError(t, err)

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["portsim_history_entries"])
	assert.True(t, found["portsim_history_operations_total"])
}
