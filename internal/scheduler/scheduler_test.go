package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/ports"
	"github.com/anstrom/portsim/internal/scanning"
)

func testEngine(sleep scanning.Sleeper) *scanning.Engine {
	return scanning.NewEngine(scanning.NewStaticClassifier(443),
		scanning.WithLogger(logging.NewNop()),
		scanning.WithMetrics(metrics.NewPrometheusMetrics()),
		scanning.WithSleeper(sleep))
}

func instant(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func blocking(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func newScheduler(r Runner, m *metrics.PrometheusMetrics) *Scheduler {
	return New(r, config.Default().Scanning, WithLogger(logging.NewNop()), WithMetrics(m))
}

type failingRunner struct {
	mu    sync.Mutex
	calls int
}

func (f *failingRunner) Start(context.Context, scanning.ScanRequest, scanning.Observer) (*scanning.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.NewScanError(errors.CodeScanFailed, "engine unavailable")
}

func TestBuildRequest(t *testing.T) {
	defaults := config.Default().Scanning

	tests := []struct {
		name     string
		job      config.JobConfig
		ports    []int
		method   scanning.Method
		workers  int
		timeout  float64
		wantCode errors.ErrorCode
	}{
		{
			name:    "defaults only",
			job:     config.JobConfig{Target: " 10.0.0.1 "},
			ports:   ports.Resolve(ports.PresetCommon, ""),
			method:  scanning.MethodAsync,
			workers: scanning.DefaultAsyncWorkers,
			timeout: 1.0,
		},
		{
			name:    "preset with threaded method",
			job:     config.JobConfig{Target: "h", Preset: "web", Method: "threaded"},
			ports:   ports.Resolve(ports.PresetWeb, ""),
			method:  scanning.MethodThreaded,
			workers: scanning.DefaultThreadedWorkers,
			timeout: 1.0,
		},
		{
			name:    "custom ports override preset",
			job:     config.JobConfig{Target: "h", Preset: "web", Ports: "22,80-81", Workers: 7, Timeout: 3},
			ports:   []int{22, 80, 81},
			method:  scanning.MethodAsync,
			workers: 7,
			timeout: 3,
		},
		{
			name:     "custom ports all invalid",
			job:      config.JobConfig{Target: "h", Ports: "abc"},
			wantCode: errors.CodeEmptyPortSet,
		},
		{
			name:     "missing target",
			job:      config.JobConfig{Preset: "web"},
			wantCode: errors.CodeTargetInvalid,
		},
		{
			name:     "bad method",
			job:      config.JobConfig{Target: "h", Method: "icmp"},
			wantCode: errors.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildRequest(tt.job, defaults)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ports, req.Ports)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.workers, req.MaxWorkers)
			assert.Equal(t, tt.timeout, req.Timeout)
			assert.NotContains(t, req.Target, " ")
		})
	}
}

func TestAddJob(t *testing.T) {
	s := newScheduler(testEngine(instant), metrics.NewPrometheusMetrics())

	require.NoError(t, s.AddJob(config.JobConfig{Name: "web", Schedule: "@hourly", Target: "h", Preset: "web"}))

	err := s.AddJob(config.JobConfig{Name: "web", Schedule: "@daily", Target: "h"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation), "duplicate names are rejected")

	err = s.AddJob(config.JobConfig{Name: "bad", Schedule: "not a schedule", Target: "h"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	err = s.AddJob(config.JobConfig{Name: "empty", Schedule: "@daily", Target: "h", Ports: "x"})
	assert.True(t, errors.IsCode(err, errors.CodeEmptyPortSet))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "web", jobs[0].Name)
	assert.Equal(t, 7, jobs[0].Ports)
	assert.True(t, jobs[0].Enabled)
	assert.False(t, jobs[0].NextRun.IsZero())
}

func TestLoadJobs(t *testing.T) {
	s := newScheduler(testEngine(instant), metrics.NewPrometheusMetrics())

	err := s.LoadJobs(config.SchedulerConfig{Jobs: []config.JobConfig{
		{Name: "b", Schedule: "*/10 * * * *", Target: "b.internal"},
		{Name: "a", Schedule: "@every 1h", Target: "a.internal", Ports: "8080"},
	}})
	require.NoError(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name, "jobs are sorted by name")
	assert.Equal(t, 1, jobs[0].Ports)

	err = s.LoadJobs(config.SchedulerConfig{Jobs: []config.JobConfig{{Name: "c", Schedule: "@daily"}}})
	assert.ErrorContains(t, err, `job "c"`)
}

func TestRunNow_Completes(t *testing.T) {
	m := metrics.NewPrometheusMetrics()
	engine := testEngine(instant)
	s := newScheduler(engine, m)
	require.NoError(t, s.AddJob(config.JobConfig{Name: "tls", Schedule: "@daily", Target: "h", Ports: "443,8443"}))

	outcome, err := s.RunNow("tls")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	last := engine.Last()
	require.NotNil(t, last)
	assert.Equal(t, []int{443}, last.OpenPorts())

	jobs := s.Jobs()
	assert.Equal(t, OutcomeCompleted, jobs[0].LastOutcome)
	assert.Equal(t, last.ID(), jobs[0].LastSessionID)
	assert.False(t, jobs[0].LastRun.IsZero())
	assert.False(t, jobs[0].Running)

	assert.Equal(t, 1.0, scheduledRuns(t, m, "tls", OutcomeCompleted))
}

func TestRunNow_SkipsWhileScanRunning(t *testing.T) {
	m := metrics.NewPrometheusMetrics()
	engine := testEngine(blocking)
	s := newScheduler(engine, m)
	require.NoError(t, s.AddJob(config.JobConfig{Name: "busy", Schedule: "@daily", Target: "h"}))

	manual, err := engine.Start(context.Background(), scanning.ScanRequest{
		Target: "manual", Ports: []int{1}, Method: scanning.MethodAsync, Timeout: 1, MaxWorkers: 1,
	}, nil)
	require.NoError(t, err)
	defer func() {
		manual.Stop()
		<-manual.Done()
	}()

	outcome, err := s.RunNow("busy")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Same(t, manual, engine.Active(), "the running scan is untouched")
	assert.Equal(t, 1.0, scheduledRuns(t, m, "busy", OutcomeSkipped))
}

func TestRunNow_Failures(t *testing.T) {
	runner := &failingRunner{}
	s := newScheduler(runner, metrics.NewPrometheusMetrics())
	require.NoError(t, s.AddJob(config.JobConfig{Name: "x", Schedule: "@daily", Target: "h"}))

	outcome, err := s.RunNow("x")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, runner.calls)

	_, err = s.RunNow("missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestDisabledJobDoesNotRun(t *testing.T) {
	runner := &failingRunner{}
	s := newScheduler(runner, metrics.NewPrometheusMetrics())
	require.NoError(t, s.AddJob(config.JobConfig{Name: "off", Schedule: "@daily", Target: "h", Disabled: true}))

	outcome, err := s.RunNow("off")
	require.NoError(t, err)
	assert.Empty(t, outcome)
	assert.Zero(t, runner.calls)

	require.NoError(t, s.EnableJob("off"))
	outcome, _ = s.RunNow("off")
	assert.Equal(t, OutcomeFailed, outcome)

	require.NoError(t, s.DisableJob("off"))
	assert.False(t, s.Jobs()[0].Enabled)
	assert.True(t, errors.IsCode(s.EnableJob("nope"), errors.CodeNotFound))
}

func TestRemoveJob(t *testing.T) {
	s := newScheduler(testEngine(instant), metrics.NewPrometheusMetrics())
	require.NoError(t, s.AddJob(config.JobConfig{Name: "gone", Schedule: "@daily", Target: "h"}))

	require.NoError(t, s.RemoveJob("gone"))
	assert.Empty(t, s.Jobs())
	assert.True(t, errors.IsCode(s.RemoveJob("gone"), errors.CodeNotFound))
}

func TestStartStop(t *testing.T) {
	s := newScheduler(testEngine(instant), metrics.NewPrometheusMetrics())
	require.NoError(t, s.AddJob(config.JobConfig{Name: "j", Schedule: "@hourly", Target: "h"}))

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start is rejected")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), jobs[0].NextRun, 31*time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "stopping twice is a no-op")
}

func TestConcurrentFiringsOfSameJob(t *testing.T) {
	engine := testEngine(blocking)
	s := newScheduler(engine, metrics.NewPrometheusMetrics())
	require.NoError(t, s.AddJob(config.JobConfig{Name: "slow", Schedule: "@daily", Target: "h"}))

	first := make(chan string, 1)
	go func() {
		out, _ := s.RunNow("slow")
		first <- out
	}()

	require.Eventually(t, func() bool { return engine.Active() != nil }, 2*time.Second, 5*time.Millisecond)

	outcome, err := s.RunNow("slow")
	require.NoError(t, err)
	assert.Empty(t, outcome, "a job that is still running is not fired again")

	engine.Stop()
	select {
	case out := <-first:
		assert.Equal(t, OutcomeStopped, out)
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}
}

func scheduledRuns(t *testing.T, m *metrics.PrometheusMetrics, job, outcome string) float64 {
	t.Helper()
	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "portsim_scan_scheduled_runs_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["job"] == job && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestTrigger(t *testing.T) {
	m := metrics.NewPrometheusMetrics()
	s := newScheduler(testEngine(instant), m)
	require.NoError(t, s.AddJob(config.JobConfig{Name: "bg", Schedule: "@daily", Target: "h", Ports: "80"}))

	require.NoError(t, s.Trigger("bg"))
	require.Eventually(t, func() bool {
		return s.Jobs()[0].LastOutcome == OutcomeCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, errors.IsCode(s.Trigger("nope"), errors.CodeNotFound))
}
