package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm == nil {
		t.Fatalf("NewPrometheusMetrics returned nil")
	}
	if pm.GetRegistry() == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	after := pm.GetUptime()
	if before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_InstancesAreIsolated(t *testing.T) {
	a := NewPrometheusMetrics()
	b := NewPrometheusMetrics()

	a.IncrementScansTotal("async", "completed")

	if got := testutil.ToFloat64(a.scansTotal.WithLabelValues("async", "completed")); got != 1 {
		t.Errorf("expected 1 on first instance, got %v", got)
	}
	if got := testutil.CollectAndCount(b.scansTotal); got != 0 {
		t.Errorf("expected second instance untouched, got %d series", got)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.IncrementScansTotal("threaded", "completed")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	handler := promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{})
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, name := range []string{"portsim_system_uptime_seconds", "portsim_scan_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in exposition output", name)
		}
	}
}

func TestPrometheusMetrics_ScanMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementScansTotal("async", "completed")
	pm.IncrementScansTotal("async", "completed")
	pm.IncrementScansTotal("threaded", "stopped")

	if count := testutil.CollectAndCount(pm.scansTotal); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
	if got := testutil.ToFloat64(pm.scansTotal.WithLabelValues("async", "completed")); got != 2 {
		t.Errorf("expected 2 completed async scans, got %v", got)
	}

	pm.RecordScanDuration("async", 2*time.Second)
	pm.RecordScanDuration("threaded", 3*time.Second)
	if count := testutil.CollectAndCount(pm.scanDuration); count != 2 {
		t.Errorf("expected 2 methods, got %d", count)
	}

	pm.IncrementScanErrors("async", "panic")
	if count := testutil.CollectAndCount(pm.scanErrors); count != 1 {
		t.Errorf("expected 1 error type, got %d", count)
	}

	pm.IncrementScanRejected("in_progress")
	pm.IncrementScanRejected("validation")
	if count := testutil.CollectAndCount(pm.scanRejected); count != 2 {
		t.Errorf("expected 2 rejection reasons, got %d", count)
	}

	pm.IncrementPortsScanned("async", "open", 1)
	pm.IncrementPortsScanned("async", "open", 1)
	pm.IncrementPortsScanned("async", "closed", 14)
	if got := testutil.ToFloat64(pm.portsScanned.WithLabelValues("async", "closed")); got != 14 {
		t.Errorf("expected 14 closed ports, got %v", got)
	}

	pm.SetActiveScans(1)
	if got := testutil.ToFloat64(pm.activeScans); got != 1 {
		t.Errorf("expected active gauge 1, got %v", got)
	}

	pm.IncrementScheduledRuns("nightly", "started")
	pm.IncrementScheduledRuns("nightly", "skipped")
	if count := testutil.CollectAndCount(pm.scheduledRuns); count != 2 {
		t.Errorf("expected 2 scheduled outcomes, got %d", count)
	}
}

func TestPrometheusMetrics_HistoryMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordHistoryOperation("record", 2*time.Millisecond, true)
	pm.RecordHistoryOperation("record", time.Millisecond, false)
	pm.RecordHistoryOperation("load", time.Millisecond, true)

	if count := testutil.CollectAndCount(pm.historyOps); count != 3 {
		t.Errorf("expected 3 operation/status combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.historyDuration); count != 2 {
		t.Errorf("expected 2 operations, got %d", count)
	}

	pm.SetHistoryEntries(10)
	if got := testutil.ToFloat64(pm.historyEntries); got != 10 {
		t.Errorf("expected 10 history entries, got %v", got)
	}
}

func TestPrometheusMetrics_APIMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementHTTPRequests("GET", "/api/v1/history", "200")
	pm.IncrementHTTPRequests("POST", "/api/v1/scans", "202")
	pm.IncrementHTTPRequests("GET", "/api/v1/history", "200")

	if count := testutil.CollectAndCount(pm.httpRequests); count != 2 {
		t.Errorf("expected 2 endpoint/status combinations, got %d", count)
	}

	pm.RecordHTTPDuration("GET", "/api/v1/history", 100*time.Millisecond)
	pm.RecordHTTPDuration("POST", "/api/v1/scans", 200*time.Millisecond)
	if count := testutil.CollectAndCount(pm.httpDuration); count != 2 {
		t.Errorf("expected 2 endpoint types, got %d", count)
	}

	pm.IncrementHTTPErrors("POST", "/api/v1/scans", "conflict")
	if count := testutil.CollectAndCount(pm.httpErrors); count != 1 {
		t.Errorf("expected 1 error type, got %d", count)
	}
}

func TestPrometheusMetrics_WebSocketMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementWebSocketMessages("scan_progress")
	pm.IncrementWebSocketMessages("scan_progress")
	pm.IncrementWebSocketMessages("scan_finished")
	pm.SetWebSocketClients(3)

	if got := testutil.ToFloat64(pm.wsMessages.WithLabelValues("scan_progress")); got != 2 {
		t.Errorf("expected 2 progress messages, got %v", got)
	}
	if got := testutil.ToFloat64(pm.wsClients); got != 3 {
		t.Errorf("expected 3 clients, got %v", got)
	}
}

func TestPrometheusMetrics_SystemMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()

	if count := testutil.CollectAndCount(pm.memoryUsage); count != 1 {
		t.Errorf("expected 1 memory metric, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.goroutines); count != 1 {
		t.Errorf("expected 1 goroutines metric, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.uptime); count != 1 {
		t.Errorf("expected 1 uptime metric, got %d", count)
	}

	before := pm.GetLastUpdate()
	time.Sleep(10 * time.Millisecond)
	pm.UpdateSystemMetrics()
	if !pm.GetLastUpdate().After(before) {
		t.Errorf("expected last update to change after UpdateSystemMetrics")
	}
}

func TestPrometheusMetrics_StartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 20*time.Millisecond)
		close(done)
	}()

	<-ctx.Done()
	<-done

	if pm.GetLastUpdate().IsZero() {
		t.Error("expected metrics to be updated at least once")
	}
}

func TestPrometheusMetrics_GlobalInstance(t *testing.T) {
	gm1 := GetGlobalMetrics()
	if gm1 == nil {
		t.Fatal("GetGlobalMetrics returned nil")
	}
	if gm2 := GetGlobalMetrics(); gm1 != gm2 {
		t.Error("GetGlobalMetrics should return same instance")
	}
}
