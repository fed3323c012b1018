package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
)

func createTestLogger(buf *bytes.Buffer) *logging.Logger {
	return logging.NewWithWriter(logging.Config{Level: "debug", Format: logging.FormatJSON}, buf)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})

	t.Run("oversized id replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 100))
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Len(t, seen, 36)
	})
}

func TestGetRequestID_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "unknown", GetRequestID(req))
	assert.Equal(t, "unknown", RequestIDFromContext(context.Background()))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestID()(Logging(createTestLogger(&buf))(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health?x=1", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "HTTP request completed", entry["msg"])
	assert.Equal(t, "/api/v1/health", entry["path"])
	assert.Equal(t, float64(200), entry["status_code"])
	assert.Equal(t, float64(2), entry["response_size"])
	assert.Equal(t, "10.1.2.3", entry["remote_addr"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), entry["request_id"])
}

func TestLogging_ServerErrorsAreWarnings(t *testing.T) {
	var buf bytes.Buffer
	handler := Logging(createTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestMetrics(t *testing.T) {
	m := metrics.NewPrometheusMetrics()

	router := mux.NewRouter()
	router.Use(Metrics(m))
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"1", "2", "missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "portsim_api_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var path, status string
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "path":
					path = lp.GetValue()
				case "status":
					status = lp.GetValue()
				}
			}
			assert.Equal(t, "/items/{id}", path, "paths are reported as templates")
			counts[status] += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, counts["200"])
	assert.Equal(t, 1.0, counts["404"])
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestID()(Recovery(createTestLogger(&buf))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["error"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body["request_id"])
	assert.Contains(t, buf.String(), "boom")
}

func TestRateLimiter_Allow(t *testing.T) {
	tests := []struct {
		name     string
		rps      float64
		burst    int
		requests []string
		expected []bool
	}{
		{
			name:     "within burst",
			rps:      1,
			burst:    3,
			requests: []string{"1.1.1.1", "1.1.1.1", "1.1.1.1"},
			expected: []bool{true, true, true},
		},
		{
			name:     "over burst",
			rps:      1,
			burst:    2,
			requests: []string{"1.1.1.1", "1.1.1.1", "1.1.1.1"},
			expected: []bool{true, true, false},
		},
		{
			name:     "clients are independent",
			rps:      1,
			burst:    1,
			requests: []string{"1.1.1.1", "2.2.2.2", "1.1.1.1"},
			expected: []bool{true, true, false},
		},
		{
			name:     "zero burst means one",
			rps:      1,
			burst:    0,
			requests: []string{"1.1.1.1", "1.1.1.1"},
			expected: []bool{true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewRateLimiter(tt.rps, tt.burst)
			fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			limiter.now = func() time.Time { return fixed }

			for i, ip := range tt.requests {
				assert.Equal(t, tt.expected[i], limiter.Allow(ip), "request %d for %s", i+1, ip)
			}
		})
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	limiter := NewRateLimiter(2, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("c"))
	assert.False(t, limiter.Allow("c"))

	now = now.Add(500 * time.Millisecond)
	assert.True(t, limiter.Allow("c"), "one token refills after 1/rps")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(10, 10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(2 * time.Minute)
	limiter.Allow("recent")
	now = now.Add(2 * time.Minute)

	limiter.Cleanup()
	assert.Equal(t, 1, limiter.Clients())
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(1, 50)
	fixed := time.Now()
	limiter.now = func() time.Time { return fixed }

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("same") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	handler := RateLimit(limiter, logging.NewNop())(okHandler())

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("203.0.113.7")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := send("203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "Rate limit exceeded")

	assert.Equal(t, http.StatusOK, send("198.51.100.1").Code)
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		expected    int
	}{
		{"GET without content type", http.MethodGet, "", http.StatusOK},
		{"POST json", http.MethodPost, "application/json", http.StatusOK},
		{"POST json with charset", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"POST without content type", http.MethodPost, "", http.StatusOK},
		{"POST form", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"PUT xml", http.MethodPut, "application/xml", http.StatusUnsupportedMediaType},
		{"DELETE text", http.MethodDelete, "text/plain", http.StatusOK},
	}

	handler := ContentType()(okHandler())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders()(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:1", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.2"}, "10.0.0.2:1", "203.0.113.2"},
		{"remote addr", nil, "192.0.2.10:4444", "192.0.2.10"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:4444", "2001:db8::1"},
		{"remote without port", nil, "192.0.2.11", "192.0.2.11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remote
			assert.Equal(t, tt.expected, getClientIP(req))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrap(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusTeapot)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.statusCode, "first status wins")
	assert.Equal(t, 5, rw.size)
	assert.Same(t, http.ResponseWriter(rec), rw.Unwrap())

	_, _, err = rw.Hijack()
	assert.Error(t, err, "recorder cannot be hijacked")
}

func TestMetricsRegistryIsolation(t *testing.T) {
	a := metrics.NewPrometheusMetrics()
	b := metrics.NewPrometheusMetrics()

	handler := Metrics(a)(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	countA, err := testutil.GatherAndCount(a.GetRegistry(), "portsim_api_requests_total")
	require.NoError(t, err)
	countB, err := testutil.GatherAndCount(b.GetRegistry(), "portsim_api_requests_total")
	require.NoError(t, err)

	assert.Equal(t, 1, countA)
	assert.Zero(t, countB)
}
