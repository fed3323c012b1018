// Package middleware provides HTTP middleware functions for the portsim API server.
// This package implements request ids, logging, metrics, rate limiting and other
// cross-cutting concerns for API requests.
package middleware

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
)

// HTTP method constants
const (
	methodPOST = "POST"
	methodPUT  = "PUT"
)

// ContextKey represents a context key type.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
	// httpErrorThreshold is the status code threshold for HTTP errors.
	httpErrorThreshold = 400
	// idleLimiterTTL is how long an unused per-client limiter is kept.
	idleLimiterTTL = 3 * time.Minute
)

// RequestID assigns every request an id, reusing a valid incoming one.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 64 {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logging creates a logging middleware that logs completed HTTP requests.
func Logging(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			if logger == nil {
				return
			}
			fields := []any{
				"request_id", GetRequestID(r),
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", wrapped.statusCode,
				"response_size", wrapped.size,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", getClientIP(r),
			}
			if wrapped.statusCode >= http.StatusInternalServerError {
				logger.Warn("HTTP request completed", fields...)
				return
			}
			logger.Debug("HTTP request completed", fields...)
		})
	}
}

// Metrics creates a metrics middleware that collects HTTP request metrics.
// Paths are reported as route templates to keep label cardinality bounded.
func Metrics(m *metrics.PrometheusMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			if m == nil {
				return
			}
			path := routeTemplate(r)
			m.IncrementHTTPRequests(r.Method, path, strconv.Itoa(wrapped.statusCode))
			m.RecordHTTPDuration(r.Method, path, time.Since(start))
			if wrapped.statusCode >= httpErrorThreshold {
				m.IncrementHTTPErrors(r.Method, path, http.StatusText(wrapped.statusCode))
			}
		})
	}
}

// Recovery creates a recovery middleware that catches panics.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID := GetRequestID(r)
					if logger != nil {
						logger.Error("HTTP request panic recovered",
							"request_id", requestID,
							"method", r.Method,
							"path", r.URL.Path,
							"panic", err,
							"stack", string(debug.Stack()),
							"remote_addr", getClientIP(r))
					}

					writeJSONError(w, http.StatusInternalServerError, map[string]interface{}{
						"error":      "Internal server error",
						"request_id": requestID,
						"timestamp":  time.Now().UTC(),
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
	mutex   sync.Mutex
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst for every client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow checks if a request from the given client is allowed.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Cleanup removes limiters of clients not seen for idleLimiterTTL.
func (rl *RateLimiter) Cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-idleLimiterTTL)
	for client, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
		}
	}
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.clients)
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// RateLimit creates a rate limiting middleware backed by limiter.
func RateLimit(limiter *RateLimiter, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			limit := strconv.FormatFloat(float64(limiter.limit), 'f', -1, 64)
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(limiter.burst))

			if !limiter.Allow(clientIP) {
				if logger != nil {
					logger.Warn("Rate limit exceeded",
						"request_id", GetRequestID(r),
						"client_ip", clientIP,
						"path", r.URL.Path)
				}
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":      "Rate limit exceeded",
					"message":    fmt.Sprintf("Maximum %s requests per second", limit),
					"request_id": GetRequestID(r),
					"timestamp":  time.Now().UTC(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ContentType creates a content type middleware that validates request content types.
func ContentType() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != methodPOST && r.Method != methodPUT {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				writeJSONError(w, http.StatusUnsupportedMediaType, map[string]interface{}{
					"error":      "Unsupported media type",
					"message":    "Content-Type must be application/json",
					"received":   contentType,
					"request_id": GetRequestID(r),
					"timestamp":  time.Now().UTC(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders adds common security headers.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}

// RequestIDFromContext returns the request id stored by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}

// responseWriter wraps http.ResponseWriter to capture response information.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades pass through.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// getClientIP extracts the real client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
