// Package handlers provides HTTP request handlers for the portsim API.
// This file contains the response and request helpers shared by all
// handlers, including the mapping from error codes to HTTP status codes.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/portsim/internal/api/middleware"
	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
)

// defaultMaxRequestSize bounds request bodies when no limit is configured.
const defaultMaxRequestSize = 64 * 1024

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// getRequestID extracts the request ID set by the request id middleware.
func getRequestID(r *http.Request) string {
	return middleware.GetRequestID(r)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Default().Error("Failed to encode JSON response",
			"request_id", getRequestID(r),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   errorMessage(err),
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}

	writeJSON(w, r, statusCode, response)
}

// MethodNotAllowed answers requests whose path exists under a different method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed,
		fmt.Errorf("method %s is not allowed on %s", r.Method, r.URL.Path))
}

// writeDomainError maps a typed error to its HTTP status and writes it.
// Server side failures are logged.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, logger *logging.Logger) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("Request failed",
			"request_id", getRequestID(r),
			"path", r.URL.Path,
			"error", err)
	}
	writeError(w, r, status, err)
}

// statusForError returns the HTTP status for an error code.
func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeTargetInvalid, errors.CodeEmptyPortSet:
		return http.StatusBadRequest
	case errors.CodeNotFound, errors.CodeNoActiveScan:
		return http.StatusNotFound
	case errors.CodeScanInProgress, errors.CodeScanNotFinished:
		return http.StatusConflict
	case errors.CodeConfirmationRequired:
		return http.StatusPreconditionFailed
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeCanceled, errors.CodeStorageConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage prefers the user-facing message of typed errors.
func errorMessage(err error) string {
	var scanErr *errors.ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Message
	}
	var storageErr *errors.StorageError
	if stderrors.As(err, &storageErr) {
		return storageErr.Message
	}
	return err.Error()
}

// parseJSON parses a JSON request body into dest, bounded by maxSize bytes.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, maxSize int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewScanError(errors.CodeValidation, "request body is empty")
	}
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("request body too large (max %d bytes)", maxSize))
		}
		return errors.WrapScanError(errors.CodeValidation, "invalid JSON: "+err.Error(), err)
	}
	return nil
}

// queryBool reports whether a query parameter is set to a true value.
func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
