package scanning

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/portsim/internal/errors"
)

// TimestampFormat renders scan times as UTC ISO-8601 with milliseconds.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Method selects the simulated scan strategy. It only influences throttling.
type Method string

const (
	MethodThreaded Method = "threaded"
	MethodAsync    Method = "async"
)

// Default worker counts per method.
const (
	DefaultThreadedWorkers = 200
	DefaultAsyncWorkers    = 1000
)

// ParseMethod converts a method name into a Method.
func ParseMethod(name string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(name))); m {
	case MethodThreaded, MethodAsync:
		return m, nil
	default:
		return "", errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown scan method %q (expected threaded or async)", name))
	}
}

// DefaultWorkers returns the worker count used when a request does not set one.
func DefaultWorkers(m Method) int {
	if m == MethodAsync {
		return DefaultAsyncWorkers
	}
	return DefaultThreadedWorkers
}

// Status is the verdict for a single port.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// State is the lifecycle state of a scan session.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped
}

// ScanRequest describes one scan. It is copied into the session on start and
// never modified afterwards.
type ScanRequest struct {
	Target     string  `json:"target" validate:"required,max=253"`
	Ports      []int   `json:"ports" validate:"required,unique,dive,min=1,max=65535"`
	Method     Method  `json:"method" validate:"required,oneof=threaded async"`
	Timeout    float64 `json:"timeout" validate:"gt=0"`
	MaxWorkers int     `json:"max_workers" validate:"gt=0"`
	BannerGrab bool    `json:"banner_grab"`
}

var validate = validator.New()

// Validate checks the request. Empty targets and empty port sets produce the
// user-facing validation errors; other violations are reported per field.
func (r *ScanRequest) Validate() error {
	if strings.TrimSpace(r.Target) == "" {
		return errors.ErrInvalidTarget(r.Target)
	}
	if len(r.Ports) == 0 {
		return errors.ErrEmptyPortSet(r.Target)
	}

	if err := validate.Struct(r); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
		return errors.WrapScanError(errors.CodeValidation,
			"invalid scan request: "+strings.Join(fields, "; "), err).
			WithContext("target", r.Target)
	}
	return nil
}

// clone returns a deep copy with the target trimmed.
func (r ScanRequest) clone() ScanRequest {
	r.Target = strings.TrimSpace(r.Target)
	r.Ports = slices.Clone(r.Ports)
	return r
}

// PortResult is the verdict for one scanned port.
type PortResult struct {
	Port    int    `json:"port"`
	Status  Status `json:"status"`
	Service string `json:"service"`
	Banner  string `json:"banner"`
}

// StatusFilter selects which results are shown.
type StatusFilter string

const (
	FilterAll    StatusFilter = "all"
	FilterOpen   StatusFilter = "open"
	FilterClosed StatusFilter = "closed"
)

// ParseStatusFilter converts a filter name; empty means all.
func ParseStatusFilter(name string) (StatusFilter, error) {
	switch f := StatusFilter(strings.ToLower(strings.TrimSpace(name))); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterOpen, FilterClosed:
		return f, nil
	default:
		return "", errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown status filter %q (expected all, open or closed)", name))
	}
}

// FilterResults returns the results matching f, preserving order.
func FilterResults(results []PortResult, f StatusFilter) []PortResult {
	if f == "" || f == FilterAll {
		return slices.Clone(results)
	}
	out := make([]PortResult, 0, len(results))
	for _, r := range results {
		if string(r.Status) == string(f) {
			out = append(out, r)
		}
	}
	return out
}

// Summary is the final outcome of a session, delivered to observers.
type Summary struct {
	SessionID  string        `json:"session_id"`
	Target     string        `json:"target"`
	Method     Method        `json:"method"`
	State      State         `json:"state"`
	Total      int           `json:"total_ports"`
	Scanned    int           `json:"scanned_ports"`
	Open       int           `json:"open_ports"`
	OpenPorts  []int         `json:"open_port_list"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
