// Package config loads and validates portsim configuration from YAML or JSON
// files layered over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/history"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/ports"
	"github.com/anstrom/portsim/internal/scanning"
)

const (
	defaultAPIPort        = 8080
	defaultMaxRequestSize = 64 * 1024
	configDirPerm         = 0o750
	configFilePerm        = 0o600
)

// Config represents the complete portsim configuration
type Config struct {
	// Scan defaults used when a request leaves a field unset
	Scanning ScanningConfig `yaml:"scanning" json:"scanning" mapstructure:"scanning"`

	// History storage
	History history.Config `yaml:"history" json:"history" mapstructure:"history"`

	// HTTP API server
	API APIConfig `yaml:"api" json:"api" mapstructure:"api"`

	// Logging
	Logging logging.Config `yaml:"logging" json:"logging" mapstructure:"logging"`

	// Scheduled scans
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler" mapstructure:"scheduler"`
}

// ScanningConfig holds scan defaults
type ScanningConfig struct {
	// Preset used when neither a preset nor custom ports are given
	DefaultPreset string `yaml:"default_preset" json:"default_preset" mapstructure:"default_preset"`

	// Scan method (threaded, async)
	DefaultMethod string `yaml:"default_method" json:"default_method" mapstructure:"default_method"`

	// Per-port timeout in seconds
	Timeout float64 `yaml:"timeout" json:"timeout" mapstructure:"timeout"`

	// Worker counts per method
	ThreadedWorkers int `yaml:"threaded_workers" json:"threaded_workers" mapstructure:"threaded_workers"`
	AsyncWorkers    int `yaml:"async_workers" json:"async_workers" mapstructure:"async_workers"`

	// Collect banners from open ports
	BannerGrab bool `yaml:"banner_grab" json:"banner_grab" mapstructure:"banner_grab"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port" mapstructure:"port"`

	// Server timeouts
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" mapstructure:"max_request_size"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors" mapstructure:"cors"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`

	// Serve Prometheus metrics on /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers" mapstructure:"allowed_headers"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size" mapstructure:"burst_size"`
}

// SchedulerConfig holds scheduled scan jobs
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Jobs    []JobConfig `yaml:"jobs" json:"jobs" mapstructure:"jobs"`
}

// JobConfig describes one recurring scan. Unset scan fields fall back to the
// scanning defaults.
type JobConfig struct {
	Name       string  `yaml:"name" json:"name" mapstructure:"name"`
	Schedule   string  `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
	Target     string  `yaml:"target" json:"target" mapstructure:"target"`
	Preset     string  `yaml:"preset" json:"preset" mapstructure:"preset"`
	Ports      string  `yaml:"ports" json:"ports" mapstructure:"ports"`
	Method     string  `yaml:"method" json:"method" mapstructure:"method"`
	Timeout    float64 `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	Workers    int     `yaml:"workers" json:"workers" mapstructure:"workers"`
	BannerGrab bool    `yaml:"banner_grab" json:"banner_grab" mapstructure:"banner_grab"`
	Disabled   bool    `yaml:"disabled" json:"disabled" mapstructure:"disabled"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			DefaultPreset:   ports.PresetCommon,
			DefaultMethod:   string(scanning.MethodAsync),
			Timeout:         1.0,
			ThreadedWorkers: scanning.DefaultThreadedWorkers,
			AsyncWorkers:    scanning.DefaultAsyncWorkers,
			BannerGrab:      false,
		},
		History: history.DefaultConfig(),
		API: APIConfig{
			ListenAddr:      "127.0.0.1",
			Port:            defaultAPIPort,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestSize:  defaultMaxRequestSize,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				BurstSize:         40,
			},
			EnableMetrics: true,
		},
		Logging:   logging.DefaultConfig(),
		Scheduler: SchedulerConfig{},
	}
}

// Load loads configuration from a file. A missing file or an empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFilePermission, "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		format := "YAML"
		if strings.EqualFold(filepath.Ext(path), ".json") {
			format = "JSON"
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse %s config", format), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeDirectoryCreate, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return errors.WrapConfigError(errors.CodeFilePermission, "failed to write config file", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Scanning.Validate(); err != nil {
		return err
	}

	if err := c.History.Validate(); err != nil {
		return err
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.ErrConfigInvalid("api.port", c.API.Port)
	}
	if c.API.ListenAddr == "" {
		return errors.ErrConfigMissing("api.listen_addr")
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.BurstSize <= 0) {
		return errors.ErrConfigInvalid("api.rate_limit", c.API.RateLimit)
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}

	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return c.Scheduler.Validate()
}

// Validate checks the scan defaults.
func (s ScanningConfig) Validate() error {
	if s.DefaultPreset == ports.PresetCustom || !ports.IsPreset(s.DefaultPreset) {
		return errors.ErrConfigInvalid("scanning.default_preset", s.DefaultPreset)
	}
	if _, err := scanning.ParseMethod(s.DefaultMethod); err != nil {
		return errors.ErrConfigInvalid("scanning.default_method", s.DefaultMethod)
	}
	if s.Timeout <= 0 {
		return errors.ErrConfigInvalid("scanning.timeout", s.Timeout)
	}
	if s.ThreadedWorkers <= 0 {
		return errors.ErrConfigInvalid("scanning.threaded_workers", s.ThreadedWorkers)
	}
	if s.AsyncWorkers <= 0 {
		return errors.ErrConfigInvalid("scanning.async_workers", s.AsyncWorkers)
	}
	return nil
}

// Method returns the default scan method.
func (s ScanningConfig) Method() scanning.Method {
	m, err := scanning.ParseMethod(s.DefaultMethod)
	if err != nil {
		return scanning.MethodAsync
	}
	return m
}

// WorkersFor returns the configured worker count for method m.
func (s ScanningConfig) WorkersFor(m scanning.Method) int {
	n := s.AsyncWorkers
	if m == scanning.MethodThreaded {
		n = s.ThreadedWorkers
	}
	if n <= 0 {
		return scanning.DefaultWorkers(m)
	}
	return n
}

// ScanSpec is a scan request as a user or job states it. Zero values fall
// back to the scanning defaults.
type ScanSpec struct {
	Target     string
	Preset     string
	Ports      string
	Method     string
	Timeout    float64
	Workers    int
	BannerGrab bool
}

// BuildRequest resolves spec into a validated scan request. Non-blank custom
// ports select the custom preset.
func (s ScanningConfig) BuildRequest(spec ScanSpec) (scanning.ScanRequest, error) {
	preset := spec.Preset
	switch {
	case strings.TrimSpace(spec.Ports) != "":
		preset = ports.PresetCustom
	case preset == "":
		preset = s.DefaultPreset
	}
	portSet := ports.Resolve(preset, spec.Ports)
	if len(portSet) == 0 {
		return scanning.ScanRequest{}, errors.ErrEmptyPortSet(spec.Target)
	}

	method := s.Method()
	if spec.Method != "" {
		m, err := scanning.ParseMethod(spec.Method)
		if err != nil {
			return scanning.ScanRequest{}, err
		}
		method = m
	}

	workers := spec.Workers
	if workers <= 0 {
		workers = s.WorkersFor(method)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.Timeout
	}

	req := scanning.ScanRequest{
		Target:     strings.TrimSpace(spec.Target),
		Ports:      portSet,
		Method:     method,
		Timeout:    timeout,
		MaxWorkers: workers,
		BannerGrab: spec.BannerGrab || s.BannerGrab,
	}
	if err := req.Validate(); err != nil {
		return scanning.ScanRequest{}, err
	}
	return req, nil
}

// Spec returns the scan part of the job.
func (j JobConfig) Spec() ScanSpec {
	return ScanSpec{
		Target:     j.Target,
		Preset:     j.Preset,
		Ports:      j.Ports,
		Method:     j.Method,
		Timeout:    j.Timeout,
		Workers:    j.Workers,
		BannerGrab: j.BannerGrab,
	}
}

// Validate checks every job, disabled ones included.
func (s SchedulerConfig) Validate() error {
	seen := make(map[string]bool, len(s.Jobs))
	for i, job := range s.Jobs {
		field := fmt.Sprintf("scheduler.jobs[%d]", i)
		if job.Name == "" {
			return errors.ErrConfigMissing(field + ".name")
		}
		if seen[job.Name] {
			return errors.ErrConfigInvalid(field+".name", job.Name)
		}
		seen[job.Name] = true

		if _, err := cron.ParseStandard(job.Schedule); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("invalid cron schedule: %v", err), field+".schedule", job.Schedule)
		}
		if strings.TrimSpace(job.Target) == "" {
			return errors.ErrConfigMissing(field + ".target")
		}
		if job.Preset != "" && !ports.IsPreset(job.Preset) {
			return errors.ErrConfigInvalid(field+".preset", job.Preset)
		}
		if job.Method != "" {
			if _, err := scanning.ParseMethod(job.Method); err != nil {
				return errors.ErrConfigInvalid(field+".method", job.Method)
			}
		}
		if job.Timeout < 0 {
			return errors.ErrConfigInvalid(field+".timeout", job.Timeout)
		}
		if job.Workers < 0 {
			return errors.ErrConfigInvalid(field+".workers", job.Workers)
		}
	}
	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// GetLogOutput returns the log output destination
func (c *Config) GetLogOutput() string {
	return c.Logging.Output
}
