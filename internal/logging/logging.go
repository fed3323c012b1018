// Package logging provides structured logging for portsim on top of log/slog.
// It supports text and JSON output, configurable levels, and a small set of
// component helpers used by the scan engine, the history store, and the API.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level" mapstructure:"level"`
	Format    LogFormat `yaml:"format" json:"format" mapstructure:"format"`
	Output    string    `yaml:"output" json:"output" mapstructure:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source" mapstructure:"add_source"`
}

// DefaultConfig returns a default logging configuration. Logs go to stderr so
// that JSON written to stdout by the CLI stays machine readable.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "stderr",
		AddSource: false,
	}
}

// Logger wraps slog.Logger with component helpers.
type Logger struct {
	*slog.Logger
	config Config
}

// ParseLevel maps a level name to its slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w regardless of cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(string(cfg.Level)),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stderr)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewWithWriter(Config{Level: LevelError}, io.Discard)
}

// Config returns the configuration the logger was built with.
func (l *Logger) Config() Config {
	return l.config
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSessionID adds a scan session ID field to the logger.
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.WithFields("session_id", sessionID)
}

// WithTarget adds a target field to the logger.
func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// InfoScan logs scan-related information.
func (l *Logger) InfoScan(msg, target string, fields ...any) {
	allFields := append([]any{"target", target}, fields...)
	l.Info(msg, allFields...)
}

// ErrorScan logs scan-related errors.
func (l *Logger) ErrorScan(msg, target string, err error, fields ...any) {
	allFields := append([]any{"target", target, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoHistory logs history store activity.
func (l *Logger) InfoHistory(msg string, fields ...any) {
	allFields := append([]any{"component", "history"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorHistory logs history store failures.
func (l *Logger) ErrorHistory(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "history", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoServer logs API server lifecycle events.
func (l *Logger) InfoServer(msg string, fields ...any) {
	allFields := append([]any{"component", "server"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorServer logs API server failures.
func (l *Logger) ErrorServer(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "server", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger = NewDefault()

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}

// Debug logs at debug level using the default logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs at error level using the default logger.
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}

// InfoScan logs scan-related information using the default logger.
func InfoScan(msg, target string, fields ...any) {
	defaultLogger.InfoScan(msg, target, fields...)
}

// ErrorScan logs scan-related errors using the default logger.
func ErrorScan(msg, target string, err error, fields ...any) {
	defaultLogger.ErrorScan(msg, target, err, fields...)
}

// InfoHistory logs history activity using the default logger.
func InfoHistory(msg string, fields ...any) {
	defaultLogger.InfoHistory(msg, fields...)
}

// ErrorHistory logs history failures using the default logger.
func ErrorHistory(msg string, err error, fields ...any) {
	defaultLogger.ErrorHistory(msg, err, fields...)
}
