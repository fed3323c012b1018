// Package history persists summaries of completed scans. The log lives as a
// single JSON document in a key/value table, reachable through SQLite (the
// default) or PostgreSQL.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/anstrom/portsim/internal/errors"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	// Default history configuration values.
	defaultKey             = "scanHistory"
	defaultLimit           = 10
	defaultSQLitePath      = "portsim.db"
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5
	sqliteBusyTimeoutMS    = 5000
)

// DB wraps sqlx.DB with the driver it was opened with.
type DB struct {
	*sqlx.DB
	driver string
}

// Driver returns the driver name the connection was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Config holds history storage configuration.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver" mapstructure:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	Key             string        `yaml:"key" json:"key" mapstructure:"key"`
	Limit           int           `yaml:"limit" json:"limit" mapstructure:"limit"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DefaultConfig returns the default history configuration: a local SQLite
// file keeping the ten most recent scans.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             defaultSQLitePath,
		Key:             defaultKey,
		Limit:           defaultLimit,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = d.DSN
	}
	if c.Key == "" {
		c.Key = d.Key
	}
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return c
}

// Validate checks the configuration before a connection is attempted.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return errors.ErrConfigInvalid("history.driver", c.Driver)
	}
	if c.Driver == DriverPostgres && c.DSN == "" {
		return errors.ErrConfigMissing("history.dsn")
	}
	if c.Limit < 0 {
		return errors.ErrConfigInvalid("history.limit", c.Limit)
	}
	return nil
}

// dataSource returns the DSN handed to the driver.
func (c Config) dataSource() string {
	if c.Driver != DriverSQLite || strings.Contains(c.DSN, "_pragma=") {
		return c.DSN
	}
	sep := "?"
	if strings.Contains(c.DSN, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", c.DSN, sep, sqliteBusyTimeoutMS)
}

// Connect opens the history database. Errors never include the DSN.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Driver == DriverSQLite && cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, errors.WrapStorageError(errors.CodeDirectoryCreate,
					"Failed to create history directory", err).WithOperation("connect")
			}
		}
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.dataSource())
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageConnection,
			"Failed to connect to history storage", err).WithOperation("connect")
	}

	// SQLite allows one writer at a time.
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &DB{DB: db, driver: cfg.Driver}, nil
}

// sanitizeStorageError converts raw driver errors into StorageErrors that
// carry no SQL or connection details. The original error is kept as Cause.
func sanitizeStorageError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.NewStorageError(errors.CodeNotFound, "History entry not found").WithOperation(operation)
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return errors.WrapStorageError(errors.CodeCanceled, "History operation was canceled", err).
			WithOperation(operation)
	}

	if pqErr, ok := err.(*pq.Error); ok {
		code := errors.CodeStorageQuery
		msg := fmt.Sprintf("History storage operation failed: %s", operation)
		switch {
		case pqErr.Code == "57014": // query_canceled
			code, msg = errors.CodeCanceled, "History operation was canceled"
		case pqErr.Code == "42P01": // undefined_table
			code, msg = errors.CodeStorageMigration, "History schema is missing"
		case pqErr.Code == "57P01", strings.HasPrefix(string(pqErr.Code), "08"):
			code, msg = errors.CodeStorageConnection, "History storage connection error"
		}
		return errors.WrapStorageError(code, msg, err).WithOperation(operation)
	}

	return errors.WrapStorageError(errors.CodeStorageQuery,
		fmt.Sprintf("History storage operation failed: %s", operation), err).WithOperation(operation)
}
