package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/scanning"
)

const (
	selectValueQuery = `SELECT value FROM kv_store WHERE key = ?`
	upsertValueQuery = `INSERT INTO kv_store (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
)

// Store keeps the bounded scan history. An in-memory copy is authoritative
// when the database is unavailable, so callers never fail because of storage.
type Store struct {
	db      *DB
	key     string
	limit   int
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	now     func() time.Time

	mu     sync.Mutex
	cache  Log
	lastID int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PrometheusMetrics) StoreOption {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces the clock used for entry ids.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store over db. A nil db keeps the history in memory only.
func NewStore(db *DB, cfg Config, opts ...StoreOption) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		db:      db,
		key:     cfg.Key,
		limit:   cfg.Limit,
		logger:  logging.Default(),
		metrics: metrics.GetGlobalMetrics(),
		now:     time.Now,
		cache:   Log{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects, applies the schema and primes the store from the database.
func Open(ctx context.Context, cfg Config, opts ...StoreOption) (*Store, error) {
	s := NewStore(nil, cfg, opts...)

	db, err := ConnectAndMigrate(ctx, cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.db = db

	entries := s.Load(ctx)
	s.logger.InfoHistory("History store opened", "driver", db.Driver(), "entries", len(entries))
	return s, nil
}

// OpenOrMemory behaves like Open but falls back to a memory-only store when
// the database cannot be reached.
func OpenOrMemory(ctx context.Context, cfg Config, opts ...StoreOption) *Store {
	s, err := Open(ctx, cfg, opts...)
	if err == nil {
		return s
	}
	s = NewStore(nil, cfg, opts...)
	s.logger.ErrorHistory("History storage unavailable, keeping history in memory", err)
	return s
}

// Persistent reports whether the store is backed by a database.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Limit returns the maximum number of entries kept.
func (s *Store) Limit() int {
	return s.limit
}

// Load returns the persisted log. Missing data yields an empty log, corrupt
// data is discarded, and read failures fall back to the in-memory copy.
func (s *Store) Load(ctx context.Context) Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	log, err := s.read(ctx, s.queryer())
	s.observe("load", start, err)

	switch {
	case err == nil:
		s.setCache(log)
	case errors.IsCode(err, errors.CodeStorageCorrupt):
		s.logger.ErrorHistory("Discarding corrupt scan history", err, "key", s.key)
		s.setCache(Log{})
	default:
		s.logger.ErrorHistory("Failed to load scan history", err, "key", s.key)
	}
	return s.cache.clone()
}

// Record adds a completed session to the front of the log and persists it.
// Only completed sessions are accepted. When persisting fails the entry is
// still kept in memory and returned together with the storage error.
func (s *Store) Record(ctx context.Context, session *scanning.Session) (Entry, error) {
	if session == nil {
		return Entry{}, errors.NewScanError(errors.CodeValidation, "No scan session to record")
	}
	if state := session.State(); state != scanning.StateCompleted {
		return Entry{}, errors.NewScanError(errors.CodeValidation, "Only completed scans are recorded in history").
			WithContext("session_id", session.ID()).
			WithContext("state", string(state))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := NewEntry(s.nextID(), session)
	err := s.update(ctx, "record", func(current Log) Log {
		return current.prepend(entry, s.limit)
	})
	if err != nil {
		s.logger.ErrorHistory("Failed to persist scan history", err, "entry_id", entry.ID)
		return entry, err
	}

	s.logger.InfoHistory("Scan recorded", "entry_id", entry.ID, "target", entry.Target,
		"open_ports", entry.OpenPorts, "entries", len(s.cache))
	return entry, nil
}

// RecordSession implements scanning.Recorder.
func (s *Store) RecordSession(ctx context.Context, session *scanning.Session) error {
	_, err := s.Record(ctx, session)
	return err
}

// Clear empties the log. It refuses unless confirmed is true.
func (s *Store) Clear(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return errors.ErrConfirmationRequired("clear")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.update(ctx, "clear", func(Log) Log { return Log{} }); err != nil {
		s.logger.ErrorHistory("Failed to persist cleared history", err)
		return err
	}
	s.logger.InfoHistory("Scan history cleared")
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.NewStorageError(errors.CodeStorageConnection, "History is kept in memory only").
			WithOperation("ping")
	}
	return sanitizeStorageError("ping", s.db.PingContext(ctx))
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// update applies fn to the stored log inside one transaction. On failure the
// in-memory copy is still updated from its previous value.
func (s *Store) update(ctx context.Context, op string, fn func(Log) Log) error {
	start := time.Now()
	next, err := s.updateTx(ctx, op, fn)
	s.observe(op, start, err)

	if err != nil {
		s.setCache(fn(s.cache))
		return err
	}
	s.setCache(next)
	return nil
}

func (s *Store) updateTx(ctx context.Context, op string, fn func(Log) Log) (Log, error) {
	if s.db == nil {
		return fn(s.cache), nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sanitizeStorageError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.read(ctx, tx)
	if err != nil {
		if !errors.IsCode(err, errors.CodeStorageCorrupt) {
			return nil, err
		}
		s.logger.ErrorHistory("Overwriting corrupt scan history", err, "key", s.key)
		current = Log{}
	}

	next := fn(current)
	if err := s.write(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, sanitizeStorageError(op, err)
	}
	return next, nil
}

func (s *Store) queryer() sqlx.QueryerContext {
	if s.db == nil {
		return nil
	}
	return s.db
}

// read fetches and decodes the stored log. Without a database it returns the
// in-memory copy.
func (s *Store) read(ctx context.Context, q sqlx.QueryerContext) (Log, error) {
	if q == nil {
		return s.cache.clone(), nil
	}

	var raw string
	err := sqlx.GetContext(ctx, q, &raw, s.db.Rebind(selectValueQuery), s.key)
	if err == sql.ErrNoRows {
		return Log{}, nil
	}
	if err != nil {
		return nil, sanitizeStorageError("load", err)
	}

	var log Log
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageCorrupt,
			"Stored scan history is not valid JSON", err).WithOperation("load")
	}
	if log == nil {
		log = Log{}
	}
	return log.truncate(s.limit), nil
}

func (s *Store) write(ctx context.Context, tx *sqlx.Tx, log Log) error {
	data, err := json.Marshal(log)
	if err != nil {
		return errors.WrapStorageError(errors.CodeStorageQuery,
			fmt.Sprintf("Failed to encode scan history (%d entries)", len(log)), err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertValueQuery), s.key, string(data)); err != nil {
		return sanitizeStorageError("save", err)
	}
	return nil
}

// setCache must be called with s.mu held.
func (s *Store) setCache(log Log) {
	s.cache = log.clone()
	s.lastID = max(s.lastID, log.maxID())
	s.metrics.SetHistoryEntries(len(s.cache))
}

// nextID returns a creation-time id that is strictly greater than any id
// handed out or loaded before. Must be called with s.mu held.
func (s *Store) nextID() int64 {
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.RecordHistoryOperation(op, time.Since(start), err == nil)
}
