package history

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration represents an applied schema migration.
type Migration struct {
	Name      string `db:"name" json:"name"`
	AppliedAt string `db:"applied_at" json:"applied_at"`
	Checksum  string `db:"checksum" json:"checksum"`
}

// MigrationStatus describes one embedded migration and whether it ran.
type MigrationStatus struct {
	Name      string `json:"name"`
	Applied   bool   `json:"applied"`
	AppliedAt string `json:"applied_at,omitempty"`
}

// Migrator applies the embedded schema files.
type Migrator struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sqlx.DB, logger *logging.Logger) *Migrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Migrator{db: db, logger: logger}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name VARCHAR(255) PRIMARY KEY,
			applied_at VARCHAR(64) NOT NULL,
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return errors.WrapStorageError(errors.CodeStorageMigration,
			"Failed to create migrations table", err).WithOperation("migrate")
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT name, applied_at, checksum FROM schema_migrations ORDER BY name`

	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageMigration,
			"Failed to read applied migrations", err).WithOperation("migrate")
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

// migrationFileNames returns the embedded migration files in apply order.
func migrationFileNames() ([]string, error) {
	var files []string
	err := fs.WalkDir(migrationFiles, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".sql")
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) execute(ctx context.Context, file string) error {
	content, err := migrationFiles.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", file, err)
	}

	insert := tx.Rebind(`INSERT INTO schema_migrations (name, applied_at, checksum) VALUES (?, ?, ?)`)
	appliedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, insert, migrationName(file), appliedAt, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", file, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", file, err)
	}
	return nil
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	files, err := migrationFileNames()
	if err != nil {
		return errors.WrapStorageError(errors.CodeStorageMigration, "Failed to list migrations", err)
	}

	for _, file := range files {
		name := migrationName(file)
		if _, ok := applied[name]; ok {
			m.logger.Debug("Migration already applied", "migration", name)
			continue
		}

		if err := m.execute(ctx, file); err != nil {
			return errors.WrapStorageError(errors.CodeStorageMigration,
				"History schema migration failed", err).WithOperation(name)
		}
		m.logger.InfoHistory("Migration applied", "migration", name)
	}

	return nil
}

// Status reports every embedded migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	files, err := migrationFileNames()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		name := migrationName(file)
		st := MigrationStatus{Name: name}
		if migration, ok := applied[name]; ok {
			st.Applied = true
			st.AppliedAt = migration.AppliedAt
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// ConnectAndMigrate connects to the history database and applies the schema.
func ConnectAndMigrate(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := NewMigrator(db.DB, logger).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
