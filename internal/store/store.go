// Package store implements plugin.Store on top of SQLite via the pure-Go
// modernc.org/sqlite driver, following the same pragma and migration
// conventions as the appliance this sensor grew out of.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/squirrelops/homesensor/pkg/plugin"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore implements plugin.Store.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes migrations across components
	once sync.Once
}

// startupPragma is one PRAGMA this sensor requires at every connection
// open, named separately from its value so the set can be described as
// data rather than as pre-formatted SQL strings.
type startupPragma struct {
	name, value string
}

// startupPragmas covers: WAL for concurrent readers during scans, a busy
// timeout so the single writer connection never spuriously fails under
// load, foreign keys for decoy/credential cascade deletes, and a larger
// page cache since this sensor's working set (devices, fingerprints,
// events) comfortably fits in a few tens of megabytes.
var startupPragmas = []startupPragma{
	{"journal_mode", "WAL"},
	{"busy_timeout", "5000"},
	{"synchronous", "NORMAL"},
	{"foreign_keys", "ON"},
	{"cache_size", "-20000"},
}

// Open opens (or creates) a SQLite database at path and applies
// startupPragmas.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// A single connection, used for reads and writes alike, avoids
	// SQLITE_BUSY races within this process; WAL still lets other
	// processes read while it writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range startupPragmas {
		stmt := fmt.Sprintf("PRAGMA %s=%s", p.name, p.value)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// DB returns the underlying *sql.DB for direct queries.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Tx runs fn in a transaction, committing on nil error and rolling back
// otherwise.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Migrate runs pending migrations for the named component. Already-applied
// migrations, tracked in a shared _migrations table, are skipped.
// Migrations must be supplied in ascending Version order.
func (s *SQLiteStore) Migrate(ctx context.Context, component string, migrations []plugin.Migration) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range migrations {
		if err := s.applyIfPending(ctx, component, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", component, m.Version, m.Description, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		_, err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				component   TEXT    NOT NULL,
				version     INTEGER NOT NULL,
				description TEXT    NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (component, version)
			)
		`)
	})
	return err
}

// applyIfPending checks whether component/version is already recorded and,
// if not, runs the migration's SQL and records it -- all inside one
// transaction, so a crash mid-migration never leaves the bookkeeping row
// committed without its schema change or vice versa.
func (s *SQLiteStore) applyIfPending(ctx context.Context, component string, m plugin.Migration) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM _migrations WHERE component = ? AND version = ?`,
			component, m.Version,
		).Scan(&n); err != nil {
			return fmt.Errorf("check migration applied: %w", err)
		}
		if n > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("exec migration sql: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _migrations (component, version, description) VALUES (?, ?, ?)`,
			component, m.Version, m.Description,
		)
		return err
	})
}

var _ plugin.Store = (*SQLiteStore)(nil)
