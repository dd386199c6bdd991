// Package store is DockMon's persistent store: a single relational database
// (SQLite via modernc.org/sqlite, scanned with sqlx) holding composite-keyed
// entities with foreign-key cascades and forward-only embedded migrations.
// The teacher repo carries no database dependency at all; this package is
// enriched from elsewhere in the example pack (see SPEC_FULL.md §11.1).
package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the database connection pool and exposes one typed repository
// per entity group. Every state-modifying operation runs inside a
// transaction, per the concurrency model.
type Store struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// Open opens (creating if necessary) the SQLite database at path, enables
// foreign-key enforcement (off by default in SQLite), and applies any
// pending migrations.
func Open(ctx context.Context, path string, log *logrus.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer; serialize through one conn.

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sqlx.DB for repository files within this package.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		version, ok := migrationVersion(name)
		if !ok || version <= current {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.WithField("migration", name).Info("applied store migration")
	}
	return nil
}

// migrationVersion parses the leading "NNNN_" numeric prefix of a migration
// filename, mirroring the original Python backend's numbered-migration
// convention (backend/alembic/versions/NNNN_description.py).
func migrationVersion(name string) (int, bool) {
	idx := strings.Index(name, "_")
	if idx <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, false
	}
	return n, true
}

// txExec is the subset of *sqlx.Tx every repository method needs; named so
// repository files don't each import sqlx just to spell the parameter type.
type txExec = *sqlx.Tx

// withTx runs fn inside a transaction, committing on success and rolling
// back on any returned error — the single-entry-point pattern every
// state-modifying repository method uses.
func (s *Store) withTx(ctx context.Context, fn func(tx txExec) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// nowUTC returns the current time truncated to second precision, the
// granularity every persisted timestamp in this store uses.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
