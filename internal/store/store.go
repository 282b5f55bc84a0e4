// Package store persists workflow trees, runs, and all per-attempt
// state to a local SQLite database. The schema, not the engine,
// enforces status transition graphs and cross-row invariants: all
// engine mutations for one scheduler step happen inside a single
// transaction, and illegal transitions abort at the trigger layer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug
// logs for every operation including timing and key parameters.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store wraps a single SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	queries
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open opens (creating if necessary) the database at dbPath. A single
// shared connection serializes all writers through one handle, which
// eliminates SQLITE_BUSY errors from concurrent run schedulers.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.queries = queries{q: db, logger: s.logger}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s.logger.Debug("store: opened", "path", dbPath)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Tx is a transaction exposing the same row operations as the Store.
type Tx struct {
	queries
}

// InTx runs fn inside a single transaction. Any error (including
// trigger aborts from illegal transitions) rolls the whole step back.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(&Tx{queries{q: tx, logger: s.logger}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every row-level operation. Embedded in both Store and
// Tx so callers outside a scheduler step can use the same surface.
type queries struct {
	q      dbtx
	logger *slog.Logger
}

// IsConstraintErr reports whether err is a SQLite constraint or trigger
// abort. Used by the engine to distinguish transition-illegal bugs from
// transport errors.
func IsConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "RAISE") ||
		strings.Contains(msg, "illegal") ||
		strings.Contains(msg, "must be")
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
