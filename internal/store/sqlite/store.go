// Package sqlite implements the broker store on an embedded SQLite database.
// It backs single-node deployments and the engine's tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/alanyoungcy/brokersync/internal/domain"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements domain.Store on SQLite.
type Store struct {
	db    *sql.DB
	q     querier
	tx    *sql.Tx
	depth int
}

var _ domain.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. The pool holds a single connection; SQLite serializes writers
// anyway and this keeps transactions from deadlocking on busy errors.
func Open(ctx context.Context, path string) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if !strings.Contains(path, "mode=memory") {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, q: db}, nil
}

// OpenMemory opens a private in-memory database.
func OpenMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, "file:mem-"+uuid.NewString()+"?mode=memory&cache=shared")
}

func (s *Store) Connections() domain.ConnectionStore { return &ConnectionStore{q: s.q} }
func (s *Store) Trades() domain.TradeStore           { return &TradeStore{q: s.q} }
func (s *Store) DailyStats() domain.DailyStatStore   { return &DailyStatStore{q: s.q} }
func (s *Store) SyncLogs() domain.SyncLogStore       { return &SyncLogStore{q: s.q} }

// WithTx runs fn in a transaction, or in a savepoint when already inside one.
func (s *Store) WithTx(ctx context.Context, fn func(domain.Store) error) (err error) {
	if s.tx != nil {
		return s.withSavepoint(ctx, fn)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Store{db: s.db, q: tx, tx: tx, depth: 1}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("sqlite: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) withSavepoint(ctx context.Context, fn func(domain.Store) error) error {
	name := fmt.Sprintf("sp_%d", s.depth)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("sqlite: savepoint: %w", err)
	}
	if err := fn(&Store{db: s.db, q: s.tx, tx: s.tx, depth: s.depth + 1}); err != nil {
		_, _ = s.tx.ExecContext(ctx, "ROLLBACK TO "+name)
		_, _ = s.tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("sqlite: release savepoint: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database. Calling it on a transaction-bound Store is a
// no-op.
func (s *Store) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMeta(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraint reports a UNIQUE or PRIMARY KEY violation.
func isConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

type scanner interface {
	Scan(dest ...any) error
}
