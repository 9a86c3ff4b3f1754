package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every store can
// run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements domain.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

var _ domain.Store = (*Store)(nil)

// NewStore wraps a connected client.
func NewStore(c *Client) *Store {
	return &Store{pool: c.Pool(), q: c.Pool()}
}

func (s *Store) Connections() domain.ConnectionStore { return &ConnectionStore{q: s.q} }
func (s *Store) Trades() domain.TradeStore           { return &TradeStore{q: s.q} }
func (s *Store) DailyStats() domain.DailyStatStore   { return &DailyStatStore{q: s.q} }
func (s *Store) SyncLogs() domain.SyncLogStore       { return &SyncLogStore{q: s.q} }

// WithTx runs fn in a transaction. Nested calls open a savepoint on the
// enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	err := pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		return fn(&Store{pool: s.pool, q: tx})
	})
	if err != nil {
		return fmt.Errorf("postgres: tx: %w", err)
	}
	return nil
}

// Close is a no-op; the owning Client closes the pool.
func (s *Store) Close() error { return nil }

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullText maps "" to SQL NULL.
func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
