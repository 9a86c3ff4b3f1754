package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	q querier
}

const tradeSelectCols = `id, connection_id, user_id, provider, COALESCE(external_trade_id, ''),
	symbol, side, open_time, close_time, open_price, close_price, volume,
	pnl, commission, swap, status, metadata, created_at, updated_at`

func scanTrade(row pgx.Row) (domain.BrokerTrade, error) {
	var (
		t    domain.BrokerTrade
		meta []byte
	)
	err := row.Scan(
		&t.ID, &t.ConnectionID, &t.UserID, &t.Provider, &t.ExternalTradeID,
		&t.Symbol, &t.Side, &t.OpenTime, &t.CloseTime, &t.OpenPrice, &t.ClosePrice, &t.Volume,
		&t.PnL, &t.Commission, &t.Swap, &t.Status, &meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Metadata, err = unmarshalMeta(meta)
	return t, err
}

func scanTradeRows(rows pgx.Rows) ([]domain.BrokerTrade, error) {
	defer rows.Close()
	var trades []domain.BrokerTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *TradeStore) getOne(ctx context.Context, what string, query string, args ...any) (domain.BrokerTrade, error) {
	t, err := scanTrade(s.q.QueryRow(ctx, query, args...))
	if notFound(err) {
		return t, fmt.Errorf("postgres: trade %s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("postgres: get trade %s: %w", what, err)
	}
	return t, nil
}

// GetByExternalID looks a trade up by its broker identifier.
func (s *TradeStore) GetByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (domain.BrokerTrade, error) {
	return s.getOne(ctx, externalID,
		`SELECT `+tradeSelectCols+` FROM broker_trades
		 WHERE connection_id = $1 AND external_trade_id = $2`,
		connectionID, externalID)
}

// FindByComposite matches an id-less trade on symbol, open time, close time
// and volume. A NULL close time only matches NULL.
func (s *TradeStore) FindByComposite(ctx context.Context, connectionID uuid.UUID, symbol string, openTime time.Time, closeTime *time.Time, volume float64) (domain.BrokerTrade, error) {
	return s.getOne(ctx, symbol,
		`SELECT `+tradeSelectCols+` FROM broker_trades
		 WHERE connection_id = $1 AND external_trade_id IS NULL
		   AND symbol = $2 AND open_time = $3
		   AND close_time IS NOT DISTINCT FROM $4
		   AND volume = $5
		 ORDER BY created_at LIMIT 1`,
		connectionID, symbol, openTime, closeTime, volume)
}

// Insert stores a new trade. A duplicate external id returns
// domain.ErrAlreadyExists.
func (s *TradeStore) Insert(ctx context.Context, t domain.BrokerTrade) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal trade metadata: %w", err)
	}
	const query = `
		INSERT INTO broker_trades (
			id, connection_id, user_id, provider, external_trade_id,
			symbol, side, open_time, close_time, open_price, close_price, volume,
			pnl, commission, swap, status, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $18
		)`
	_, err = s.q.Exec(ctx, query,
		t.ID, t.ConnectionID, t.UserID, t.Provider, nullText(t.ExternalTradeID),
		t.Symbol, t.Side, t.OpenTime, t.CloseTime, t.OpenPrice, t.ClosePrice, t.Volume,
		t.PnL, t.Commission, t.Swap, t.Status, meta, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ExternalTradeID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ExternalTradeID, err)
	}
	return nil
}

// Update rewrites the mutable fields of a stored trade. Identity columns and
// open_time are never changed.
func (s *TradeStore) Update(ctx context.Context, t domain.BrokerTrade) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal trade metadata: %w", err)
	}
	const query = `
		UPDATE broker_trades SET
			symbol = $2, side = $3, close_time = $4, open_price = $5, close_price = $6,
			volume = $7, pnl = $8, commission = $9, swap = $10, status = $11,
			metadata = $12, updated_at = $13
		WHERE id = $1`
	tag, err := s.q.Exec(ctx, query,
		t.ID, t.Symbol, t.Side, t.CloseTime, t.OpenPrice, t.ClosePrice,
		t.Volume, t.PnL, t.Commission, t.Swap, t.Status, meta, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

// ListClosedBetween returns closed trades with close_time in [from, to).
func (s *TradeStore) ListClosedBetween(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]domain.BrokerTrade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM broker_trades
		 WHERE connection_id = $1 AND status = 'closed'
		   AND close_time >= $2 AND close_time < $3
		 ORDER BY close_time`,
		connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades: %w", err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed trades: %w", err)
	}
	return trades, nil
}

// ListOpen returns a connection's open trades, newest first.
func (s *TradeStore) ListOpen(ctx context.Context, connectionID uuid.UUID) ([]domain.BrokerTrade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM broker_trades
		 WHERE connection_id = $1 AND status = 'open'
		 ORDER BY open_time DESC`,
		connectionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades: %w", err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades: %w", err)
	}
	return trades, nil
}

// ListByConnection returns a connection's trades, newest open_time first.
func (s *TradeStore) ListByConnection(ctx context.Context, connectionID uuid.UUID, opts domain.ListOpts) ([]domain.BrokerTrade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM broker_trades WHERE connection_id = $1`
	args := []any{connectionID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND open_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND open_time < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY open_time DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", connectionID, err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for %s: %w", connectionID, err)
	}
	return trades, nil
}

func (s *TradeStore) Count(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var n int64
	if err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM broker_trades WHERE connection_id = $1`, connectionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count trades: %w", err)
	}
	return n, nil
}
