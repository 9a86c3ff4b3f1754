package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// TradeStore implements domain.TradeStore using SQLite.
type TradeStore struct {
	q querier
}

var _ domain.TradeStore = (*TradeStore)(nil)

const tradeCols = `id, connection_id, user_id, provider, COALESCE(external_trade_id, ''),
	symbol, side, open_time, close_time, open_price, close_price, volume,
	pnl, commission, swap, status, metadata, created_at, updated_at`

func scanTrade(row scanner) (domain.BrokerTrade, error) {
	var (
		t                      domain.BrokerTrade
		openTime               string
		closeTime              sql.NullString
		meta, created, updated string
	)
	err := row.Scan(
		&t.ID, &t.ConnectionID, &t.UserID, &t.Provider, &t.ExternalTradeID,
		&t.Symbol, &t.Side, &openTime, &closeTime, &t.OpenPrice, &t.ClosePrice, &t.Volume,
		&t.PnL, &t.Commission, &t.Swap, &t.Status, &meta, &created, &updated,
	)
	if err != nil {
		return t, err
	}
	if t.OpenTime, err = parseTime(openTime); err != nil {
		return t, err
	}
	if t.CloseTime, err = parseTimePtr(closeTime); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	t.Metadata, err = unmarshalMeta(meta)
	return t, err
}

func (s *TradeStore) list(ctx context.Context, query string, args ...any) ([]domain.BrokerTrade, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BrokerTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TradeStore) getOne(ctx context.Context, what, query string, args ...any) (domain.BrokerTrade, error) {
	t, err := scanTrade(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("sqlite: trade %s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("sqlite: get trade %s: %w", what, err)
	}
	return t, nil
}

func (s *TradeStore) GetByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (domain.BrokerTrade, error) {
	return s.getOne(ctx, externalID,
		`SELECT `+tradeCols+` FROM broker_trades WHERE connection_id = ? AND external_trade_id = ?`,
		connectionID, externalID)
}

func (s *TradeStore) FindByComposite(ctx context.Context, connectionID uuid.UUID, symbol string, openTime time.Time, closeTime *time.Time, volume float64) (domain.BrokerTrade, error) {
	return s.getOne(ctx, symbol, `SELECT `+tradeCols+` FROM broker_trades
		WHERE connection_id = ? AND external_trade_id IS NULL
		  AND symbol = ? AND open_time = ? AND close_time IS ? AND volume = ?
		ORDER BY created_at LIMIT 1`,
		connectionID, symbol, fmtTime(openTime), fmtTimePtr(closeTime), volume)
}

func (s *TradeStore) Insert(ctx context.Context, t domain.BrokerTrade) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal trade metadata: %w", err)
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO broker_trades (
			id, connection_id, user_id, provider, external_trade_id,
			symbol, side, open_time, close_time, open_price, close_price, volume,
			pnl, commission, swap, status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConnectionID, t.UserID, t.Provider, nullText(t.ExternalTradeID),
		t.Symbol, t.Side, fmtTime(t.OpenTime), fmtTimePtr(t.CloseTime), t.OpenPrice, t.ClosePrice, t.Volume,
		t.PnL, t.Commission, t.Swap, t.Status, meta, fmtTime(created), fmtTime(created),
	)
	if isConstraint(err) {
		return fmt.Errorf("sqlite: insert trade %s: %w", t.ExternalTradeID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert trade %s: %w", t.ExternalTradeID, err)
	}
	return nil
}

func (s *TradeStore) Update(ctx context.Context, t domain.BrokerTrade) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal trade metadata: %w", err)
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE broker_trades SET
			symbol = ?, side = ?, close_time = ?, open_price = ?, close_price = ?,
			volume = ?, pnl = ?, commission = ?, swap = ?, status = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`,
		t.Symbol, t.Side, fmtTimePtr(t.CloseTime), t.OpenPrice, t.ClosePrice,
		t.Volume, t.PnL, t.Commission, t.Swap, t.Status, meta, fmtTime(updated), t.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update trade %s: %w", t.ID, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("sqlite: update trade %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *TradeStore) ListClosedBetween(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]domain.BrokerTrade, error) {
	out, err := s.list(ctx, `SELECT `+tradeCols+` FROM broker_trades
		WHERE connection_id = ? AND status = 'closed' AND close_time >= ? AND close_time < ?
		ORDER BY close_time`,
		connectionID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list closed trades: %w", err)
	}
	return out, nil
}

func (s *TradeStore) ListOpen(ctx context.Context, connectionID uuid.UUID) ([]domain.BrokerTrade, error) {
	out, err := s.list(ctx, `SELECT `+tradeCols+` FROM broker_trades
		WHERE connection_id = ? AND status = 'open'
		ORDER BY open_time DESC`,
		connectionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open trades: %w", err)
	}
	return out, nil
}

func (s *TradeStore) ListByConnection(ctx context.Context, connectionID uuid.UUID, opts domain.ListOpts) ([]domain.BrokerTrade, error) {
	query := `SELECT ` + tradeCols + ` FROM broker_trades WHERE connection_id = ?`
	args := []any{connectionID}
	if opts.Since != nil {
		query += ` AND open_time >= ?`
		args = append(args, fmtTime(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND open_time < ?`
		args = append(args, fmtTime(*opts.Until))
	}
	query += ` ORDER BY open_time DESC`
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}
	out, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades for %s: %w", connectionID, err)
	}
	return out, nil
}

func (s *TradeStore) Count(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var n int64
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broker_trades WHERE connection_id = ?`, connectionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count trades: %w", err)
	}
	return n, nil
}
