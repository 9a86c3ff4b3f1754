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

// DailyStatStore implements domain.DailyStatStore using SQLite.
type DailyStatStore struct {
	q querier
}

var _ domain.DailyStatStore = (*DailyStatStore)(nil)

const dailyStatCols = `connection_id, user_id, provider, date, total_pnl, trade_count,
	winning_trades, losing_trades, volume, metadata, updated_at`

func scanDailyStat(row scanner) (domain.DailyStat, error) {
	var (
		d                   domain.DailyStat
		date, meta, updated string
	)
	err := row.Scan(
		&d.ConnectionID, &d.UserID, &d.Provider, &date, &d.TotalPnL, &d.TradeCount,
		&d.WinningTrades, &d.LosingTrades, &d.Volume, &meta, &updated,
	)
	if err != nil {
		return d, err
	}
	if d.Date, err = time.Parse(domain.DateLayout, date); err != nil {
		return d, fmt.Errorf("sqlite: bad date %q: %w", date, err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return d, err
	}
	d.Metadata, err = unmarshalMeta(meta)
	return d, err
}

func (s *DailyStatStore) Replace(ctx context.Context, d domain.DailyStat) error {
	meta, err := marshalMeta(d.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal daily stat metadata: %w", err)
	}
	updated := d.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO broker_daily_stats (
			connection_id, user_id, provider, date, total_pnl, trade_count,
			winning_trades, losing_trades, volume, metadata, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, date) DO UPDATE SET
			total_pnl = excluded.total_pnl,
			trade_count = excluded.trade_count,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			volume = excluded.volume,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		d.ConnectionID, d.UserID, d.Provider, d.Date.Format(domain.DateLayout), d.TotalPnL, d.TradeCount,
		d.WinningTrades, d.LosingTrades, d.Volume, meta, fmtTime(updated),
	)
	if err != nil {
		return fmt.Errorf("sqlite: replace daily stat %s: %w", d.Date.Format(domain.DateLayout), err)
	}
	return nil
}

func (s *DailyStatStore) Delete(ctx context.Context, connectionID uuid.UUID, date time.Time) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM broker_daily_stats WHERE connection_id = ? AND date = ?`,
		connectionID, date.Format(domain.DateLayout)); err != nil {
		return fmt.Errorf("sqlite: delete daily stat: %w", err)
	}
	return nil
}

func (s *DailyStatStore) Get(ctx context.Context, connectionID uuid.UUID, date time.Time) (domain.DailyStat, error) {
	day := date.Format(domain.DateLayout)
	d, err := scanDailyStat(s.q.QueryRowContext(ctx,
		`SELECT `+dailyStatCols+` FROM broker_daily_stats WHERE connection_id = ? AND date = ?`,
		connectionID, day))
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("sqlite: daily stat %s: %w", day, domain.ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("sqlite: get daily stat %s: %w", day, err)
	}
	return d, nil
}

func (s *DailyStatStore) List(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]domain.DailyStat, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+dailyStatCols+` FROM broker_daily_stats
		WHERE connection_id = ? AND date >= ? AND date <= ? ORDER BY date`,
		connectionID, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list daily stats: %w", err)
	}
	defer rows.Close()
	var out []domain.DailyStat
	for rows.Next() {
		d, err := scanDailyStat(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan daily stat: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
