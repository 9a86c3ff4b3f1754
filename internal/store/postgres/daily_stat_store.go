package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// DailyStatStore implements domain.DailyStatStore using PostgreSQL.
type DailyStatStore struct {
	q querier
}

const dailyStatCols = `connection_id, user_id, provider, date, total_pnl, trade_count,
	winning_trades, losing_trades, volume, metadata, updated_at`

func scanDailyStat(row pgx.Row) (domain.DailyStat, error) {
	var (
		d    domain.DailyStat
		meta []byte
	)
	err := row.Scan(
		&d.ConnectionID, &d.UserID, &d.Provider, &d.Date, &d.TotalPnL, &d.TradeCount,
		&d.WinningTrades, &d.LosingTrades, &d.Volume, &meta, &d.UpdatedAt,
	)
	if err != nil {
		return d, err
	}
	d.Date = time.Date(d.Date.Year(), d.Date.Month(), d.Date.Day(), 0, 0, 0, 0, time.UTC)
	d.Metadata, err = unmarshalMeta(meta)
	return d, err
}

// Replace writes the aggregate for one (connection, date), overwriting any
// previous value.
func (s *DailyStatStore) Replace(ctx context.Context, d domain.DailyStat) error {
	meta, err := marshalMeta(d.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal daily stat metadata: %w", err)
	}
	const query = `
		INSERT INTO broker_daily_stats (
			connection_id, user_id, provider, date, total_pnl, trade_count,
			winning_trades, losing_trades, volume, metadata, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (connection_id, date) DO UPDATE SET
			total_pnl = EXCLUDED.total_pnl,
			trade_count = EXCLUDED.trade_count,
			winning_trades = EXCLUDED.winning_trades,
			losing_trades = EXCLUDED.losing_trades,
			volume = EXCLUDED.volume,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`
	_, err = s.q.Exec(ctx, query,
		d.ConnectionID, d.UserID, d.Provider, d.Date.Format(domain.DateLayout), d.TotalPnL, d.TradeCount,
		d.WinningTrades, d.LosingTrades, d.Volume, meta, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: replace daily stat %s: %w", d.Date.Format(domain.DateLayout), err)
	}
	return nil
}

func (s *DailyStatStore) Delete(ctx context.Context, connectionID uuid.UUID, date time.Time) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM broker_daily_stats WHERE connection_id = $1 AND date = $2`,
		connectionID, date.Format(domain.DateLayout))
	if err != nil {
		return fmt.Errorf("postgres: delete daily stat: %w", err)
	}
	return nil
}

func (s *DailyStatStore) Get(ctx context.Context, connectionID uuid.UUID, date time.Time) (domain.DailyStat, error) {
	day := date.Format(domain.DateLayout)
	d, err := scanDailyStat(s.q.QueryRow(ctx,
		`SELECT `+dailyStatCols+` FROM broker_daily_stats WHERE connection_id = $1 AND date = $2`,
		connectionID, day))
	if notFound(err) {
		return d, fmt.Errorf("postgres: daily stat %s: %w", day, domain.ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("postgres: get daily stat %s: %w", day, err)
	}
	return d, nil
}

// List returns stats with date in [from, to], ascending.
func (s *DailyStatStore) List(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]domain.DailyStat, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+dailyStatCols+` FROM broker_daily_stats
		 WHERE connection_id = $1 AND date >= $2 AND date <= $3
		 ORDER BY date`,
		connectionID, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("postgres: list daily stats: %w", err)
	}
	defer rows.Close()

	var out []domain.DailyStat
	for rows.Next() {
		d, err := scanDailyStat(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan daily stat: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
