package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// DailyTotals is the aggregate of one day's closed trades.
type DailyTotals struct {
	TotalPnL      float64
	TradeCount    int
	WinningTrades int
	LosingTrades  int
	Volume        float64
	Commission    float64
	Swap          float64
	NetPnL        float64
	BestTrade     float64
	WorstTrade    float64
}

// Compute aggregates trades. A pnl of exactly zero is neither a win nor a
// loss.
func Compute(trades []domain.BrokerTrade) DailyTotals {
	var d DailyTotals
	for i, t := range trades {
		d.TradeCount++
		d.TotalPnL += t.PnL
		d.Volume += t.Volume
		d.Commission += t.Commission
		d.Swap += t.Swap
		switch {
		case t.PnL > 0:
			d.WinningTrades++
		case t.PnL < 0:
			d.LosingTrades++
		}
		if i == 0 || t.PnL > d.BestTrade {
			d.BestTrade = t.PnL
		}
		if i == 0 || t.PnL < d.WorstTrade {
			d.WorstTrade = t.PnL
		}
	}
	d.TotalPnL = roundMoney(d.TotalPnL)
	d.Volume = roundMoney(d.Volume)
	d.Commission = roundMoney(d.Commission)
	d.Swap = roundMoney(d.Swap)
	d.NetPnL = roundMoney(d.TotalPnL + d.Commission + d.Swap)
	return d
}

func roundMoney(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// StatsService recomputes and serves daily aggregates.
type StatsService struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStatsService creates a StatsService.
func NewStatsService(store domain.Store, logger *slog.Logger) *StatsService {
	return &StatsService{
		store:  store,
		logger: logger.With(slog.String("component", "stats")),
		now:    time.Now,
	}
}

// Recompute rebuilds the stat for day from the stored trades in its own
// transaction. A day without closed trades has its row removed and returns
// a zero stat. On failure the previous row is untouched.
func (s *StatsService) Recompute(ctx context.Context, conn domain.BrokerConnection, day time.Time) (domain.DailyStat, error) {
	loc := conn.Location()
	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	from, to := domain.DayBounds(date, loc)

	stat := domain.DailyStat{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Provider:     conn.Provider,
		Date:         date,
	}
	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		trades, err := tx.Trades().ListClosedBetween(ctx, conn.ID, from.UTC(), to.UTC())
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			return tx.DailyStats().Delete(ctx, conn.ID, date)
		}
		totals := Compute(trades)
		stat.TotalPnL = totals.TotalPnL
		stat.TradeCount = totals.TradeCount
		stat.WinningTrades = totals.WinningTrades
		stat.LosingTrades = totals.LosingTrades
		stat.Volume = totals.Volume
		stat.Metadata = map[string]any{
			"net_pnl":     totals.NetPnL,
			"commission":  totals.Commission,
			"swap":        totals.Swap,
			"best_trade":  totals.BestTrade,
			"worst_trade": totals.WorstTrade,
			"timezone":    loc.String(),
		}
		stat.UpdatedAt = s.now().UTC()
		return tx.DailyStats().Replace(ctx, stat)
	})
	if err != nil {
		return domain.DailyStat{}, &domain.AggregationError{Date: date, Err: err}
	}
	return stat, nil
}

// RecomputeDates recomputes every date, continuing past failures. The
// returned error joins one AggregationError per failed date.
func (s *StatsService) RecomputeDates(ctx context.Context, conn domain.BrokerConnection, dates []time.Time) ([]domain.DailyStat, error) {
	var (
		out  []domain.DailyStat
		errs []error
	)
	for _, d := range dates {
		stat, err := s.Recompute(ctx, conn, d)
		if err != nil {
			s.logger.ErrorContext(ctx, "stats: recompute failed",
				slog.String("connection_id", conn.ID.String()),
				slog.String("date", d.Format(domain.DateLayout)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		out = append(out, stat)
	}
	return out, errors.Join(errs...)
}

// RecomputeRange recomputes every date in [from, to]. It backs operator
// repairs after manual data fixes.
func (s *StatsService) RecomputeRange(ctx context.Context, conn domain.BrokerConnection, from, to time.Time) (int, error) {
	var dates []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	stats, err := s.RecomputeDates(ctx, conn, dates)
	return len(stats), err
}

// List returns the stored stats for [from, to], ascending by date.
func (s *StatsService) List(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]domain.DailyStat, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("stats: range end before start: %w", domain.ErrInvalidInput)
	}
	stats, err := s.store.DailyStats().List(ctx, connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("stats: list: %w", err)
	}
	return stats, nil
}
