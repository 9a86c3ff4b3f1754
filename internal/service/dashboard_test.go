package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

func netTrade(pnl, commission float64, closed time.Time) domain.BrokerTrade {
	return domain.BrokerTrade{
		ID: uuid.New(), Symbol: "EURUSD", Side: domain.SideBuy, Status: domain.TradeClosed,
		OpenTime: closed.Add(-time.Hour), CloseTime: &closed, Volume: 1,
		PnL: pnl, Commission: commission,
	}
}

func TestDashboardKPIAndScore(t *testing.T) {
	day := func(d, h int) time.Time { return time.Date(2025, 1, d, h, 0, 0, 0, time.UTC) }
	trades := []domain.BrokerTrade{
		netTrade(102, -2, day(6, 10)),
		netTrade(-39, -1, day(6, 11)),
		netTrade(-80, 0, day(7, 12)),
		netTrade(50, 0, day(8, 9)),
	}
	daily := dailyPnL(trades, time.UTC)
	require.Len(t, daily, 3)
	assert.Equal(t, []float64{60, -80, 50}, []float64{daily[0].PnL, daily[1].PnL, daily[2].PnL})
	assert.Equal(t, []float64{60, -20, 30}, []float64{daily[0].CumulativePnL, daily[1].CumulativePnL, daily[2].CumulativePnL})
	assert.Equal(t, 2, daily[0].TradeCount)

	k := computeKPI(trades, daily)
	assert.Equal(t, 4, k.TotalTrades)
	assert.InDelta(t, 33.0, k.GrossPnL, 1e-9)
	assert.InDelta(t, 30.0, k.NetPnL, 1e-9)
	assert.InDelta(t, 50.0, k.WinRate, 1e-9)
	assert.InDelta(t, 1.25, k.ProfitFactor, 1e-9)
	assert.InDelta(t, 75.0, k.AverageWin, 1e-9)
	assert.InDelta(t, 60.0, k.AverageLoss, 1e-9)
	assert.InDelta(t, 1.25, k.AvgWinLossRatio, 1e-9)
	assert.InDelta(t, 66.67, k.DayWinRate, 1e-9)
	// Per-trade equity 100, 60, -20, 30.
	assert.InDelta(t, 120.0, k.MaxDrawdown, 1e-9)

	s := computeScore(trades, daily)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.InDelta(t, 25.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 93.62, s.Consistency, 1e-9)
	// Daily drawdown is 80, not the per-trade 120.
	assert.InDelta(t, 99.2, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 31.25, s.AvgWinLoss, 1e-9)
	assert.InDelta(t, 7.5, s.RecoveryFactor, 1e-9)
	assert.InDelta(t, 51.10, s.Overall, 1e-9)
}

func TestDashboardScoreClampsLosingRecord(t *testing.T) {
	trades := []domain.BrokerTrade{netTrade(-50, 0, time.Date(2025, 2, 3, 15, 0, 0, 0, time.UTC))}
	daily := dailyPnL(trades, time.UTC)

	s := computeScore(trades, daily)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.ProfitFactor)
	assert.Zero(t, s.RecoveryFactor, "negative recovery is clamped")
	assert.InDelta(t, 100.0, s.Consistency, 1e-9)
	assert.InDelta(t, 99.5, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 33.25, s.Overall, 1e-9)

	assert.Equal(t, KPI{}, computeKPI(nil, nil))
	assert.Equal(t, PerformanceScore{}, computeScore(nil, nil))
}

func TestDashboardFromStoredTrades(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformMT5, "Europe/Prague")
	r := NewReconciler(st, discardLogger())
	stats := NewStatsService(st, discardLogger())

	raw := func(ext string, pnl, commission float64, closed time.Time) domain.RawTrade {
		tr := closedTrade(ext, pnl)
		tr.Commission = domain.Float(commission)
		tr.CloseTime = domain.Time(closed)
		return tr
	}
	openPos := domain.RawTrade{
		ExternalID: "D5", Symbol: "XAUUSD", Side: domain.SideSell,
		OpenTime: time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC), OpenPrice: 2650, Volume: 0.5,
		Status: domain.TradeOpen,
	}
	_, err := r.Reconcile(ctx, conn, []domain.RawTrade{
		raw("D1", 102, -2, time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)),
		raw("D2", -39, -1, time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)),
		raw("D3", -80, 0, time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)),
		// Jan 8 00:30 in Prague.
		raw("D4", 50, 0, time.Date(2025, 1, 7, 23, 30, 0, 0, time.UTC)),
		openPos,
	})
	require.NoError(t, err)

	d, err := stats.DashboardByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Prague", d.Timezone)
	assert.Equal(t, conn.AccountIdentifier, d.AccountIdentifier)

	assert.Equal(t, 4, d.KPI.TotalTrades)
	assert.InDelta(t, 30.0, d.KPI.NetPnL, 1e-9)
	assert.InDelta(t, 120.0, d.KPI.MaxDrawdown, 1e-9)

	require.Len(t, d.DailyPnL, 3)
	assert.Equal(t, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC), d.DailyPnL[2].Date)
	assert.InDelta(t, 30.0, d.DailyPnL[2].CumulativePnL, 1e-9)
	assert.InDelta(t, 51.10, d.Score.Overall, 1e-9)

	require.Len(t, d.RecentTrades, 4)
	assert.Equal(t, "D4", d.RecentTrades[0].ExternalTradeID)
	assert.Equal(t, "D1", d.RecentTrades[3].ExternalTradeID)

	require.Len(t, d.OpenPositions, 1)
	assert.Equal(t, "D5", d.OpenPositions[0].ExternalTradeID)

	_, err = stats.DashboardByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecentTradesLimit(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var trades []domain.BrokerTrade
	for i := range 25 {
		trades = append(trades, netTrade(float64(i), 0, base.Add(time.Duration(i)*time.Hour)))
	}
	got := recentTrades(trades, recentTradeLimit)
	require.Len(t, got, recentTradeLimit)
	assert.InDelta(t, 24.0, got[0].PnL, 1e-9)
	assert.InDelta(t, 5.0, got[recentTradeLimit-1].PnL, 1e-9)
}
