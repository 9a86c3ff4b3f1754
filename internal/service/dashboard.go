package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// recentTradeLimit caps Dashboard.RecentTrades.
const recentTradeLimit = 20

// KPI summarises a connection's closed trades. Wins and losses are counted on
// net pnl.
type KPI struct {
	GrossPnL        float64
	NetPnL          float64
	TotalTrades     int
	WinRate         float64
	ProfitFactor    float64
	MaxDrawdown     float64
	AverageWin      float64
	AverageLoss     float64
	DayWinRate      float64
	AvgWinLossRatio float64
}

// DailyPnL is one day of net pnl with the running total up to that day.
type DailyPnL struct {
	Date          time.Time
	PnL           float64
	CumulativePnL float64
	TradeCount    int
}

// PerformanceScore rates a trading record on six components, each 0 to 100.
// Overall is their mean.
type PerformanceScore struct {
	WinRate        float64
	ProfitFactor   float64
	Consistency    float64
	MaxDrawdown    float64
	AvgWinLoss     float64
	RecoveryFactor float64
	Overall        float64
}

// Dashboard is the overview of one connection.
type Dashboard struct {
	ConnectionID      uuid.UUID
	Provider          domain.Provider
	AccountIdentifier string
	Timezone          string
	LastSyncAt        *time.Time
	KPI               KPI
	// DailyPnL doubles as the calendar: one entry per trading day.
	DailyPnL      []DailyPnL
	RecentTrades  []domain.BrokerTrade
	OpenPositions []domain.BrokerTrade
	Score         PerformanceScore
}

// DashboardByID loads the connection and builds its dashboard.
func (s *StatsService) DashboardByID(ctx context.Context, connectionID uuid.UUID) (Dashboard, error) {
	conn, err := s.store.Connections().GetByID(ctx, connectionID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("stats: dashboard: %w", err)
	}
	return s.Dashboard(ctx, conn)
}

// Dashboard computes the overview from the stored trades. Days are bucketed in
// the connection's timezone, like the daily stats.
func (s *StatsService) Dashboard(ctx context.Context, conn domain.BrokerConnection) (Dashboard, error) {
	closed, err := s.store.Trades().ListClosedBetween(ctx, conn.ID, time.Unix(0, 0).UTC(), s.now().UTC().AddDate(0, 0, 2))
	if err != nil {
		return Dashboard{}, fmt.Errorf("stats: dashboard closed trades: %w", err)
	}
	open, err := s.store.Trades().ListOpen(ctx, conn.ID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("stats: dashboard open trades: %w", err)
	}

	loc := conn.Location()
	daily := dailyPnL(closed, loc)
	d := Dashboard{
		ConnectionID:      conn.ID,
		Provider:          conn.Provider,
		AccountIdentifier: conn.AccountIdentifier,
		Timezone:          loc.String(),
		LastSyncAt:        conn.LastSyncAt,
		KPI:               computeKPI(closed, daily),
		DailyPnL:          daily,
		RecentTrades:      recentTrades(closed, recentTradeLimit),
		OpenPositions:     open,
		Score:             computeScore(closed, daily),
	}
	s.logger.DebugContext(ctx, "stats: dashboard built",
		slog.String("connection_id", conn.ID.String()),
		slog.Int("closed_trades", len(closed)),
		slog.Int("open_trades", len(open)),
		slog.Int("days", len(daily)),
	)
	return d, nil
}

// byClose orders trades by close time, falling back to open time.
func byClose(a, b domain.BrokerTrade) int {
	return closeOrOpen(a).Compare(closeOrOpen(b))
}

func closeOrOpen(t domain.BrokerTrade) time.Time {
	if t.CloseTime != nil {
		return *t.CloseTime
	}
	return t.OpenTime
}

func computeKPI(trades []domain.BrokerTrade, daily []DailyPnL) KPI {
	if len(trades) == 0 {
		return KPI{}
	}
	var (
		k               KPI
		wins, losses    int
		winSum, lossSum float64
	)
	k.TotalTrades = len(trades)
	for _, t := range trades {
		net := t.NetPnL()
		k.GrossPnL += t.PnL
		k.NetPnL += net
		switch {
		case net > 0:
			wins++
			winSum += net
		case net < 0:
			losses++
			lossSum -= net
		}
	}
	k.WinRate = pct(wins, k.TotalTrades)
	k.ProfitFactor = ratio(winSum, lossSum)
	if wins > 0 {
		k.AverageWin = winSum / float64(wins)
	}
	if losses > 0 {
		k.AverageLoss = lossSum / float64(losses)
	}
	k.AvgWinLossRatio = ratio(k.AverageWin, k.AverageLoss)

	winningDays := 0
	for _, d := range daily {
		if d.PnL > 0 {
			winningDays++
		}
	}
	k.DayWinRate = pct(winningDays, len(daily))

	// Drawdown on the per-trade equity curve, starting flat.
	sorted := slices.SortedStableFunc(slices.Values(trades), byClose)
	var peak, equity float64
	for _, t := range sorted {
		equity += t.NetPnL()
		peak = max(peak, equity)
		k.MaxDrawdown = max(k.MaxDrawdown, peak-equity)
	}

	k.GrossPnL = round2(k.GrossPnL)
	k.NetPnL = round2(k.NetPnL)
	k.WinRate = round2(k.WinRate)
	k.ProfitFactor = round2(k.ProfitFactor)
	k.MaxDrawdown = round2(k.MaxDrawdown)
	k.AverageWin = round2(k.AverageWin)
	k.AverageLoss = round2(k.AverageLoss)
	k.DayWinRate = round2(k.DayWinRate)
	k.AvgWinLossRatio = round2(k.AvgWinLossRatio)
	return k
}

// dailyPnL buckets net pnl by close date in loc, ascending.
func dailyPnL(trades []domain.BrokerTrade, loc *time.Location) []DailyPnL {
	byDay := make(map[time.Time]*DailyPnL)
	for _, t := range trades {
		if t.CloseTime == nil {
			continue
		}
		local := t.CloseTime.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		p, ok := byDay[day]
		if !ok {
			p = &DailyPnL{Date: day}
			byDay[day] = p
		}
		p.PnL += t.NetPnL()
		p.TradeCount++
	}
	out := make([]DailyPnL, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b DailyPnL) int { return a.Date.Compare(b.Date) })
	var cum float64
	for i := range out {
		cum += out[i].PnL
		out[i].PnL = round2(out[i].PnL)
		out[i].CumulativePnL = round2(cum)
	}
	return out
}

// recentTrades returns up to limit trades, latest close first.
func recentTrades(trades []domain.BrokerTrade, limit int) []domain.BrokerTrade {
	sorted := slices.SortedStableFunc(slices.Values(trades), func(a, b domain.BrokerTrade) int {
		return cmp.Compare(0, byClose(a, b))
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// computeScore rates the record. Drawdown here is measured on the daily
// cumulative curve; consistency falls with the spread of daily pnl.
func computeScore(trades []domain.BrokerTrade, daily []DailyPnL) PerformanceScore {
	if len(trades) == 0 {
		return PerformanceScore{}
	}
	var (
		wins, losses    int
		winSum, lossSum float64
		net             float64
	)
	for _, t := range trades {
		v := t.NetPnL()
		net += v
		switch {
		case v > 0:
			wins++
			winSum += v
		case v < 0:
			losses++
			lossSum -= v
		}
	}
	winRate := pct(wins, len(trades))
	profitFactor := ratio(winSum, lossSum)
	var avgWin, avgLoss float64
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	avgWinLoss := ratio(avgWin, avgLoss)

	var peak, maxDD float64
	for _, d := range daily {
		peak = max(peak, d.CumulativePnL)
		maxDD = max(maxDD, peak-d.CumulativePnL)
	}
	recovery := ratio(net, maxDD)

	consistency := 0.0
	if len(daily) > 0 {
		var mean float64
		for _, d := range daily {
			mean += d.PnL
		}
		mean /= float64(len(daily))
		var variance float64
		for _, d := range daily {
			variance += (d.PnL - mean) * (d.PnL - mean)
		}
		std := math.Sqrt(variance / float64(len(daily)))
		consistency = 100
		if std > 0 {
			consistency = 100 - std*0.1
		}
	}

	s := PerformanceScore{
		WinRate:        clampScore(winRate),
		ProfitFactor:   clampScore(profitFactor * 20),
		Consistency:    clampScore(consistency),
		MaxDrawdown:    clampScore(100 - maxDD*0.01),
		AvgWinLoss:     clampScore(avgWinLoss * 25),
		RecoveryFactor: clampScore(recovery * 20),
	}
	s.Overall = (s.WinRate + s.ProfitFactor + s.Consistency + s.MaxDrawdown + s.AvgWinLoss + s.RecoveryFactor) / 6

	s.WinRate = round2(s.WinRate)
	s.ProfitFactor = round2(s.ProfitFactor)
	s.Consistency = round2(s.Consistency)
	s.MaxDrawdown = round2(s.MaxDrawdown)
	s.AvgWinLoss = round2(s.AvgWinLoss)
	s.RecoveryFactor = round2(s.RecoveryFactor)
	s.Overall = round2(s.Overall)
	return s
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// ratio is a/b, or 0 when b is not positive.
func ratio(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func clampScore(v float64) float64 {
	return min(max(v, 0), 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
