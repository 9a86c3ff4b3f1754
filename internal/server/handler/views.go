package handler

import (
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/service"
)

// connectionView is the wire shape of a connection. The encrypted credential
// blob and the EA token never leave the server.
type connectionView struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"user_id"`
	Provider            string         `json:"provider"`
	Platform            string         `json:"platform"`
	AccountIdentifier   string         `json:"account_identifier"`
	Status              string         `json:"status"`
	LastSyncAt          *time.Time     `json:"last_sync_at,omitempty"`
	LastSyncStatus      string         `json:"last_sync_status,omitempty"`
	LastSyncError       string         `json:"last_sync_error,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	NextSyncAt          *time.Time     `json:"next_sync_at,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func toConnectionView(c domain.BrokerConnection) connectionView {
	var meta map[string]any
	for k, v := range c.Metadata {
		if k == domain.MetaEAToken {
			continue
		}
		if meta == nil {
			meta = make(map[string]any, len(c.Metadata))
		}
		meta[k] = v
	}
	return connectionView{
		ID:                  c.ID.String(),
		UserID:              c.UserID.String(),
		Provider:            string(c.Provider),
		Platform:            string(c.Platform),
		AccountIdentifier:   c.AccountIdentifier,
		Status:              string(c.Status),
		LastSyncAt:          c.LastSyncAt,
		LastSyncStatus:      string(c.LastSyncStatus),
		LastSyncError:       c.LastSyncError,
		ConsecutiveFailures: c.ConsecutiveFailures,
		NextSyncAt:          c.NextSyncAt,
		Metadata:            meta,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

type syncLogView struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connection_id"`
	AttemptID     string     `json:"attempt_id"`
	Trigger       string     `json:"trigger"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TradesSynced  int        `json:"trades_synced"`
	TradesSkipped int        `json:"trades_skipped"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

func toSyncLogView(l domain.SyncLog) syncLogView {
	return syncLogView{
		ID:            l.ID.String(),
		ConnectionID:  l.ConnectionID.String(),
		AttemptID:     l.AttemptID,
		Trigger:       string(l.Trigger),
		Status:        string(l.Status),
		StartedAt:     l.StartedAt,
		CompletedAt:   l.CompletedAt,
		TradesSynced:  l.TradesSynced,
		TradesSkipped: l.TradesSkipped,
		ErrorMessage:  l.ErrorMessage,
	}
}

func toSyncLogViews(logs []domain.SyncLog) []syncLogView {
	out := make([]syncLogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, toSyncLogView(l))
	}
	return out
}

type dailyStatView struct {
	Date          string    `json:"date"`
	TotalPnL      float64   `json:"total_pnl"`
	TradeCount    int       `json:"trade_count"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	Volume        float64   `json:"volume"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type tradeView struct {
	ID              string     `json:"id"`
	ExternalTradeID string     `json:"external_trade_id,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Status          string     `json:"status"`
	OpenTime        time.Time  `json:"open_time"`
	CloseTime       *time.Time `json:"close_time,omitempty"`
	OpenPrice       float64    `json:"open_price"`
	ClosePrice      *float64   `json:"close_price,omitempty"`
	Volume          float64    `json:"volume"`
	PnL             float64    `json:"pnl"`
	Commission      float64    `json:"commission"`
	Swap            float64    `json:"swap"`
}

func toTradeView(t domain.BrokerTrade) tradeView {
	return tradeView{
		ID:              t.ID.String(),
		ExternalTradeID: t.ExternalTradeID,
		Symbol:          t.Symbol,
		Side:            string(t.Side),
		Status:          string(t.Status),
		OpenTime:        t.OpenTime,
		CloseTime:       t.CloseTime,
		OpenPrice:       t.OpenPrice,
		ClosePrice:      t.ClosePrice,
		Volume:          t.Volume,
		PnL:             t.PnL,
		Commission:      t.Commission,
		Swap:            t.Swap,
	}
}

type kpiView struct {
	TotalPnL        float64 `json:"total_pnl"`
	GrossPnL        float64 `json:"gross_pnl"`
	TotalTrades     int     `json:"total_trades"`
	WinRate         float64 `json:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	AverageWin      float64 `json:"average_win"`
	AverageLoss     float64 `json:"average_loss"`
	DayWinRate      float64 `json:"day_win_rate"`
	AvgWinLossRatio float64 `json:"avg_win_loss_ratio"`
}

type dailyPnLView struct {
	Date          string  `json:"date"`
	TotalPnL      float64 `json:"total_pnl"`
	CumulativePnL float64 `json:"cumulative_pnl"`
}

type calendarDayView struct {
	Date       string  `json:"date"`
	PnL        float64 `json:"pnl"`
	TradeCount int     `json:"trade_count"`
}

type scoreView struct {
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	Consistency    float64 `json:"consistency"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	AvgWinLoss     float64 `json:"avg_win_loss"`
	RecoveryFactor float64 `json:"recovery_factor"`
	OverallScore   float64 `json:"overall_score"`
}

type dashboardView struct {
	ConnectionID      string            `json:"connection_id"`
	Provider          string            `json:"provider"`
	AccountIdentifier string            `json:"account_identifier"`
	Timezone          string            `json:"timezone"`
	LastSyncAt        *time.Time        `json:"last_sync_at"`
	KPI               kpiView           `json:"kpi"`
	DailyPnL          []dailyPnLView    `json:"daily_pnl"`
	CalendarData      []calendarDayView `json:"calendar_data"`
	RecentTrades      []tradeView       `json:"recent_trades"`
	OpenPositions     []tradeView       `json:"open_positions"`
	PerformanceScore  scoreView         `json:"performance_score"`
}

func toDashboardView(d service.Dashboard) dashboardView {
	v := dashboardView{
		ConnectionID:      d.ConnectionID.String(),
		Provider:          string(d.Provider),
		AccountIdentifier: d.AccountIdentifier,
		Timezone:          d.Timezone,
		LastSyncAt:        d.LastSyncAt,
		KPI: kpiView{
			TotalPnL:        d.KPI.NetPnL,
			GrossPnL:        d.KPI.GrossPnL,
			TotalTrades:     d.KPI.TotalTrades,
			WinRate:         d.KPI.WinRate,
			ProfitFactor:    d.KPI.ProfitFactor,
			MaxDrawdown:     d.KPI.MaxDrawdown,
			AverageWin:      d.KPI.AverageWin,
			AverageLoss:     d.KPI.AverageLoss,
			DayWinRate:      d.KPI.DayWinRate,
			AvgWinLossRatio: d.KPI.AvgWinLossRatio,
		},
		DailyPnL:      make([]dailyPnLView, 0, len(d.DailyPnL)),
		CalendarData:  make([]calendarDayView, 0, len(d.DailyPnL)),
		RecentTrades:  make([]tradeView, 0, len(d.RecentTrades)),
		OpenPositions: make([]tradeView, 0, len(d.OpenPositions)),
		PerformanceScore: scoreView{
			WinRate:        d.Score.WinRate,
			ProfitFactor:   d.Score.ProfitFactor,
			Consistency:    d.Score.Consistency,
			MaxDrawdown:    d.Score.MaxDrawdown,
			AvgWinLoss:     d.Score.AvgWinLoss,
			RecoveryFactor: d.Score.RecoveryFactor,
			OverallScore:   d.Score.Overall,
		},
	}
	for _, p := range d.DailyPnL {
		date := p.Date.Format(domain.DateLayout)
		v.DailyPnL = append(v.DailyPnL, dailyPnLView{Date: date, TotalPnL: p.PnL, CumulativePnL: p.CumulativePnL})
		v.CalendarData = append(v.CalendarData, calendarDayView{Date: date, PnL: p.PnL, TradeCount: p.TradeCount})
	}
	for _, t := range d.RecentTrades {
		v.RecentTrades = append(v.RecentTrades, toTradeView(t))
	}
	for _, t := range d.OpenPositions {
		v.OpenPositions = append(v.OpenPositions, toTradeView(t))
	}
	return v
}
