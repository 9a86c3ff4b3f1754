package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// ParseSide normalizes the spellings brokers use for trade direction.
func ParseSide(s string) (TradeSide, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long", "b", "0":
		return SideBuy, true
	case "sell", "short", "s", "1":
		return SideSell, true
	}
	return "", false
}

// Opposite returns the closing direction for a position opened on s.
func (s TradeSide) Opposite() TradeSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeStatus is whether a trade is still open.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// RawTrade is one trade as an adapter emits it, already mapped onto the
// canonical field set. Optional money fields are nil when the provider omits
// them; the reconciler treats nil as zero.
type RawTrade struct {
	ExternalID string
	Symbol     string
	Side       TradeSide
	OpenTime   time.Time
	CloseTime  *time.Time
	OpenPrice  float64
	ClosePrice *float64
	Volume     float64
	PnL        *float64
	Commission *float64
	Swap       *float64
	Status     TradeStatus
	Metadata   map[string]any
}

// BrokerTrade is a stored trade. Within a connection a non-empty
// ExternalTradeID identifies at most one row.
type BrokerTrade struct {
	ID              uuid.UUID
	ConnectionID    uuid.UUID
	UserID          uuid.UUID
	Provider        Provider
	ExternalTradeID string
	Symbol          string
	Side            TradeSide
	OpenTime        time.Time
	CloseTime       *time.Time
	OpenPrice       float64
	ClosePrice      *float64
	Volume          float64
	PnL             float64
	Commission      float64
	Swap            float64
	Status          TradeStatus
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NetPnL is pnl after commission and swap.
func (t BrokerTrade) NetPnL() float64 {
	return t.PnL + t.Commission + t.Swap
}

// Float returns a pointer to v, for optional RawTrade fields.
func Float(v float64) *float64 { return &v }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
