package domain

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the civil date format used for daily stats.
const DateLayout = "2006-01-02"

// DailyStat is the recomputable aggregate of one connection's closed trades
// for one calendar date.
type DailyStat struct {
	ConnectionID  uuid.UUID
	UserID        uuid.UUID
	Provider      Provider
	Date          time.Time
	TotalPnL      float64
	TradeCount    int
	WinningTrades int
	LosingTrades  int
	Volume        float64
	Metadata      map[string]any
	UpdatedAt     time.Time
}

// CivilDate truncates t to its calendar date in loc and returns that date as
// midnight UTC, the form daily stats are keyed by.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the half-open interval [start, end) covering date in loc.
func DayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
