package provider

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// qtyEpsilon absorbs float noise when comparing fill quantities.
const qtyEpsilon = 1e-9

// Fill is one execution as reported by platforms that only expose fills.
type Fill struct {
	ID         string
	Symbol     string
	Side       domain.TradeSide
	Qty        float64
	Price      float64
	Time       time.Time
	Commission float64
	// PnL is the realized profit the platform reports on a closing fill,
	// nil when it does not report one.
	PnL *float64
}

type lot struct {
	fill      Fill
	remaining float64
}

// PairFIFO matches fills into round trips per symbol, first in first out.
// pointValue converts a price difference into account currency per unit.
//
// A lot fully consumed by one closing fill keeps the opening fill's id, so
// an open trade stored on a previous sync closes in place. Partial closes get
// "<open id>:<close id>".
//
// A fill that reports realized pnl but finds no opposing lot closed a
// position opened before the fetched range. It becomes a closed trade under
// its own id with the open time and price estimated, never an open lot.
func PairFIFO(fills []Fill, pointValue func(symbol string) float64) []domain.RawTrade {
	sorted := make([]Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	books := make(map[string][]*lot)
	var order []string
	var out []domain.RawTrade

	for _, f := range sorted {
		if f.Qty <= 0 {
			continue
		}
		book, seen := books[f.Symbol]
		if !seen {
			order = append(order, f.Symbol)
		}
		var opposing float64
		if len(book) > 0 && book[0].fill.Side != f.Side {
			for _, l := range book {
				opposing += l.remaining
			}
		}
		if opposing <= qtyEpsilon && f.PnL != nil {
			out = append(out, closeOrphan(f, pointValue))
			books[f.Symbol] = book
			continue
		}
		closable := math.Min(opposing, f.Qty)

		remaining := f.Qty
		for remaining > qtyEpsilon && len(book) > 0 && book[0].fill.Side != f.Side {
			head := book[0]
			matched := math.Min(head.remaining, remaining)
			full := matched >= head.remaining-qtyEpsilon

			id := head.fill.ID
			if !full {
				id = head.fill.ID + ":" + f.ID
			}
			out = append(out, closeLot(id, head, f, matched, closable, pointValue))

			head.remaining -= matched
			remaining -= matched
			if head.remaining <= qtyEpsilon {
				book = book[1:]
			}
		}
		if remaining > qtyEpsilon {
			open := f
			open.Commission = f.Commission * remaining / f.Qty
			open.Qty = remaining
			book = append(book, &lot{fill: open, remaining: remaining})
		}
		books[f.Symbol] = book
	}

	for _, sym := range order {
		for _, l := range books[sym] {
			id := l.fill.ID
			out = append(out, domain.RawTrade{
				ExternalID: id,
				Symbol:     l.fill.Symbol,
				Side:       l.fill.Side,
				OpenTime:   l.fill.Time,
				OpenPrice:  l.fill.Price,
				Volume:     l.remaining,
				Commission: domain.Float(-math.Abs(l.fill.Commission * l.remaining / l.fill.Qty)),
				Status:     domain.TradeOpen,
			})
		}
	}
	return out
}

// closeLot closes qty of open against closing. A reported pnl is spread over
// the closable part of the closing fill.
func closeLot(id string, open *lot, closing Fill, qty, closable float64, pointValue func(string) float64) domain.RawTrade {
	dir := 1.0
	if open.fill.Side == domain.SideSell {
		dir = -1.0
	}
	var pnl float64
	if closing.PnL != nil {
		pnl = *closing.PnL * qty / closable
	} else {
		pv := 1.0
		if pointValue != nil {
			pv = pointValue(open.fill.Symbol)
		}
		pnl = (closing.Price - open.fill.Price) * qty * pv * dir
	}
	commission := open.fill.Commission*qty/open.fill.Qty + closing.Commission*qty/closing.Qty

	return domain.RawTrade{
		ExternalID: id,
		Symbol:     open.fill.Symbol,
		Side:       open.fill.Side,
		OpenTime:   open.fill.Time,
		CloseTime:  domain.Time(closing.Time),
		OpenPrice:  open.fill.Price,
		ClosePrice: domain.Float(closing.Price),
		Volume:     qty,
		PnL:        domain.Float(round(pnl, 8)),
		Commission: domain.Float(-math.Abs(round(commission, 8))),
		Status:     domain.TradeClosed,
		Metadata: map[string]any{
			"open_fill_id":  open.fill.ID,
			"close_fill_id": closing.ID,
		},
	}
}

// closeOrphan books a closing fill whose opening fill is out of range. The
// open price is backed out of the reported pnl.
func closeOrphan(f Fill, pointValue func(string) float64) domain.RawTrade {
	side := f.Side.Opposite()
	dir := 1.0
	if side == domain.SideSell {
		dir = -1.0
	}
	pv := 1.0
	if pointValue != nil {
		pv = pointValue(f.Symbol)
	}
	pnl := *f.PnL
	openPrice := f.Price
	if pv > 0 {
		openPrice = round(f.Price-pnl/(f.Qty*pv*dir), 8)
	}
	return domain.RawTrade{
		ExternalID: f.ID,
		Symbol:     f.Symbol,
		Side:       side,
		OpenTime:   f.Time,
		CloseTime:  domain.Time(f.Time),
		OpenPrice:  openPrice,
		ClosePrice: domain.Float(f.Price),
		Volume:     f.Qty,
		PnL:        domain.Float(round(pnl, 8)),
		Commission: domain.Float(-math.Abs(round(f.Commission, 8))),
		Status:     domain.TradeClosed,
		Metadata: map[string]any{
			"close_fill_id":        f.ID,
			"open_time_estimated":  true,
			"open_price_estimated": true,
		},
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
