// Package metaapi reads MT4 and MT5 history through the MetaApi cloud REST
// API.
package metaapi

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

const DefaultBaseURL = "https://mt-client-api-v1.new-york.agiliumtrade.ai"

// Adapter implements provider.Adapter for one MetaTrader generation.
type Adapter struct {
	platform domain.Platform
	http     *provider.HTTPClient
	backfill time.Duration
	now      func() time.Time
}

// New creates an adapter for platform, which must be mt4 or mt5.
func New(platform domain.Platform, baseURL string, hc *http.Client, backfill time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if backfill <= 0 {
		backfill = 90 * 24 * time.Hour
	}
	return &Adapter{
		platform: platform,
		http:     provider.NewHTTPClient(platform, baseURL, hc),
		backfill: backfill,
		now:      time.Now,
	}
}

func (a *Adapter) Platform() domain.Platform { return a.platform }

// SetThrottle gates every API request through t.
func (a *Adapter) SetThrottle(t provider.Throttle) { a.http.SetThrottle(t) }

func (a *Adapter) accountPath(creds domain.Credentials, suffix string) string {
	return "/users/current/accounts/" + url.PathEscape(creds["metaapi_account_id"]) + suffix
}

func authHeader(creds domain.Credentials) http.Header {
	return http.Header{"Auth-Token": {creds["metaapi_token"]}}
}

// Validate reads the account information, which fails for a bad token or an
// unknown account id.
func (a *Adapter) Validate(ctx context.Context, creds domain.Credentials) error {
	if err := provider.CheckCredentials(a.platform, creds); err != nil {
		return err
	}
	var info struct {
		Platform string `json:"platform"`
		Login    any    `json:"login"`
	}
	return a.http.Do(ctx, provider.Request{
		Method: http.MethodGet,
		Path:   a.accountPath(creds, "/account-information"),
		Header: authHeader(creds),
		Op:     "account information",
	}, &info)
}

type deal struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	EntryType  string   `json:"entryType"`
	Symbol     string   `json:"symbol"`
	Volume     float64  `json:"volume"`
	Price      float64  `json:"price"`
	Profit     *float64 `json:"profit"`
	Commission *float64 `json:"commission"`
	Swap       *float64 `json:"swap"`
	Time       string   `json:"time"`
	PositionID string   `json:"positionId"`
	StopLoss   float64  `json:"stopLoss"`
	TakeProfit float64  `json:"takeProfit"`
}

type position struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Symbol     string   `json:"symbol"`
	OpenPrice  float64  `json:"openPrice"`
	Volume     float64  `json:"volume"`
	Time       string   `json:"time"`
	Swap       *float64 `json:"swap"`
	Commission *float64 `json:"commission"`
	StopLoss   float64  `json:"stopLoss"`
	TakeProfit float64  `json:"takeProfit"`
}

// FetchTrades reads history deals since the watermark, pairs entry and exit
// deals by position id, then appends open positions.
func (a *Adapter) FetchTrades(ctx context.Context, creds domain.Credentials, account string, since *time.Time) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		if err := provider.CheckCredentials(a.platform, creds); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		now := a.now().UTC()
		from := now.Add(-a.backfill)
		if since != nil {
			from = since.UTC()
		}

		var deals []deal
		if err := a.http.Do(ctx, provider.Request{
			Method: http.MethodGet,
			Path: a.accountPath(creds, "/history-deals/time/"+
				url.PathEscape(from.Format(time.RFC3339))+"/"+url.PathEscape(now.Format(time.RFC3339))),
			Header: authHeader(creds),
			Op:     "history deals",
		}, &deals); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}

		var positions []position
		if err := a.http.Do(ctx, provider.Request{
			Method: http.MethodGet,
			Path:   a.accountPath(creds, "/positions"),
			Header: authHeader(creds),
			Op:     "positions",
		}, &positions); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}

		open := make(map[string]bool, len(positions))
		for _, p := range positions {
			open[p.ID] = true
		}
		for _, t := range pairDeals(deals, open) {
			if !provider.Since(t, since) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
		for _, p := range positions {
			t, ok := openTrade(p)
			if !ok {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func dealSide(t string) (domain.TradeSide, bool) {
	switch t {
	case "DEAL_TYPE_BUY":
		return domain.SideBuy, true
	case "DEAL_TYPE_SELL":
		return domain.SideSell, true
	}
	return "", false
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func val(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// pairDeals folds IN and OUT deals per position into closed trades. Balance
// and credit operations are ignored; positions still open are left to the
// positions listing.
func pairDeals(deals []deal, stillOpen map[string]bool) []domain.RawTrade {
	type agg struct {
		side                domain.TradeSide
		symbol              string
		openAt, closeAt     time.Time
		inVol, outVol       float64
		inNotional, outNotl float64
		profit, comm, swap  float64
		sl, tp              float64
	}
	byPos := make(map[string]*agg)
	for _, d := range deals {
		side, ok := dealSide(d.Type)
		if !ok || d.PositionID == "" {
			continue
		}
		at, ok := parseTime(d.Time)
		if !ok {
			continue
		}
		a := byPos[d.PositionID]
		if a == nil {
			a = &agg{symbol: d.Symbol}
			byPos[d.PositionID] = a
		}
		a.comm += val(d.Commission)
		a.swap += val(d.Swap)
		switch d.EntryType {
		case "DEAL_ENTRY_IN":
			a.side = side
			if a.openAt.IsZero() || at.Before(a.openAt) {
				a.openAt = at
			}
			a.inVol += d.Volume
			a.inNotional += d.Volume * d.Price
		case "DEAL_ENTRY_OUT", "DEAL_ENTRY_OUT_BY", "DEAL_ENTRY_INOUT":
			if a.side == "" {
				a.side = side.Opposite()
			}
			if at.After(a.closeAt) {
				a.closeAt = at
			}
			a.outVol += d.Volume
			a.outNotl += d.Volume * d.Price
			a.profit += val(d.Profit)
			if d.StopLoss != 0 {
				a.sl = d.StopLoss
			}
			if d.TakeProfit != 0 {
				a.tp = d.TakeProfit
			}
		}
	}

	ids := make([]string, 0, len(byPos))
	for id, a := range byPos {
		if a.outVol > 0 && !stillOpen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]domain.RawTrade, 0, len(ids))
	for _, id := range ids {
		a := byPos[id]
		md := map[string]any{"position_id": id}
		openAt, openPrice := a.openAt, 0.0
		if a.inVol > 0 {
			openPrice = a.inNotional / a.inVol
		} else {
			openAt = a.closeAt
			md["open_time_estimated"] = true
		}
		if a.sl != 0 {
			md["stop_loss"] = a.sl
		}
		if a.tp != 0 {
			md["take_profit"] = a.tp
		}
		out = append(out, domain.RawTrade{
			ExternalID: id,
			Symbol:     a.symbol,
			Side:       a.side,
			OpenTime:   openAt,
			CloseTime:  domain.Time(a.closeAt),
			OpenPrice:  openPrice,
			ClosePrice: domain.Float(a.outNotl / a.outVol),
			Volume:     a.outVol,
			PnL:        domain.Float(a.profit),
			Commission: domain.Float(a.comm),
			Swap:       domain.Float(a.swap),
			Status:     domain.TradeClosed,
			Metadata:   md,
		})
	}
	return out
}

func openTrade(p position) (domain.RawTrade, bool) {
	at, ok := parseTime(p.Time)
	if !ok {
		return domain.RawTrade{}, false
	}
	side := domain.SideBuy
	if strings.HasSuffix(p.Type, "SELL") {
		side = domain.SideSell
	}
	md := map[string]any{"position_id": p.ID}
	if p.StopLoss != 0 {
		md["stop_loss"] = p.StopLoss
	}
	if p.TakeProfit != 0 {
		md["take_profit"] = p.TakeProfit
	}
	return domain.RawTrade{
		ExternalID: p.ID,
		Symbol:     p.Symbol,
		Side:       side,
		OpenTime:   at,
		OpenPrice:  p.OpenPrice,
		Volume:     p.Volume,
		Commission: p.Commission,
		Swap:       p.Swap,
		Status:     domain.TradeOpen,
		Metadata:   md,
	}, true
}
