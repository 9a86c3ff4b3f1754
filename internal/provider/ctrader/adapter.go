// Package ctrader fetches deal history from the Spotware Connect REST API.
package ctrader

import (
	"context"
	"fmt"
	"iter"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

const (
	DefaultBaseURL = "https://api.spotware.com"
	// maxWindow is the widest deal range the API serves per request.
	maxWindow = 7 * 24 * time.Hour
	pageSize  = 500
)

// Adapter implements provider.Adapter for cTrader accounts.
type Adapter struct {
	http     *provider.HTTPClient
	backfill time.Duration
	now      func() time.Time
}

// New creates an adapter. backfill bounds the first fetch of a connection
// that has never synced.
func New(baseURL string, hc *http.Client, backfill time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if backfill <= 0 {
		backfill = 90 * 24 * time.Hour
	}
	return &Adapter{
		http:     provider.NewHTTPClient(domain.PlatformCTrader, baseURL, hc),
		backfill: backfill,
		now:      time.Now,
	}
}

func (a *Adapter) Platform() domain.Platform { return domain.PlatformCTrader }

// SetThrottle gates every API request through t.
func (a *Adapter) SetThrottle(t provider.Throttle) { a.http.SetThrottle(t) }

type accountsResponse struct {
	Data []struct {
		AccountNumber       int64 `json:"accountNumber"`
		CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
		Live                bool  `json:"live"`
	} `json:"data"`
}

// Validate lists the trading accounts the access token grants.
func (a *Adapter) Validate(ctx context.Context, creds domain.Credentials) error {
	if err := provider.CheckCredentials(domain.PlatformCTrader, creds); err != nil {
		return err
	}
	var resp accountsResponse
	return a.http.Do(ctx, provider.Request{
		Method: http.MethodGet,
		Path:   "/connect/tradingaccounts",
		Query:  url.Values{"access_token": {creds["access_token"]}},
		Op:     "list accounts",
	}, &resp)
}

type deal struct {
	DealID             int64   `json:"dealId"`
	PositionID         int64   `json:"positionId"`
	SymbolName         string  `json:"symbolName"`
	TradeSide          string  `json:"tradeSide"`
	FilledVolume       int64   `json:"filledVolume"`
	ExecutionPrice     float64 `json:"executionPrice"`
	ExecutionTimestamp int64   `json:"executionTimestamp"`
	Commission         int64   `json:"commission"`
	MoneyDigits        *int    `json:"moneyDigits"`
	DealStatus         string  `json:"dealStatus"`
	ClosePosition      *struct {
		EntryPrice   float64 `json:"entryPrice"`
		GrossProfit  int64   `json:"grossProfit"`
		Swap         int64   `json:"swap"`
		Commission   int64   `json:"commission"`
		ClosedVolume int64   `json:"closedVolume"`
	} `json:"closePositionDetail"`
}

type dealsResponse struct {
	Data []deal `json:"data"`
	Next string `json:"next"`
}

type position struct {
	PositionID    int64   `json:"positionId"`
	SymbolName    string  `json:"symbolName"`
	TradeSide     string  `json:"tradeSide"`
	Volume        int64   `json:"volume"`
	EntryPrice    float64 `json:"entryPrice"`
	OpenTimestamp int64   `json:"openTimestamp"`
	Swap          int64   `json:"swap"`
	Commission    int64   `json:"commission"`
	MoneyDigits   *int    `json:"moneyDigits"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
}

type positionsResponse struct {
	Data []position `json:"data"`
}

// FetchTrades pages through deals in weekly windows from since (or the
// backfill horizon) to now, folds closing deals into one trade per position,
// then appends still-open positions.
func (a *Adapter) FetchTrades(ctx context.Context, creds domain.Credentials, account string, since *time.Time) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		if err := provider.CheckCredentials(domain.PlatformCTrader, creds); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}
		token := creds["access_token"]
		now := a.now().UTC()
		from := now.Add(-a.backfill)
		if since != nil {
			from = since.UTC()
		}

		var deals []deal
		for start := from; start.Before(now); start = start.Add(maxWindow) {
			end := start.Add(maxWindow)
			if end.After(now) {
				end = now
			}
			page, err := a.dealsBetween(ctx, token, account, start, end)
			if err != nil {
				yield(domain.RawTrade{}, err)
				return
			}
			deals = append(deals, page...)
		}

		var open positionsResponse
		if err := a.http.Do(ctx, provider.Request{
			Method: http.MethodGet,
			Path:   "/connect/tradingaccounts/" + url.PathEscape(account) + "/positions",
			Query:  url.Values{"access_token": {token}},
			Op:     "list positions",
		}, &open); err != nil {
			yield(domain.RawTrade{}, err)
			return
		}

		stillOpen := make(map[int64]bool, len(open.Data))
		for _, p := range open.Data {
			stillOpen[p.PositionID] = true
		}

		for _, t := range foldDeals(deals, stillOpen) {
			if !provider.Since(t, since) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
		for _, p := range open.Data {
			if !yield(openTrade(p), nil) {
				return
			}
		}
	}
}

func (a *Adapter) dealsBetween(ctx context.Context, token, account string, from, to time.Time) ([]deal, error) {
	var out []deal
	q := url.Values{
		"access_token": {token},
		"from":         {strconv.FormatInt(from.UnixMilli(), 10)},
		"to":           {strconv.FormatInt(to.UnixMilli(), 10)},
		"limit":        {strconv.Itoa(pageSize)},
	}
	for {
		var resp dealsResponse
		if err := a.http.Do(ctx, provider.Request{
			Method: http.MethodGet,
			Path:   "/connect/tradingaccounts/" + url.PathEscape(account) + "/deals",
			Query:  q,
			Op:     "list deals",
		}, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if resp.Next == "" || len(resp.Data) == 0 {
			return out, nil
		}
		// next carries the cursor as query parameters.
		next, err := url.Parse(resp.Next)
		if err != nil {
			return nil, fmt.Errorf("ctrader: parse next page cursor: %w", err)
		}
		cursor := next.Query()
		cursor.Set("access_token", token)
		q = cursor
	}
}

// foldDeals merges the closing deals of each fully closed position into one
// trade keyed by position id.
func foldDeals(deals []deal, stillOpen map[int64]bool) []domain.RawTrade {
	opening := make(map[int64]deal)
	closing := make(map[int64][]deal)
	for _, d := range deals {
		if d.DealStatus != "" && !strings.EqualFold(d.DealStatus, "FILLED") && !strings.EqualFold(d.DealStatus, "PARTIALLY_FILLED") {
			continue
		}
		if d.ClosePosition == nil {
			if _, ok := opening[d.PositionID]; !ok {
				opening[d.PositionID] = d
			}
			continue
		}
		closing[d.PositionID] = append(closing[d.PositionID], d)
	}

	ids := make([]int64, 0, len(closing))
	for id := range closing {
		if !stillOpen[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]domain.RawTrade, 0, len(ids))
	for _, id := range ids {
		ds := closing[id]
		first := ds[0]
		var units, weighted, profit, swap, commission float64
		var last int64
		for _, d := range ds {
			scale := moneyScale(d.MoneyDigits)
			v := float64(d.ClosePosition.ClosedVolume) / 100
			units += v
			weighted += d.ExecutionPrice * v
			profit += float64(d.ClosePosition.GrossProfit) / scale
			swap += float64(d.ClosePosition.Swap) / scale
			commission += float64(d.ClosePosition.Commission) / scale
			if d.ExecutionTimestamp > last {
				last = d.ExecutionTimestamp
			}
		}
		closeAt := time.UnixMilli(last).UTC()
		openAt := closeAt
		md := map[string]any{"position_id": id}
		if o, ok := opening[id]; ok {
			openAt = time.UnixMilli(o.ExecutionTimestamp).UTC()
		} else {
			md["open_time_estimated"] = true
		}
		closePrice := first.ExecutionPrice
		if units > 0 {
			closePrice = weighted / units
		}
		side, _ := domain.ParseSide(first.TradeSide)
		out = append(out, domain.RawTrade{
			ExternalID: strconv.FormatInt(id, 10),
			Symbol:     first.SymbolName,
			Side:       side.Opposite(),
			OpenTime:   openAt,
			CloseTime:  domain.Time(closeAt),
			OpenPrice:  first.ClosePosition.EntryPrice,
			ClosePrice: domain.Float(closePrice),
			Volume:     units,
			PnL:        domain.Float(profit),
			Commission: domain.Float(commission),
			Swap:       domain.Float(swap),
			Status:     domain.TradeClosed,
			Metadata:   md,
		})
	}
	return out
}

func openTrade(p position) domain.RawTrade {
	scale := moneyScale(p.MoneyDigits)
	side, _ := domain.ParseSide(p.TradeSide)
	md := map[string]any{"position_id": p.PositionID}
	if p.StopLoss != 0 {
		md["stop_loss"] = p.StopLoss
	}
	if p.TakeProfit != 0 {
		md["take_profit"] = p.TakeProfit
	}
	return domain.RawTrade{
		ExternalID: strconv.FormatInt(p.PositionID, 10),
		Symbol:     p.SymbolName,
		Side:       side,
		OpenTime:   time.UnixMilli(p.OpenTimestamp).UTC(),
		OpenPrice:  p.EntryPrice,
		Volume:     float64(p.Volume) / 100,
		Commission: domain.Float(float64(p.Commission) / scale),
		Swap:       domain.Float(float64(p.Swap) / scale),
		Status:     domain.TradeOpen,
		Metadata:   md,
	}
}

// moneyScale converts cTrader's integer money fields, which carry
// moneyDigits implied decimals (2 when absent).
func moneyScale(digits *int) float64 {
	d := 2
	if digits != nil {
		d = *digits
	}
	return math.Pow10(d)
}
