package ctrader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

var testCreds = domain.Credentials{"client_id": "cid", "client_secret": "csec", "access_token": "tok-1"}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newCountingServer(t, nil)
}

// newCountingServer adds one to hits per request when hits is non-nil.
func newCountingServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /connect/tradingaccounts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"accountNumber":5001,"ctidTraderAccountId":42}]}`))
	})
	mux.HandleFunc("GET /connect/tradingaccounts/42/deals", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fromId") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"dealId": 1, "positionId": 900, "symbolName": "EURUSD", "tradeSide": "BUY", "filledVolume": 10000000,
						"executionPrice": 1.1, "executionTimestamp": time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC).UnixMilli(), "dealStatus": "FILLED"},
				},
				"next": "/connect/tradingaccounts/42/deals?fromId=2&limit=500",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"dealId": 2, "positionId": 900, "symbolName": "EURUSD", "tradeSide": "SELL", "filledVolume": 10000000,
					"executionPrice": 1.102, "executionTimestamp": time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC).UnixMilli(),
					"dealStatus": "FILLED", "moneyDigits": 2,
					"closePositionDetail": map[string]any{"entryPrice": 1.1, "grossProfit": 2000, "swap": -50, "commission": -300, "closedVolume": 10000000}},
			},
		})
	})
	mux.HandleFunc("GET /connect/tradingaccounts/42/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"positionId":901,"symbolName":"GBPUSD","tradeSide":"SELL","volume":5000000,"entryPrice":1.25,"openTimestamp":1735725600000,"stopLoss":1.26}]}`))
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchTrades(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	a := New(srv.URL, srv.Client(), 0)
	a.now = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	trades, err := provider.Collect(a.FetchTrades(context.Background(), testCreds, "42", &since))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	closed := trades[0]
	assert.Equal(t, "900", closed.ExternalID)
	assert.Equal(t, domain.SideBuy, closed.Side)
	assert.Equal(t, domain.TradeClosed, closed.Status)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), closed.OpenTime)
	assert.InDelta(t, 20.0, *closed.PnL, 1e-9)
	assert.InDelta(t, -3.0, *closed.Commission, 1e-9)
	assert.InDelta(t, -0.5, *closed.Swap, 1e-9)
	assert.InDelta(t, 100000.0, closed.Volume, 1e-9)

	open := trades[1]
	assert.Equal(t, "901", open.ExternalID)
	assert.Equal(t, domain.TradeOpen, open.Status)
	assert.Equal(t, 1.26, open.Metadata["stop_loss"])
}

func TestValidateRejectsBadToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	a := New(srv.URL, srv.Client(), 0)

	require.NoError(t, a.Validate(context.Background(), testCreds))

	bad := domain.Credentials{"client_id": "cid", "client_secret": "csec", "access_token": "wrong"}
	err := a.Validate(context.Background(), bad)
	assert.True(t, domain.IsPermanent(err))

	err = a.Validate(context.Background(), domain.Credentials{"access_token": "tok-1"})
	assert.True(t, domain.IsPermanent(err))
}

type countingThrottle struct{ n atomic.Int32 }

func (c *countingThrottle) Wait(context.Context, domain.Platform) error {
	c.n.Add(1)
	return nil
}

func TestFetchTradesChargesEveryRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newCountingServer(t, &hits)

	a := New(srv.URL, srv.Client(), 0)
	a.now = func() time.Time { return time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC) }
	throttle := &countingThrottle{}
	provider.NewRegistry(a).SetThrottle(throttle)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := provider.Collect(a.FetchTrades(context.Background(), testCreds, "42", &since))
	require.NoError(t, err)

	// Three weekly windows of two deal pages each, plus open positions.
	assert.EqualValues(t, 7, hits.Load())
	assert.Equal(t, hits.Load(), throttle.n.Load())
}
