package tradovate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

var testCreds = domain.Credentials{"username": "trader", "password": "pw-123", "device_id": "dev-1"}

func newTestServer(t *testing.T, tokenResp string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/accesstokenrequest", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "pw-123" {
			_, _ = w.Write([]byte(`{"errorText":"Incorrect username or password"}`))
			return
		}
		_, _ = w.Write([]byte(tokenResp))
	})
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer at-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /account/list", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":11,"name":"TOPX-001","active":true}]`))
	}))
	mux.HandleFunc("GET /position/deps", authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "11", r.URL.Query().Get("masterid"))
		_, _ = w.Write([]byte(`[{"id":501,"accountId":11,"contractId":7}]`))
	}))
	mux.HandleFunc("GET /fillPair/deps", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":9001,"positionId":501,"buyFillId":1,"sellFillId":2,"qty":2,"buyPrice":5000,"sellPrice":4995}]`))
	}))
	mux.HandleFunc("GET /fill/items", authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1,2", r.URL.Query().Get("ids"))
		_, _ = w.Write([]byte(`[
			{"id":1,"contractId":7,"timestamp":"2025-01-06T15:00:00Z","action":"Buy","qty":2,"price":5000},
			{"id":2,"contractId":7,"timestamp":"2025-01-06T14:30:00Z","action":"Sell","qty":2,"price":4995}]`))
	}))
	mux.HandleFunc("GET /contract/items", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":7,"name":"ESH5"}]`))
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchTradesShortRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, `{"accessToken":"at-1","userId":3}`)
	a := New(srv.URL, srv.Client(), AppInfo{AppID: "brokersync"})

	trades, err := provider.Collect(a.FetchTrades(context.Background(), testCreds, "TOPX-001", nil))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "9001", tr.ExternalID)
	assert.Equal(t, "ESH5", tr.Symbol)
	assert.Equal(t, domain.SideSell, tr.Side, "the sell fill came first")
	assert.Equal(t, 4995.0, tr.OpenPrice)
	assert.Equal(t, time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC), *tr.CloseTime)
	assert.InDelta(t, -500.0, *tr.PnL, 1e-9) // bought back 5 points higher, 2 contracts at $50
}

func TestAuthFailures(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, `{"accessToken":"at-1"}`)
	a := New(srv.URL, srv.Client(), AppInfo{})

	bad := domain.Credentials{"username": "trader", "password": "nope", "device_id": "dev-1"}
	err := a.Validate(context.Background(), bad)
	assert.True(t, domain.IsPermanent(err))
	assert.NotContains(t, err.Error(), "nope")

	_, err = provider.Collect(a.FetchTrades(context.Background(), testCreds, "OTHER", nil))
	var ce *domain.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "account not found", ce.Reason)
}

func TestPenaltyTicketIsTransient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, `{"p-ticket":"tk","p-time":15}`)
	a := New(srv.URL, srv.Client(), AppInfo{})

	err := a.Validate(context.Background(), testCreds)
	te, ok := domain.AsTransient(err)
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, te.RetryAfter)
}
