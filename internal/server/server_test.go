package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/pipeline"
	"github.com/alanyoungcy/brokersync/internal/provider"
	"github.com/alanyoungcy/brokersync/internal/provider/csvimport"
	"github.com/alanyoungcy/brokersync/internal/server/handler"
	"github.com/alanyoungcy/brokersync/internal/service"
	"github.com/alanyoungcy/brokersync/internal/store/sqlite"
	"github.com/alanyoungcy/brokersync/internal/vault"
)

const apiKey = "ops-key"

// scriptedTradovate returns one closed round trip per fetch.
type scriptedTradovate struct{}

func (scriptedTradovate) Platform() domain.Platform { return domain.PlatformTradovate }

func (scriptedTradovate) Validate(context.Context, domain.Credentials) error { return nil }

func (scriptedTradovate) FetchTrades(context.Context, domain.Credentials, string, *time.Time) iter.Seq2[domain.RawTrade, error] {
	return provider.FromSlice([]domain.RawTrade{{
		ExternalID: "RT-1",
		Symbol:     "ESH5",
		Side:       domain.SideBuy,
		OpenTime:   time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC),
		CloseTime:  domain.Time(time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)),
		OpenPrice:  5800,
		ClosePrice: domain.Float(5810),
		Volume:     1,
		PnL:        domain.Float(500),
		Status:     domain.TradeClosed,
	}})
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyAll) Wait(context.Context, string, int, time.Duration) error          { return nil }

type testAPI struct {
	handler http.Handler
	store   *sqlite.Store
}

func newTestAPI(t *testing.T, limiter domain.RateLimiter) *testAPI {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlite.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key, err := vault.DeriveKey("server-test-secret")
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	registry := provider.NewRegistry(scriptedTradovate{}, csvimport.Adapter{})
	stats := service.NewStatsService(st, logger)
	syncer := pipeline.NewSyncer(st, v, registry, service.NewReconciler(st, logger), stats, pipeline.SyncerConfig{}, logger)
	conns := service.NewConnectionService(st, v, logger).WithRunner(syncer)
	ingest := service.NewIngestService(st, syncer, nil, logger)

	srv := NewServer(Config{APIKey: apiKey, RateLimitPerMinute: 10}, Handlers{
		Health:      handler.NewHealthHandler(logger),
		Status:      handler.NewStatusHandler("server", []string{"tradovate", "csv"}),
		Connections: handler.NewConnectionHandler(conns, logger),
		Sync:        handler.NewSyncHandler(conns, logger),
		Ingest:      handler.NewIngestHandler(ingest, 1<<20, logger),
		Stats:       handler.NewStatsHandler(stats, nil, logger),
	}, nil, limiter, logger)
	return &testAPI{handler: srv.Handler(), store: st}
}

func (a *testAPI) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-API-Key", apiKey)
	for k, v := range hdr {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func (a *testAPI) create(t *testing.T, body map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec, out := a.do(t, http.MethodPost, "/api/connections", bytes.NewReader(raw), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestAuthAndPublicRoutes(t *testing.T) {
	api := newTestAPI(t, nil)

	rec, out := api.do(t, http.MethodGet, "/api/health", nil, map[string]string{"X-API-Key": ""})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil, map[string]string{"X-API-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil, map[string]string{"X-API-Key": "", "Authorization": "Bearer " + apiKey})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/status", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConnectionLifecycleAndManualSync(t *testing.T) {
	api := newTestAPI(t, nil)
	userID := uuid.NewString()

	id := api.create(t, map[string]any{
		"user_id":            userID,
		"provider":           "topstep",
		"platform":           "tradovate",
		"account_identifier": "TS-001",
		"credentials":        map[string]string{"username": "trader", "password": "hunter2", "device_id": "dev-1"},
		"timezone":           "America/Chicago",
	})

	rec, out := api.do(t, http.MethodGet, "/api/connections/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", out["status"])
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, out, "credentials_encrypted")

	rec, out = api.do(t, http.MethodGet, "/api/connections?user_id="+userID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["connections"], 1)

	rec, out = api.do(t, http.MethodPost, "/api/connections/"+id+"/sync", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "manual", out["trigger"])
	assert.EqualValues(t, 1, out["trades_synced"])

	// Second manual sync inside the cooldown.
	rec, _ = api.do(t, http.MethodPost, "/api/connections/"+id+"/sync", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, out = api.do(t, http.MethodGet, "/api/connections/"+id+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["trade_count"])
	assert.Contains(t, out, "last_log")

	rec, out = api.do(t, http.MethodGet, "/api/connections/"+id+"/stats?from=2025-03-01&to=2025-03-31", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats, _ := out["stats"].([]any)
	require.Len(t, stats, 1)
	day, _ := stats[0].(map[string]any)
	assert.Equal(t, "2025-03-03", day["date"])
	assert.EqualValues(t, 500, day["total_pnl"])
	assert.EqualValues(t, 1, day["winning_trades"])

	rec, out = api.do(t, http.MethodGet, "/api/connections/"+id+"/trades", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["trades"], 1)

	rec, out = api.do(t, http.MethodGet, "/api/connections/"+id+"/logs?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["logs"], 1)

	rec, _ = api.do(t, http.MethodPost, "/api/connections/"+id+"/deactivate", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = api.do(t, http.MethodPost, "/api/connections/"+id+"/sync", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = api.do(t, http.MethodDelete, "/api/connections/"+id, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = api.do(t, http.MethodGet, "/api/connections/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	api := newTestAPI(t, nil)

	rec, _ := api.do(t, http.MethodPost, "/api/connections", strings.NewReader(`{"user_id":`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := api.do(t, http.MethodPost, "/api/connections", strings.NewReader(
		`{"user_id":"`+uuid.NewString()+`","provider":"ftmo","platform":"tradovate","account_identifier":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "does not offer")

	rec, out = api.do(t, http.MethodPost, "/api/connections", strings.NewReader(
		`{"user_id":"`+uuid.NewString()+`","provider":"topstep","platform":"tradovate","account_identifier":"x","credentials":{"username":"u"}}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "missing fields")

	rec, _ = api.do(t, http.MethodGet, "/api/connections/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/connections", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCSVImportIsIdempotent(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.create(t, map[string]any{
		"user_id":            uuid.NewString(),
		"provider":           "ftmo",
		"platform":           "csv",
		"account_identifier": "export-1",
	})

	csv := "symbol,side,open_time,close_time,open_price,close_price,volume,pnl\n" +
		"EURUSD,buy,2025-01-01 08:00:00,2025-01-01 09:00:00,1.1000,1.1020,1.0,20.0\n" +
		"GBPUSD,sell,2025-01-01 10:00:00,2025-01-01 11:00:00,1.2500,1.2520,1.0,-20.0\n"

	rec, out := api.do(t, http.MethodPost, "/api/connections/"+id+"/import?filename=jan.csv",
		strings.NewReader(csv), map[string]string{"Content-Type": "text/csv"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "generic", out["format"])
	assert.EqualValues(t, 2, out["rows"])
	log, _ := out["log"].(map[string]any)
	assert.EqualValues(t, 2, log["trades_synced"])

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "jan.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec, out = api.do(t, http.MethodPost, "/api/connections/"+id+"/import", &body,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	log, _ = out["log"].(map[string]any)
	assert.EqualValues(t, 0, log["trades_synced"])

	rec, out = api.do(t, http.MethodGet, "/api/connections/"+id+"/stats?from=2025-01-01&to=2025-01-01", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats, _ := out["stats"].([]any)
	require.Len(t, stats, 1)
	day, _ := stats[0].(map[string]any)
	assert.EqualValues(t, 0, day["total_pnl"])
	assert.EqualValues(t, 2, day["trade_count"])

	rec, out = api.do(t, http.MethodGet, "/api/connections/"+id+"/dashboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	kpi, _ := out["kpi"].(map[string]any)
	assert.EqualValues(t, 2, kpi["total_trades"])
	assert.EqualValues(t, 50, kpi["win_rate"])
	assert.EqualValues(t, 1, kpi["profit_factor"])
	assert.EqualValues(t, 20, kpi["max_drawdown"])
	calendar, _ := out["calendar_data"].([]any)
	require.Len(t, calendar, 1)
	assert.EqualValues(t, 2, calendar[0].(map[string]any)["trade_count"])
	assert.Len(t, out["recent_trades"], 2)
	assert.Empty(t, out["open_positions"])
	assert.Contains(t, out, "performance_score")

	rec, _ = api.do(t, http.MethodGet, "/api/connections/"+uuid.NewString()+"/dashboard", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/connections/"+id+"/import",
		strings.NewReader("foo,bar\n1,2\n"), map[string]string{"Content-Type": "text/csv"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEAPushUsesConnectionToken(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.create(t, map[string]any{
		"user_id":            uuid.NewString(),
		"provider":           "ftmo",
		"platform":           "mt5",
		"account_identifier": "5001234",
		"credentials": map[string]string{
			"metaapi_token": "t", "metaapi_account_id": "a", "server": "FTMO-Demo", "account_number": "5001234",
		},
	})

	rec, out := api.do(t, http.MethodPost, "/api/connections/"+id+"/ea-token", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := out["token"].(string)
	require.NotEmpty(t, token)

	rec, _ = api.do(t, http.MethodGet, "/api/connections/"+id, nil, nil)
	assert.NotContains(t, rec.Body.String(), token)

	push := `{"ticket":42,"symbol":"XAUUSD","type":"sell","lots":0.5,"open_price":2650.1,"close_price":2640.1,` +
		`"open_time":"2025.02.03 09:00:00","close_time":"2025.02.03 10:00:00","profit":500,"commission":-3.5,"swap":0}`

	rec, out = api.do(t, http.MethodPost, "/api/ea/push", strings.NewReader(push),
		map[string]string{"X-API-Key": "", "X-EA-Token": token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ea_push", out["trigger"])
	assert.EqualValues(t, 1, out["trades_synced"])

	rec, _ = api.do(t, http.MethodPost, "/api/ea/push", strings.NewReader(push),
		map[string]string{"X-API-Key": "", "X-EA-Token": "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	api := newTestAPI(t, denyAll{})
	rec, _ := api.do(t, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
