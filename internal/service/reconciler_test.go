package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedConn(t *testing.T, st domain.Store, platform domain.Platform, tz string) domain.BrokerConnection {
	t.Helper()
	c := domain.BrokerConnection{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Provider:          domain.ProviderFTMO,
		Platform:          platform,
		AccountIdentifier: "acct-" + uuid.NewString()[:8],
		Status:            domain.ConnectionActive,
		Metadata:          map[string]any{},
		CreatedAt:         time.Now().UTC(),
	}
	if tz != "" {
		c.Metadata[domain.MetaTimezone] = tz
	}
	require.NoError(t, st.Connections().Create(context.Background(), c))
	return c
}

func closedTrade(ext string, pnl float64) domain.RawTrade {
	return domain.RawTrade{
		ExternalID: ext,
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		OpenTime:   time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
		CloseTime:  domain.Time(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)),
		OpenPrice:  1.1000,
		ClosePrice: domain.Float(1.1020),
		Volume:     1.0,
		PnL:        domain.Float(pnl),
		Status:     domain.TradeClosed,
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformMT5, "")
	r := NewReconciler(st, discardLogger())

	res, err := r.Reconcile(ctx, conn, []domain.RawTrade{closedTrade("A1", 20)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, []time.Time{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, res.Dates)

	res, err = r.Reconcile(ctx, conn, []domain.RawTrade{closedTrade("A1", 20)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced())
	assert.Equal(t, 1, res.Unchanged)
	assert.Empty(t, res.Dates)

	n, err := st.Trades().Count(ctx, conn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReconcileOpenThenClosedKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformCTrader, "")
	r := NewReconciler(st, discardLogger())

	open := closedTrade("P7", 0)
	open.CloseTime = nil
	open.ClosePrice = nil
	open.PnL = nil
	open.Status = domain.TradeOpen
	res, err := r.Reconcile(ctx, conn, []domain.RawTrade{open})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Empty(t, res.Dates, "open trades touch no daily stat")

	before, err := st.Trades().GetByExternalID(ctx, conn.ID, "P7")
	require.NoError(t, err)

	closed := closedTrade("P7", 12.5)
	closed.OpenTime = closed.OpenTime.Add(time.Minute) // reported differently later
	res, err = r.Reconcile(ctx, conn, []domain.RawTrade{closed})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Dates, 1)

	after, err := st.Trades().GetByExternalID(ctx, conn.ID, "P7")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, domain.TradeClosed, after.Status)
	assert.True(t, before.OpenTime.Equal(after.OpenTime), "open_time is immutable")
	assert.InDelta(t, 12.5, after.PnL, 1e-9)

	// A stale "open" report cannot revert it.
	res, err = r.Reconcile(ctx, conn, []domain.RawTrade{open})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "closed trade reported as open", res.Conflicts[0].Reason)

	again, err := st.Trades().GetByExternalID(ctx, conn.ID, "P7")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, again.Status)
}

func TestReconcileCompositeDedup(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformCSV, "")
	r := NewReconciler(st, discardLogger())

	row := closedTrade("", 20)
	res, err := r.Reconcile(ctx, conn, []domain.RawTrade{row, row})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Unchanged)

	n, err := st.Trades().Count(ctx, conn.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReconcileBucketsByConnectionTimezone(t *testing.T) {
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformMT4, "America/New_York")
	r := NewReconciler(st, discardLogger())

	tr := closedTrade("NY1", 5)
	tr.OpenTime = time.Date(2025, 1, 2, 1, 0, 0, 0, time.UTC)
	tr.CloseTime = domain.Time(time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)) // 22:00 on Jan 1 in New York
	res, err := r.Reconcile(context.Background(), conn, []domain.RawTrade{tr})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, res.Dates)
}

func TestReconcileSkipsMalformed(t *testing.T) {
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformMT5, "")
	r := NewReconciler(st, discardLogger())

	noSymbol := closedTrade("B1", 1)
	noSymbol.Symbol = "  "
	backwards := closedTrade("B2", 1)
	backwards.CloseTime = domain.Time(backwards.OpenTime.Add(-time.Hour))
	badSide := closedTrade("B3", 1)
	badSide.Side = "hold"
	noClose := closedTrade("B4", 1)
	noClose.CloseTime = nil

	res, err := r.Reconcile(context.Background(), conn,
		[]domain.RawTrade{noSymbol, backwards, badSide, noClose, closedTrade("OK", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 4, res.Skipped)

	reasons := make([]string, 0, len(res.Conflicts))
	for _, c := range res.Conflicts {
		reasons = append(reasons, c.Reason)
	}
	assert.Equal(t, []string{
		"missing symbol",
		"close time before open time",
		`unknown side "hold"`,
		"closed trade without close time",
	}, reasons)
}

func TestReconcileRollsBackOnCancel(t *testing.T) {
	st := openStore(t)
	conn := seedConn(t, st, domain.PlatformMT5, "")
	r := NewReconciler(st, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Reconcile(ctx, conn, []domain.RawTrade{closedTrade("C1", 1)})
	require.Error(t, err)

	n, err := st.Trades().Count(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
