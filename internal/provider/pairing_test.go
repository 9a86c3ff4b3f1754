package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

func at(min int) time.Time {
	return time.Date(2025, 3, 3, 14, min, 0, 0, time.UTC)
}

func TestPairFIFOLongRoundTrip(t *testing.T) {
	t.Parallel()

	trades := PairFIFO([]Fill{
		{ID: "2", Symbol: "ESH5", Side: domain.SideSell, Qty: 1, Price: 5010, Time: at(5), Commission: 2},
		{ID: "1", Symbol: "ESH5", Side: domain.SideBuy, Qty: 1, Price: 5000, Time: at(0), Commission: 2},
	}, PointValue)

	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, "1", tr.ExternalID)
	assert.Equal(t, domain.SideBuy, tr.Side)
	assert.Equal(t, domain.TradeClosed, tr.Status)
	assert.Equal(t, at(0), tr.OpenTime)
	assert.Equal(t, at(5), *tr.CloseTime)
	assert.InDelta(t, 500.0, *tr.PnL, 1e-9)
	assert.InDelta(t, -4.0, *tr.Commission, 1e-9)
}

func TestPairFIFOShortAndPartial(t *testing.T) {
	t.Parallel()

	trades := PairFIFO([]Fill{
		{ID: "a", Symbol: "NQH5", Side: domain.SideSell, Qty: 2, Price: 21000, Time: at(0)},
		{ID: "b", Symbol: "NQH5", Side: domain.SideBuy, Qty: 1, Price: 20990, Time: at(1)},
	}, PointValue)

	require.Len(t, trades, 2)
	closed, open := trades[0], trades[1]
	assert.Equal(t, "a:b", closed.ExternalID)
	assert.Equal(t, domain.SideSell, closed.Side)
	assert.InDelta(t, 200.0, *closed.PnL, 1e-9) // 10 points * 20 * 1
	assert.Equal(t, "a", open.ExternalID)
	assert.Equal(t, domain.TradeOpen, open.Status)
	assert.InDelta(t, 1.0, open.Volume, 1e-9)

	// The remainder closing later keeps the open lot's id.
	later := PairFIFO([]Fill{
		{ID: "a", Symbol: "NQH5", Side: domain.SideSell, Qty: 2, Price: 21000, Time: at(0)},
		{ID: "b", Symbol: "NQH5", Side: domain.SideBuy, Qty: 1, Price: 20990, Time: at(1)},
		{ID: "c", Symbol: "NQH5", Side: domain.SideBuy, Qty: 1, Price: 21010, Time: at(2)},
	}, PointValue)
	require.Len(t, later, 2)
	assert.Equal(t, "a", later[1].ExternalID)
	assert.Equal(t, domain.TradeClosed, later[1].Status)
	assert.InDelta(t, -200.0, *later[1].PnL, 1e-9)
}

func TestPairFIFOUsesReportedPnL(t *testing.T) {
	t.Parallel()

	trades := PairFIFO([]Fill{
		{ID: "1", Symbol: "CON.F.US.MES.H25", Side: domain.SideBuy, Qty: 2, Price: 6000, Time: at(0)},
		{ID: "2", Symbol: "CON.F.US.MES.H25", Side: domain.SideSell, Qty: 2, Price: 6001, Time: at(1), PnL: domain.Float(9.5)},
	}, PointValue)
	require.Len(t, trades, 1)
	assert.InDelta(t, 9.5, *trades[0].PnL, 1e-9)
}

func TestPairFIFOFlip(t *testing.T) {
	t.Parallel()

	trades := PairFIFO([]Fill{
		{ID: "1", Symbol: "CLJ5", Side: domain.SideBuy, Qty: 1, Price: 70, Time: at(0)},
		{ID: "2", Symbol: "CLJ5", Side: domain.SideSell, Qty: 3, Price: 71, Time: at(1)},
	}, PointValue)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.TradeClosed, trades[0].Status)
	assert.InDelta(t, 1000.0, *trades[0].PnL, 1e-9)
	assert.Equal(t, domain.TradeOpen, trades[1].Status)
	assert.Equal(t, domain.SideSell, trades[1].Side)
	assert.InDelta(t, 2.0, trades[1].Volume, 1e-9)
	assert.Equal(t, "2", trades[1].ExternalID)
}

func TestPairFIFOClosingFillWithoutOpener(t *testing.T) {
	t.Parallel()

	trades := PairFIFO([]Fill{
		{ID: "c1", Symbol: "ESH5", Side: domain.SideSell, Qty: 1, Price: 5010, Time: at(5), Commission: 2.1, PnL: domain.Float(250)},
		{ID: "o2", Symbol: "ESH5", Side: domain.SideBuy, Qty: 1, Price: 5020, Time: at(10)},
		{ID: "c2", Symbol: "ESH5", Side: domain.SideSell, Qty: 1, Price: 5025, Time: at(15), PnL: domain.Float(250)},
	}, PointValue)
	require.Len(t, trades, 2)

	orphan := trades[0]
	assert.Equal(t, "c1", orphan.ExternalID)
	assert.Equal(t, domain.SideBuy, orphan.Side)
	assert.Equal(t, domain.TradeClosed, orphan.Status)
	assert.Equal(t, at(5), orphan.OpenTime)
	assert.Equal(t, at(5), *orphan.CloseTime)
	assert.InDelta(t, 250.0, *orphan.PnL, 1e-9)
	assert.InDelta(t, 5005.0, orphan.OpenPrice, 1e-9) // 5 points * $50
	assert.InDelta(t, -2.1, *orphan.Commission, 1e-9)
	assert.Equal(t, true, orphan.Metadata["open_time_estimated"])

	// The orphan opened no lot, so the next round trip pairs normally.
	next := trades[1]
	assert.Equal(t, "o2", next.ExternalID)
	assert.Equal(t, domain.TradeClosed, next.Status)
	assert.InDelta(t, 250.0, *next.PnL, 1e-9)

	for _, tr := range trades {
		assert.NotEqual(t, domain.TradeOpen, tr.Status)
	}
}

func TestPairFIFOReportedPnLOnFlip(t *testing.T) {
	t.Parallel()

	// The platform reports pnl only for the closing part of the flip.
	trades := PairFIFO([]Fill{
		{ID: "1", Symbol: "MESH5", Side: domain.SideBuy, Qty: 1, Price: 6000, Time: at(0)},
		{ID: "2", Symbol: "MESH5", Side: domain.SideSell, Qty: 3, Price: 6002, Time: at(1), PnL: domain.Float(10)},
	}, PointValue)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.TradeClosed, trades[0].Status)
	assert.InDelta(t, 10.0, *trades[0].PnL, 1e-9)
	assert.Equal(t, domain.TradeOpen, trades[1].Status)
	assert.InDelta(t, 2.0, trades[1].Volume, 1e-9)
}

func TestContractRoot(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ESZ4":             "ES",
		"MNQH25":           "MNQ",
		"NQH5":             "NQ",
		"6EM5":             "6E",
		"CON.F.US.ENQ.H25": "NQ",
		"CON.F.US.EP.Z24":  "ES",
		"EURUSD":           "EURUSD",
	}
	for in, want := range cases {
		assert.Equal(t, want, ContractRoot(in), in)
	}
	assert.Equal(t, 50.0, PointValue("ESZ4"))
	assert.Equal(t, 1.0, PointValue("EURUSD"))
}
