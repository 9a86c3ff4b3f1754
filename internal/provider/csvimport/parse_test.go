package csvimport

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		headers []string
		want    Format
	}{
		{[]string{"Ticket", "Open Time", "Type", "Size", "Item", "Price", "Close Time", "Close Price", "Profit"}, FormatMT4},
		{[]string{"Position", "Time", "Type", "Symbol", "Volume", "Price", "Profit"}, FormatMT5},
		{[]string{"Position ID", "Symbol", "Direction", "Net Profit"}, FormatCTrader},
		{[]string{"orderId", "Symbol", "Side", "fillTime", "avgFillPrice", "qty"}, FormatTradovate},
		{[]string{"symbol", "side", "open_time", "close_time", "open_price", "close_price", "volume", "pnl"}, FormatGeneric},
	}
	for _, c := range cases {
		got, ok := DetectFormat(c.headers)
		require.True(t, ok, c.want)
		assert.Equal(t, c.want, got)
	}
	_, ok := DetectFormat([]string{"foo", "bar"})
	assert.False(t, ok)
}

func TestParseGeneric(t *testing.T) {
	t.Parallel()

	in := "symbol,side,open_time,close_time,open_price,close_price,volume,pnl,commission\n" +
		"EURUSD,buy,2025-01-01 08:00:00,2025-01-01 09:00:00,1.1000,1.1020,1.0,20.0,-3.5\n" +
		"GBPUSD,long,2025-01-02T10:00:00Z,,1.25,,0.5,,\n" +
		"XAUUSD,flat,2025-01-02 10:00:00,,1,,1,,\n" +
		",sell,2025-01-02 10:00:00,,1,,1,,\n"

	res, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatGeneric, res.Format)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Trades, 2)

	first := res.Trades[0]
	assert.Equal(t, "EURUSD", first.Symbol)
	assert.Equal(t, domain.SideBuy, first.Side)
	assert.Equal(t, domain.TradeClosed, first.Status)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), *first.CloseTime)
	assert.InDelta(t, 20.0, *first.PnL, 1e-9)
	assert.InDelta(t, -3.5, *first.Commission, 1e-9)
	assert.Nil(t, first.Swap)
	assert.Equal(t, "csv", first.Metadata["source"])

	second := res.Trades[1]
	assert.Equal(t, domain.TradeOpen, second.Status)
	assert.Nil(t, second.CloseTime)
	assert.Nil(t, second.PnL)
}

func TestParseMT4SemicolonLatin1(t *testing.T) {
	t.Parallel()

	// "Dépôt" encoded as Latin-1 makes the file invalid UTF-8.
	in := "Ticket;Open Time;Type;Size;Item;Price;Close Time;Close Price;Commission;Swap;Profit\n" +
		"1001;2025.02.03 10:00:00;buy;0.10;eurusd;1.0300;2025.02.03 11:30:00;1.0320;-0.70;0;2,000.00\n" +
		"1002;2025.02.03 12:00:00;balance;;D\xe9p\xf4t;;;;;;500\n"

	res, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatMT4, res.Format)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 1, res.Skipped)
	tr := res.Trades[0]
	assert.Equal(t, "1001", tr.ExternalID)
	assert.InDelta(t, 2000.0, *tr.PnL, 1e-9)
	assert.InDelta(t, 0.10, tr.Volume, 1e-9)
}

func TestParseDecimalCommaSemicolonFile(t *testing.T) {
	t.Parallel()

	in := "symbol;side;open_time;close_time;open_price;close_price;volume;pnl;commission\n" +
		"EURUSD;buy;2025-01-01 08:00:00;2025-01-01 09:00:00;1,1000;1,1020;1,0;20,5;-3,50\n" +
		"GER40;sell;2025-01-02 08:00:00;2025-01-02 09:00:00;19.850,5;19.800,0;2;1.234,56;0\n"

	res, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	eur := res.Trades[0]
	assert.InDelta(t, 1.1, eur.OpenPrice, 1e-9)
	assert.InDelta(t, 1.102, *eur.ClosePrice, 1e-9)
	assert.InDelta(t, 1.0, eur.Volume, 1e-9)
	assert.InDelta(t, 20.5, *eur.PnL, 1e-9)
	assert.InDelta(t, -3.5, *eur.Commission, 1e-9)

	ger := res.Trades[1]
	assert.InDelta(t, 19850.5, ger.OpenPrice, 1e-9)
	assert.InDelta(t, 1234.56, *ger.PnL, 1e-9)
}

func TestParseCommaFileKeepsThousandsSeparators(t *testing.T) {
	t.Parallel()

	in := "symbol,side,open_time,close_time,open_price,close_price,volume,pnl\n" +
		`US30,buy,2025-01-01 08:00:00,2025-01-01 09:00:00,"42,000.5","42,100.5",1,"1,000"` + "\n"

	res, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 42000.5, res.Trades[0].OpenPrice, 1e-9)
	assert.InDelta(t, 1000.0, *res.Trades[0].PnL, 1e-9)
}

func TestParseSlashDatesUseOneOrderPerFile(t *testing.T) {
	t.Parallel()

	// Row two can only be day first, so row one is read day first too.
	dayFirst := "symbol,side,open_time,close_time,open_price,close_price,volume,pnl\n" +
		"EURUSD,buy,03/04/2025 08:00:00,03/04/2025 09:00:00,1.1,1.2,1,5\n" +
		"EURUSD,buy,25/04/2025 08:00:00,25/04/2025 09:00:00,1.1,1.2,1,5\n"
	res, err := Parse(strings.NewReader(dayFirst), Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, time.Date(2025, 4, 3, 8, 0, 0, 0, time.UTC), res.Trades[0].OpenTime)
	assert.Equal(t, time.Date(2025, 4, 25, 8, 0, 0, 0, time.UTC), res.Trades[1].OpenTime)

	monthFirst := "symbol,side,open_time,close_time,open_price,close_price,volume,pnl\n" +
		"EURUSD,buy,03/04/2025 08:00:00,03/04/2025 09:00:00,1.1,1.2,1,5\n" +
		"EURUSD,buy,04/25/2025 08:00:00,04/25/2025 09:00:00,1.1,1.2,1,5\n"
	res, err = Parse(strings.NewReader(monthFirst), Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC), res.Trades[0].OpenTime)
	assert.Equal(t, time.Date(2025, 4, 25, 8, 0, 0, 0, time.UTC), res.Trades[1].OpenTime)

	// Undecidable files read month first.
	assert.False(t, detectDayFirst([][]string{{"01/02/2025 10:00"}, {"x"}}))
	assert.True(t, detectDayFirst([][]string{{"EURUSD", "13/02/2025"}}))
}

func TestParseNaiveTimesUseLocation(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Athens")
	require.NoError(t, err)
	in := "Position ID,Symbol,Direction,Volume,Open Time,Close Time,Open Price,Close Price,Net Profit\n" +
		"77,US30,Sell,1,2025-06-02 09:00:00,2025-06-02 10:00:00,42000,41900,100\n"

	res, err := Parse(strings.NewReader(in), Options{Location: loc})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC), res.Trades[0].OpenTime)
	assert.Equal(t, domain.SideSell, res.Trades[0].Side)
}

func TestParseIsDeterministic(t *testing.T) {
	t.Parallel()

	in := "symbol,side,open_time,close_time,open_price,close_price,volume,pnl\n" +
		"EURUSD,buy,2025-01-01 08:00:00,2025-01-01 09:00:00,1.1,1.2,1,5\n" +
		"EURUSD,buy,2025-01-01 08:00:00,2025-01-01 09:00:00,1.1,1.2,1,5\n"
	a, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	b, err := Parse(strings.NewReader(in), Options{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.Trades, 2, "duplicates are resolved by the reconciler, not the parser")
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(""), Options{})
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("a,b,c\n1,2,3\n"), Options{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
