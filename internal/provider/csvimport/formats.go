package csvimport

import (
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

type rowParser func(row, dialect) (domain.RawTrade, bool)

var parsers = map[Format]rowParser{
	FormatMT4:       parseMT4,
	FormatMT5:       parseMT5,
	FormatCTrader:   parseCTrader,
	FormatTradovate: parseTradovate,
	FormatGeneric:   parseGeneric,
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// parseMT4 reads MT4 account history; only buy and sell rows are trades.
func parseMT4(r row, d dialect) (domain.RawTrade, bool) {
	side, ok := domain.ParseSide(r.get("type"))
	if !ok {
		return domain.RawTrade{}, false
	}
	return domain.RawTrade{
		ExternalID: r.get("ticket"),
		Symbol:     r.get("item", "symbol"),
		Side:       side,
		OpenTime:   timeOrZero(d.parseTime(r.get("open time"))),
		CloseTime:  d.parseTime(r.get("close time")),
		OpenPrice:  d.num(r.get("price")),
		ClosePrice: d.parseFloat(r.get("close price")),
		Volume:     d.num(r.get("size", "lots")),
		PnL:        d.parseFloat(r.get("profit")),
		Commission: d.parseFloat(r.get("commission")),
		Swap:       d.parseFloat(r.get("swap")),
	}, true
}

// parseMT5 reads MT5 position reports, where each row is a closed position
// stamped with a single time.
func parseMT5(r row, d dialect) (domain.RawTrade, bool) {
	typ := strings.ToLower(r.get("type"))
	var side domain.TradeSide
	switch {
	case strings.Contains(typ, "buy"):
		side = domain.SideBuy
	case strings.Contains(typ, "sell"):
		side = domain.SideSell
	default:
		return domain.RawTrade{}, false
	}
	at := d.parseTime(r.get("time"))
	closeAt := d.parseTime(r.get("close time"))
	if closeAt == nil {
		closeAt = at
	}
	price := d.parseFloat(r.get("price"))
	closePrice := d.parseFloat(r.get("close price"))
	if closePrice == nil {
		closePrice = price
	}
	return domain.RawTrade{
		ExternalID: r.get("position", "deal"),
		Symbol:     r.get("symbol"),
		Side:       side,
		OpenTime:   timeOrZero(at),
		CloseTime:  closeAt,
		OpenPrice:  d.num(r.get("price")),
		ClosePrice: closePrice,
		Volume:     d.num(r.get("volume", "lots")),
		PnL:        d.parseFloat(r.get("profit")),
		Commission: d.parseFloat(r.get("commission")),
		Swap:       d.parseFloat(r.get("swap")),
	}, true
}

func parseCTrader(r row, d dialect) (domain.RawTrade, bool) {
	side, ok := domain.ParseSide(r.get("direction"))
	if !ok {
		return domain.RawTrade{}, false
	}
	return domain.RawTrade{
		ExternalID: r.get("position id"),
		Symbol:     r.get("symbol"),
		Side:       side,
		OpenTime:   timeOrZero(d.parseTime(r.get("open time"))),
		CloseTime:  d.parseTime(r.get("close time")),
		OpenPrice:  d.num(r.get("open price")),
		ClosePrice: d.parseFloat(r.get("close price")),
		Volume:     d.num(r.get("volume", "quantity")),
		PnL:        d.parseFloat(r.get("net profit", "profit")),
		Commission: d.parseFloat(r.get("commission")),
		Swap:       d.parseFloat(r.get("swap")),
	}, true
}

// parseTradovate reads order fill exports; a fill opens and closes at the
// same instant.
func parseTradovate(r row, d dialect) (domain.RawTrade, bool) {
	side, ok := domain.ParseSide(r.get("side", "action", "b/s"))
	if !ok {
		return domain.RawTrade{}, false
	}
	at := d.parseTime(r.get("filltime", "fill time"))
	return domain.RawTrade{
		ExternalID: r.get("orderid", "order id"),
		Symbol:     r.get("symbol", "contract"),
		Side:       side,
		OpenTime:   timeOrZero(at),
		CloseTime:  at,
		OpenPrice:  d.num(r.get("avgfillprice", "fill price")),
		ClosePrice: d.parseFloat(r.get("avgfillprice", "fill price")),
		Volume:     d.num(r.get("qty", "quantity", "filledqty")),
		PnL:        d.parseFloat(r.get("pnl", "profit")),
		Commission: d.parseFloat(r.get("commission")),
	}, true
}

// parseGeneric reads the documented import layout: symbol, side, open_time,
// close_time, open_price, close_price, volume, pnl, with optional
// commission, swap and id.
func parseGeneric(r row, d dialect) (domain.RawTrade, bool) {
	side, ok := domain.ParseSide(r.get("side", "direction"))
	if !ok {
		return domain.RawTrade{}, false
	}
	return domain.RawTrade{
		ExternalID: r.get("id", "trade_id", "external_trade_id"),
		Symbol:     r.get("symbol", "instrument"),
		Side:       side,
		OpenTime:   timeOrZero(d.parseTime(r.get("open_time", "entry_time"))),
		CloseTime:  d.parseTime(r.get("close_time", "exit_time")),
		OpenPrice:  d.num(r.get("open_price", "entry_price")),
		ClosePrice: d.parseFloat(r.get("close_price", "exit_price")),
		Volume:     d.num(r.get("volume", "lots", "size")),
		PnL:        d.parseFloat(r.get("pnl", "profit", "net_pnl")),
		Commission: d.parseFloat(r.get("commission")),
		Swap:       d.parseFloat(r.get("swap")),
	}, true
}
