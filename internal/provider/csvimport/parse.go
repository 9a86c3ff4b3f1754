// Package csvimport turns broker statement exports into canonical trades.
package csvimport

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// Format is a recognised export layout.
type Format string

const (
	FormatMT4       Format = "mt4"
	FormatMT5       Format = "mt5"
	FormatCTrader   Format = "ctrader"
	FormatTradovate Format = "tradovate"
	FormatGeneric   Format = "generic"
)

// MaxFileSize bounds an upload in bytes.
const MaxFileSize = 20 << 20

var (
	ErrEmpty         = errors.New("csvimport: file has no header row")
	ErrUnknownFormat = errors.New("csvimport: unrecognised column layout")
	ErrTooLarge      = errors.New("csvimport: file too large")
)

// signatures are the header subsets that identify each layout, checked in
// order.
var signatures = []struct {
	format Format
	cols   []string
}{
	{FormatMT4, []string{"ticket", "open time", "close time", "item", "profit"}},
	{FormatMT5, []string{"position", "time", "symbol", "profit"}},
	{FormatCTrader, []string{"position id", "symbol", "direction", "net profit"}},
	{FormatTradovate, []string{"orderid", "symbol", "side", "filltime"}},
	{FormatGeneric, []string{"symbol", "side", "pnl"}},
}

// DetectFormat identifies the layout from a header row.
func DetectFormat(headers []string) (Format, bool) {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[normalizeHeader(h)] = true
	}
	for _, sig := range signatures {
		ok := true
		for _, c := range sig.cols {
			if !set[c] {
				ok = false
				break
			}
		}
		if ok {
			return sig.format, true
		}
	}
	return "", false
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

// Options tunes parsing.
type Options struct {
	// Location interprets timestamps that carry no zone. Defaults to UTC.
	Location *time.Location
}

// Result is the outcome of parsing one file.
type Result struct {
	Format  Format
	Rows    int
	Skipped int
	Trades  []domain.RawTrade
}

// Parse reads a whole export. Rows that cannot yield a trade (balance lines,
// missing symbol or open time, unknown side) are counted in Skipped. Parsing
// is deterministic: the same bytes always give the same trades.
func Parse(r io.Reader, opts Options) (Result, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	raw, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("csvimport: read: %w", err)
	}
	if len(raw) > MaxFileSize {
		return Result{}, ErrTooLarge
	}
	text, err := decodeText(raw)
	if err != nil {
		return Result{}, err
	}

	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = sniffDelimiter(text)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, ErrEmpty
	}
	if err != nil {
		return Result{}, fmt.Errorf("csvimport: read header: %w", err)
	}
	format, ok := DetectFormat(header)
	if !ok {
		return Result{}, fmt.Errorf("%w (columns: %s)", ErrUnknownFormat, strings.Join(firstN(header, 10), ", "))
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = normalizeHeader(h)
	}

	var records [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("csvimport: line %d: %w", len(records)+2, err)
		}
		records = append(records, rec)
	}
	d := dialect{
		loc:          loc,
		decimalComma: cr.Comma == ';',
		dayFirst:     detectDayFirst(records),
	}

	res := Result{Format: format, Rows: len(records)}
	parse := parsers[format]
	for _, rec := range records {
		row := make(row, len(cols))
		for i, v := range rec {
			if i < len(cols) && cols[i] != "" {
				row[cols[i]] = strings.TrimSpace(v)
			}
		}
		t, ok := parse(row, d)
		if !ok || t.Symbol == "" || t.OpenTime.IsZero() {
			res.Skipped++
			continue
		}
		if t.CloseTime != nil {
			t.Status = domain.TradeClosed
		} else {
			t.Status = domain.TradeOpen
			t.ClosePrice = nil
		}
		t.Metadata = map[string]any{"source": "csv", "format": string(format)}
		res.Trades = append(res.Trades, t)
	}
	return res, nil
}

// decodeText strips a UTF-8 BOM and falls back to Latin-1 for exports that
// are not valid UTF-8.
func decodeText(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("csvimport: decode latin-1: %w", err)
	}
	return string(out), nil
}

// sniffDelimiter picks the most frequent candidate in the header line.
func sniffDelimiter(text string) rune {
	line, _, _ := bufio.NewReader(strings.NewReader(text)).ReadLine()
	best, bestN := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if n := strings.Count(string(line), string(c)); n > bestN {
			best, bestN = c, n
		}
	}
	return best
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// row is one record keyed by normalized header.
type row map[string]string

// get returns the first non-empty value among keys.
func (r row) get(keys ...string) string {
	for _, k := range keys {
		if v := r[k]; v != "" {
			return v
		}
	}
	return ""
}

// dialect holds the conventions of one file.
type dialect struct {
	loc *time.Location
	// decimalComma is set for semicolon-delimited exports, where "1,25"
	// means 1.25.
	decimalComma bool
	// dayFirst reads slash dates as day/month/year.
	dayFirst bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006.01.02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04",
	"2006-01-02 15:04:05.000",
	"2006.01.02 15:04:05.000",
}

var (
	monthFirstLayouts = []string{"1/2/2006 15:04:05", "1/2/2006 15:04", "1/2/2006"}
	dayFirstLayouts   = []string{"2/1/2006 15:04:05", "2/1/2006 15:04", "2/1/2006"}
)

var slashDate = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/\d{4}\b`)

// detectDayFirst picks the slash date order for the whole file from the
// first value that parses only one way. Files that never disambiguate are
// read month first.
func detectDayFirst(records [][]string) bool {
	for _, rec := range records {
		for _, v := range rec {
			m := slashDate.FindStringSubmatch(strings.TrimSpace(v))
			if m == nil {
				continue
			}
			first, _ := strconv.Atoi(m[1])
			second, _ := strconv.Atoi(m[2])
			switch {
			case first > 12 && second <= 12:
				return true
			case second > 12 && first <= 12:
				return false
			}
		}
	}
	return false
}

// parseTime accepts zoned RFC 3339 and the naive layouts brokers export.
func (d dialect) parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	slash := monthFirstLayouts
	if d.dayFirst {
		slash = dayFirstLayouts
	}
	for _, layouts := range [][]string{timeLayouts, slash} {
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, d.loc); err == nil {
				u := t.UTC()
				return &u
			}
		}
	}
	return nil
}

// parseFloat tolerates thousands separators and blanks; blanks are nil. In
// decimal-comma files a comma after the last dot is the decimal separator.
func (d dialect) parseFloat(s string) *float64 {
	s = strings.NewReplacer(" ", "", "\u00a0", "").Replace(strings.TrimSpace(s))
	if d.decimalComma && strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (d dialect) num(s string) float64 {
	if p := d.parseFloat(s); p != nil {
		return *p
	}
	return 0
}
