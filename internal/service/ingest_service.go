package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider/csvimport"
)

// EATrade is one closed trade pushed by an MT4/MT5 expert advisor.
type EATrade struct {
	Token      string  `json:"token"`
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Lots       float64 `json:"lots"`
	OpenPrice  float64 `json:"open_price"`
	ClosePrice float64 `json:"close_price"`
	OpenTime   string  `json:"open_time"`
	CloseTime  string  `json:"close_time"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Magic      int64   `json:"magic"`
	Comment    string  `json:"comment"`
}

// eaTimeLayouts are the timestamp shapes MQL's TimeToString and common EA
// code produce.
var eaTimeLayouts = []string{
	"2006.01.02 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	time.RFC3339,
}

// ImportResult reports a CSV import.
type ImportResult struct {
	Format  csvimport.Format
	Rows    int
	Skipped int
	Archive string
	Log     domain.SyncLog
}

// IngestService accepts trades that arrive without a live fetch: CSV
// uploads and expert-advisor pushes.
type IngestService struct {
	store  domain.Store
	runner SyncRunner
	blobs  domain.BlobWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewIngestService creates an IngestService. blobs may be nil, in which case
// uploads are not archived.
func NewIngestService(store domain.Store, runner SyncRunner, blobs domain.BlobWriter, logger *slog.Logger) *IngestService {
	return &IngestService{
		store:  store,
		runner: runner,
		blobs:  blobs,
		logger: logger.With(slog.String("component", "ingest")),
		now:    time.Now,
	}
}

// ImportCSV parses an export and reconciles its trades into the connection.
// Re-importing the same file changes nothing.
func (s *IngestService) ImportCSV(ctx context.Context, id uuid.UUID, filename string, r io.Reader) (ImportResult, error) {
	conn, err := s.store.Connections().GetByID(ctx, id)
	if err != nil {
		return ImportResult{}, fmt.Errorf("ingest: %w", err)
	}
	if conn.Status == domain.ConnectionInactive {
		return ImportResult{}, fmt.Errorf("ingest: import into %s: %w", id, domain.ErrConnectionInactive)
	}

	raw, err := io.ReadAll(io.LimitReader(r, csvimport.MaxFileSize+1))
	if err != nil {
		return ImportResult{}, fmt.Errorf("ingest: read upload: %w", err)
	}
	parsed, err := csvimport.Parse(bytes.NewReader(raw), csvimport.Options{Location: conn.Location()})
	if err != nil {
		return ImportResult{}, fmt.Errorf("ingest: %w: %w", domain.ErrInvalidInput, err)
	}

	res := ImportResult{Format: parsed.Format, Rows: parsed.Rows, Skipped: parsed.Skipped}
	res.Archive = s.archive(ctx, conn, filename, raw)

	res.Log, err = s.runner.Ingest(ctx, id, domain.TriggerCSV, parsed.Trades)
	if err != nil {
		return res, err
	}
	s.logger.InfoContext(ctx, "ingest: csv imported",
		slog.String("connection_id", id.String()),
		slog.String("format", string(parsed.Format)),
		slog.Int("rows", parsed.Rows),
		slog.Int("synced", res.Log.TradesSynced),
	)
	return res, nil
}

// archive stores the original upload. Failures are logged, never fatal.
func (s *IngestService) archive(ctx context.Context, conn domain.BrokerConnection, filename string, raw []byte) string {
	if s.blobs == nil {
		return ""
	}
	now := s.now().UTC()
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "upload.csv"
	}
	key := path.Join("uploads", conn.UserID.String(), conn.ID.String(),
		now.Format("2006/01"), now.Format("20060102T150405Z")+"-"+name)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(raw), "text/csv"); err != nil {
		s.logger.WarnContext(ctx, "ingest: archive upload failed",
			slog.String("connection_id", conn.ID.String()),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return key
}

// PushEA authenticates an expert-advisor push by its token and reconciles
// the trade. Re-pushing the same ticket is a no-op.
func (s *IngestService) PushEA(ctx context.Context, push EATrade) (domain.SyncLog, error) {
	token := strings.TrimSpace(push.Token)
	if token == "" {
		return domain.SyncLog{}, fmt.Errorf("ingest: missing ea token: %w", domain.ErrUnauthorized)
	}
	conn, err := s.store.Connections().FindByEAToken(ctx, token)
	if err != nil {
		return domain.SyncLog{}, fmt.Errorf("ingest: ea token: %w", domain.ErrUnauthorized)
	}
	if conn.Status == domain.ConnectionInactive {
		return domain.SyncLog{}, fmt.Errorf("ingest: push into %s: %w", conn.ID, domain.ErrConnectionInactive)
	}

	trade, err := push.toRaw(conn.Location())
	if err != nil {
		return domain.SyncLog{}, fmt.Errorf("ingest: %w", err)
	}
	log, err := s.runner.Ingest(ctx, conn.ID, domain.TriggerEAPush, []domain.RawTrade{trade})
	if err != nil {
		return log, err
	}
	s.logger.InfoContext(ctx, "ingest: ea push",
		slog.String("connection_id", conn.ID.String()),
		slog.Int64("ticket", push.Ticket),
		slog.String("symbol", trade.Symbol),
	)
	return log, nil
}

func (p EATrade) toRaw(loc *time.Location) (domain.RawTrade, error) {
	side, ok := domain.ParseSide(p.Type)
	if !ok {
		return domain.RawTrade{}, fmt.Errorf("unknown trade type %q: %w", p.Type, domain.ErrInvalidInput)
	}
	open, ok := parseEATime(p.OpenTime, loc)
	if !ok {
		return domain.RawTrade{}, fmt.Errorf("invalid open_time %q: %w", p.OpenTime, domain.ErrInvalidInput)
	}
	t := domain.RawTrade{
		ExternalID: strconv.FormatInt(p.Ticket, 10),
		Symbol:     strings.TrimSpace(p.Symbol),
		Side:       side,
		OpenTime:   open,
		OpenPrice:  p.OpenPrice,
		Volume:     p.Lots,
		PnL:        domain.Float(p.Profit),
		Commission: domain.Float(p.Commission),
		Swap:       domain.Float(p.Swap),
		Status:     domain.TradeOpen,
		Metadata: map[string]any{
			"source":  "ea",
			"magic":   p.Magic,
			"comment": p.Comment,
		},
	}
	if closed, ok := parseEATime(p.CloseTime, loc); ok {
		t.CloseTime = &closed
		t.ClosePrice = domain.Float(p.ClosePrice)
		t.Status = domain.TradeClosed
	}
	return t, nil
}

func parseEATime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range eaTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
