package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// SyncLogSource reads the sync audit trail for a time range.
type SyncLogSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]domain.SyncLog, error)
}

// syncLogRecord is the archived JSONL shape of one sync log.
type syncLogRecord struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connection_id"`
	AttemptID     string     `json:"attempt_id"`
	Trigger       string     `json:"trigger"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TradesSynced  int        `json:"trades_synced"`
	TradesSkipped int        `json:"trades_skipped"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Archiver implements domain.Archiver. It writes one JSONL object per month
// and never overwrites an existing one. Rows stay in the database; pruning
// them is a separate, explicit step.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	logs   SyncLogSource
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, logs SyncLogSource) *Archiver {
	return &Archiver{writer: writer, reader: reader, logs: logs}
}

// ArchiveSyncLogs uploads the logs started during month (UTC) and returns
// how many were written. An already archived month returns 0.
func (a *Archiver) ArchiveSyncLogs(ctx context.Context, month time.Time) (int64, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	path := archivePath("sync_logs", start)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sync logs: %w", err)
	}
	if exists {
		return 0, nil
	}

	logs, err := a.logs.ListBetween(ctx, start, start.AddDate(0, 1, 0))
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sync logs query: %w", err)
	}
	if len(logs) == 0 {
		return 0, nil
	}

	records := make([]syncLogRecord, 0, len(logs))
	for _, l := range logs {
		records = append(records, syncLogRecord{
			ID:            l.ID.String(),
			ConnectionID:  l.ConnectionID.String(),
			AttemptID:     l.AttemptID,
			Trigger:       string(l.Trigger),
			Status:        string(l.Status),
			StartedAt:     l.StartedAt,
			CompletedAt:   l.CompletedAt,
			TradesSynced:  l.TradesSynced,
			TradesSkipped: l.TradesSkipped,
			ErrorMessage:  l.ErrorMessage,
		})
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sync logs marshal: %w", err)
	}

	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sync logs upload: %w", err)
	}
	return int64(len(records)), nil
}

// ArchivedMonths lists the months with an archived sync log object, oldest
// first. Objects not named like a monthly archive are ignored.
func (a *Archiver) ArchivedMonths(ctx context.Context) ([]time.Time, error) {
	infos, err := a.reader.List(ctx, "archive/sync_logs/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: archived months: %w", err)
	}
	months := make([]time.Time, 0, len(infos))
	for _, info := range infos {
		name, ok := strings.CutSuffix(path.Base(info.Path), ".jsonl")
		if !ok {
			continue
		}
		m, err := time.Parse("2006-01", name)
		if err != nil {
			continue
		}
		months = append(months, m)
	}
	slices.SortFunc(months, func(x, y time.Time) int { return x.Compare(y) })
	return months, nil
}

// ReadSyncLogs decodes the archived sync logs of month. A month that was
// never archived returns domain.ErrNotFound.
func (a *Archiver) ReadSyncLogs(ctx context.Context, month time.Time) ([]domain.SyncLog, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	body, err := a.reader.Get(ctx, archivePath("sync_logs", start))
	if err != nil {
		return nil, fmt.Errorf("s3blob: read sync logs: %w", err)
	}
	defer body.Close()

	var logs []domain.SyncLog
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec syncLogRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("s3blob: read sync logs line %d: %w", line, err)
		}
		l, err := rec.syncLog()
		if err != nil {
			return nil, fmt.Errorf("s3blob: read sync logs line %d: %w", line, err)
		}
		logs = append(logs, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read sync logs: %w", err)
	}
	return logs, nil
}

func (r syncLogRecord) syncLog() (domain.SyncLog, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.SyncLog{}, fmt.Errorf("id: %w", err)
	}
	connID, err := uuid.Parse(r.ConnectionID)
	if err != nil {
		return domain.SyncLog{}, fmt.Errorf("connection_id: %w", err)
	}
	return domain.SyncLog{
		ID:            id,
		ConnectionID:  connID,
		AttemptID:     r.AttemptID,
		Trigger:       domain.SyncTrigger(r.Trigger),
		Status:        domain.SyncLogStatus(r.Status),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		TradesSynced:  r.TradesSynced,
		TradesSkipped: r.TradesSkipped,
		ErrorMessage:  r.ErrorMessage,
	}, nil
}

// archivePath is the key of a monthly archive, e.g.
// archive/sync_logs/2025-01.jsonl.
func archivePath(kind string, month time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month.Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var (
	_ domain.Archiver       = (*Archiver)(nil)
	_ domain.ArchiveBrowser = (*Archiver)(nil)
)
