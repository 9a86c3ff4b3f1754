package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// SyncLogStore implements domain.SyncLogStore using SQLite.
type SyncLogStore struct {
	q querier
}

var _ domain.SyncLogStore = (*SyncLogStore)(nil)

const syncLogCols = `id, connection_id, attempt_id, trigger, started_at, completed_at,
	status, trades_synced, trades_skipped, error_message`

func scanSyncLog(row scanner) (domain.SyncLog, error) {
	var (
		l         domain.SyncLog
		started   string
		completed sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.ConnectionID, &l.AttemptID, &l.Trigger, &started, &completed,
		&l.Status, &l.TradesSynced, &l.TradesSkipped, &l.ErrorMessage,
	)
	if err != nil {
		return l, err
	}
	if l.StartedAt, err = parseTime(started); err != nil {
		return l, err
	}
	l.CompletedAt, err = parseTimePtr(completed)
	return l, err
}

func (s *SyncLogStore) list(ctx context.Context, query string, args ...any) ([]domain.SyncLog, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SyncLogStore) Create(ctx context.Context, l domain.SyncLog) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO broker_sync_logs (
			id, connection_id, attempt_id, trigger, started_at, status,
			trades_synced, trades_skipped, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ConnectionID, l.AttemptID, l.Trigger, fmtTime(l.StartedAt), l.Status,
		l.TradesSynced, l.TradesSkipped, l.ErrorMessage,
	)
	if isConstraint(err) {
		return fmt.Errorf("sqlite: create sync log %s: %w", l.AttemptID, domain.ErrSyncInProgress)
	}
	if err != nil {
		return fmt.Errorf("sqlite: create sync log %s: %w", l.AttemptID, err)
	}
	return nil
}

func (s *SyncLogStore) Seal(ctx context.Context, id uuid.UUID, seal domain.SyncLogSeal) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE broker_sync_logs SET
			status = ?, completed_at = ?, trades_synced = ?, trades_skipped = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		seal.Status, fmtTime(seal.CompletedAt), seal.TradesSynced, seal.TradesSkipped, seal.ErrorMessage, id)
	if err != nil {
		return fmt.Errorf("sqlite: seal sync log %s: %w", id, err)
	}
	if affected(res) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: seal sync log %s: %w", id, domain.ErrLogSealed)
	}
	return nil
}

func (s *SyncLogStore) SealStale(ctx context.Context, connectionID uuid.UUID, before time.Time, reason string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE broker_sync_logs SET status = 'failed', completed_at = ?, error_message = ?
		WHERE connection_id = ? AND status = 'running' AND started_at < ?`,
		fmtTime(time.Now()), reason, connectionID, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: seal stale logs: %w", err)
	}
	return affected(res), nil
}

func (s *SyncLogStore) Get(ctx context.Context, id uuid.UUID) (domain.SyncLog, error) {
	l, err := scanSyncLog(s.q.QueryRowContext(ctx,
		`SELECT `+syncLogCols+` FROM broker_sync_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return l, fmt.Errorf("sqlite: sync log %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return l, fmt.Errorf("sqlite: get sync log %s: %w", id, err)
	}
	return l, nil
}

func (s *SyncLogStore) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.list(ctx, `SELECT `+syncLogCols+` FROM broker_sync_logs
		WHERE connection_id = ? ORDER BY started_at DESC LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sync logs: %w", err)
	}
	return out, nil
}

func (s *SyncLogStore) ListFailed(ctx context.Context, opts domain.ListOpts) ([]domain.SyncLog, error) {
	query := `SELECT ` + syncLogCols + ` FROM broker_sync_logs WHERE status = 'failed'`
	var args []any
	if opts.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, fmtTime(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND started_at < ?`
		args = append(args, fmtTime(*opts.Until))
	}
	query += ` ORDER BY started_at DESC`
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}
	out, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list failed sync logs: %w", err)
	}
	return out, nil
}

func (s *SyncLogStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.SyncLog, error) {
	out, err := s.list(ctx, `SELECT `+syncLogCols+` FROM broker_sync_logs
		WHERE started_at >= ? AND started_at < ? ORDER BY started_at`,
		fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sync logs between: %w", err)
	}
	return out, nil
}
