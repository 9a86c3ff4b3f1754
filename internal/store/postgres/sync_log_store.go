package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// SyncLogStore implements domain.SyncLogStore using PostgreSQL.
type SyncLogStore struct {
	q querier
}

const syncLogCols = `id, connection_id, attempt_id, trigger, started_at, completed_at,
	status, trades_synced, trades_skipped, error_message`

func scanSyncLog(row pgx.Row) (domain.SyncLog, error) {
	var l domain.SyncLog
	err := row.Scan(
		&l.ID, &l.ConnectionID, &l.AttemptID, &l.Trigger, &l.StartedAt, &l.CompletedAt,
		&l.Status, &l.TradesSynced, &l.TradesSkipped, &l.ErrorMessage,
	)
	return l, err
}

func collectSyncLogs(rows pgx.Rows) ([]domain.SyncLog, error) {
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

// Create inserts a running log. A second running log for the same
// connection returns domain.ErrSyncInProgress.
func (s *SyncLogStore) Create(ctx context.Context, l domain.SyncLog) error {
	const query = `
		INSERT INTO broker_sync_logs (
			id, connection_id, attempt_id, trigger, started_at, status,
			trades_synced, trades_skipped, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.q.Exec(ctx, query,
		l.ID, l.ConnectionID, l.AttemptID, l.Trigger, l.StartedAt, l.Status,
		l.TradesSynced, l.TradesSkipped, l.ErrorMessage,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create sync log %s: %w", l.AttemptID, domain.ErrSyncInProgress)
	}
	if err != nil {
		return fmt.Errorf("postgres: create sync log %s: %w", l.AttemptID, err)
	}
	return nil
}

// Seal moves a running log to its terminal state.
func (s *SyncLogStore) Seal(ctx context.Context, id uuid.UUID, seal domain.SyncLogSeal) error {
	const query = `
		UPDATE broker_sync_logs SET
			status = $2, completed_at = $3, trades_synced = $4,
			trades_skipped = $5, error_message = $6
		WHERE id = $1 AND status = 'running'`
	tag, err := s.q.Exec(ctx, query,
		id, seal.Status, seal.CompletedAt, seal.TradesSynced, seal.TradesSkipped, seal.ErrorMessage)
	if err != nil {
		return fmt.Errorf("postgres: seal sync log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: seal sync log %s: %w", id, domain.ErrLogSealed)
	}
	return nil
}

func (s *SyncLogStore) SealStale(ctx context.Context, connectionID uuid.UUID, before time.Time, reason string) (int64, error) {
	const query = `
		UPDATE broker_sync_logs SET status = 'failed', completed_at = $3, error_message = $4
		WHERE connection_id = $1 AND status = 'running' AND started_at < $2`
	tag, err := s.q.Exec(ctx, query, connectionID, before, time.Now().UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("postgres: seal stale logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SyncLogStore) Get(ctx context.Context, id uuid.UUID) (domain.SyncLog, error) {
	l, err := scanSyncLog(s.q.QueryRow(ctx,
		`SELECT `+syncLogCols+` FROM broker_sync_logs WHERE id = $1`, id))
	if notFound(err) {
		return l, fmt.Errorf("postgres: sync log %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return l, fmt.Errorf("postgres: get sync log %s: %w", id, err)
	}
	return l, nil
}

// ListByConnection returns the newest logs first.
func (s *SyncLogStore) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+syncLogCols+` FROM broker_sync_logs
		 WHERE connection_id = $1 ORDER BY started_at DESC LIMIT $2`,
		connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sync logs: %w", err)
	}
	out, err := collectSyncLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sync logs: %w", err)
	}
	return out, nil
}

// ListFailed returns failed attempts, newest first.
func (s *SyncLogStore) ListFailed(ctx context.Context, opts domain.ListOpts) ([]domain.SyncLog, error) {
	query := `SELECT ` + syncLogCols + ` FROM broker_sync_logs WHERE status = 'failed'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND started_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed sync logs: %w", err)
	}
	out, err := collectSyncLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan failed sync logs: %w", err)
	}
	return out, nil
}

// ListBetween returns every log started in [from, to), oldest first.
func (s *SyncLogStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.SyncLog, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+syncLogCols+` FROM broker_sync_logs
		 WHERE started_at >= $1 AND started_at < $2 ORDER BY started_at`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sync logs between: %w", err)
	}
	out, err := collectSyncLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sync logs between: %w", err)
	}
	return out, nil
}
