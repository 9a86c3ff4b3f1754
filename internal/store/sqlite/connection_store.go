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

// ConnectionStore implements domain.ConnectionStore using SQLite.
type ConnectionStore struct {
	q querier
}

var _ domain.ConnectionStore = (*ConnectionStore)(nil)

const connectionCols = `id, user_id, provider, platform, account_identifier,
	credentials_encrypted, status, last_sync_at, last_sync_status, last_sync_error,
	consecutive_failures, next_sync_at, lease_until, metadata, created_at, updated_at`

func scanConnection(row scanner) (domain.BrokerConnection, error) {
	var (
		c                      domain.BrokerConnection
		lastSync, next, lease  sql.NullString
		meta, created, updated string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.Platform, &c.AccountIdentifier,
		&c.CredentialsEncrypted, &c.Status, &lastSync, &c.LastSyncStatus, &c.LastSyncError,
		&c.ConsecutiveFailures, &next, &lease, &meta, &created, &updated,
	)
	if err != nil {
		return c, err
	}
	if c.LastSyncAt, err = parseTimePtr(lastSync); err != nil {
		return c, err
	}
	if c.NextSyncAt, err = parseTimePtr(next); err != nil {
		return c, err
	}
	if c.LeaseUntil, err = parseTimePtr(lease); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return c, err
	}
	c.Metadata, err = unmarshalMeta(meta)
	return c, err
}

func (s *ConnectionStore) list(ctx context.Context, query string, args ...any) ([]domain.BrokerConnection, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BrokerConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ConnectionStore) Create(ctx context.Context, c domain.BrokerConnection) error {
	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal connection metadata: %w", err)
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO broker_connections (
			id, user_id, provider, platform, account_identifier,
			credentials_encrypted, status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Provider, c.Platform, c.AccountIdentifier,
		c.CredentialsEncrypted, c.Status, meta, fmtTime(created), fmtTime(created),
	)
	if isConstraint(err) {
		return fmt.Errorf("sqlite: create connection %s: %w", c.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: create connection %s: %w", c.ID, err)
	}
	return nil
}

func (s *ConnectionStore) GetByID(ctx context.Context, id uuid.UUID) (domain.BrokerConnection, error) {
	c, err := scanConnection(s.q.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM broker_connections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("sqlite: connection %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("sqlite: get connection %s: %w", id, err)
	}
	return c, nil
}

func (s *ConnectionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.BrokerConnection, error) {
	out, err := s.list(ctx,
		`SELECT `+connectionCols+` FROM broker_connections WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list connections for %s: %w", userID, err)
	}
	return out, nil
}

func (s *ConnectionStore) FindByEAToken(ctx context.Context, token string) (domain.BrokerConnection, error) {
	c, err := scanConnection(s.q.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM broker_connections
		 WHERE json_extract(metadata, '$.ea_token') = ? LIMIT 1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("sqlite: connection by ea token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("sqlite: connection by ea token: %w", err)
	}
	return c, nil
}

func (s *ConnectionStore) ListDue(ctx context.Context, platform domain.Platform, now time.Time, limit int) ([]domain.BrokerConnection, error) {
	if limit <= 0 {
		limit = 100
	}
	ts := fmtTime(now)
	out, err := s.list(ctx, `SELECT `+connectionCols+` FROM broker_connections
		WHERE platform = ? AND status = 'active'
		  AND (next_sync_at IS NULL OR next_sync_at <= ?)
		  AND NOT (last_sync_status = 'in_progress' AND lease_until IS NOT NULL AND lease_until > ?)
		ORDER BY next_sync_at IS NOT NULL, next_sync_at, created_at
		LIMIT ?`, platform, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due %s: %w", platform, err)
	}
	return out, nil
}

func (s *ConnectionStore) exec(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s %s: %w", op, id, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("sqlite: %s %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

func (s *ConnectionStore) UpdateCredentials(ctx context.Context, id uuid.UUID, blob string) error {
	return s.exec(ctx, "update credentials", id,
		`UPDATE broker_connections SET credentials_encrypted = ?, updated_at = ? WHERE id = ?`,
		blob, fmtTime(time.Now()), id)
}

func (s *ConnectionStore) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal connection metadata: %w", err)
	}
	return s.exec(ctx, "update metadata", id,
		`UPDATE broker_connections SET metadata = ?, updated_at = ? WHERE id = ?`,
		meta, fmtTime(time.Now()), id)
}

func (s *ConnectionStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus) error {
	return s.exec(ctx, "set status", id, `
		UPDATE broker_connections SET
			status = ?1,
			consecutive_failures = CASE WHEN ?1 = 'active' THEN 0 ELSE consecutive_failures END,
			next_sync_at = CASE WHEN ?1 = 'active' THEN NULL ELSE next_sync_at END,
			updated_at = ?2
		WHERE id = ?3`,
		status, fmtTime(time.Now()), id)
}

func (s *ConnectionStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "delete connection", id, `DELETE FROM broker_connections WHERE id = ?`, id)
}

func (s *ConnectionStore) AcquireLease(ctx context.Context, id uuid.UUID, now, until time.Time) (domain.BrokerConnection, error) {
	ts := fmtTime(now)
	c, err := scanConnection(s.q.QueryRowContext(ctx, `
		UPDATE broker_connections SET
			last_sync_status = 'in_progress',
			lease_until = ?1,
			updated_at = ?2
		WHERE id = ?3
		  AND (last_sync_status <> 'in_progress' OR lease_until IS NULL OR lease_until <= ?2)
		RETURNING `+connectionCols,
		fmtTime(until), ts, id))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("sqlite: acquire lease %s: %w", id, err)
	}
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return c, getErr
	}
	return c, fmt.Errorf("sqlite: acquire lease %s: %w", id, domain.ErrSyncInProgress)
}

func (s *ConnectionStore) CompleteSync(ctx context.Context, id uuid.UUID, o domain.SyncOutcome) error {
	return s.exec(ctx, "complete sync", id, `
		UPDATE broker_connections SET
			last_sync_status = ?,
			status = CASE WHEN status = 'inactive' THEN status ELSE ? END,
			last_sync_error = ?,
			consecutive_failures = ?,
			last_sync_at = COALESCE(?, last_sync_at),
			next_sync_at = ?,
			lease_until = NULL,
			updated_at = ?
		WHERE id = ?`,
		o.Status, o.ConnectionStatus, o.Error, o.ConsecutiveFailures,
		fmtTimePtr(o.LastSyncAt), fmtTimePtr(o.NextSyncAt), fmtTime(time.Now()), id)
}
