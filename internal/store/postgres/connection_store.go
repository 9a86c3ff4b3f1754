package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// ConnectionStore implements domain.ConnectionStore using PostgreSQL.
type ConnectionStore struct {
	q querier
}

const connectionCols = `id, user_id, provider, platform, account_identifier,
	credentials_encrypted, status, last_sync_at, last_sync_status, last_sync_error,
	consecutive_failures, next_sync_at, lease_until, metadata, created_at, updated_at`

func scanConnection(row pgx.Row) (domain.BrokerConnection, error) {
	var (
		c    domain.BrokerConnection
		meta []byte
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.Platform, &c.AccountIdentifier,
		&c.CredentialsEncrypted, &c.Status, &c.LastSyncAt, &c.LastSyncStatus, &c.LastSyncError,
		&c.ConsecutiveFailures, &c.NextSyncAt, &c.LeaseUntil, &meta, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Metadata, err = unmarshalMeta(meta)
	return c, err
}

func collectConnections(rows pgx.Rows) ([]domain.BrokerConnection, error) {
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

// Create inserts a new connection. A duplicate (user, provider, account)
// returns domain.ErrAlreadyExists.
func (s *ConnectionStore) Create(ctx context.Context, c domain.BrokerConnection) error {
	meta, err := marshalMeta(c.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal connection metadata: %w", err)
	}
	const query = `
		INSERT INTO broker_connections (
			id, user_id, provider, platform, account_identifier,
			credentials_encrypted, status, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err = s.q.Exec(ctx, query,
		c.ID, c.UserID, c.Provider, c.Platform, c.AccountIdentifier,
		c.CredentialsEncrypted, c.Status, meta, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create connection %s: %w", c.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create connection %s: %w", c.ID, err)
	}
	return nil
}

// GetByID returns one connection or domain.ErrNotFound.
func (s *ConnectionStore) GetByID(ctx context.Context, id uuid.UUID) (domain.BrokerConnection, error) {
	c, err := scanConnection(s.q.QueryRow(ctx,
		`SELECT `+connectionCols+` FROM broker_connections WHERE id = $1`, id))
	if notFound(err) {
		return c, fmt.Errorf("postgres: connection %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("postgres: get connection %s: %w", id, err)
	}
	return c, nil
}

// ListByUser returns a user's connections, oldest first.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.BrokerConnection, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+connectionCols+` FROM broker_connections WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list connections for %s: %w", userID, err)
	}
	out, err := collectConnections(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan connections: %w", err)
	}
	return out, nil
}

// FindByEAToken matches metadata.ea_token exactly.
func (s *ConnectionStore) FindByEAToken(ctx context.Context, token string) (domain.BrokerConnection, error) {
	c, err := scanConnection(s.q.QueryRow(ctx,
		`SELECT `+connectionCols+` FROM broker_connections WHERE metadata->>'ea_token' = $1 LIMIT 1`, token))
	if notFound(err) {
		return c, fmt.Errorf("postgres: connection by ea token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("postgres: connection by ea token: %w", err)
	}
	return c, nil
}

// ListDue returns active, unleased connections on platform whose next sync
// time has passed. Never-synced connections come first.
func (s *ConnectionStore) ListDue(ctx context.Context, platform domain.Platform, now time.Time, limit int) ([]domain.BrokerConnection, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + connectionCols + ` FROM broker_connections
		WHERE platform = $1 AND status = 'active'
		  AND (next_sync_at IS NULL OR next_sync_at <= $2)
		  AND NOT (last_sync_status = 'in_progress' AND lease_until IS NOT NULL AND lease_until > $2)
		ORDER BY next_sync_at NULLS FIRST, created_at
		LIMIT $3`
	rows, err := s.q.Query(ctx, query, platform, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due %s: %w", platform, err)
	}
	out, err := collectConnections(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due connections: %w", err)
	}
	return out, nil
}

func (s *ConnectionStore) exec(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

func (s *ConnectionStore) UpdateCredentials(ctx context.Context, id uuid.UUID, blob string) error {
	return s.exec(ctx, "update credentials", id,
		`UPDATE broker_connections SET credentials_encrypted = $2, updated_at = NOW() WHERE id = $1`, id, blob)
}

func (s *ConnectionStore) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal connection metadata: %w", err)
	}
	return s.exec(ctx, "update metadata", id,
		`UPDATE broker_connections SET metadata = $2, updated_at = NOW() WHERE id = $1`, id, meta)
}

// SetStatus changes the connection status. Reactivating clears the failure
// counter and makes the connection due immediately.
func (s *ConnectionStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus) error {
	const query = `
		UPDATE broker_connections SET
			status = $2,
			consecutive_failures = CASE WHEN $2 = 'active' THEN 0 ELSE consecutive_failures END,
			next_sync_at = CASE WHEN $2 = 'active' THEN NULL ELSE next_sync_at END,
			updated_at = NOW()
		WHERE id = $1`
	return s.exec(ctx, "set status", id, query, id, status)
}

// Delete removes the connection; trades, stats and logs cascade.
func (s *ConnectionStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "delete connection", id, `DELETE FROM broker_connections WHERE id = $1`, id)
}

// AcquireLease atomically claims the connection for one sync attempt.
func (s *ConnectionStore) AcquireLease(ctx context.Context, id uuid.UUID, now, until time.Time) (domain.BrokerConnection, error) {
	query := `
		UPDATE broker_connections SET
			last_sync_status = 'in_progress',
			lease_until = $3,
			updated_at = $2
		WHERE id = $1
		  AND (last_sync_status <> 'in_progress' OR lease_until IS NULL OR lease_until <= $2)
		RETURNING ` + connectionCols
	c, err := scanConnection(s.q.QueryRow(ctx, query, id, now, until))
	if err == nil {
		return c, nil
	}
	if !notFound(err) {
		return c, fmt.Errorf("postgres: acquire lease %s: %w", id, err)
	}
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return c, getErr
	}
	return c, fmt.Errorf("postgres: acquire lease %s: %w", id, domain.ErrSyncInProgress)
}

// CompleteSync records the attempt outcome and releases the lease. A
// connection deactivated while the attempt ran stays inactive.
func (s *ConnectionStore) CompleteSync(ctx context.Context, id uuid.UUID, o domain.SyncOutcome) error {
	const query = `
		UPDATE broker_connections SET
			last_sync_status = $2,
			status = CASE WHEN status = 'inactive' THEN status ELSE $3 END,
			last_sync_error = $4,
			consecutive_failures = $5,
			last_sync_at = COALESCE($6, last_sync_at),
			next_sync_at = $7,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1`
	return s.exec(ctx, "complete sync", id, query,
		id, o.Status, o.ConnectionStatus, o.Error, o.ConsecutiveFailures, o.LastSyncAt, o.NextSyncAt)
}
