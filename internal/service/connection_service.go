package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/provider"
)

// ManualSyncCooldown is the minimum gap between a successful sync and a
// user-triggered one.
const ManualSyncCooldown = 120 * time.Second

// defaultLogLimit is how many sync logs a listing returns when unspecified.
const defaultLogLimit = 20

// SyncRunner executes sync attempts. The pipeline's Syncer implements it.
type SyncRunner interface {
	Sync(ctx context.Context, id uuid.UUID, trigger domain.SyncTrigger) (domain.SyncLog, error)
	Ingest(ctx context.Context, id uuid.UUID, trigger domain.SyncTrigger, trades []domain.RawTrade) (domain.SyncLog, error)
}

// Encrypter seals credential sets into opaque blobs.
type Encrypter interface {
	Encrypt(creds domain.Credentials) (string, error)
}

// CreateConnectionInput carries everything needed to link an account.
type CreateConnectionInput struct {
	UserID            uuid.UUID
	Provider          domain.Provider
	Platform          domain.Platform
	AccountIdentifier string
	// Credentials are wiped once sealed.
	Credentials domain.Credentials
	Timezone    string
	Metadata    map[string]any
}

// SyncState is a connection's sync summary for status views.
type SyncState struct {
	Connection domain.BrokerConnection
	LastLog    *domain.SyncLog
	TradeCount int64
}

// ConnectionService manages broker connections and user-facing sync
// controls.
type ConnectionService struct {
	store    domain.Store
	vault    Encrypter
	runner   SyncRunner
	logger   *slog.Logger
	now      func() time.Time
	cooldown time.Duration
}

// NewConnectionService creates a ConnectionService.
func NewConnectionService(store domain.Store, vault Encrypter, logger *slog.Logger) *ConnectionService {
	return &ConnectionService{
		store:    store,
		vault:    vault,
		logger:   logger.With(slog.String("component", "connections")),
		now:      time.Now,
		cooldown: ManualSyncCooldown,
	}
}

// WithRunner attaches the runner TriggerSync delegates to. Without one,
// manual syncs return domain.ErrUnsupported.
func (s *ConnectionService) WithRunner(r SyncRunner) *ConnectionService {
	s.runner = r
	return s
}

// Create validates, encrypts and stores a new connection.
func (s *ConnectionService) Create(ctx context.Context, in CreateConnectionInput) (domain.BrokerConnection, error) {
	defer in.Credentials.Wipe()

	account := strings.TrimSpace(in.AccountIdentifier)
	var problems []string
	if in.UserID == uuid.Nil {
		problems = append(problems, "user_id is required")
	}
	if !in.Provider.Valid() {
		problems = append(problems, fmt.Sprintf("unknown provider %q", in.Provider))
	}
	if !in.Platform.Valid() {
		problems = append(problems, fmt.Sprintf("unknown platform %q", in.Platform))
	} else if in.Provider.Valid() && !provider.Compatible(in.Provider, in.Platform) {
		problems = append(problems, fmt.Sprintf("provider %s does not offer %s", in.Provider, in.Platform))
	}
	if account == "" {
		problems = append(problems, "account_identifier is required")
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", in.Timezone))
		}
	}
	if len(problems) > 0 {
		return domain.BrokerConnection{}, fmt.Errorf("connections: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidInput)
	}

	var blob string
	if in.Platform != domain.PlatformCSV {
		if err := provider.CheckCredentials(in.Platform, in.Credentials); err != nil {
			return domain.BrokerConnection{}, fmt.Errorf("connections: %w", err)
		}
		var err error
		if blob, err = s.vault.Encrypt(in.Credentials); err != nil {
			return domain.BrokerConnection{}, fmt.Errorf("connections: encrypt credentials: %w", err)
		}
	}

	meta := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	if in.Timezone != "" {
		meta[domain.MetaTimezone] = in.Timezone
	}

	now := s.now().UTC()
	conn := domain.BrokerConnection{
		ID:                   uuid.New(),
		UserID:               in.UserID,
		Provider:             in.Provider,
		Platform:             in.Platform,
		AccountIdentifier:    account,
		CredentialsEncrypted: blob,
		Status:               domain.ConnectionActive,
		Metadata:             meta,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.Connections().Create(ctx, conn); err != nil {
		return domain.BrokerConnection{}, fmt.Errorf("connections: create: %w", err)
	}
	s.logger.InfoContext(ctx, "connections: created",
		slog.String("connection_id", conn.ID.String()),
		slog.String("provider", string(conn.Provider)),
		slog.String("platform", string(conn.Platform)),
	)
	return conn, nil
}

// Get returns one connection.
func (s *ConnectionService) Get(ctx context.Context, id uuid.UUID) (domain.BrokerConnection, error) {
	c, err := s.store.Connections().GetByID(ctx, id)
	if err != nil {
		return c, fmt.Errorf("connections: get: %w", err)
	}
	return c, nil
}

// List returns a user's connections.
func (s *ConnectionService) List(ctx context.Context, userID uuid.UUID) ([]domain.BrokerConnection, error) {
	out, err := s.store.Connections().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("connections: list: %w", err)
	}
	return out, nil
}

// UpdateCredentials replaces the credential blob. A connection in error is
// re-activated so the scheduler picks it up again.
func (s *ConnectionService) UpdateCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error {
	defer creds.Wipe()

	conn, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if conn.Platform == domain.PlatformCSV {
		return fmt.Errorf("connections: csv connections hold no credentials: %w", domain.ErrUnsupported)
	}
	if err := provider.CheckCredentials(conn.Platform, creds); err != nil {
		return fmt.Errorf("connections: %w", err)
	}
	blob, err := s.vault.Encrypt(creds)
	if err != nil {
		return fmt.Errorf("connections: encrypt credentials: %w", err)
	}
	if err := s.store.Connections().UpdateCredentials(ctx, id, blob); err != nil {
		return fmt.Errorf("connections: update credentials: %w", err)
	}
	if conn.Status == domain.ConnectionError {
		if err := s.store.Connections().SetStatus(ctx, id, domain.ConnectionActive); err != nil {
			return fmt.Errorf("connections: reactivate: %w", err)
		}
	}
	return nil
}

// Deactivate soft-disables a connection. Its data is kept.
func (s *ConnectionService) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Connections().SetStatus(ctx, id, domain.ConnectionInactive); err != nil {
		return fmt.Errorf("connections: deactivate: %w", err)
	}
	return nil
}

// Activate re-enables a connection and makes it due immediately.
func (s *ConnectionService) Activate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Connections().SetStatus(ctx, id, domain.ConnectionActive); err != nil {
		return fmt.Errorf("connections: activate: %w", err)
	}
	return nil
}

// Delete removes a connection with its trades, stats and logs.
func (s *ConnectionService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Connections().Delete(ctx, id); err != nil {
		return fmt.Errorf("connections: delete: %w", err)
	}
	s.logger.InfoContext(ctx, "connections: deleted", slog.String("connection_id", id.String()))
	return nil
}

// Status summarizes the connection's last attempt.
func (s *ConnectionService) Status(ctx context.Context, id uuid.UUID) (SyncState, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return SyncState{}, err
	}
	st := SyncState{Connection: conn}
	logs, err := s.store.SyncLogs().ListByConnection(ctx, id, 1)
	if err != nil {
		return SyncState{}, fmt.Errorf("connections: last log: %w", err)
	}
	if len(logs) > 0 {
		st.LastLog = &logs[0]
	}
	if st.TradeCount, err = s.store.Trades().Count(ctx, id); err != nil {
		return SyncState{}, fmt.Errorf("connections: count trades: %w", err)
	}
	return st, nil
}

// Logs returns the latest sync logs, newest first.
func (s *ConnectionService) Logs(ctx context.Context, id uuid.UUID, limit int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	logs, err := s.store.SyncLogs().ListByConnection(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("connections: logs: %w", err)
	}
	return logs, nil
}

// FailedLogs lists failed attempts across every connection.
func (s *ConnectionService) FailedLogs(ctx context.Context, opts domain.ListOpts) ([]domain.SyncLog, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultLogLimit
	}
	logs, err := s.store.SyncLogs().ListFailed(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connections: failed logs: %w", err)
	}
	return logs, nil
}

// Trades lists a connection's stored trades.
func (s *ConnectionService) Trades(ctx context.Context, id uuid.UUID, opts domain.ListOpts) ([]domain.BrokerTrade, error) {
	trades, err := s.store.Trades().ListByConnection(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("connections: trades: %w", err)
	}
	return trades, nil
}

// GenerateEAToken issues (or reissues) the push token expert advisors use.
func (s *ConnectionService) GenerateEAToken(ctx context.Context, id uuid.UUID) (string, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("connections: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	meta := make(map[string]any, len(conn.Metadata)+1)
	for k, v := range conn.Metadata {
		meta[k] = v
	}
	meta[domain.MetaEAToken] = token
	if err := s.store.Connections().UpdateMetadata(ctx, id, meta); err != nil {
		return "", fmt.Errorf("connections: store token: %w", err)
	}
	return token, nil
}

// TriggerSync runs a manual sync now. It is refused for inactive and CSV
// connections and within the cooldown after a successful sync.
func (s *ConnectionService) TriggerSync(ctx context.Context, id uuid.UUID) (domain.SyncLog, error) {
	if s.runner == nil {
		return domain.SyncLog{}, fmt.Errorf("connections: no sync runner: %w", domain.ErrUnsupported)
	}
	conn, err := s.Get(ctx, id)
	if err != nil {
		return domain.SyncLog{}, err
	}
	switch {
	case conn.Status == domain.ConnectionInactive:
		return domain.SyncLog{}, fmt.Errorf("connections: sync %s: %w", id, domain.ErrConnectionInactive)
	case !conn.Platform.Live():
		return domain.SyncLog{}, fmt.Errorf("connections: %s has no live sync: %w", conn.Platform, domain.ErrUnsupported)
	case conn.Leased(s.now()):
		return domain.SyncLog{}, fmt.Errorf("connections: sync %s: %w", id, domain.ErrSyncInProgress)
	case conn.LastSyncStatus == domain.SyncSuccess && conn.LastSyncAt != nil &&
		s.now().Sub(*conn.LastSyncAt) < s.cooldown:
		return domain.SyncLog{}, fmt.Errorf("connections: sync %s: %w", id, domain.ErrSyncCooldown)
	}

	return s.runner.Sync(ctx, id, domain.TriggerManual)
}
