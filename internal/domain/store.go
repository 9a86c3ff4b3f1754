package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ConnectionStore persists broker connections and their sync lease.
type ConnectionStore interface {
	Create(ctx context.Context, c BrokerConnection) error
	GetByID(ctx context.Context, id uuid.UUID) (BrokerConnection, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]BrokerConnection, error)
	// FindByEAToken resolves the connection an expert advisor pushes to.
	FindByEAToken(ctx context.Context, token string) (BrokerConnection, error)
	// ListDue returns active connections on platform whose next sync is due
	// and that are not leased at now.
	ListDue(ctx context.Context, platform Platform, now time.Time, limit int) ([]BrokerConnection, error)
	UpdateCredentials(ctx context.Context, id uuid.UUID, blob string) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	SetStatus(ctx context.Context, id uuid.UUID, status ConnectionStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
	// AcquireLease marks the connection in_progress until the given time. It
	// fails with ErrSyncInProgress when an unexpired lease is held.
	AcquireLease(ctx context.Context, id uuid.UUID, now, until time.Time) (BrokerConnection, error)
	// CompleteSync writes the attempt outcome and releases the lease.
	CompleteSync(ctx context.Context, id uuid.UUID, outcome SyncOutcome) error
}

// TradeStore persists broker trades.
type TradeStore interface {
	GetByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (BrokerTrade, error)
	// FindByComposite matches trades without an external id on
	// (symbol, open_time, close_time, volume).
	FindByComposite(ctx context.Context, connectionID uuid.UUID, symbol string, openTime time.Time, closeTime *time.Time, volume float64) (BrokerTrade, error)
	Insert(ctx context.Context, t BrokerTrade) error
	Update(ctx context.Context, t BrokerTrade) error
	// ListClosedBetween returns closed trades with close_time in [from, to).
	ListClosedBetween(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]BrokerTrade, error)
	// ListOpen returns open trades, newest open_time first.
	ListOpen(ctx context.Context, connectionID uuid.UUID) ([]BrokerTrade, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, opts ListOpts) ([]BrokerTrade, error)
	Count(ctx context.Context, connectionID uuid.UUID) (int64, error)
}

// DailyStatStore persists derived daily aggregates.
type DailyStatStore interface {
	Replace(ctx context.Context, s DailyStat) error
	Delete(ctx context.Context, connectionID uuid.UUID, date time.Time) error
	Get(ctx context.Context, connectionID uuid.UUID, date time.Time) (DailyStat, error)
	List(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]DailyStat, error)
}

// SyncLogStore persists the sync audit trail.
type SyncLogStore interface {
	Create(ctx context.Context, l SyncLog) error
	// Seal finalizes a running log. It fails with ErrLogSealed when the log
	// has already left the running state.
	Seal(ctx context.Context, id uuid.UUID, seal SyncLogSeal) error
	// SealStale fails every running log of the connection started before
	// the given time.
	SealStale(ctx context.Context, connectionID uuid.UUID, before time.Time, reason string) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (SyncLog, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]SyncLog, error)
	ListFailed(ctx context.Context, opts ListOpts) ([]SyncLog, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]SyncLog, error)
}

// Store groups the repositories behind one transactional boundary.
type Store interface {
	Connections() ConnectionStore
	Trades() TradeStore
	DailyStats() DailyStatStore
	SyncLogs() SyncLogStore
	// WithTx runs fn against a Store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
	Close() error
}
