package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Channel names published on the SignalBus.
const (
	ChannelSyncCompleted = "brokersync:sync_completed"
)

// SyncEvent is published after every sealed sync attempt.
type SyncEvent struct {
	ConnectionID string        `json:"connection_id"`
	UserID       string        `json:"user_id"`
	Platform     Platform      `json:"platform"`
	AttemptID    string        `json:"attempt_id"`
	Status       SyncLogStatus `json:"status"`
	TradesSynced int           `json:"trades_synced"`
	Dates        []string      `json:"dates,omitempty"`
	At           time.Time     `json:"at"`
}

// StreamMessage is one recorded event payload.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventReader reads back recently published events.
type EventReader interface {
	Recent(ctx context.Context, channel string, count int) ([]StreamMessage, error)
}
