package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncLogStatus is the state of one audited sync attempt.
type SyncLogStatus string

const (
	LogRunning SyncLogStatus = "running"
	LogSuccess SyncLogStatus = "success"
	LogFailed  SyncLogStatus = "failed"
)

// SyncTrigger records what started an attempt.
type SyncTrigger string

const (
	TriggerSchedule SyncTrigger = "schedule"
	TriggerManual   SyncTrigger = "manual"
	TriggerCSV      SyncTrigger = "csv"
	TriggerEAPush   SyncTrigger = "ea_push"
)

// SyncLog is the audit record of one sync attempt. It is created running and
// sealed exactly once.
type SyncLog struct {
	ID            uuid.UUID
	ConnectionID  uuid.UUID
	AttemptID     string
	Trigger       SyncTrigger
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        SyncLogStatus
	TradesSynced  int
	TradesSkipped int
	ErrorMessage  string
}

// SyncLogSeal is the terminal state written onto a running log.
type SyncLogSeal struct {
	Status        SyncLogStatus
	CompletedAt   time.Time
	TradesSynced  int
	TradesSkipped int
	ErrorMessage  string
}
