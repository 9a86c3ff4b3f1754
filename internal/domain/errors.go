package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock already held")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrSyncCooldown       = errors.New("sync cooldown active")
	ErrConnectionInactive = errors.New("connection inactive")
	ErrLogSealed          = errors.New("sync log already sealed")
	ErrUnsupported        = errors.New("unsupported operation")

	// Vault failure kinds, matched through VaultError.
	ErrKeyMismatch = errors.New("key mismatch")
	ErrCorrupt     = errors.New("corrupt blob")
)

// VaultError reports a credential blob that could not be opened. Kind is
// ErrKeyMismatch or ErrCorrupt.
type VaultError struct {
	Kind error
	Err  error
}

func (e *VaultError) Error() string {
	if e.Err == nil {
		return "vault: " + e.Kind.Error()
	}
	return fmt.Sprintf("vault: %s: %v", e.Kind, e.Err)
}

func (e *VaultError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CredentialError is a permanent authentication or account failure. It is
// never retried; the connection needs new credentials.
type CredentialError struct {
	Platform Platform
	Reason   string
	Err      error
}

func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("%s credentials rejected: %s", e.Platform, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransientError is a provider failure worth retrying: timeouts, rate limits
// and 5xx responses. RetryAfter is the provider's backoff hint, zero if none.
type TransientError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: transient (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ReconcileConflict marks a single malformed or contradictory trade. The
// trade is skipped; the rest of its batch still commits.
type ReconcileConflict struct {
	ExternalID string
	Symbol     string
	Reason     string
}

func (e *ReconcileConflict) Error() string {
	id := e.ExternalID
	if id == "" {
		id = e.Symbol
	}
	return fmt.Sprintf("reconcile conflict on %q: %s", id, e.Reason)
}

// AggregationError reports a daily stat that could not be recomputed. The
// prior row for Date is left as it was.
type AggregationError struct {
	Date time.Time
	Err  error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregate %s: %v", e.Date.Format(DateLayout), e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must mark the connection as errored
// without waiting for the failure threshold.
func IsPermanent(err error) bool {
	var ve *VaultError
	var ce *CredentialError
	return errors.As(err, &ve) || errors.As(err, &ce)
}

// AsTransient returns the TransientError in err's chain, if any.
func AsTransient(err error) (*TransientError, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	_, ok := AsTransient(err)
	return ok
}
