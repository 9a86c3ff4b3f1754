// Package id generates time-ordered attempt identifiers.
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewAttempt returns a ULID for a sync attempt. IDs minted in the same
// millisecond still sort in creation order.
func NewAttempt(at time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// AttemptTime extracts the timestamp encoded in an attempt id.
func AttemptTime(attempt string) (time.Time, bool) {
	u, err := ulid.ParseStrict(attempt)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()).UTC(), true
}
