package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// Throttle gates every outbound request to a platform.
type Throttle interface {
	Wait(ctx context.Context, p domain.Platform) error
}

// Throttled is implemented by adapters that send their own requests.
type Throttled interface {
	SetThrottle(t Throttle)
}

// Budget is a Throttle over a shared rate limiter with one
// requests-per-minute limit per platform. Platforms without a limit pass
// through.
type Budget struct {
	limiter domain.RateLimiter
	rpm     map[domain.Platform]int
}

// NewBudget creates a Budget. A nil limiter disables it.
func NewBudget(limiter domain.RateLimiter, rpm map[domain.Platform]int) *Budget {
	return &Budget{limiter: limiter, rpm: rpm}
}

// BudgetKey is the limiter key for a platform's request budget.
func BudgetKey(p domain.Platform) string {
	return "brokersync:api:" + string(p)
}

// Wait blocks until one more request to p fits in its budget.
func (b *Budget) Wait(ctx context.Context, p domain.Platform) error {
	if b == nil || b.limiter == nil {
		return nil
	}
	limit := b.rpm[p]
	if limit <= 0 {
		return nil
	}
	if err := b.limiter.Wait(ctx, BudgetKey(p), limit, time.Minute); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", p, err)
	}
	return nil
}

// SetThrottle attaches t to every registered adapter that sends its own
// requests. Call it before the registry is used.
func (r *Registry) SetThrottle(t Throttle) {
	for _, a := range r.adapters {
		if th, ok := a.(Throttled); ok {
			th.SetThrottle(t)
		}
	}
}
