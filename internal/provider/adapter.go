// Package provider defines the contract every trading platform adapter
// satisfies and the shared helpers adapters use to talk to their APIs.
package provider

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// Adapter translates one platform's credentials and API into canonical trades.
type Adapter interface {
	Platform() domain.Platform
	// Validate checks credentials against the platform. It returns a
	// *domain.CredentialError when they are rejected.
	Validate(ctx context.Context, creds domain.Credentials) error
	// FetchTrades yields trades for account changed at or after since. The
	// sequence is lazy and finite; ranging over it again refetches. A
	// yielded error ends the sequence.
	FetchTrades(ctx context.Context, creds domain.Credentials, account string, since *time.Time) iter.Seq2[domain.RawTrade, error]
}

// requiredFields are the credential keys each platform needs.
var requiredFields = map[domain.Platform][]string{
	domain.PlatformCTrader:   {"client_id", "client_secret", "access_token"},
	domain.PlatformMT4:       {"metaapi_token", "metaapi_account_id", "server", "account_number"},
	domain.PlatformMT5:       {"metaapi_token", "metaapi_account_id", "server", "account_number"},
	domain.PlatformTopstepX:  {"api_key", "api_secret", "account_number"},
	domain.PlatformTradovate: {"username", "password", "device_id"},
	domain.PlatformRithmic:   {"username", "password", "account_number"},
	domain.PlatformCSV:       {},
}

// compatibility lists the platforms each provider exposes. CSV import is
// accepted for every provider.
var compatibility = map[domain.Provider][]domain.Platform{
	domain.ProviderFTMO:         {domain.PlatformCTrader, domain.PlatformMT4, domain.PlatformMT5},
	domain.ProviderFintokei:     {domain.PlatformCTrader, domain.PlatformMT4, domain.PlatformMT5},
	domain.ProviderTopstep:      {domain.PlatformTopstepX, domain.PlatformTradovate},
	domain.ProviderTradeify:     {domain.PlatformTradovate, domain.PlatformRithmic},
	domain.ProviderLucidTrading: {domain.PlatformTradovate, domain.PlatformRithmic},
}

// RequiredFields returns the credential keys platform needs.
func RequiredFields(p domain.Platform) []string {
	return slices.Clone(requiredFields[p])
}

// Compatible reports whether provider offers platform.
func Compatible(prov domain.Provider, p domain.Platform) bool {
	if p == domain.PlatformCSV {
		return prov.Valid()
	}
	return slices.Contains(compatibility[prov], p)
}

// PlatformsFor returns the platforms provider offers, CSV last.
func PlatformsFor(prov domain.Provider) []domain.Platform {
	out := slices.Clone(compatibility[prov])
	return append(out, domain.PlatformCSV)
}

// CheckCredentials verifies creds carry every field platform requires.
func CheckCredentials(p domain.Platform, creds domain.Credentials) error {
	fields, ok := requiredFields[p]
	if !ok {
		return fmt.Errorf("provider: unknown platform %q: %w", p, domain.ErrInvalidInput)
	}
	if missing := creds.Missing(fields...); len(missing) > 0 {
		return &domain.CredentialError{
			Platform: p,
			Reason:   "missing fields: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// Registry dispatches to the adapter registered for a platform.
type Registry struct {
	adapters map[domain.Platform]Adapter
}

// NewRegistry creates a Registry. A later adapter for the same platform
// replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Register adds or replaces the adapter for a.Platform().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter for platform %q: %w", p, domain.ErrUnsupported)
	}
	return a, nil
}

// Platforms returns the registered platforms in a stable order.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Empty is the sequence of an adapter with nothing to fetch.
func Empty() iter.Seq2[domain.RawTrade, error] {
	return func(func(domain.RawTrade, error) bool) {}
}

// Fail is a sequence that yields err once.
func Fail(err error) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		yield(domain.RawTrade{}, err)
	}
}

// FromSlice yields each trade in order.
func FromSlice(trades []domain.RawTrade) iter.Seq2[domain.RawTrade, error] {
	return func(yield func(domain.RawTrade, error) bool) {
		for _, t := range trades {
			if !yield(t, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[domain.RawTrade, error]) ([]domain.RawTrade, error) {
	var out []domain.RawTrade
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Since reports whether t should be emitted for the watermark since. Open
// trades always pass; closed trades pass when they closed at or after since.
func Since(t domain.RawTrade, since *time.Time) bool {
	if since == nil || t.Status == domain.TradeOpen || t.CloseTime == nil {
		return true
	}
	return !t.CloseTime.Before(*since)
}
