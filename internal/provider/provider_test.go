package provider

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

func TestCompatibility(t *testing.T) {
	t.Parallel()

	assert.True(t, Compatible(domain.ProviderFTMO, domain.PlatformMT5))
	assert.True(t, Compatible(domain.ProviderTopstep, domain.PlatformTopstepX))
	assert.True(t, Compatible(domain.ProviderLucidTrading, domain.PlatformRithmic))
	assert.True(t, Compatible(domain.ProviderTradeify, domain.PlatformCSV))
	assert.False(t, Compatible(domain.ProviderFTMO, domain.PlatformRithmic))
	assert.False(t, Compatible(domain.ProviderTopstep, domain.PlatformCTrader))
	assert.False(t, Compatible(domain.Provider("nope"), domain.PlatformCSV))
	assert.Equal(t, []domain.Platform{domain.PlatformTopstepX, domain.PlatformTradovate, domain.PlatformCSV},
		PlatformsFor(domain.ProviderTopstep))
}

func TestCheckCredentials(t *testing.T) {
	t.Parallel()

	err := CheckCredentials(domain.PlatformTradovate, domain.Credentials{"username": "u", "password": ""})
	var ce *domain.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "password")
	assert.Contains(t, ce.Reason, "device_id")
	assert.True(t, domain.IsPermanent(err))

	assert.NoError(t, CheckCredentials(domain.PlatformRithmic,
		domain.Credentials{"username": "u", "password": "p", "account_number": "A1"}))
	assert.NoError(t, CheckCredentials(domain.PlatformCSV, nil))
	assert.ErrorIs(t, CheckCredentials(domain.Platform("fix"), nil), domain.ErrInvalidInput)
}

type stubAdapter struct{ p domain.Platform }

func (s stubAdapter) Platform() domain.Platform                        { return s.p }
func (stubAdapter) Validate(context.Context, domain.Credentials) error { return nil }
func (stubAdapter) FetchTrades(context.Context, domain.Credentials, string, *time.Time) iter.Seq2[domain.RawTrade, error] {
	return Empty()
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(stubAdapter{domain.PlatformMT5}, stubAdapter{domain.PlatformCTrader})
	a, err := r.Get(domain.PlatformMT5)
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformMT5, a.Platform())

	_, err = r.Get(domain.PlatformRithmic)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
	assert.Equal(t, []domain.Platform{domain.PlatformCTrader, domain.PlatformMT5}, r.Platforms())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("-3", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
}

func TestHTTPClientClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"value":42}`))
		case "/limited":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"secret":"payload"}`))
		case "/denied":
			w.WriteHeader(http.StatusUnauthorized)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
		case "/garbled":
			_, _ = w.Write([]byte(`{"value":"token-abc"`))
		}
	}))
	t.Cleanup(srv.Close)

	c := NewHTTPClient(domain.PlatformCTrader, srv.URL, nil)
	ctx := context.Background()

	var out struct{ Value int }
	require.NoError(t, c.Do(ctx, Request{Method: http.MethodGet, Path: "/ok"}, &out))
	assert.Equal(t, 42, out.Value)

	err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/limited"}, nil)
	te, ok := domain.AsTransient(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, te.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	err = c.Do(ctx, Request{Method: http.MethodGet, Path: "/down"}, nil)
	_, ok = domain.AsTransient(err)
	assert.True(t, ok)
	assert.NotContains(t, err.Error(), "payload")

	err = c.Do(ctx, Request{Method: http.MethodGet, Path: "/denied"}, nil)
	assert.True(t, domain.IsPermanent(err))

	err = c.Do(ctx, Request{Method: http.MethodGet, Path: "/missing"}, nil)
	var ce *domain.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "account not found")

	err = c.Do(ctx, Request{Method: http.MethodGet, Path: "/bad"}, nil)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	_, ok = domain.AsTransient(err)
	assert.False(t, ok)

	err = c.Do(ctx, Request{Method: http.MethodGet, Path: "/garbled"}, &out)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "token-abc")
}

func TestHTTPClientTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(domain.PlatformTradovate, url, &http.Client{Timeout: time.Second})
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", Op: "list fills"}, nil)
	_, ok := domain.AsTransient(err)
	assert.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Do(ctx, Request{Method: http.MethodGet, Path: "/x"}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	_, ok = domain.AsTransient(err)
	assert.False(t, ok)
}

func TestSinceFilter(t *testing.T) {
	t.Parallel()

	w := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	closedBefore := domain.RawTrade{Status: domain.TradeClosed, CloseTime: domain.Time(w.Add(-time.Hour))}
	closedAfter := domain.RawTrade{Status: domain.TradeClosed, CloseTime: domain.Time(w)}
	open := domain.RawTrade{Status: domain.TradeOpen, OpenTime: w.Add(-72 * time.Hour)}

	assert.False(t, Since(closedBefore, &w))
	assert.True(t, Since(closedAfter, &w))
	assert.True(t, Since(open, &w))
	assert.True(t, Since(closedBefore, nil))
}

func TestCollectStopsAtError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	seq := func(yield func(domain.RawTrade, error) bool) {
		if !yield(domain.RawTrade{Symbol: "A"}, nil) {
			return
		}
		yield(domain.RawTrade{}, boom)
	}
	_, err := Collect(seq)
	assert.ErrorIs(t, err, boom)

	got, err := Collect(FromSlice([]domain.RawTrade{{Symbol: "A"}, {Symbol: "B"}}))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type countingLimiter struct {
	mu    sync.Mutex
	waits map[string]int
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(_ context.Context, key string, limit int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waits == nil {
		l.waits = map[string]int{}
	}
	l.waits[key]++
	return l.err
}

func (l *countingLimiter) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits[key]
}

func TestBudgetChargesEveryRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{}
	budget := NewBudget(limiter, map[domain.Platform]int{domain.PlatformCTrader: 100})

	c := NewHTTPClient(domain.PlatformCTrader, srv.URL, nil)
	c.SetThrottle(budget)
	ctx := context.Background()
	for _, path := range []string{"/a", "/b", "/limited", "/c"} {
		_ = c.Do(ctx, Request{Method: http.MethodGet, Path: path}, nil)
	}
	assert.EqualValues(t, 4, hits.Load())
	assert.Equal(t, 4, limiter.count(BudgetKey(domain.PlatformCTrader)))

	// A platform without a configured limit is not charged.
	other := NewHTTPClient(domain.PlatformMT5, srv.URL, nil)
	other.SetThrottle(budget)
	require.NoError(t, other.Do(ctx, Request{Method: http.MethodGet, Path: "/a"}, nil))
	assert.Equal(t, 0, limiter.count(BudgetKey(domain.PlatformMT5)))
}

func TestBudgetWaitFailureSkipsRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{err: context.DeadlineExceeded}
	c := NewHTTPClient(domain.PlatformTopstepX, srv.URL, nil)
	c.SetThrottle(NewBudget(limiter, map[domain.Platform]int{domain.PlatformTopstepX: 1}))

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/a", Op: "trade search"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "topstepx: trade search")
	assert.Zero(t, hits.Load())
}

func TestRegistrySetThrottle(t *testing.T) {
	t.Parallel()

	var got []domain.Platform
	throttled := &throttledStub{stubAdapter: stubAdapter{p: domain.PlatformTradovate}, seen: &got}
	r := NewRegistry(stubAdapter{p: domain.PlatformCSV}, throttled)
	r.SetThrottle(NewBudget(nil, nil))
	assert.Equal(t, []domain.Platform{domain.PlatformTradovate}, got)

	var nilBudget *Budget
	assert.NoError(t, nilBudget.Wait(context.Background(), domain.PlatformTradovate))
}

type throttledStub struct {
	stubAdapter
	seen *[]domain.Platform
}

func (s *throttledStub) SetThrottle(Throttle) { *s.seen = append(*s.seen, s.p) }
