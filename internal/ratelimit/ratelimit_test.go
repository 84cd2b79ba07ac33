package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, store Store, config Config, c *clock) *Limiter {
	t.Helper()

	logger, _ := test.NewNullLogger()
	limiter, err := NewLimiter(store, config, logger)
	require.NoError(t, err)
	limiter.now = c.Now
	return limiter
}

type failingStore struct{}

func (failingStore) Consume(context.Context, string, int, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, ErrStoreUnavailable
}

func (failingStore) Reset(context.Context, string) error { return ErrStoreUnavailable }

func TestLimiterAdmitsExactlyNPerWindow(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithCleanupInterval(0), WithClock(c.Now))
	limiter := newTestLimiter(t, store, Config{Points: DefaultPoints, Duration: DefaultDuration}, c)
	ctx := context.Background()

	for i := 1; i <= DefaultPoints; i++ {
		result := limiter.Admit(ctx, "10.0.0.1")
		require.True(t, result.Allowed, "request %d should be admitted", i)
		assert.Equal(t, DefaultPoints-i, result.Remaining)
		c.Advance(time.Second)
	}

	rejected := limiter.Admit(ctx, "10.0.0.1")
	assert.False(t, rejected.Allowed)
	assert.Equal(t, 0, rejected.Remaining)
	assert.Equal(t, DefaultPoints, rejected.Limit)
	assert.LessOrEqual(t, rejected.RetryAfterSeconds(), int(DefaultDuration.Seconds()))
	assert.Equal(t, 800, rejected.RetryAfterSeconds())

	other := limiter.Admit(ctx, "10.0.0.2")
	assert.True(t, other.Allowed, "budgets are per client key")
}

func TestLimiterWindowResets(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithCleanupInterval(0), WithClock(c.Now))
	limiter := newTestLimiter(t, store, Config{Points: 2, Duration: time.Minute}, c)
	ctx := context.Background()

	assert.True(t, limiter.Admit(ctx, "k").Allowed)
	assert.True(t, limiter.Admit(ctx, "k").Allowed)
	assert.False(t, limiter.Admit(ctx, "k").Allowed)

	c.Advance(time.Minute)
	result := limiter.Admit(ctx, "k")
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
	assert.Equal(t, c.now.Add(time.Minute), result.ResetAt)
}

func TestLimiterAdmitsWhenAccountingFails(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	limiter, err := NewLimiter(failingStore{}, Config{Points: 1, Duration: time.Second}, logger)
	require.NoError(t, err)

	result := limiter.Admit(context.Background(), "k")
	assert.True(t, result.Allowed)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestNewLimiterRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()

	_, err := NewLimiter(failingStore{}, Config{Points: 0, Duration: time.Second}, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewLimiter(failingStore{}, Config{Points: 1}, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		retryAfter time.Duration
		want       int
	}{
		{0, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{900 * time.Second, 900},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Result{RetryAfter: tt.retryAfter}.RetryAfterSeconds(), tt.retryAfter.String())
	}
}

func TestSetHeaders(t *testing.T) {
	t.Parallel()

	resetAt := time.Date(2025, 11, 12, 10, 45, 0, 0, time.UTC)

	admitted := http.Header{}
	SetHeaders(admitted, Result{Allowed: true, Limit: 100, Remaining: 99, ResetAt: resetAt})
	assert.Equal(t, "100", admitted.Get(HeaderLimit))
	assert.Equal(t, "99", admitted.Get(HeaderRemaining))
	assert.Equal(t, "2025-11-12T10:45:00.000Z", admitted.Get(HeaderReset))
	assert.Empty(t, admitted.Get(HeaderRetryAfter))

	rejected := http.Header{}
	SetHeaders(rejected, Result{Limit: 100, ResetAt: resetAt, RetryAfter: 42 * time.Second})
	assert.Equal(t, "42", rejected.Get(HeaderRetryAfter))
	assert.Equal(t, "0", rejected.Get(HeaderRemaining))
}

func TestMemoryStoreRemovesExpiredWindows(t *testing.T) {
	t.Parallel()

	c := &clock{now: time.Now()}
	store := NewMemoryStore(WithCleanupInterval(0), WithClock(c.Now))
	ctx := context.Background()

	_, _, err := store.Consume(ctx, "a", 1, time.Second)
	require.NoError(t, err)
	_, _, err = store.Consume(ctx, "b", 1, time.Hour)
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	store.removeExpired()
	assert.Equal(t, 1, store.size())

	require.NoError(t, store.Reset(ctx, "b"))
	assert.Equal(t, 0, store.size())
	store.Close()
	store.Close()
}

func TestRedisStoreSharesBudget(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	first := NewRedisStore(client, "rate_limit:api:", time.Second)
	second := NewRedisStore(client, "rate_limit:api:", time.Second)

	consumed, resetAt, err := first.Consume(ctx, "10.0.0.1", 1, 900*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)
	assert.WithinDuration(t, time.Now().Add(900*time.Second), resetAt, 2*time.Second)

	consumed, _, err = second.Consume(ctx, "10.0.0.1", 1, 900*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, consumed)

	assert.True(t, server.Exists("rate_limit:api:10.0.0.1"))

	server.FastForward(901 * time.Second)
	consumed, _, err = first.Consume(ctx, "10.0.0.1", 1, 900*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)

	require.NoError(t, first.Reset(ctx, "10.0.0.1"))
	assert.False(t, server.Exists("rate_limit:api:10.0.0.1"))
}

func TestRedisStoreLimiterFairness(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, _ := test.NewNullLogger()
	limiter, err := NewLimiter(NewRedisStore(client, "rl:", time.Second), Config{Points: 5, Duration: time.Minute}, logger)
	require.NoError(t, err)

	admitted := 0
	for i := 0; i < 6; i++ {
		if limiter.Admit(context.Background(), "client").Allowed {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestFallbackStoreDegradesToLocal(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	server.Close()

	logger, hook := test.NewNullLogger()
	local := NewMemoryStore(WithCleanupInterval(0))
	store := NewFallbackStore(NewRedisStore(client, "rl:", 200*time.Millisecond), local, logger)

	consumed, _, err := store.Consume(context.Background(), "client", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)
	assert.Equal(t, 1, local.size())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.True(t, errors.Is(entry.Data[logrus.ErrorKey].(error), ErrStoreUnavailable))

	assert.ErrorIs(t, store.Reset(context.Background(), "client"), ErrStoreUnavailable)
	assert.Equal(t, 0, local.size())
}
