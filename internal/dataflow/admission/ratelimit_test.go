package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

var testNow = time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)

func withRedis(t *testing.T, action func(db *miniredis.Miniredis, client redis.UniversalClient)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(db, client)
}

func TestAllowRate_ExactlyLimitCallsAllowed(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		limiter := NewRedisRateLimiter(client, clock.NewFakeClock(testNow))
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			decision, err := limiter.AllowRate(ctx, "client:acme", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, decision.Allowed, "call %d", i)
			assert.Equal(t, 3-i, decision.Remaining)
			assert.Equal(t, time.Duration(0), decision.RetryAfter)
		}

		decision, err := limiter.AllowRate(ctx, "client:acme", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, 0, decision.Remaining)
		assert.Equal(t, 3, decision.Limit)
		assert.Greater(t, decision.RetryAfter, time.Duration(0))

		assert.Equal(t, time.Minute, db.TTL("rl:client:acme:202403011230:1m"))
	})
}

func TestAllowRate_KeysAreIndependent(t *testing.T) {
	withRedis(t, func(_ *miniredis.Miniredis, client redis.UniversalClient) {
		limiter := NewRedisRateLimiter(client, clock.NewFakeClock(testNow))
		ctx := context.Background()

		decision, err := limiter.AllowRate(ctx, "client:acme", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)

		decision, err = limiter.AllowRate(ctx, "client:other", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})
}

func TestAllowRate_NewWindowResetsCount(t *testing.T) {
	withRedis(t, func(_ *miniredis.Miniredis, client redis.UniversalClient) {
		fakeClock := clock.NewFakeClock(testNow)
		limiter := NewRedisRateLimiter(client, fakeClock)
		ctx := context.Background()

		_, err := limiter.AllowRate(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
		decision, err := limiter.AllowRate(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)

		fakeClock.Step(time.Minute)
		decision, err = limiter.AllowRate(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})
}

func TestAllowRate_WindowWithoutExpiryGetsOne(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		windowKey := "rl:client:acme:202403011230:1m"
		require.NoError(t, db.Set(windowKey, "5"))
		assert.Equal(t, time.Duration(0), db.TTL(windowKey))

		decision, err := NewRedisRateLimiter(client, clock.NewFakeClock(testNow)).AllowRate(context.Background(), "client:acme", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, time.Minute, decision.RetryAfter)
		assert.Equal(t, time.Minute, db.TTL(windowKey))

		count, err := db.Get(windowKey)
		require.NoError(t, err)
		assert.Equal(t, "6", count)
	})
}

func TestAllowRate_StoreErrorPropagates(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: 0})
	defer client.Close()
	db.Close()

	_, err = NewRedisRateLimiter(client, clock.NewFakeClock(testNow)).AllowRate(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}

func TestWindowKey(t *testing.T) {
	assert.Equal(t, "rl:client:acme:202403011230:1m", WindowKey("client:acme", time.Minute, testNow))
	assert.Equal(t, "rl:client:acme:202403011230:5m", WindowKey("client:acme", 5*time.Minute, testNow))
	assert.Equal(t, "rl:client:acme:20240301123015:10s", WindowKey("client:acme", 10*time.Second, testNow))
}

func TestLimits_For(t *testing.T) {
	limits := Limits{Default: 30, Tiers: map[string]int{"premium": 120}}
	custom := 5
	policy := &domain.ClientPolicy{RateLimitPerMinute: &custom}

	assert.Equal(t, 30, limits.For("acme", nil))
	assert.Equal(t, 120, limits.For(" Premium ", nil))
	assert.Equal(t, 5, limits.For("premium", policy))
	assert.Equal(t, 30, limits.For("acme", &domain.ClientPolicy{}))
	assert.Equal(t, "client:acme", ClientKey(" ACME"))
}
