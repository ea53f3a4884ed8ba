// Package admission guards the ingestion entrypoint: per-client rate limiting and checksum
// deduplication. Both operate on shared stores so every API instance sees the same counters.
// Store errors are returned to the caller unchanged; nothing here retries.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

// RateDecision is the outcome of one AllowRate call.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type RateLimiter interface {
	AllowRate(ctx context.Context, key string, limit int, period time.Duration) (RateDecision, error)
}

// Increments the window counter and gives it an expiry of ARGV[1] milliseconds if it has none.
// Returns the count and the remaining time to live in milliseconds.
var incrWindowScript = redis.NewScript(`
local count = redis.call('incr', KEYS[1])
local ttl = redis.call('pttl', KEYS[1])
if ttl < 0 then
	redis.call('pexpire', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimiter is a fixed-window counter. Each window is a redis key incremented in a script
// that also sets the expiry, so a window key never outlives its period.
type RedisRateLimiter struct {
	db    redis.UniversalClient
	clock clock.Clock
}

func NewRedisRateLimiter(db redis.UniversalClient, clock clock.Clock) *RedisRateLimiter {
	return &RedisRateLimiter{db: db, clock: clock}
}

func (r *RedisRateLimiter) AllowRate(_ context.Context, key string, limit int, period time.Duration) (RateDecision, error) {
	windowKey := WindowKey(key, period, r.clock.Now())

	count, ttl, err := r.incrWindow(windowKey, period)
	if err != nil {
		return RateDecision{}, err
	}

	decision := RateDecision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(0, limit-int(count)),
	}
	if !decision.Allowed {
		// A window that is about to expire still asks the caller to back off.
		if ttl < time.Second {
			ttl = time.Second
		}
		decision.RetryAfter = ttl.Truncate(time.Second)
	}
	return decision, nil
}

func (r *RedisRateLimiter) incrWindow(windowKey string, period time.Duration) (int64, time.Duration, error) {
	result, err := incrWindowScript.Run(r.db, []string{windowKey}, period.Milliseconds()).Result()
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, errors.Errorf("unexpected rate limit script result %v", result)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, errors.Errorf("unexpected rate limit count %v", values[0])
	}
	ttlMillis, ok := values[1].(int64)
	if !ok {
		return 0, 0, errors.Errorf("unexpected rate limit ttl %v", values[1])
	}
	return count, time.Duration(ttlMillis) * time.Millisecond, nil
}

// WindowKey returns the counter key of the window containing now. Periods of a minute or more use
// minute buckets, shorter periods use second buckets.
func WindowKey(key string, period time.Duration, now time.Time) string {
	now = now.UTC()
	if period >= time.Minute {
		return fmt.Sprintf("rl:%s:%s:%dm", key, now.Format("200601021504"), int(period/time.Minute))
	}
	return fmt.Sprintf("rl:%s:%s:%ds", key, now.Format("20060102150405"), int(period/time.Second))
}

// ClientKey is the rate limit key of a client.
func ClientKey(identifier string) string {
	return "client:" + domain.NormalizeIdentifier(identifier)
}

// Limits resolves the per-minute request budget of a client.
type Limits struct {
	Default int
	// Overrides by normalized client identifier
	Tiers map[string]int
}

// For returns the policy limit if set, else the tier of the identifier, else the default.
func (l Limits) For(identifier string, policy *domain.ClientPolicy) int {
	if policy != nil && policy.RateLimitPerMinute != nil && *policy.RateLimitPerMinute > 0 {
		return *policy.RateLimitPerMinute
	}
	if tier, ok := l.Tiers[domain.NormalizeIdentifier(identifier)]; ok && tier > 0 {
		return tier
	}
	return l.Default
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
