package clusterlock

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/util"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
)

const DefaultRedisKey = "dataflow:batch:lock"

// Deletes the key only if its value is exactly ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// RedLock is a quorum lock over independent redis nodes. The lock is held if it was written to a
// majority of the nodes within its validity time. The stored value is
// "<batchId>|<acquiredAtMillis>|<token>", where the token is unique to one acquisition; only the
// RedLock that wrote a value deletes it.
// Keys carry a TTL equal to the lock timeout, so a crashed holder is also released by redis itself.
type RedLock struct {
	nodes []redis.Cmdable
	key   string
	ttl   time.Duration
	clock clock.Clock

	mu   sync.Mutex
	held map[uuid.UUID]string
}

func NewRedLock(nodes []redis.Cmdable, key string, ttl time.Duration, clock clock.Clock) *RedLock {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedLock{nodes: nodes, key: key, ttl: ttl, clock: clock, held: make(map[uuid.UUID]string)}
}

func (l *RedLock) quorum() int {
	return len(l.nodes)/2 + 1
}

func (l *RedLock) TryAcquire(_ context.Context, batchId uuid.UUID) bool {
	logger := log.WithField("batchId", batchId)
	start := l.clock.Now()
	value := encodeHolder(batchId, start, util.NewULID())

	acquired := 0
	var result *multierror.Error
	for _, node := range l.nodes {
		ok, err := node.SetNX(l.key, value, l.ttl).Result()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if ok {
			acquired++
		}
	}
	if result.ErrorOrNil() != nil {
		logger.WithError(result).Warnf("%d of %d lock nodes failed", len(result.Errors), len(l.nodes))
	}

	// Allow for clock drift between nodes, as in the reference redlock algorithm.
	drift := l.ttl/100 + 2*time.Millisecond
	validity := l.ttl - l.clock.Since(start) - drift
	if acquired >= l.quorum() && validity > 0 {
		l.mu.Lock()
		l.held[batchId] = value
		l.mu.Unlock()
		metrics.RecordLockAcquisition("acquired")
		return true
	}

	if err := l.deleteValue(value); err != nil {
		logger.WithError(err).Warn("failed to roll back partial lock acquisition")
	}
	if result.ErrorOrNil() != nil {
		metrics.RecordLockAcquisition("error")
	} else {
		metrics.RecordLockAcquisition("contended")
	}
	return false
}

// Release deletes the value written by this RedLock's acquisition of batchId. It is a no-op if this
// RedLock does not hold the lock for batchId.
func (l *RedLock) Release(_ context.Context, batchId uuid.UUID) error {
	l.mu.Lock()
	value, ok := l.held[batchId]
	delete(l.held, batchId)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.deleteValue(value)
}

func (l *RedLock) deleteValue(value string) error {
	var result *multierror.Error
	for _, node := range l.nodes {
		if err := releaseScript.Run(node, []string{l.key}, value).Err(); err != nil && err != redis.Nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (l *RedLock) IsExpired(ctx context.Context, timeout time.Duration) (bool, error) {
	state, err := l.Status(ctx)
	if err != nil {
		return false, err
	}
	return state.IsExpired(l.clock.Now(), timeout), nil
}

func (l *RedLock) ForceReleaseExpired(ctx context.Context, timeout time.Duration) (bool, error) {
	expired, err := l.IsExpired(ctx, timeout)
	if err != nil || !expired {
		return false, err
	}
	var result *multierror.Error
	for _, node := range l.nodes {
		if err := node.Del(l.key).Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	l.mu.Lock()
	l.held = make(map[uuid.UUID]string)
	l.mu.Unlock()
	return true, result.ErrorOrNil()
}

// Status reports the holder recorded on a majority of nodes. Values present on fewer nodes are
// leftovers of a failed acquisition and do not count as a lock.
func (l *RedLock) Status(_ context.Context) (domain.LockState, error) {
	counts := make(map[string]int)
	failed := 0
	var lastErr error
	for _, node := range l.nodes {
		value, err := node.Get(l.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		counts[value]++
	}
	for value, n := range counts {
		if n >= l.quorum() {
			return decodeHolder(value)
		}
	}
	if len(l.nodes)-failed < l.quorum() {
		return domain.LockState{}, errors.Wrap(lastErr, "lock state unavailable: too few nodes reachable")
	}
	return domain.UnlockedState(), nil
}

func encodeHolder(batchId uuid.UUID, acquiredAt time.Time, token string) string {
	return batchId.String() + "|" + strconv.FormatInt(acquiredAt.UnixMilli(), 10) + "|" + token
}

func decodeHolder(value string) (domain.LockState, error) {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 {
		return domain.LockState{}, errors.Errorf("malformed lock value %q", value)
	}
	batchId, err := uuid.Parse(parts[0])
	if err != nil {
		return domain.LockState{}, errors.WithStack(err)
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.LockState{}, errors.WithStack(err)
	}
	return domain.LockedState(batchId, time.UnixMilli(millis)), nil
}
