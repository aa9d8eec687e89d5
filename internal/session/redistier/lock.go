package redistier

import (
	"context"
	"time"

	"sevak/internal/logging"
	"sevak/internal/session"

	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed holder can block other writers.
const DefaultLockTTL = 30 * time.Second

const lockKeyPrefix = "lock:"

// Lock is a best-effort distributed advisory lock over Redis SET NX. It is a
// mutual-exclusion hint, not a correctness guarantee: acquisition failures
// are reported to the caller, who proceeds without it rather than blocking.
type Lock struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewLock constructs the advisory locker.
func NewLock(client *redis.Client, ttl time.Duration, logger logging.Logger) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{
		client: client,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

// Acquire implements session.Locker. A Redis error counts as not acquired.
func (l *Lock) Acquire(ctx context.Context, key session.Key) (func(), bool) {
	redisKey := lockKeyPrefix + key.TenantID + ":" + key.UserID
	ok, err := l.client.SetNX(ctx, redisKey, "1", l.ttl).Result()
	if err != nil {
		l.logger.Warn("Lock acquire for %s failed: %v", key, err)
		return func() {}, false
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		if err := l.client.Del(context.WithoutCancel(ctx), redisKey).Err(); err != nil {
			l.logger.Debug("Lock release for %s failed: %v", key, err)
		}
	}, true
}
