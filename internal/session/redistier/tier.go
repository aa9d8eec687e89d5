// Package redistier backs the fast session tier, the advisory lock, and key
// expiry on a shared Redis instance.
package redistier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sevak/internal/logging"
	"sevak/internal/session"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is the cache-tier lifetime, refreshed on every write.
	DefaultTTL = 60 * time.Minute

	sessionKeyPrefix = "session:"
)

// Tier is the Redis-backed cache tier.
type Tier struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// New constructs the cache tier. A non-positive TTL takes the default.
func New(client *redis.Client, ttl time.Duration, logger logging.Logger) (*Tier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis tier requires a client")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tier{
		client: client,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}, nil
}

// Name implements session.Tier.
func (t *Tier) Name() string { return "redis" }

func sessionKey(key session.Key) string {
	return sessionKeyPrefix + key.TenantID + ":" + key.UserID
}

// Get implements session.Tier. A hit refreshes the TTL so active
// conversations stay cached.
func (t *Tier) Get(ctx context.Context, key session.Key) (*session.Session, error) {
	data, err := t.client.Get(ctx, sessionKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	s.Normalize()
	if err := t.client.Expire(ctx, sessionKey(key), t.ttl).Err(); err != nil {
		t.logger.Debug("TTL refresh for %s failed: %v", key, err)
	}
	return &s, nil
}

// Put implements session.Tier.
func (t *Tier) Put(ctx context.Context, s *session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Key(), err)
	}
	if err := t.client.Set(ctx, sessionKey(s.Key()), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.Key(), err)
	}
	return nil
}

// Delete implements session.Tier.
func (t *Tier) Delete(ctx context.Context, key session.Key) error {
	if err := t.client.Del(ctx, sessionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
