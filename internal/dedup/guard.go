// Package dedup suppresses duplicate webhook deliveries. The channel
// provider delivers at-least-once, so every inbound message id is checked
// against a time-bounded marker before processing.
package dedup

import (
	"context"
	"time"

	"sevak/internal/logging"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds marker growth. Provider redelivery windows are far
// shorter, so a duplicate arriving after expiry being reprocessed is fine.
const DefaultTTL = 48 * time.Hour

const markerPrefix = "processed_message:"

// commands is the slice of the Redis API the guard needs, narrowed so tests
// can stub it.
type commands interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Guard records processed channel-message identifiers.
type Guard struct {
	client commands
	ttl    time.Duration
	logger logging.Logger
}

// New constructs the guard. A non-positive TTL takes the default.
func New(client *redis.Client, ttl time.Duration, logger logging.Logger) *Guard {
	return newGuard(client, ttl, logger)
}

func newGuard(client commands, ttl time.Duration, logger logging.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		client: client,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

// Seen reports whether the message id was already processed. Fails open: a
// Redis outage returns false so legitimate messages are never dropped, at
// the cost of possible duplicate processing.
func (g *Guard) Seen(ctx context.Context, messageID string) bool {
	if messageID == "" {
		return false
	}
	count, err := g.client.Exists(ctx, markerPrefix+messageID).Result()
	if err != nil {
		g.logger.Warn("Idempotency check for %s failed: %v", messageID, err)
		return false
	}
	return count > 0
}

// Mark records the message id as processed for the marker TTL.
func (g *Guard) Mark(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	if err := g.client.Set(ctx, markerPrefix+messageID, "1", g.ttl).Err(); err != nil {
		g.logger.Warn("Idempotency mark for %s failed: %v", messageID, err)
	}
}
