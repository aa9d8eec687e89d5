package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type fakeCommands struct {
	markers map[string]struct{}
	err     error
	lastTTL time.Duration
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{markers: map[string]struct{}{}}
}

func (f *fakeCommands) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var count int64
	for _, key := range keys {
		if _, ok := f.markers[key]; ok {
			count++
		}
	}
	return redis.NewIntResult(count, nil)
}

func (f *fakeCommands) Set(_ context.Context, key string, _ interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.markers[key] = struct{}{}
	f.lastTTL = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestMarkThenSeen(t *testing.T) {
	fake := newFakeCommands()
	guard := newGuard(fake, 0, nil)

	assert.False(t, guard.Seen(context.Background(), "wamid.ABC"))
	guard.Mark(context.Background(), "wamid.ABC")
	assert.True(t, guard.Seen(context.Background(), "wamid.ABC"))
	assert.False(t, guard.Seen(context.Background(), "wamid.XYZ"))
	assert.Equal(t, DefaultTTL, fake.lastTTL)
}

func TestFailsOpenOnRedisError(t *testing.T) {
	fake := newFakeCommands()
	fake.markers["processed_message:wamid.ABC"] = struct{}{}
	fake.err = errors.New("connection refused")
	guard := newGuard(fake, time.Hour, nil)

	// The marker exists, but an unreachable store must not drop messages.
	assert.False(t, guard.Seen(context.Background(), "wamid.ABC"))

	// Mark is best-effort and must not panic.
	guard.Mark(context.Background(), "wamid.DEF")
}

func TestEmptyIDIgnored(t *testing.T) {
	fake := newFakeCommands()
	guard := newGuard(fake, time.Hour, nil)

	assert.False(t, guard.Seen(context.Background(), ""))
	guard.Mark(context.Background(), "")
	assert.Empty(t, fake.markers)
}
