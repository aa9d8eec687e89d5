// Package localtier keeps sessions in a process-local map, the last-resort
// storage tier for deployments without Redis or Postgres.
package localtier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sevak/internal/logging"
	"sevak/internal/session"
)

const (
	// DefaultTTL is how long an idle entry survives before the sweeper
	// drops it.
	DefaultTTL = 30 * time.Minute
	// DefaultSweepInterval is how often expired entries are collected.
	DefaultSweepInterval = 5 * time.Minute
)

type entry struct {
	session   *session.Session
	expiresAt time.Time
}

// Tier is an in-memory session tier with TTL-based expiry. The sweep loop is
// an explicit background task started with Start and stopped via context
// cancellation or Stop.
type Tier struct {
	ttl      time.Duration
	interval time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[session.Key]entry

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs the local tier. Non-positive durations take the defaults.
func New(ttl, sweepInterval time.Duration, logger logging.Logger) *Tier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Tier{
		ttl:      ttl,
		interval: sweepInterval,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		entries:  make(map[session.Key]entry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Name implements session.Tier.
func (t *Tier) Name() string { return "local" }

// Get implements session.Tier. Expired entries read as a miss.
func (t *Tier) Get(ctx context.Context, key session.Key) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok || t.now().After(e.expiresAt) {
		return nil, nil
	}
	return e.session.Clone(), nil
}

// Put implements session.Tier.
func (t *Tier) Put(ctx context.Context, s *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.entries[s.Key()] = entry{session: s.Clone(), expiresAt: t.now().Add(t.ttl)}
	t.mu.Unlock()
	return nil
}

// Delete implements session.Tier.
func (t *Tier) Delete(ctx context.Context, key session.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
	return nil
}

// Start runs the expiry sweep loop until ctx is done or Stop is called.
func (t *Tier) Start(ctx context.Context) error {
	t.started.Store(true)
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopCh:
			return nil
		case <-ticker.C:
			if removed := t.sweep(); removed > 0 {
				t.logger.Debug("Swept %d expired local sessions", removed)
			}
		}
	}
}

// Stop terminates the sweep loop and waits for it to exit.
func (t *Tier) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.started.Load() {
		<-t.doneCh
	}
}

func (t *Tier) sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
