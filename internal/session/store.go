package session

import (
	"context"
	"time"

	"sevak/internal/logging"
)

// Tier is one layer of the session storage hierarchy. Get returns (nil, nil)
// on a clean miss so the composition can distinguish absence from failure.
type Tier interface {
	Name() string
	Get(ctx context.Context, key Key) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, key Key) error
}

// Locker is a best-effort mutual-exclusion hint around session mutation. A
// false return means the lock was not obtained; callers decide whether to
// proceed anyway.
type Locker interface {
	Acquire(ctx context.Context, key Key) (release func(), acquired bool)
}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, Key) (func(), bool) {
	return func() {}, true
}

// NopLocker returns a locker that always succeeds, for single-process
// deployments without a shared cache tier.
func NopLocker() Locker {
	return nopLocker{}
}

const lockRetryDelay = 100 * time.Millisecond

// Store composes the cache, durable, and local tiers behind the contract the
// engine consumes. Load never fails the caller: tier errors degrade to the
// next tier, and a miss everywhere synthesizes a fresh session.
type Store struct {
	cache   Tier
	durable Tier
	local   Tier
	lock    Locker
	logger  logging.Logger
	sleep   func(time.Duration)
}

// NewStore builds the tiered store. Any tier may be nil; at least one must
// be set. A nil locker disables locking.
func NewStore(cache, durable, local Tier, lock Locker, logger logging.Logger) *Store {
	if lock == nil {
		lock = NopLocker()
	}
	return &Store{
		cache:   cache,
		durable: durable,
		local:   local,
		lock:    lock,
		logger:  logging.OrNop(logger),
		sleep:   time.Sleep,
	}
}

// Load walks the tiers fastest-first, back-filling faster tiers on a slower
// hit, and synthesizes a new default session when every tier misses.
func (s *Store) Load(ctx context.Context, key Key) *Session {
	if found := s.tryTier(ctx, s.cache, key); found != nil {
		return found
	}
	if found := s.tryTier(ctx, s.durable, key); found != nil {
		s.backfill(ctx, found, s.cache)
		return found
	}
	if found := s.tryTier(ctx, s.local, key); found != nil {
		return found
	}

	fresh := New(key)
	if err := s.persist(ctx, fresh); err != nil {
		s.logger.Warn("Persist of new session %s failed: %v", key, err)
	}
	s.logger.Debug("Created new session for %s", key)
	return fresh
}

// LoadDurable re-reads only the durable tier. It is the recovery path for
// when the cache tier returns a session that lost its flow cursor but the
// caller has evidence the user is mid-conversation.
func (s *Store) LoadDurable(ctx context.Context, key Key) (*Session, error) {
	if s.durable == nil {
		return nil, nil
	}
	found, err := s.durable.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found != nil {
		s.backfill(ctx, found, s.cache)
	}
	return found, nil
}

// Save writes the session to every reachable tier under the advisory lock:
// one acquisition attempt, one retry after a short delay, then proceed
// without the lock. Losing the lock trades a possible lost update for
// availability; the conversational domain tolerates that.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	release, acquired := s.lock.Acquire(ctx, sess.Key())
	if !acquired {
		s.sleep(lockRetryDelay)
		release, acquired = s.lock.Acquire(ctx, sess.Key())
		if !acquired {
			s.logger.Warn("Proceeding without session lock for %s", sess.Key())
			release = func() {}
		}
	}
	defer release()

	sess.LastActivity = time.Now()
	sess.Active = true
	return s.persist(ctx, sess)
}

// Clear marks the durable record inactive and removes cache and local
// entries. The durable row is kept for audit and replay.
func (s *Store) Clear(ctx context.Context, key Key) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("Cache clear for %s failed: %v", key, err)
		}
	}
	if s.local != nil {
		if err := s.local.Delete(ctx, key); err != nil {
			s.logger.Warn("Local clear for %s failed: %v", key, err)
		}
	}
	if s.durable != nil {
		if err := s.durable.Delete(ctx, key); err != nil {
			s.logger.Warn("Durable clear for %s failed: %v", key, err)
		}
	}
	s.logger.Debug("Cleared session %s", key)
}

func (s *Store) tryTier(ctx context.Context, tier Tier, key Key) *Session {
	if tier == nil {
		return nil
	}
	found, err := tier.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Session tier %s read for %s failed: %v", tier.Name(), key, err)
		return nil
	}
	return found
}

func (s *Store) backfill(ctx context.Context, sess *Session, tiers ...Tier) {
	for _, tier := range tiers {
		if tier == nil {
			continue
		}
		if err := tier.Put(ctx, sess); err != nil {
			s.logger.Warn("Backfill to tier %s for %s failed: %v", tier.Name(), sess.Key(), err)
		}
	}
}

func (s *Store) persist(ctx context.Context, sess *Session) error {
	var firstErr error
	wrote := false
	for _, tier := range []Tier{s.cache, s.durable, s.local} {
		if tier == nil {
			continue
		}
		if err := tier.Put(ctx, sess); err != nil {
			s.logger.Warn("Session tier %s write for %s failed: %v", tier.Name(), sess.Key(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		wrote = true
	}
	if !wrote {
		return firstErr
	}
	return nil
}
