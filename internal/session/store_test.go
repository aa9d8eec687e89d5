package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTier struct {
	name     string
	sessions map[Key]*Session
	getErr   error
	putErr   error
	puts     int
	deletes  int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, sessions: map[Key]*Session{}}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(_ context.Context, key Key) (*Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if s, ok := f.sessions[key]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (f *fakeTier) Put(_ context.Context, s *Session) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.sessions[s.Key()] = s.Clone()
	return nil
}

func (f *fakeTier) Delete(_ context.Context, key Key) error {
	f.deletes++
	delete(f.sessions, key)
	return nil
}

// jsonTier stores sessions the way the redis and postgres tiers do: through
// a real JSON encode on Put and decode on Get.
type jsonTier struct {
	blobs map[Key][]byte
}

func newJSONTier() *jsonTier {
	return &jsonTier{blobs: map[Key][]byte{}}
}

func (j *jsonTier) Name() string { return "json" }

func (j *jsonTier) Get(_ context.Context, key Key) (*Session, error) {
	blob, ok := j.blobs[key]
	if !ok {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, err
	}
	s.Normalize()
	return &s, nil
}

func (j *jsonTier) Put(_ context.Context, s *Session) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	j.blobs[s.Key()] = blob
	return nil
}

func (j *jsonTier) Delete(_ context.Context, key Key) error {
	delete(j.blobs, key)
	return nil
}

type fakeLocker struct {
	failures int
	acquires int
	releases int
}

func (f *fakeLocker) Acquire(context.Context, Key) (func(), bool) {
	f.acquires++
	if f.acquires <= f.failures {
		return func() {}, false
	}
	return func() { f.releases++ }, true
}

func testKey() Key { return Key{TenantID: "acme", UserID: "919000000001"} }

func newTestStore(cache, durable, local Tier, lock Locker) *Store {
	store := NewStore(cache, durable, local, lock, nil)
	store.sleep = func(time.Duration) {}
	return store
}

func TestLoadSynthesizesAndPersistsNewSession(t *testing.T) {
	cache := newFakeTier("cache")
	durable := newFakeTier("durable")
	store := newTestStore(cache, durable, nil, nil)

	s := store.Load(context.Background(), testKey())
	require.NotNil(t, s)
	assert.Equal(t, testKey(), s.Key())
	assert.Empty(t, s.Language)
	assert.Nil(t, s.Flow)

	// The synthesized session reaches every tier.
	assert.Contains(t, cache.sessions, testKey())
	assert.Contains(t, durable.sessions, testKey())
}

func TestLoadBackfillsCacheOnDurableHit(t *testing.T) {
	cache := newFakeTier("cache")
	durable := newFakeTier("durable")
	stored := New(testKey())
	stored.Language = "hi"
	stored.Flow = &FlowCursor{FlowID: "grievance_v1", StepID: "main_menu"}
	durable.sessions[testKey()] = stored

	store := newTestStore(cache, durable, nil, nil)
	s := store.Load(context.Background(), testKey())
	require.NotNil(t, s)
	assert.Equal(t, "hi", s.Language)
	require.NotNil(t, s.Flow)
	assert.Equal(t, "main_menu", s.Flow.StepID)

	backfilled, ok := cache.sessions[testKey()]
	require.True(t, ok)
	assert.Equal(t, "grievance_v1", backfilled.Flow.FlowID)
}

func TestLoadDegradesThroughFailingTiers(t *testing.T) {
	cache := newFakeTier("cache")
	cache.getErr = errors.New("redis down")
	durable := newFakeTier("durable")
	durable.getErr = errors.New("postgres down")
	local := newFakeTier("local")
	stored := New(testKey())
	stored.Language = "mr"
	local.sessions[testKey()] = stored

	store := newTestStore(cache, durable, local, nil)
	s := store.Load(context.Background(), testKey())
	require.NotNil(t, s)
	assert.Equal(t, "mr", s.Language)
}

func TestSaveRoundTripPerTier(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func() (*Store, *fakeTier)
	}{
		{"cache only", func() (*Store, *fakeTier) {
			tier := newFakeTier("cache")
			return newTestStore(tier, nil, nil, nil), tier
		}},
		{"durable only", func() (*Store, *fakeTier) {
			tier := newFakeTier("durable")
			return newTestStore(nil, tier, nil, nil), tier
		}},
		{"local only", func() (*Store, *fakeTier) {
			tier := newFakeTier("local")
			return newTestStore(nil, nil, tier, nil), tier
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := tc.build()
			s := New(testKey())
			s.Language = "en"
			s.Flow = &FlowCursor{FlowID: "f1", StepID: "s2"}
			s.Data["description"] = "street light broken"
			require.NoError(t, store.Save(context.Background(), s))

			loaded := store.Load(context.Background(), testKey())
			require.NotNil(t, loaded)
			assert.Equal(t, "en", loaded.Language)
			assert.Equal(t, &FlowCursor{FlowID: "f1", StepID: "s2"}, loaded.Flow)
			assert.Equal(t, "street light broken", loaded.Data["description"])
		})
	}
}

func TestSerializedRoundTripPreservesState(t *testing.T) {
	tier := newJSONTier()
	store := newTestStore(tier, nil, nil, nil)

	s := New(testKey())
	s.Language = "hi"
	s.Flow = &FlowCursor{FlowID: "grievance_v1", StepID: "ask_description"}
	s.SetAwaitingInput(&PendingInput{Field: "description", NextStepID: "ask_name"})
	require.NoError(t, store.Save(context.Background(), s))

	loaded := store.Load(context.Background(), testKey())
	require.NotNil(t, loaded)
	assert.Equal(t, "hi", loaded.Language)
	assert.Equal(t, &FlowCursor{FlowID: "grievance_v1", StepID: "ask_description"}, loaded.Flow)
	require.NotNil(t, loaded.AwaitingInput)
	assert.Equal(t, "description", loaded.AwaitingInput.Field)
	assert.Equal(t, "ask_name", loaded.AwaitingInput.NextStepID)

	// The untouched data bag of a fresh session must come back writable.
	require.NotNil(t, loaded.Data)
	loaded.Data["description"] = "street light broken"
	require.NoError(t, store.Save(context.Background(), loaded))

	again := store.Load(context.Background(), testKey())
	require.NotNil(t, again)
	assert.Equal(t, "street light broken", again.Data["description"])
}

func TestSerializedRoundTripPreservesChoiceMappings(t *testing.T) {
	tier := newJSONTier()
	store := newTestStore(tier, nil, nil, nil)

	s := New(testKey())
	s.SetPrompt(map[string]string{"confirm_yes": "grievance_success"}, nil)
	require.NoError(t, store.Save(context.Background(), s))

	loaded := store.Load(context.Background(), testKey())
	require.NotNil(t, loaded)
	assert.Equal(t, "grievance_success", loaded.ButtonMapping["confirm_yes"])
	assert.Nil(t, loaded.AwaitingInput)
}

func TestDecodedBlobWithoutDataBagIsWritable(t *testing.T) {
	// Rows persisted before the data field became mandatory carry no bag.
	tier := newJSONTier()
	tier.blobs[testKey()] = []byte(`{"tenantId":"acme","userId":"919000000001","active":true}`)
	store := newTestStore(tier, nil, nil, nil)

	loaded := store.Load(context.Background(), testKey())
	require.NotNil(t, loaded)
	require.NotNil(t, loaded.Data)
	loaded.Data["citizenName"] = "Asha"
	assert.Equal(t, "Asha", loaded.Data["citizenName"])
}

func TestSaveRetriesLockThenProceedsWithout(t *testing.T) {
	tier := newFakeTier("cache")

	// Lock obtained on the retry.
	lock := &fakeLocker{failures: 1}
	store := newTestStore(tier, nil, nil, lock)
	require.NoError(t, store.Save(context.Background(), New(testKey())))
	assert.Equal(t, 2, lock.acquires)
	assert.Equal(t, 1, lock.releases)

	// Both attempts fail: the write still happens.
	lock = &fakeLocker{failures: 2}
	store = newTestStore(tier, nil, nil, lock)
	require.NoError(t, store.Save(context.Background(), New(testKey())))
	assert.Equal(t, 2, lock.acquires)
	assert.Equal(t, 0, lock.releases)
	assert.Contains(t, tier.sessions, testKey())
}

func TestSaveLastWriterWins(t *testing.T) {
	tier := newFakeTier("durable")
	store := newTestStore(nil, tier, nil, &fakeLocker{failures: 1})

	first := New(testKey())
	first.Data["step"] = "one"
	second := New(testKey())
	second.Data["step"] = "two"

	require.NoError(t, store.Save(context.Background(), first))
	require.NoError(t, store.Save(context.Background(), second))

	loaded := store.Load(context.Background(), testKey())
	require.NotNil(t, loaded)
	assert.Equal(t, "two", loaded.Data["step"])
	// No merged blob: the first write's key set is fully replaced.
	assert.Len(t, loaded.Data, 1)
}

func TestSaveReportsTotalWriteFailure(t *testing.T) {
	cache := newFakeTier("cache")
	cache.putErr = errors.New("redis down")
	durable := newFakeTier("durable")
	durable.putErr = errors.New("postgres down")
	store := newTestStore(cache, durable, nil, nil)

	err := store.Save(context.Background(), New(testKey()))
	assert.Error(t, err)

	// A single surviving tier is enough for success.
	durable.putErr = nil
	require.NoError(t, store.Save(context.Background(), New(testKey())))
}

func TestClearSoftDeletes(t *testing.T) {
	cache := newFakeTier("cache")
	durable := newFakeTier("durable")
	local := newFakeTier("local")
	store := newTestStore(cache, durable, local, nil)

	require.NoError(t, store.Save(context.Background(), New(testKey())))
	store.Clear(context.Background(), testKey())

	assert.Equal(t, 1, cache.deletes)
	assert.Equal(t, 1, durable.deletes)
	assert.Equal(t, 1, local.deletes)
}

func TestLoadDurableRecoversCursor(t *testing.T) {
	cache := newFakeTier("cache")
	durable := newFakeTier("durable")
	stored := New(testKey())
	stored.Flow = &FlowCursor{FlowID: "appointment_v1", StepID: "pick_date"}
	durable.sessions[testKey()] = stored

	// Cache holds a stale session without a cursor.
	stale := New(testKey())
	cache.sessions[testKey()] = stale

	store := newTestStore(cache, durable, nil, nil)
	recovered, err := store.LoadDurable(context.Background(), testKey())
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.NotNil(t, recovered.Flow)
	assert.Equal(t, "pick_date", recovered.Flow.StepID)

	// Recovery back-fills the cache tier.
	assert.NotNil(t, cache.sessions[testKey()].Flow)
}

func TestCloneDoesNotAlias(t *testing.T) {
	s := New(testKey())
	s.Data["a"] = "1"
	s.ButtonMapping = map[string]string{"b1": "step"}
	clone := s.Clone()
	clone.Data["a"] = "2"
	clone.ButtonMapping["b1"] = "other"

	assert.Equal(t, "1", s.Data["a"])
	assert.Equal(t, "step", s.ButtonMapping["b1"])
}

func TestPendingInteractionExclusivity(t *testing.T) {
	s := New(testKey())
	s.SetAwaitingInput(&PendingInput{Field: "name"})
	require.NotNil(t, s.AwaitingInput)

	s.SetPrompt(map[string]string{"yes": "confirm"}, nil)
	assert.Nil(t, s.AwaitingInput)
	assert.Nil(t, s.AwaitingMedia)
	assert.NotNil(t, s.ButtonMapping)

	s.SetAwaitingMedia(&PendingMedia{Field: "photo"})
	assert.Nil(t, s.ButtonMapping)
	assert.NotNil(t, s.AwaitingMedia)
}
