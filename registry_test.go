package refresher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryImplementations(t *testing.T) map[string]Registry[FetchStrategy] {
	_, rdb := newTestClient(t)
	redisRegistry, err := NewRedisRegistry[FetchStrategy](WithRegistryClient[FetchStrategy](rdb))
	require.NoError(t, err)

	return map[string]Registry[FetchStrategy]{
		"Memory": NewMemoryRegistry[FetchStrategy](),
		"Redis":  redisRegistry,
	}
}

// TestRegistry runs the same lifecycle against every registry implementation: records are listed per family,
// oldest first, updates only touch present records and removal is idempotent.
func TestRegistry(t *testing.T) {
	for name, registry := range registryImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Relative to now so the redis registry's TTL never hides them.
			now := time.Now().UTC().Truncate(time.Second)
			older := TaskRecord[FetchStrategy]{ID: "b", Family: "tasks", Key: FromCacheOnly, State: StateRunning, CreatedAt: now.Add(-time.Second)}
			newer := TaskRecord[FetchStrategy]{ID: "a", Family: "tasks", Key: ForceReload, State: StateCreated, CreatedAt: now}
			other := TaskRecord[FetchStrategy]{ID: "c", Family: "projects", Key: FromCacheOnly, State: StateCreated, CreatedAt: now}

			for _, rec := range []TaskRecord[FetchStrategy]{newer, older, other} {
				added, err := registry.RegisterIfAbsent(ctx, rec)
				require.NoError(t, err)
				require.True(t, added)
			}

			records, err := registry.ListOutstanding(ctx, "tasks")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "b", records[0].ID, "Records must be listed oldest first")
			assert.Equal(t, "a", records[1].ID)
			assert.Equal(t, ForceReload, records[1].Key)

			newer.State = StateRunning
			require.NoError(t, registry.Update(ctx, newer))
			records, err = registry.ListOutstanding(ctx, "tasks")
			require.NoError(t, err)
			assert.Equal(t, StateRunning, records[1].State)

			require.NoError(t, registry.Remove(ctx, newer))
			require.NoError(t, registry.Remove(ctx, newer))

			// A late update must not bring a removed record back.
			require.NoError(t, registry.Update(ctx, newer))

			records, err = registry.ListOutstanding(ctx, "tasks")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "b", records[0].ID)

			records, err = registry.ListOutstanding(ctx, "projects")
			require.NoError(t, err)
			require.Len(t, records, 1)

			records, err = registry.ListOutstanding(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

// TestRegisterIfAbsent checks that an equal key of the same family is refused while its record is live, and that
// removing the record frees the key again.
func TestRegisterIfAbsent(t *testing.T) {
	for name, registry := range registryImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			owner := TaskRecord[FetchStrategy]{ID: "owner", Family: "tasks", Key: ForceReload, State: StateCreated, CreatedAt: now}
			rival := TaskRecord[FetchStrategy]{ID: "rival", Family: "tasks", Key: ForceReload, State: StateCreated, CreatedAt: now}
			elsewhere := TaskRecord[FetchStrategy]{ID: "elsewhere", Family: "projects", Key: ForceReload, State: StateCreated, CreatedAt: now}

			added, err := registry.RegisterIfAbsent(ctx, owner)
			require.NoError(t, err)
			require.True(t, added)

			added, err = registry.RegisterIfAbsent(ctx, rival)
			require.NoError(t, err)
			assert.False(t, added, "An equal key of the same family must be refused")

			added, err = registry.RegisterIfAbsent(ctx, elsewhere)
			require.NoError(t, err)
			assert.True(t, added, "Families are deduplicated independently")

			records, err := registry.ListOutstanding(ctx, "tasks")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "owner", records[0].ID)

			// Removing a record that never got registered must not release the owner's key.
			require.NoError(t, registry.Remove(ctx, rival))
			added, err = registry.RegisterIfAbsent(ctx, rival)
			require.NoError(t, err)
			assert.False(t, added)

			require.NoError(t, registry.Remove(ctx, owner))
			added, err = registry.RegisterIfAbsent(ctx, rival)
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestRedisRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("MissingClient", func(t *testing.T) {
		_, err := NewRedisRegistry[FetchStrategy]()
		assert.ErrorIs(t, err, ErrEmptyRedisClient)
	})

	t.Run("ExpiredRecordsIgnored", func(t *testing.T) {
		_, rdb := newTestClient(t)
		registry, err := NewRedisRegistry[FetchStrategy](
			WithRegistryClient[FetchStrategy](rdb),
			WithRecordTTL[FetchStrategy](time.Minute),
		)
		require.NoError(t, err)

		now := time.Now()
		registry.now = func() time.Time { return now }

		stale := TaskRecord[FetchStrategy]{ID: "stale", Family: "tasks", Key: FromCacheOnly, CreatedAt: now.Add(-2 * time.Minute)}
		fresh := TaskRecord[FetchStrategy]{ID: "fresh", Family: "tasks", Key: ForceReload, CreatedAt: now}
		for _, rec := range []TaskRecord[FetchStrategy]{stale, fresh} {
			added, err := registry.RegisterIfAbsent(ctx, rec)
			require.NoError(t, err)
			require.True(t, added)
		}

		records, err := registry.ListOutstanding(ctx, "tasks")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "fresh", records[0].ID)
	})

	t.Run("FamilyKeyExpires", func(t *testing.T) {
		mr, rdb := newTestClient(t)
		registry, err := NewRedisRegistry[FetchStrategy](
			WithRegistryClient[FetchStrategy](rdb),
			WithRegistryPrefix[FetchStrategy]("ide:jobs"),
			WithRecordTTL[FetchStrategy](time.Minute),
		)
		require.NoError(t, err)

		rec := TaskRecord[FetchStrategy]{ID: "x", Family: "tasks", Key: FromCacheOnly, CreatedAt: time.Now()}
		added, err := registry.RegisterIfAbsent(ctx, rec)
		require.NoError(t, err)
		require.True(t, added)
		assert.True(t, mr.Exists("ide:jobs:tasks"))
		assert.Equal(t, time.Minute, mr.TTL(`ide:jobs:tasks:claim:"from_cache_only"`))
		assert.Equal(t, time.Minute, mr.TTL("ide:jobs:tasks"))

		mr.FastForward(2 * time.Minute)
		assert.False(t, mr.Exists("ide:jobs:tasks"))
	})

	t.Run("CorruptEntriesSkipped", func(t *testing.T) {
		mr, rdb := newTestClient(t)
		registry, err := NewRedisRegistry[FetchStrategy](WithRegistryClient[FetchStrategy](rdb))
		require.NoError(t, err)

		mr.HSet(defaultRegistryPrefix+":tasks", "junk", "{not json")

		records, err := registry.ListOutstanding(ctx, "tasks")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("ClosedConnection", func(t *testing.T) {
		_, rdb := newTestClient(t)
		registry, err := NewRedisRegistry[FetchStrategy](WithRegistryClient[FetchStrategy](rdb))
		require.NoError(t, err)
		require.NoError(t, rdb.Close())

		_, err = registry.ListOutstanding(ctx, "tasks")
		assert.Error(t, err)
	})
}

// TestSharedRedisRegistry submits through two coordinators sharing a redis registry, as two processes would.
// The second coordinator must see the first one's outstanding task and suppress its own equal submission.
func TestSharedRedisRegistry(t *testing.T) {
	ctx := waitCtx(t)
	_, rdb := newTestClient(t)

	newCoordinator := func() (*Coordinator[FetchStrategy, string], *gatedProvider) {
		registry, err := NewRedisRegistry[FetchStrategy](WithRegistryClient[FetchStrategy](rdb))
		require.NoError(t, err)

		d := NewDispatcher(0)
		t.Cleanup(d.Close)

		p := newGatedProvider()
		c, err := NewCoordinator(
			WithProvider[FetchStrategy, string](p),
			WithConsumer[FetchStrategy, string](NewView[string](d, nil)),
			WithRegistry[FetchStrategy, string](registry),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(context.Background()) })
		return c, p
	}

	first, firstProvider := newCoordinator()
	second, _ := newCoordinator()

	h, err := first.Submit(ctx, ForceReload)
	require.NoError(t, err)
	awaitStart(t, firstProvider, ForceReload)

	outstanding, err := second.Outstanding(ctx)
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, StateRunning, outstanding[0].State)

	dup, err := second.Submit(ctx, ForceReload)
	require.NoError(t, err)
	assert.False(t, dup.Scheduled())

	firstProvider.release(ForceReload)
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	outstanding, err = second.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

// TestSharedRedisRegistryConcurrentSubmit starts several coordinators on one redis server, each with a registry of
// its own, and has all of them submit the same strategy at once. Exactly one of them may start a task.
func TestSharedRedisRegistryConcurrentSubmit(t *testing.T) {
	const coordinators = 8

	ctx := waitCtx(t)
	_, rdb := newTestClient(t)

	type member struct {
		coordinator *Coordinator[FetchStrategy, string]
		provider    *gatedProvider
	}

	members := make([]member, coordinators)
	for i := range members {
		registry, err := NewRedisRegistry[FetchStrategy](WithRegistryClient[FetchStrategy](rdb))
		require.NoError(t, err)

		d := NewDispatcher(0)
		t.Cleanup(d.Close)

		p := newGatedProvider()
		c, err := NewCoordinator(
			WithProvider[FetchStrategy, string](p),
			WithConsumer[FetchStrategy, string](NewView[string](d, nil)),
			WithRegistry[FetchStrategy, string](registry),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(context.Background()) })
		members[i] = member{coordinator: c, provider: p}
	}

	var (
		start   = make(chan struct{})
		wg      sync.WaitGroup
		handles = make([]*Handle[FetchStrategy, string], coordinators)
		errs    = make([]error, coordinators)
	)
	for i, m := range members {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			handles[i], errs[i] = m.coordinator.Submit(ctx, ForceReload)
		}()
	}
	close(start)
	wg.Wait()

	scheduled := 0
	for i, h := range handles {
		require.NoError(t, errs[i])
		if h.Scheduled() {
			scheduled++
		}
	}
	assert.Equal(t, 1, scheduled, "Exactly one coordinator must win the submission")

	for i, m := range members {
		m.provider.release(ForceReload)
		_, err := handles[i].Wait(ctx)
		require.NoError(t, err)
	}

	calls := 0
	for _, m := range members {
		calls += m.provider.callCount(ForceReload)
	}
	assert.Equal(t, 1, calls)

	outstanding, err := members[0].coordinator.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}
