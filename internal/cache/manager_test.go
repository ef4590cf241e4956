package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketfabric/internal/domain"
)

// fakeLedger records freshness metadata in memory.
type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]time.Time)}
}

func (f *fakeLedger) IsCacheValid(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.entries[key]
	return ok && exp.After(time.Now()), nil
}

func (f *fakeLedger) TouchCache(_ context.Context, key string, _ domain.DataType, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = time.Now().Add(ttl)
	return nil
}

func (f *fakeLedger) InvalidateCache(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeLedger) ClearCache(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]time.Time)
	return nil
}

func TestGetSetMemoryTier(t *testing.T) {
	m := NewManager(newFakeLedger(), nil, 0, zerolog.Nop())
	ctx := context.Background()

	_, _, ok := m.Get(ctx, "k", nil)
	assert.False(t, ok)

	m.Set(ctx, "k", "v", domain.DataTypeAnalysis, time.Minute)

	val, tier, ok := m.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, TierMemory, tier)
	assert.Equal(t, "v", val)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRatio)
}

func TestExpiredEntryEvictedOnAccess(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())
	ctx := context.Background()

	m.Set(ctx, "k", "v", domain.DataTypeOHLCV, -time.Second)

	_, _, ok := m.Get(ctx, "k", nil)
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Entries)
}

func TestPersistentTierHit(t *testing.T) {
	ledger := newFakeLedger()
	m := NewManager(ledger, nil, 0, zerolog.Nop())
	ctx := context.Background()

	// Another process recorded freshness; this process has no memory entry.
	require.NoError(t, ledger.TouchCache(ctx, "k", domain.DataTypeOHLCV, time.Minute))

	val, tier, ok := m.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, TierPersistent, tier)
	// The ledger attests freshness only; the caller rebuilds the value.
	assert.Nil(t, val)

	assert.Equal(t, int64(1), m.Stats().PersistentHits)
}

func TestDistributedTierHit(t *testing.T) {
	srv := miniredis.RunT(t)
	tier := NewRedisTierFromClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	defer tier.Close()

	m := NewManager(nil, tier, 0, zerolog.Nop())
	ctx := context.Background()

	type payload struct {
		Price float64 `msgpack:"price"`
	}
	m.Set(ctx, "k", payload{Price: 101.5}, domain.DataTypeAnalysis, time.Minute)

	// Drop the memory entry so the read must fall through to redis.
	m2 := NewManager(nil, tier, 0, zerolog.Nop())
	var dest payload
	val, gotTier, ok := m2.Get(ctx, "k", &dest)
	require.True(t, ok)
	assert.Equal(t, TierDistributed, gotTier)
	assert.Equal(t, 101.5, dest.Price)
	assert.Same(t, &dest, val)
}

func TestDeleteAndClear(t *testing.T) {
	ledger := newFakeLedger()
	m := NewManager(ledger, nil, 0, zerolog.Nop())
	ctx := context.Background()

	m.Set(ctx, "a", 1, domain.DataTypeFX, time.Minute)
	m.Set(ctx, "b", 2, domain.DataTypeFX, time.Minute)

	m.Delete(ctx, "a")
	_, _, ok := m.Get(ctx, "a", nil)
	assert.False(t, ok)

	m.Clear(ctx)
	_, _, ok = m.Get(ctx, "b", nil)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Stats().Entries)
}

func TestEnforceMaxSizeEvictsLRU(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())
	ctx := context.Background()

	m.Set(ctx, "old", 1, domain.DataTypeOHLCV, time.Minute)
	time.Sleep(2 * time.Millisecond)
	m.Set(ctx, "mid", 2, domain.DataTypeOHLCV, time.Minute)
	time.Sleep(2 * time.Millisecond)
	m.Set(ctx, "new", 3, domain.DataTypeOHLCV, time.Minute)

	// Touch "old" so "mid" becomes the least recently accessed.
	time.Sleep(2 * time.Millisecond)
	_, _, ok := m.Get(ctx, "old", nil)
	require.True(t, ok)

	m.EnforceMaxSize(2)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)

	_, _, ok = m.Get(ctx, "mid", nil)
	assert.False(t, ok)
	_, _, ok = m.Get(ctx, "old", nil)
	assert.True(t, ok)
	_, _, ok = m.Get(ctx, "new", nil)
	assert.True(t, ok)
}

func TestMaxEntriesEnforcedOnSet(t *testing.T) {
	m := NewManager(nil, nil, 2, zerolog.Nop())
	ctx := context.Background()

	m.Set(ctx, "a", 1, domain.DataTypeOHLCV, time.Minute)
	time.Sleep(2 * time.Millisecond)
	m.Set(ctx, "b", 2, domain.DataTypeOHLCV, time.Minute)
	time.Sleep(2 * time.Millisecond)
	m.Set(ctx, "c", 3, domain.DataTypeOHLCV, time.Minute)

	assert.Equal(t, 2, m.Stats().Entries)
	_, _, ok := m.Get(ctx, "a", nil)
	assert.False(t, ok)
}

func TestSweepRemovesExpired(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())
	ctx := context.Background()

	m.Set(ctx, "fresh", 1, domain.DataTypeOHLCV, time.Minute)
	m.Set(ctx, "stale1", 2, domain.DataTypeOHLCV, -time.Second)
	m.Set(ctx, "stale2", 3, domain.DataTypeOHLCV, -time.Second)

	removed := m.Sweep()
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 1, m.Stats().Entries)
}

func TestSingleFlightCoalescing(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())

	var calls atomic.Int64
	populate := func() (interface{}, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return "payload", nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]interface{}, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Do("analyze:MSFT", populate)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < n; i++ {
		assert.Equal(t, "payload", results[i])
	}
	// Coalesced: one populator's sleep, not fifty.
	assert.Less(t, elapsed, time.Second)
}

func TestSingleFlightDeliversError(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())

	wantErr := domain.E(domain.KindUpstreamUnavailable, "provider down")
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Do("analyze:FAIL", func() (interface{}, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, wantErr
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], wantErr)
	}
}

func TestNegativeTTLYieldsExpiredEntry(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())
	ctx := context.Background()

	// expiresAt is always now + ttl; a negative ttl must never produce a
	// live hit, only the zero ttl selects the data-type default.
	m.Set(ctx, "k", "v", domain.DataTypeOHLCV, -time.Second)

	_, _, ok := m.Get(ctx, "k", nil)
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestDefaultTTLUsedWhenZero(t *testing.T) {
	m := NewManager(nil, nil, 0, zerolog.Nop())
	ctx := context.Background()

	m.Set(ctx, "k", "v", domain.DataTypeOHLCV, 0)
	_, _, ok := m.Get(ctx, "k", nil)
	assert.True(t, ok)
}
