package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketfabric/internal/cache"
	"github.com/aristath/marketfabric/internal/domain"
	testhelpers "github.com/aristath/marketfabric/internal/testing"
)

func TestSweep(t *testing.T) {
	store, cleanup := testhelpers.NewTestStore(t)
	defer cleanup()
	ctx := context.Background()

	manager := cache.NewManager(store, nil, 0, zerolog.Nop())

	// Two expired in-process entries (their ledger rows expire with them)
	// and one fresh entry.
	manager.Set(ctx, "stale:1", 1, domain.DataTypeOHLCV, -time.Minute)
	manager.Set(ctx, "stale:2", 2, domain.DataTypeFX, -time.Minute)
	manager.Set(ctx, "fresh:1", 3, domain.DataTypeAnalysis, time.Hour)

	// One expired FX rate.
	require.NoError(t, store.UpsertFxRate(ctx, domain.FxRate{
		From: "USD", To: "EUR", Rate: 0.92, SourceRate: 0.92,
		ExpiresAt: time.Now().Add(-time.Minute), DataSource: "seed",
	}))

	svc := New(manager, store, nil, zerolog.Nop())
	require.NoError(t, svc.Sweep(ctx))

	assert.Equal(t, 1, manager.Stats().Entries)
	assert.Equal(t, int64(2), manager.Stats().Evictions)

	n, err := store.CacheEntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := store.GetFxRateRaw(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSweepInterleavesWithReads(t *testing.T) {
	store, cleanup := testhelpers.NewTestStore(t)
	defer cleanup()
	ctx := context.Background()

	manager := cache.NewManager(store, nil, 0, zerolog.Nop())
	manager.Set(ctx, "k", "v", domain.DataTypeAnalysis, time.Hour)

	svc := New(manager, store, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			manager.Get(ctx, "k", nil)
		}
	}()
	require.NoError(t, svc.Sweep(ctx))
	<-done

	_, _, ok := manager.Get(ctx, "k", nil)
	assert.True(t, ok)
}

func TestRunImplementsJob(t *testing.T) {
	store, cleanup := testhelpers.NewTestStore(t)
	defer cleanup()

	manager := cache.NewManager(store, nil, 0, zerolog.Nop())
	svc := New(manager, store, nil, zerolog.Nop())

	assert.Equal(t, "maintenance_sweep", svc.Name())
	assert.NoError(t, svc.Run())
}
