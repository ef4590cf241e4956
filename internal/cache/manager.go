// Package cache implements the tiered read path: an in-process TTL+LRU map,
// an optional distributed Redis tier, and the persistent freshness ledger.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/marketfabric/internal/domain"
)

// Tier identifies which tier satisfied a read.
type Tier string

const (
	TierMemory      Tier = "memory"
	TierDistributed Tier = "distributed"
	TierPersistent  Tier = "persistent"
)

// Ledger is the slice of the persistent store the manager needs: freshness
// metadata only, never values. A persistent-tier hit means the caller may
// rebuild the value from the entity tables.
type Ledger interface {
	IsCacheValid(ctx context.Context, key string) (bool, error)
	TouchCache(ctx context.Context, key string, dataType domain.DataType, ttl time.Duration) error
	InvalidateCache(ctx context.Context, key string) error
	ClearCache(ctx context.Context) error
}

type entry struct {
	value        interface{}
	dataType     domain.DataType
	expiresAt    time.Time
	lastAccessed time.Time
}

// Stats is a point-in-time snapshot of the manager's counters.
type Stats struct {
	MemoryHits     int64   `json:"memory_hits"`
	DistributedHits int64  `json:"distributed_hits"`
	PersistentHits int64   `json:"persistent_hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	Entries        int     `json:"entries"`
	HitRatio       float64 `json:"hit_ratio"`
}

// Manager coordinates the tiers. All counter mutation happens under mu.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	maxEntries int
	ledger     Ledger
	redis      *RedisTier // nil when no distributed tier is configured
	flight     singleflight.Group
	log        zerolog.Logger

	memoryHits      int64
	distributedHits int64
	persistentHits  int64
	misses          int64
	evictions       int64
}

// NewManager creates a cache manager. redis may be nil; maxEntries <= 0
// disables the size cap.
func NewManager(ledger Ledger, redis *RedisTier, maxEntries int, log zerolog.Logger) *Manager {
	return &Manager{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		ledger:     ledger,
		redis:      redis,
		log:        log.With().Str("component", "cache").Logger(),
	}
}

// Get walks the tiers for key. On a memory hit the stored value is returned.
// On a distributed hit the payload is decoded into dest (when dest is
// non-nil) and dest is returned. On a persistent hit the value is nil: the
// ledger only attests freshness, and the caller rebuilds from storage.
// The final bool is false only on a full miss.
func (m *Manager) Get(ctx context.Context, key string, dest interface{}) (interface{}, Tier, bool) {
	now := time.Now()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		if now.Before(e.expiresAt) {
			e.lastAccessed = now
			m.memoryHits++
			val := e.value
			m.mu.Unlock()
			return val, TierMemory, true
		}
		delete(m.entries, key)
		m.evictions++
	}
	m.mu.Unlock()

	if m.redis != nil && dest != nil {
		data, found, err := m.redis.Get(ctx, key)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Distributed tier read failed")
		} else if found {
			if err := msgpack.Unmarshal(data, dest); err != nil {
				m.log.Warn().Err(err).Str("key", key).Msg("Failed to decode distributed entry")
			} else {
				m.mu.Lock()
				m.distributedHits++
				m.mu.Unlock()
				return dest, TierDistributed, true
			}
		}
	}

	if m.ledger != nil {
		valid, err := m.ledger.IsCacheValid(ctx, key)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Freshness ledger check failed")
		} else if valid {
			m.mu.Lock()
			m.persistentHits++
			m.mu.Unlock()
			return nil, TierPersistent, true
		}
	}

	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	return nil, "", false
}

// Set writes through all tiers. ttl == 0 selects the data type's default;
// a negative ttl yields an already-expired entry, since expiresAt is always
// now + ttl. Distributed and ledger failures are logged, not returned: a
// degraded outer tier never fails the request that produced the value.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, dataType domain.DataType, ttl time.Duration) {
	if ttl == 0 {
		ttl = domain.DefaultTTL(dataType)
	}
	now := time.Now()

	m.mu.Lock()
	m.entries[key] = &entry{
		value:        value,
		dataType:     dataType,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
	m.enforceMaxSizeLocked(m.maxEntries)
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.Set(ctx, key, value, ttl); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Distributed tier write failed")
		}
	}

	if m.ledger != nil {
		if err := m.ledger.TouchCache(ctx, key, dataType, ttl); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Freshness ledger write failed")
		}
	}
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.Delete(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Distributed tier delete failed")
		}
	}
	if m.ledger != nil {
		if err := m.ledger.InvalidateCache(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Freshness ledger delete failed")
		}
	}
}

// Clear empties the in-process tier and truncates the ledger.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	if m.ledger != nil {
		if err := m.ledger.ClearCache(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Freshness ledger clear failed")
		}
	}
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		MemoryHits:      m.memoryHits,
		DistributedHits: m.distributedHits,
		PersistentHits:  m.persistentHits,
		Misses:          m.misses,
		Evictions:       m.evictions,
		Entries:         len(m.entries),
	}
	total := s.MemoryHits + s.DistributedHits + s.PersistentHits + s.Misses
	if total > 0 {
		s.HitRatio = float64(s.MemoryHits+s.DistributedHits+s.PersistentHits) / float64(total)
	}
	return s
}

// EnforceMaxSize evicts least-recently-accessed entries until at most n
// remain. n <= 0 is a no-op.
func (m *Manager) EnforceMaxSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enforceMaxSizeLocked(n)
}

func (m *Manager) enforceMaxSizeLocked(n int) {
	if n <= 0 || len(m.entries) <= n {
		return
	}

	type keyed struct {
		key          string
		lastAccessed time.Time
	}
	all := make([]keyed, 0, len(m.entries))
	for k, e := range m.entries {
		all = append(all, keyed{k, e.lastAccessed})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastAccessed.Before(all[j].lastAccessed)
	})

	for _, victim := range all[:len(all)-n] {
		delete(m.entries, victim.key)
		m.evictions++
	}
}

// Sweep removes every expired in-process entry and returns the count.
// Called by the background maintenance loop.
func (m *Manager) Sweep() int64 {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			m.evictions++
			removed++
		}
	}
	return removed
}

// Do coalesces concurrent populators for key: exactly one fn runs, and all
// concurrent callers receive its result or its error unchanged.
func (m *Manager) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := m.flight.Do(key, fn)
	return v, err
}
