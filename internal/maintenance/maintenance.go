// Package maintenance implements the background sweep: expired-entry
// eviction across tiers plus periodic database upkeep.
package maintenance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketfabric/internal/cache"
	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/storage"
)

// DBMaintainer is implemented by the embedded store; hosted mode passes nil.
type DBMaintainer interface {
	WALCheckpoint(mode string) error
	Vacuum() error
}

// Service runs the periodic sweep. A single instance runs per process; the
// scheduler guarantees non-overlapping invocations.
type Service struct {
	cache *cache.Manager
	store storage.Store
	db    DBMaintainer // nil when not embedded
	log   zerolog.Logger

	lastDailyUpkeep time.Time
}

// New creates the maintenance service. db may be nil.
func New(c *cache.Manager, store storage.Store, db DBMaintainer, log zerolog.Logger) *Service {
	return &Service{
		cache: c,
		store: store,
		db:    db,
		log:   log.With().Str("service", "maintenance").Logger(),
	}
}

// Name implements scheduler.Job.
func (s *Service) Name() string { return "maintenance_sweep" }

// Run implements scheduler.Job: one full sweep.
func (s *Service) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return s.Sweep(ctx)
}

// Sweep evicts expired entries from the in-process tier and the persistent
// ledger, reaps expired FX rates, and records the run. The distributed tier
// expires server-side and needs no sweeping.
func (s *Service) Sweep(ctx context.Context) error {
	started := time.Now().UTC()

	memoryEvictions := s.cache.Sweep()

	storageReaped, err := s.store.ReapExpiredCache(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to reap expired cache entries")
	}

	fxReaped, err := s.store.ReapExpiredFxRates(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to reap expired FX rates")
	}

	note := ""
	if s.dailyUpkeepDue(started) {
		note = s.runDailyUpkeep()
		s.lastDailyUpkeep = started
	}

	run := domain.MaintenanceRun{
		ID:              uuid.New().String(),
		StartedAt:       started,
		FinishedAt:      time.Now().UTC(),
		MemoryEvictions: memoryEvictions,
		StorageReaped:   storageReaped,
		FxReaped:        fxReaped,
		Note:            note,
	}
	if err := s.store.RecordMaintenanceRun(ctx, run); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record maintenance run")
	}

	s.log.Info().
		Int64("memory_evictions", memoryEvictions).
		Int64("storage_reaped", storageReaped).
		Int64("fx_reaped", fxReaped).
		Dur("elapsed", time.Since(started)).
		Msg("Maintenance sweep completed")
	return nil
}

func (s *Service) dailyUpkeepDue(now time.Time) bool {
	if s.db == nil {
		return false
	}
	return now.Sub(s.lastDailyUpkeep) >= 24*time.Hour
}

// runDailyUpkeep checkpoints the WAL and vacuums the embedded database.
func (s *Service) runDailyUpkeep() string {
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
		return "daily upkeep: checkpoint failed"
	}
	if err := s.db.Vacuum(); err != nil {
		s.log.Warn().Err(err).Msg("Vacuum failed")
		return "daily upkeep: vacuum failed"
	}
	s.log.Info().Msg("Daily database upkeep completed")
	return "daily upkeep completed"
}
