// Package storage implements the persistent tier of the cache fabric.
//
// Two variants expose the same capability set: an embedded single-file
// SQLite store and a hosted PostgreSQL store. Dialect differences (batch
// insert form, placeholders, now-expressions) are encapsulated here; callers
// never discriminate on the variant at runtime.
package storage

import (
	"context"
	"time"

	"github.com/aristath/marketfabric/internal/domain"
)

// Store is the capability set of the persistent tier.
//
// Absence is reported as (nil, nil) for single-row getters and an empty
// slice for range getters; errors are reserved for storage failures and
// missing-parent conditions (domain.KindNotFound).
type Store interface {
	// Symbols. Matching is case-insensitive: both variants casefold at the
	// boundary, so "aapl" == "AAPL".
	GetSymbol(ctx context.Context, symbol string) (*domain.Symbol, error)
	UpsertSymbol(ctx context.Context, symbol string, meta domain.SymbolMetadata) (*domain.Symbol, error)
	UpdateSymbol(ctx context.Context, symbol string, fields map[string]interface{}) error

	// Bars. Reads are date-ascending; batch upserts are atomic.
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
	UpsertBars(ctx context.Context, symbol string, bars []domain.Bar) error
	LastBar(ctx context.Context, symbol string) (*domain.Bar, error)

	// Fundamentals, ordered by period_ending DESC then metric_type ASC.
	GetFundamentals(ctx context.Context, symbol, metricType string) ([]domain.Fundamental, error)
	UpsertFundamentals(ctx context.Context, symbol string, rows []domain.Fundamental) error

	// Indicators, ordered by date DESC then indicator_type ASC.
	GetIndicators(ctx context.Context, symbol, indicatorType string, since *time.Time) ([]domain.IndicatorValue, error)
	UpsertIndicators(ctx context.Context, symbol string, rows []domain.IndicatorValue) error

	// Corporate actions, ordered by action_date ascending.
	GetCorporateActions(ctx context.Context, symbol string) ([]domain.CorporateAction, error)
	UpsertCorporateActions(ctx context.Context, symbol string, actions []domain.CorporateAction) error

	// FX rates. GetFxRate returns only valid rows (expires_at > now);
	// GetFxRateRaw also returns expired rows for stale-fallback callers.
	GetFxRate(ctx context.Context, from, to string) (*domain.FxRate, error)
	GetFxRateRaw(ctx context.Context, from, to string) (*domain.FxRate, error)
	UpsertFxRate(ctx context.Context, rate domain.FxRate) error
	GetFxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]domain.FxRateSample, error)
	ReapExpiredFxRates(ctx context.Context) (int64, error)

	// Cache metadata (freshness ledger).
	IsCacheValid(ctx context.Context, key string) (bool, error)
	TouchCache(ctx context.Context, key string, dataType domain.DataType, ttl time.Duration) error
	InvalidateCache(ctx context.Context, key string) error
	ClearCache(ctx context.Context) error
	ReapExpiredCache(ctx context.Context) (int64, error)
	CacheEntryCount(ctx context.Context) (int64, error)

	// Maintenance bookkeeping and health.
	RecordMaintenanceRun(ctx context.Context, run domain.MaintenanceRun) error
	HealthSnapshot(ctx context.Context) domain.HealthSnapshot

	Close() error
}

// symbolUpdateColumns is the closed set of columns UpdateSymbol accepts.
// Anything else is a programmer error surfaced as validation.
var symbolUpdateColumns = map[string]bool{
	"name":     true,
	"currency": true,
	"exchange": true,
	"isin":     true,
}
