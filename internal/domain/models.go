// Package domain contains the core entities of the cache and storage fabric.
// The domain layer is pure: no infrastructure dependencies.
package domain

import "time"

// DataType classifies cached payloads and selects the default TTL.
type DataType string

const (
	DataTypeOHLCV       DataType = "OHLCV"
	DataTypeIndicator   DataType = "INDICATOR"
	DataTypeFundamental DataType = "FUNDAMENTAL"
	DataTypeFX          DataType = "FX"
	DataTypeAnalysis    DataType = "ANALYSIS"
	DataTypeUnknown     DataType = "UNKNOWN"
)

// ParseDataType maps a stored string back to a DataType.
// Unrecognized values collapse to DataTypeUnknown.
func ParseDataType(s string) DataType {
	switch DataType(s) {
	case DataTypeOHLCV, DataTypeIndicator, DataTypeFundamental, DataTypeFX, DataTypeAnalysis:
		return DataType(s)
	default:
		return DataTypeUnknown
	}
}

// Symbol is a canonical, case-folded ticker with a surrogate id for joins.
// Symbols are created on first observation and never deleted.
type Symbol struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	Exchange  string    `json:"exchange"`
	ISIN      string    `json:"isin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SymbolMetadata holds the mutable attributes updated on enrichment.
type SymbolMetadata struct {
	Name     string
	Currency string
	Exchange string
	ISIN     string
}

// Bar is one OHLCV record for one symbol on one date.
// Re-insertion for the same (symbol_id, date) replaces prior values.
type Bar struct {
	SymbolID      int64     `json:"-"`
	Date          time.Time `json:"date"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	AdjustedClose float64   `json:"adjusted_close"`
	Volume        int64     `json:"volume"`
	SplitRatio    float64   `json:"split_ratio"`
	Dividend      float64   `json:"dividend"`
	Currency      string    `json:"currency"`
	DataSource    string    `json:"data_source"`
}

// ActionType is the kind of corporate action.
type ActionType string

const (
	ActionSplit    ActionType = "SPLIT"
	ActionDividend ActionType = "DIVIDEND"
)

// CorporateAction is a split or dividend event that retroactively adjusts
// historical prices. AdjustmentFactor is pre-computed: 1/R for a split of
// ratio R, 1.0 for dividends (volume is never dividend-scaled).
type CorporateAction struct {
	SymbolID         int64      `json:"-"`
	Date             time.Time  `json:"action_date"`
	Type             ActionType `json:"action_type"`
	SplitRatio       float64    `json:"split_ratio"`
	DividendAmount   float64    `json:"dividend_amount"`
	AdjustmentFactor float64    `json:"adjustment_factor"`
}

// Fundamental is a single reported metric keyed by
// (symbol_id, metric_type, period_ending). Replace-on-conflict.
type Fundamental struct {
	SymbolID     int64     `json:"-"`
	MetricType   string    `json:"metric_type"`
	PeriodEnding time.Time `json:"period_ending"`
	Value        float64   `json:"value"`
	Currency     string    `json:"currency"`
	ReportedAt   time.Time `json:"reported_at"`
	DataSource   string    `json:"data_source"`
}

// IndicatorValue is an opaque indicator scalar keyed by
// (symbol_id, indicator_type, date, params_fingerprint).
// Params is kept verbatim for audit; the fingerprint is the uniqueness key.
type IndicatorValue struct {
	SymbolID          int64                  `json:"-"`
	IndicatorType     string                 `json:"indicator_type"`
	Date              time.Time              `json:"date"`
	ParamsFingerprint string                 `json:"params_fingerprint"`
	Value             float64                `json:"value"`
	Params            map[string]interface{} `json:"params,omitempty"`
}

// FxRate is the single active rate for an ordered currency pair.
// A rate is valid iff ExpiresAt is strictly in the future.
type FxRate struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Rate       float64   `json:"rate"`
	SourceRate float64   `json:"source_rate"`
	ExpiresAt  time.Time `json:"expires_at"`
	DataSource string    `json:"data_source"`
}

// Valid reports whether the rate is usable at the given instant.
// A rate expiring exactly now is treated as expired.
func (r FxRate) Valid(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// FxRateSample is one historical observation of a pair's rate, appended on
// every successful upsert. Unlike fx_rates, history rows are never replaced.
type FxRateSample struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Rate       float64   `json:"rate"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MaintenanceRun records one background sweep for observability.
type MaintenanceRun struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	MemoryEvictions int64     `json:"memory_evictions"`
	StorageReaped   int64     `json:"storage_reaped"`
	FxReaped        int64     `json:"fx_reaped"`
	Note            string    `json:"note,omitempty"`
}

// CacheEntry is the persistent-tier freshness metadata for one cache key.
// The persistent tier is a freshness ledger, not a value store: values are
// reconstructed from the entity tables on a persistent-tier hit.
type CacheEntry struct {
	Key          string    `json:"key"`
	DataType     DataType  `json:"data_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// AnalysisResult is the composite orchestrator response served to the HTTP
// layer and cached under the ANALYSIS data type.
type AnalysisResult struct {
	Symbol       string    `json:"symbol"`
	CurrentPrice float64   `json:"currentPrice"`
	Currency     string    `json:"currency"`
	SMA50        *float64  `json:"sma50"`
	RSI          *float64  `json:"rsi"`
	Signal       string    `json:"signal"`
	Historical   []Bar     `json:"historical"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// HealthSnapshot describes the persistent tier for /health/database.
type HealthSnapshot struct {
	Healthy     bool           `json:"healthy"`
	Connection  string         `json:"connection"` // "connected" or "error"
	Stats       HealthStats    `json:"stats"`
	LastUpdated *time.Time     `json:"lastUpdated"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}

// HealthStats carries row counts for the health snapshot.
type HealthStats struct {
	Symbols int64 `json:"symbols"`
	Bars    int64 `json:"bars"`
}
