package domain

import "time"

// TTL defaults per data class. These are added to time.Now() when storing
// to calculate expires_at. Callers may override per call.
const (
	// Short-lived market data (changes intraday)
	TTLOHLCV = 15 * time.Minute

	// Derived values (recomputed from bars; cheap to rebuild)
	TTLIndicator = time.Hour
	TTLAnalysis  = time.Hour

	// Currency exchange rates
	TTLFx = time.Hour

	// Reported financials (updates with filings)
	TTLFundamental = 6 * time.Hour
)

// DefaultTTL returns the default TTL for a data type.
// Unknown types get the shortest TTL so bad entries age out quickly.
func DefaultTTL(dt DataType) time.Duration {
	switch dt {
	case DataTypeOHLCV:
		return TTLOHLCV
	case DataTypeIndicator:
		return TTLIndicator
	case DataTypeFundamental:
		return TTLFundamental
	case DataTypeFX:
		return TTLFx
	case DataTypeAnalysis:
		return TTLAnalysis
	default:
		return TTLOHLCV
	}
}
