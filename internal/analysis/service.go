// Package analysis is the orchestrator behind /api/analyze: it walks the
// cache tiers, falls back to storage and then upstream, computes indicators,
// and assembles the composite response.
package analysis

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketfabric/internal/cache"
	"github.com/aristath/marketfabric/internal/clients/marketdata"
	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fingerprint"
	"github.com/aristath/marketfabric/internal/normalize"
	"github.com/aristath/marketfabric/internal/storage"
)

// DefaultRangeDays is the window analyzed when the caller does not override.
const DefaultRangeDays = 50

// requiredBars is the minimum series length that yields any indicator:
// RSI needs period+1 closes to seed.
const requiredBars = rsiPeriod + 1

// historicalBars is how many trailing bars the response carries.
const historicalBars = 50

// Upstream is the slice of the market data client the orchestrator needs.
type Upstream interface {
	DailyBars(ctx context.Context, symbol string, days int) ([]domain.Bar, string, error)
	CorporateActions(ctx context.Context, symbol string) ([]domain.CorporateAction, error)
}

var _ Upstream = (*marketdata.Client)(nil)

// Service orchestrates the analysis pipeline.
type Service struct {
	cache    *cache.Manager
	store    storage.Store
	upstream Upstream
	ttl      time.Duration
	log      zerolog.Logger
}

// NewService creates the orchestrator. ttl <= 0 selects the ANALYSIS default.
func NewService(c *cache.Manager, store storage.Store, upstream Upstream, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = domain.TTLAnalysis
	}
	return &Service{
		cache:    c,
		store:    store,
		upstream: upstream,
		ttl:      ttl,
		log:      log.With().Str("service", "analysis").Logger(),
	}
}

// Analyze produces the composite result for symbol over the trailing
// rangeDays window. Results are cached under "analyze:{SYMBOL}".
func (s *Service) Analyze(ctx context.Context, symbol string, rangeDays int) (*domain.AnalysisResult, error) {
	sym := fingerprint.NormalizeSymbol(symbol)
	if !fingerprint.ValidSymbol(sym) {
		return nil, domain.Ef(domain.KindValidation, "invalid symbol %q", symbol)
	}
	if rangeDays <= 0 {
		rangeDays = DefaultRangeDays
	}

	key := fingerprint.AnalysisKey(sym)

	var cached domain.AnalysisResult
	if val, tier, ok := s.cache.Get(ctx, key, &cached); ok {
		switch tier {
		case cache.TierMemory:
			if result, castOK := val.(*domain.AnalysisResult); castOK {
				return result, nil
			}
		case cache.TierDistributed:
			return &cached, nil
		case cache.TierPersistent:
			// The ledger attests the stored series is fresh; rebuild from
			// the entity tables without touching upstream.
			result, err := s.buildFromStorage(ctx, sym, rangeDays)
			if err == nil && result != nil {
				s.cache.Set(ctx, key, result, domain.DataTypeAnalysis, s.ttl)
				return result, nil
			}
			// Ledger and entity tables disagree; fall through to repopulate.
		}
	}

	val, err := s.cache.Do(key, func() (interface{}, error) {
		return s.populate(ctx, sym, rangeDays)
	})
	if err != nil {
		return nil, err
	}
	result := val.(*domain.AnalysisResult)
	s.cache.Set(ctx, key, result, domain.DataTypeAnalysis, s.ttl)
	return result, nil
}

func (s *Service) populate(ctx context.Context, sym string, rangeDays int) (*domain.AnalysisResult, error) {
	result, err := s.buildFromStorage(ctx, sym, rangeDays)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	if err := s.refreshFromUpstream(ctx, sym, rangeDays); err != nil {
		if domain.IsKind(err, domain.KindValidation) || domain.IsKind(err, domain.KindDataQuality) {
			return nil, err
		}
		return nil, domain.Wrap(domain.KindNotFound, "no data available for "+sym, err)
	}

	result, err = s.buildFromStorage(ctx, sym, rangeDays)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, domain.Ef(domain.KindNotFound, "no data available for %s", sym)
	}
	return result, nil
}

// refreshFromUpstream fetches, normalizes, and persists the series.
func (s *Service) refreshFromUpstream(ctx context.Context, sym string, rangeDays int) error {
	days := rangeDays
	if days < smaPeriod {
		days = smaPeriod
	}

	raw, currency, err := s.upstream.DailyBars(ctx, sym, days)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return domain.Ef(domain.KindNotFound, "upstream returned no bars for %s", sym)
	}

	actions, err := s.upstream.CorporateActions(ctx, sym)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", sym).Msg("Corporate action fetch failed, normalizing without actions")
		actions = nil
	}

	normalized, err := normalize.Bars(raw, actions)
	if err != nil {
		return err
	}

	if _, err := s.store.UpsertSymbol(ctx, sym, domain.SymbolMetadata{Currency: currency}); err != nil {
		return err
	}
	if len(actions) > 0 {
		if err := s.store.UpsertCorporateActions(ctx, sym, actions); err != nil {
			return err
		}
	}
	return s.store.UpsertBars(ctx, sym, normalized)
}

// buildFromStorage assembles the result from persisted bars, or returns
// (nil, nil) when the stored series is too short to analyze.
func (s *Service) buildFromStorage(ctx context.Context, sym string, rangeDays int) (*domain.AnalysisResult, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -rangeDays)

	bars, err := s.store.GetBars(ctx, sym, start, now)
	if err != nil {
		return nil, err
	}
	if len(bars) < requiredBars {
		return nil, nil
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	sma := SMA(closes, smaPeriod)
	rsi := RSI(closes, rsiPeriod)
	macd := MACD(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)

	s.persistIndicators(ctx, sym, bars[len(bars)-1].Date, sma, rsi, macd)

	symRow, err := s.store.GetSymbol(ctx, sym)
	if err != nil {
		return nil, err
	}
	currency := "USD"
	if symRow != nil && symRow.Currency != "" {
		currency = symRow.Currency
	}

	historical := bars
	if len(historical) > historicalBars {
		historical = historical[len(historical)-historicalBars:]
	}

	last := bars[len(bars)-1]
	return &domain.AnalysisResult{
		Symbol:       sym,
		CurrentPrice: last.Close,
		Currency:     currency,
		SMA50:        sma,
		RSI:          rsi,
		Signal:       signalFrom(last.Close, sma, rsi),
		Historical:   historical,
		GeneratedAt:  now,
	}, nil
}

// persistIndicators writes the computed values with their parameter
// fingerprints. Failures are logged: indicators are derived data and must
// not fail the analysis.
func (s *Service) persistIndicators(ctx context.Context, sym string, date time.Time, sma, rsi, macd *float64) {
	var rows []domain.IndicatorValue
	if sma != nil {
		params := smaParams(smaPeriod)
		rows = append(rows, domain.IndicatorValue{
			IndicatorType: "sma", Date: date, Value: *sma,
			Params: params, ParamsFingerprint: paramsFingerprint(params),
		})
	}
	if rsi != nil {
		params := rsiParams(rsiPeriod)
		rows = append(rows, domain.IndicatorValue{
			IndicatorType: "rsi", Date: date, Value: *rsi,
			Params: params, ParamsFingerprint: paramsFingerprint(params),
		})
	}
	if macd != nil {
		params := macdParams(macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
		rows = append(rows, domain.IndicatorValue{
			IndicatorType: "macd", Date: date, Value: *macd,
			Params: params, ParamsFingerprint: paramsFingerprint(params),
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := s.store.UpsertIndicators(ctx, sym, rows); err != nil {
		s.log.Warn().Err(err).Str("symbol", sym).Msg("Failed to persist indicators")
	}
}

// signalFrom derives the trading signal: oversold RSI buys, overbought RSI
// sells, otherwise the price's position against the SMA decides.
func signalFrom(price float64, sma, rsi *float64) string {
	if rsi != nil {
		if *rsi < 30 {
			return "BUY"
		}
		if *rsi > 70 {
			return "SELL"
		}
	}
	if sma != nil {
		if price > *sma {
			return "HOLD"
		}
		return "WATCH"
	}
	return "HOLD"
}
