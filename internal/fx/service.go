// Package fx provides currency conversion backed by cached rates with
// tiered provider failover.
package fx

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/marketfabric/internal/domain"
)

// RateTTL is how long a fetched rate stays valid.
const RateTTL = time.Hour

// RateStore is the slice of the persistent store the FX service needs.
type RateStore interface {
	GetFxRate(ctx context.Context, from, to string) (*domain.FxRate, error)
	GetFxRateRaw(ctx context.Context, from, to string) (*domain.FxRate, error)
	UpsertFxRate(ctx context.Context, rate domain.FxRate) error
	GetFxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]domain.FxRateSample, error)
}

// Service resolves rates: same-currency short-circuit, cached direct rate,
// cached inverse rate, then the provider chain in declared order.
type Service struct {
	store      RateStore
	providers  []RateProvider
	allowStale bool
	log        zerolog.Logger
}

// NewService creates the FX service. allowStale permits serving an expired
// cached rate after total provider failure.
func NewService(store RateStore, providers []RateProvider, allowStale bool, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		providers:  providers,
		allowStale: allowStale,
		log:        log.With().Str("service", "fx").Logger(),
	}
}

// Enabled reports whether the service has at least one provider configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.providers) > 0
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// GetRate returns the rate for one unit of from expressed in to.
func (s *Service) GetRate(ctx context.Context, from, to string) (float64, error) {
	from = normalizeCurrency(from)
	to = normalizeCurrency(to)
	if from == "" || to == "" {
		return 0, domain.E(domain.KindValidation, "currency codes must not be empty")
	}
	if from == to {
		return 1.0, nil
	}

	// Valid cached direct rate wins.
	if cached, err := s.store.GetFxRate(ctx, from, to); err != nil {
		return 0, err
	} else if cached != nil {
		return cached.Rate, nil
	}

	// A valid inverse pair serves the request without a provider call,
	// even when the direct row exists but has expired.
	if inverse, err := s.store.GetFxRate(ctx, to, from); err != nil {
		return 0, err
	} else if inverse != nil && inverse.Rate != 0 {
		return 1.0 / inverse.Rate, nil
	}

	rate, source, err := s.fetchFromProviders(ctx, from, to)
	if err != nil {
		if s.allowStale {
			if stale, staleErr := s.store.GetFxRateRaw(ctx, from, to); staleErr == nil && stale != nil {
				s.log.Warn().
					Str("from", from).
					Str("to", to).
					Float64("rate", stale.Rate).
					Msg("All providers failed, serving stale cached rate")
				return stale.Rate, nil
			}
		}
		return 0, err
	}

	stored := domain.FxRate{
		From:       from,
		To:         to,
		Rate:       rate,
		SourceRate: rate,
		ExpiresAt:  time.Now().Add(RateTTL),
		DataSource: source,
	}
	if err := s.store.UpsertFxRate(ctx, stored); err != nil {
		s.log.Warn().Err(err).Str("from", from).Str("to", to).Msg("Failed to cache fetched rate")
	}
	return rate, nil
}

func (s *Service) fetchFromProviders(ctx context.Context, from, to string) (float64, string, error) {
	if len(s.providers) == 0 {
		return 0, "", domain.E(domain.KindFxUnavailable, "no FX providers configured")
	}

	var lastErr error
	for _, p := range s.providers {
		rate, err := p.FetchRate(ctx, from, to)
		if err == nil {
			return rate, p.Name(), nil
		}
		lastErr = err
		s.log.Warn().Err(err).Str("provider", p.Name()).Str("from", from).Str("to", to).
			Msg("Provider failed, trying next")
	}
	return 0, "", domain.Wrap(domain.KindFxUnavailable, "all FX providers failed", lastErr)
}

// Convert converts amount from one currency to another.
func (s *Service) Convert(ctx context.Context, from, to string, amount float64) (float64, error) {
	rate, err := s.GetRate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return amount * rate, nil
}

// ConversionRequest is one item of a batch conversion.
type ConversionRequest struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

// ConversionResult is the per-request outcome. One failure never aborts
// the batch.
type ConversionResult struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Converted float64 `json:"converted,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// BatchConvert converts each request independently.
func (s *Service) BatchConvert(ctx context.Context, requests []ConversionRequest) []ConversionResult {
	results := make([]ConversionResult, 0, len(requests))
	for _, req := range requests {
		result := ConversionResult{
			ID:     uuid.New().String(),
			From:   normalizeCurrency(req.From),
			To:     normalizeCurrency(req.To),
			Amount: req.Amount,
		}
		rate, err := s.GetRate(ctx, req.From, req.To)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Rate = rate
			result.Converted = req.Amount * rate
		}
		results = append(results, result)
	}
	return results
}

// RateHistory returns every recorded sample for the pair in [start, end].
func (s *Service) RateHistory(ctx context.Context, from, to string, start, end time.Time) ([]domain.FxRateSample, error) {
	return s.store.GetFxRateHistory(ctx, normalizeCurrency(from), normalizeCurrency(to), start, end)
}

// AverageRate returns the arithmetic mean over the window, or nil when the
// window holds no samples.
func (s *Service) AverageRate(ctx context.Context, from, to string, start, end time.Time) (*float64, error) {
	history, err := s.RateHistory(ctx, from, to, start, end)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}

	rates := make([]float64, len(history))
	for i, sample := range history {
		rates[i] = sample.Rate
	}
	mean := stat.Mean(rates, nil)
	return &mean, nil
}
