package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/marketfabric/internal/domain"
)

// RateProvider fetches one rate for an ordered currency pair.
type RateProvider interface {
	Name() string
	FetchRate(ctx context.Context, from, to string) (float64, error)
}

const providerTimeout = 5 * time.Second

func classifyHTTPErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.KindUpstreamTimeout, "provider request timed out", err)
	}
	return domain.Wrap(domain.KindUpstreamUnavailable, "provider request failed", err)
}

// pairProvider hits a keyed endpoint that serves one pair per request.
type pairProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPairProvider creates the primary (keyed, pair-endpoint) provider.
func NewPairProvider(baseURL, apiKey string) RateProvider {
	return &pairProvider{
		name:    "pair-api",
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: providerTimeout},
	}
}

func (p *pairProvider) Name() string { return p.name }

func (p *pairProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	u := fmt.Sprintf("%s/pair/%s/%s?apikey=%s", p.baseURL, from, to, url.QueryEscape(p.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, classifyHTTPErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, domain.Ef(domain.KindUpstreamUnavailable, "%s returned status %d", p.name, resp.StatusCode)
	}

	var result struct {
		ConversionRate float64 `json:"conversion_rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to parse %s response: %w", p.name, err)
	}
	if result.ConversionRate <= 0 {
		return 0, domain.Ef(domain.KindUpstreamUnavailable, "%s returned non-positive rate", p.name)
	}
	return result.ConversionRate, nil
}

// tableProvider hits a base-currency endpoint that returns a rate table.
// Keyless when apiKey is empty (exchangerate-api.com style).
type tableProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTableProvider creates a base+symbols table provider.
func NewTableProvider(name, baseURL, apiKey string) RateProvider {
	return &tableProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: providerTimeout},
	}
}

func (p *tableProvider) Name() string { return p.name }

func (p *tableProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	u := fmt.Sprintf("%s/%s", p.baseURL, from)
	if p.apiKey != "" {
		u += "?apikey=" + url.QueryEscape(p.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, classifyHTTPErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, domain.Ef(domain.KindUpstreamUnavailable, "%s returned status %d", p.name, resp.StatusCode)
	}

	var result struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to parse %s response: %w", p.name, err)
	}

	rate, ok := result.Rates[to]
	if !ok || rate <= 0 {
		return 0, domain.Ef(domain.KindUpstreamUnavailable, "%s has no usable rate for %s", p.name, to)
	}
	return rate, nil
}

// breakerProvider wraps a provider in a circuit breaker so a flapping
// upstream is skipped quickly instead of eating its timeout on every call.
type breakerProvider struct {
	inner   RateProvider
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps provider in a circuit breaker.
func WithBreaker(inner RateProvider) RateProvider {
	return &breakerProvider{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        inner.Name(),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (b *breakerProvider) Name() string { return b.inner.Name() }

func (b *breakerProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.FetchRate(ctx, from, to)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, domain.Wrap(domain.KindUpstreamUnavailable, b.inner.Name()+" circuit open", err)
		}
		return 0, err
	}
	return result.(float64), nil
}

// DefaultProviders builds the production failover chain in declared order.
func DefaultProviders(apiKey string) []RateProvider {
	return []RateProvider{
		WithBreaker(NewPairProvider("https://v6.exchangerate-api.com/v6", apiKey)),
		WithBreaker(NewTableProvider("open-er-api", "https://open.er-api.com/v6/latest", "")),
		WithBreaker(NewTableProvider("fx-data-api", "https://api.fxratesapi.com/latest", apiKey)),
	}
}
