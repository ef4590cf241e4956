// Package marketdata provides the upstream market data client: daily bars,
// corporate actions, fundamentals, and quotes over HTTP, plus an optional
// live quote stream over websocket.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fingerprint"
)

const requestTimeout = 5 * time.Second

// Synthetic OHLC constants used when upstream serves close-only bars.
const (
	syntheticOpenFactor = 0.995
	syntheticHighFactor = 1.01
	syntheticLowFactor  = 0.99
	syntheticVolume     = 1_000_000
)

// Client fetches market data over HTTP.
type Client struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	allowSynthetic bool
	log            zerolog.Logger
}

// NewClient creates a market data client. allowSynthetic permits OHLC
// synthesis when upstream serves close-only bars.
func NewClient(baseURL, apiKey string, allowSynthetic bool, log zerolog.Logger) *Client {
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		client:         &http.Client{Timeout: requestTimeout},
		allowSynthetic: allowSynthetic,
		log:            log.With().Str("client", "marketdata").Logger(),
	}
}

// Quote is a current price observation.
type Quote struct {
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

type rawBar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type dailyResponse struct {
	Symbol   string   `json:"symbol"`
	Currency string   `json:"currency"`
	Bars     []rawBar `json:"bars"`
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Wrap(domain.KindUpstreamTimeout, "market data request timed out", err)
		}
		return domain.Wrap(domain.KindUpstreamUnavailable, "market data request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Ef(domain.KindNotFound, "upstream has no data for %s", path)
	case resp.StatusCode != http.StatusOK:
		return domain.Ef(domain.KindUpstreamUnavailable, "market data API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Wrap(domain.KindUpstreamUnavailable, "failed to parse market data response", err)
	}
	return nil
}

// DailyBars fetches up to days daily bars for symbol, newest last. Close-only
// upstream rows get synthesized OHLC when permitted, otherwise the batch is
// rejected as a data quality failure.
func (c *Client) DailyBars(ctx context.Context, symbol string, days int) ([]domain.Bar, string, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	var resp dailyResponse
	q := url.Values{"days": []string{fmt.Sprintf("%d", days)}}
	if err := c.getJSON(ctx, "/daily/"+sym, q, &resp); err != nil {
		return nil, "", err
	}

	currency := resp.Currency
	if currency == "" {
		currency = "USD"
	}

	bars := make([]domain.Bar, 0, len(resp.Bars))
	for _, raw := range resp.Bars {
		date, err := fingerprint.ParseDate(raw.Date)
		if err != nil {
			return nil, "", domain.Ef(domain.KindDataQuality, "upstream bar has malformed date %q", raw.Date)
		}

		bar := domain.Bar{
			Date:       date,
			Open:       raw.Open,
			High:       raw.High,
			Low:        raw.Low,
			Close:      raw.Close,
			Volume:     raw.Volume,
			Currency:   currency,
			DataSource: "upstream",
		}

		if raw.Open == 0 && raw.High == 0 && raw.Low == 0 && raw.Close > 0 {
			if !c.allowSynthetic {
				return nil, "", domain.Ef(domain.KindDataQuality,
					"upstream returned close-only bar for %s on %s and synthesis is disabled", sym, raw.Date)
			}
			bar.Open = raw.Close * syntheticOpenFactor
			bar.High = raw.Close * syntheticHighFactor
			bar.Low = raw.Close * syntheticLowFactor
			if bar.Volume == 0 {
				bar.Volume = syntheticVolume
			}
			bar.DataSource = "synthetic"
		}

		bars = append(bars, bar)
	}

	return bars, currency, nil
}

type rawAction struct {
	Date           string  `json:"date"`
	Type           string  `json:"type"`
	SplitRatio     float64 `json:"split_ratio"`
	DividendAmount float64 `json:"dividend_amount"`
}

// CorporateActions fetches split and dividend events for symbol. The
// adjustment factor is derived here so downstream never recomputes it.
func (c *Client) CorporateActions(ctx context.Context, symbol string) ([]domain.CorporateAction, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	var raw []rawAction
	if err := c.getJSON(ctx, "/actions/"+sym, nil, &raw); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.CorporateAction{}, nil
		}
		return nil, err
	}

	actions := make([]domain.CorporateAction, 0, len(raw))
	for _, a := range raw {
		date, err := fingerprint.ParseDate(a.Date)
		if err != nil {
			return nil, domain.Ef(domain.KindDataQuality, "upstream action has malformed date %q", a.Date)
		}

		action := domain.CorporateAction{
			Date:             date,
			Type:             domain.ActionType(a.Type),
			SplitRatio:       a.SplitRatio,
			DividendAmount:   a.DividendAmount,
			AdjustmentFactor: 1.0,
		}
		if action.Type == domain.ActionSplit && a.SplitRatio > 0 {
			action.AdjustmentFactor = 1.0 / a.SplitRatio
		}
		if action.SplitRatio <= 0 {
			action.SplitRatio = 1.0
		}
		actions = append(actions, action)
	}
	return actions, nil
}

type rawFundamental struct {
	MetricType   string  `json:"metric_type"`
	PeriodEnding string  `json:"period_ending"`
	Value        float64 `json:"value"`
	Currency     string  `json:"currency"`
}

// Fundamentals fetches reported metrics for symbol.
func (c *Client) Fundamentals(ctx context.Context, symbol string) ([]domain.Fundamental, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	var raw []rawFundamental
	if err := c.getJSON(ctx, "/fundamentals/"+sym, nil, &raw); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return []domain.Fundamental{}, nil
		}
		return nil, err
	}

	out := make([]domain.Fundamental, 0, len(raw))
	for _, f := range raw {
		period, err := fingerprint.ParseDate(f.PeriodEnding)
		if err != nil {
			return nil, domain.Ef(domain.KindDataQuality, "upstream fundamental has malformed period %q", f.PeriodEnding)
		}
		out = append(out, domain.Fundamental{
			MetricType:   f.MetricType,
			PeriodEnding: period,
			Value:        f.Value,
			Currency:     f.Currency,
			ReportedAt:   time.Now().UTC(),
			DataSource:   "upstream",
		})
	}
	return out, nil
}

// Quote fetches the current price for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	sym := fingerprint.NormalizeSymbol(symbol)

	var quote Quote
	if err := c.getJSON(ctx, "/quote/"+sym, nil, &quote); err != nil {
		return nil, err
	}
	quote.Symbol = sym
	if quote.Currency == "" {
		quote.Currency = "USD"
	}
	return &quote, nil
}
