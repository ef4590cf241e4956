package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketfabric/internal/domain"
)

func newStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestDailyBars(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/daily/AAPL", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("days"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		_ = json.NewEncoder(w).Encode(dailyResponse{
			Symbol:   "AAPL",
			Currency: "USD",
			Bars: []rawBar{
				{Date: "2024-06-10", Open: 195, High: 197, Low: 194, Close: 196, Volume: 50000},
				{Date: "2024-06-11", Open: 196, High: 199, Low: 195, Close: 198, Volume: 60000},
			},
		})
	})

	client := NewClient(stub.URL, "test-key", true, zerolog.Nop())
	bars, currency, err := client.DailyBars(context.Background(), "aapl", 50)
	require.NoError(t, err)
	assert.Equal(t, "USD", currency)
	require.Len(t, bars, 2)
	assert.Equal(t, 196.0, bars[0].Close)
	assert.Equal(t, "upstream", bars[0].DataSource)
}

func TestDailyBarsSynthesizesOHLC(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(dailyResponse{
			Symbol: "XYZ",
			Bars:   []rawBar{{Date: "2024-06-10", Close: 100}},
		})
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	bars, currency, err := client.DailyBars(context.Background(), "XYZ", 1)
	require.NoError(t, err)
	assert.Equal(t, "USD", currency)
	require.Len(t, bars, 1)
	assert.Equal(t, 99.5, bars[0].Open)
	assert.Equal(t, 101.0, bars[0].High)
	assert.Equal(t, 99.0, bars[0].Low)
	assert.Equal(t, int64(1_000_000), bars[0].Volume)
	assert.Equal(t, "synthetic", bars[0].DataSource)
}

func TestDailyBarsSynthesisDisabled(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(dailyResponse{
			Symbol: "XYZ",
			Bars:   []rawBar{{Date: "2024-06-10", Close: 100}},
		})
	})

	client := NewClient(stub.URL, "", false, zerolog.Nop())
	_, _, err := client.DailyBars(context.Background(), "XYZ", 1)
	assert.True(t, domain.IsKind(err, domain.KindDataQuality))
}

func TestDailyBarsNotFound(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	_, _, err := client.DailyBars(context.Background(), "GHOST", 1)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestDailyBarsServerError(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	_, _, err := client.DailyBars(context.Background(), "AAPL", 1)
	assert.True(t, domain.IsKind(err, domain.KindUpstreamUnavailable))
}

func TestCorporateActions(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actions/NVDA", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]rawAction{
			{Date: "2024-06-10", Type: "SPLIT", SplitRatio: 10},
			{Date: "2024-03-15", Type: "DIVIDEND", DividendAmount: 0.04},
		})
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	actions, err := client.CorporateActions(context.Background(), "nvda")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, domain.ActionSplit, actions[0].Type)
	assert.Equal(t, 0.1, actions[0].AdjustmentFactor)
	assert.Equal(t, domain.ActionDividend, actions[1].Type)
	assert.Equal(t, 1.0, actions[1].AdjustmentFactor)
	assert.Equal(t, 1.0, actions[1].SplitRatio)
}

func TestCorporateActionsAbsentIsEmpty(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	actions, err := client.CorporateActions(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestQuote(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote/AAPL", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"price": 196.5})
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	quote, err := client.Quote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", quote.Symbol)
	assert.Equal(t, 196.5, quote.Price)
	assert.Equal(t, "USD", quote.Currency)
}

func TestFundamentals(t *testing.T) {
	stub := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rawFundamental{
			{MetricType: "eps", PeriodEnding: "2024-03-31", Value: 1.53, Currency: "USD"},
		})
	})

	client := NewClient(stub.URL, "", true, zerolog.Nop())
	rows, err := client.Fundamentals(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "eps", rows[0].MetricType)
	assert.Equal(t, 1.53, rows[0].Value)
}
