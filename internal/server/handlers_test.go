package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketfabric/internal/analysis"
	"github.com/aristath/marketfabric/internal/cache"
	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fx"
	"github.com/aristath/marketfabric/internal/storage"
	testhelpers "github.com/aristath/marketfabric/internal/testing"
)

type stubUpstream struct {
	bars []domain.Bar
	err  error
}

func (s *stubUpstream) DailyBars(ctx context.Context, symbol string, days int) ([]domain.Bar, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.bars, "USD", nil
}

func (s *stubUpstream) CorporateActions(ctx context.Context, symbol string) ([]domain.CorporateAction, error) {
	return nil, nil
}

type stubRateProvider struct {
	rate float64
	err  error
}

func (s *stubRateProvider) Name() string { return "stub" }

func (s *stubRateProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	return s.rate, s.err
}

func seedBars(n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -n)
	for i := range bars {
		price := 100.0 + float64(i)
		bars[i] = domain.Bar{
			Date:          start.AddDate(0, 0, i),
			Open:          price,
			High:          price + 1,
			Low:           price - 1,
			Close:         price,
			AdjustedClose: price,
			Volume:        1000,
			Currency:      "USD",
			DataSource:    "upstream",
		}
	}
	return bars
}

func newTestServer(t *testing.T, upstream analysis.Upstream, providers []fx.RateProvider) (*Server, storage.Store, func()) {
	t.Helper()

	store, cleanup := testhelpers.NewTestStore(t)
	manager := cache.NewManager(store, nil, 0, zerolog.Nop())

	var fxSvc *fx.Service
	if providers != nil {
		fxSvc = fx.NewService(store, providers, false, zerolog.Nop())
	}

	srv := New(Config{
		Log:      zerolog.Nop(),
		Store:    store,
		Cache:    manager,
		Analysis: analysis.NewService(manager, store, upstream, 0, zerolog.Nop()),
		FX:       fxSvc,
		Port:     0,
		DevMode:  true,
	})
	return srv, store, cleanup
}

func doRequest(t *testing.T, srv *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDatabaseHealth(t *testing.T) {
	srv, store, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	_, err := store.UpsertSymbol(context.Background(), "AAPL", domain.SymbolMetadata{Currency: "USD"})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/health/database", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Database domain.HealthSnapshot `json:"database"`
		Cache    struct {
			MemoryEntries     int   `json:"memory_entries"`
			PersistentEntries int64 `json:"persistent_entries"`
		} `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Database.Healthy)
	assert.Equal(t, "connected", body.Database.Connection)
	assert.Equal(t, int64(1), body.Database.Stats.Symbols)
}

func TestCacheMetrics(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/metrics/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Entries)
}

func TestPerformanceMetrics(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/metrics/performance", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "goroutines")
	assert.Contains(t, body, "cache")
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{bars: seedBars(60)}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/api/analyze/aapl", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.AnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "AAPL", result.Symbol)
	assert.NotEmpty(t, result.Signal)
	assert.NotEmpty(t, result.Historical)
}

func TestAnalyzeInvalidSymbol(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	for _, target := range []string{
		"/api/analyze/TOOLONGSYMBOL",
		"/api/analyze/BAD%20SYM",
	} {
		rec := doRequest(t, srv, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Contains(t, rec.Body.String(), "error")
	}
}

func TestAnalyzeInvalidRange(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/api/analyze/AAPL?range=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeNoData(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{err: domain.E(domain.KindUpstreamUnavailable, "down")}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/api/analyze/MISSING", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConvertEndpoint(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, []fx.RateProvider{&stubRateProvider{rate: 0.92}})
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/api/currency/convert?from=usd&to=eur&amount=100", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "USD", body["from"])
	assert.Equal(t, "EUR", body["to"])
	assert.InDelta(t, 0.92, body["rate"], 1e-9)
	assert.InDelta(t, 92.0, body["converted"], 1e-9)
}

func TestConvertMissingParams(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, []fx.RateProvider{&stubRateProvider{rate: 1}})
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/api/currency/convert?from=USD", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/currency/convert?from=USD&to=EUR&amount=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConvertDisabled(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	rec := doRequest(t, srv, http.MethodGet, "/api/currency/convert?from=USD&to=EUR&amount=100", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBatchConvertEndpoint(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, []fx.RateProvider{&stubRateProvider{rate: 1.5}})
	defer cleanup()

	body := `{"conversions":[{"from":"USD","to":"CAD","amount":10},{"from":"USD","to":"USD","amount":5}]}`
	rec := doRequest(t, srv, http.MethodPost, "/api/currency/convert/batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Results []fx.ConversionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.InDelta(t, 15.0, resp.Results[0].Converted, 1e-9)
	assert.InDelta(t, 5.0, resp.Results[1].Converted, 1e-9)
	assert.NotEmpty(t, resp.Results[0].ID)
}

func TestBatchConvertEmptyBody(t *testing.T) {
	srv, _, cleanup := newTestServer(t, &stubUpstream{}, []fx.RateProvider{&stubRateProvider{rate: 1}})
	defer cleanup()

	rec := doRequest(t, srv, http.MethodPost, "/api/currency/convert/batch", `{"conversions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateHistoryEndpoint(t *testing.T) {
	srv, store, cleanup := newTestServer(t, &stubUpstream{}, []fx.RateProvider{&stubRateProvider{rate: 1}})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.UpsertFxRate(ctx, domain.FxRate{
		From: "USD", To: "EUR", Rate: 0.90, SourceRate: 0.90,
		ExpiresAt: time.Now().Add(time.Hour), DataSource: "seed",
	}))
	require.NoError(t, store.UpsertFxRate(ctx, domain.FxRate{
		From: "USD", To: "EUR", Rate: 0.94, SourceRate: 0.94,
		ExpiresAt: time.Now().Add(time.Hour), DataSource: "seed",
	}))

	rec := doRequest(t, srv, http.MethodGet, "/api/currency/history?from=USD&to=EUR&days=7", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Samples []domain.FxRateSample `json:"samples"`
		Average *float64              `json:"average"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Samples, 2)
	require.NotNil(t, body.Average)
	assert.InDelta(t, 0.92, *body.Average, 1e-9)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind   domain.Kind
		status int
	}{
		{domain.KindValidation, http.StatusBadRequest},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindFxUnavailable, http.StatusInternalServerError},
		{domain.KindStorageUnavailable, http.StatusInternalServerError},
		{domain.KindDataQuality, http.StatusInternalServerError},
		{domain.KindInternal, http.StatusInternalServerError},
	}

	srv, _, cleanup := newTestServer(t, &stubUpstream{}, nil)
	defer cleanup()

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.writeError(rec, domain.E(tc.kind, "boom"))
		assert.Equal(t, tc.status, rec.Code, string(tc.kind))
	}
}
