package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fx"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

// kindStatus maps error kinds to HTTP status codes. Anything unkinded or
// unexpected falls back to 500.
var kindStatus = map[domain.Kind]int{
	domain.KindValidation:          http.StatusBadRequest,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindUpstreamTimeout:     http.StatusInternalServerError,
	domain.KindUpstreamUnavailable: http.StatusInternalServerError,
	domain.KindStorageUnavailable:  http.StatusInternalServerError,
	domain.KindFxUnavailable:       http.StatusInternalServerError,
	domain.KindDataQuality:         http.StatusInternalServerError,
	domain.KindInternal:            http.StatusInternalServerError,
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, ok := kindStatus[domain.KindOf(err)]
	if !ok {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth answers the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDatabaseHealth reports the persistent tier plus cache counters.
func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.store.HealthSnapshot(r.Context())

	entryCount, err := s.store.CacheEntryCount(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to count cache entries")
	}

	status := http.StatusOK
	if !snapshot.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"database": snapshot,
		"cache": map[string]interface{}{
			"memory_entries":     s.cache.Stats().Entries,
			"persistent_entries": entryCount,
		},
	})
}

// handleCacheMetrics reports per-tier hit counters.
func (s *Server) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

// handlePerformanceMetrics reports process and host metrics alongside cache
// effectiveness and data freshness.
func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  float64(memStats.HeapAlloc) / 1024 / 1024,
		"cache":          s.cache.Stats(),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		resp["cpu_percent"] = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["system_memory_percent"] = vm.UsedPercent
	}

	snapshot := s.store.HealthSnapshot(r.Context())
	if snapshot.LastUpdated != nil {
		resp["data_age_hours"] = time.Since(*snapshot.LastUpdated).Hours()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAnalyze serves GET /api/analyze/{symbol}.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	if !symbolPattern.MatchString(symbol) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid symbol"})
		return
	}

	rangeDays := 0
	if raw := r.URL.Query().Get("range"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "range must be a positive integer"})
			return
		}
		rangeDays = n
	}

	result, err := s.analysis.Analyze(r.Context(), symbol, rangeDays)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleConvert serves GET /api/currency/convert?from=&to=&amount=.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if !s.fx.Enabled() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "currency conversion is not configured"})
		return
	}

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	amountRaw := r.URL.Query().Get("amount")
	if from == "" || to == "" || amountRaw == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from, to and amount are required"})
		return
	}
	amount, err := strconv.ParseFloat(amountRaw, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a number"})
		return
	}

	rate, err := s.fx.GetRate(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":      strings.ToUpper(strings.TrimSpace(from)),
		"to":        strings.ToUpper(strings.TrimSpace(to)),
		"amount":    amount,
		"rate":      rate,
		"converted": amount * rate,
	})
}

// handleBatchConvert serves POST /api/currency/convert/batch.
func (s *Server) handleBatchConvert(w http.ResponseWriter, r *http.Request) {
	if !s.fx.Enabled() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "currency conversion is not configured"})
		return
	}

	var body struct {
		Conversions []fx.ConversionRequest `json:"conversions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(body.Conversions) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversions must not be empty"})
		return
	}

	results := s.fx.BatchConvert(r.Context(), body.Conversions)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleRateHistory serves GET /api/currency/history?from=&to=&days=.
func (s *Server) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	if !s.fx.Enabled() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "currency conversion is not configured"})
		return
	}

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required"})
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be a positive integer"})
			return
		}
		days = n
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	history, err := s.fx.RateHistory(r.Context(), from, to, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	average, err := s.fx.AverageRate(r.Context(), from, to, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":    strings.ToUpper(strings.TrimSpace(from)),
		"to":      strings.ToUpper(strings.TrimSpace(to)),
		"days":    days,
		"samples": history,
		"average": average,
	})
}
