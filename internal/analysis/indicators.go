package analysis

import (
	"github.com/markcheno/go-talib"

	"github.com/aristath/marketfabric/internal/fingerprint"
	"github.com/aristath/marketfabric/internal/normalize"
)

// Indicator defaults. Callers always record the parameterization alongside
// the value, so non-default periods coexist in storage.
const (
	smaPeriod        = 50
	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
)

// SMA returns the latest simple moving average over period, or nil when the
// series is too short.
func SMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	values := talib.Sma(closes, period)
	last := normalize.Round4(values[len(values)-1])
	return &last
}

// RSI returns the latest relative strength index, or nil when the series is
// too short. talib needs period+1 points to seed the first value.
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	values := talib.Rsi(closes, period)
	last := normalize.Round4(values[len(values)-1])
	return &last
}

// MACD returns the latest MACD line value, or nil when the series is too
// short for the slow period plus signal seeding.
func MACD(closes []float64, fast, slow, signal int) *float64 {
	if len(closes) < slow+signal {
		return nil
	}
	macd, _, _ := talib.Macd(closes, fast, slow, signal)
	last := normalize.Round4(macd[len(macd)-1])
	return &last
}

func smaParams(period int) map[string]interface{} {
	return map[string]interface{}{"period": period}
}

func rsiParams(period int) map[string]interface{} {
	return map[string]interface{}{"period": period}
}

func macdParams(fast, slow, signal int) map[string]interface{} {
	return map[string]interface{}{
		"fastPeriod":   fast,
		"slowPeriod":   slow,
		"signalPeriod": signal,
	}
}

// paramsFingerprint is a convenience wrapper used when persisting rows.
func paramsFingerprint(params map[string]interface{}) string {
	return fingerprint.Params(params)
}
