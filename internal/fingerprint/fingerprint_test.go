package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "AAPL", NormalizeSymbol("aapl"))
	assert.Equal(t, "AAPL", NormalizeSymbol(" AaPl "))
	assert.Equal(t, "BRK.B", NormalizeSymbol("brk.b"))
}

func TestValidSymbol(t *testing.T) {
	assert.True(t, ValidSymbol("AAPL"))
	assert.True(t, ValidSymbol("BRK.B"))
	assert.True(t, ValidSymbol("X-1"))
	assert.False(t, ValidSymbol("aapl"))       // not uppercased
	assert.False(t, ValidSymbol(""))           // empty
	assert.False(t, ValidSymbol("TOOLONGSYMBOL")) // > 10 chars
	assert.False(t, ValidSymbol("AA PL"))      // whitespace
}

func TestParamsKeyOrderIndependent(t *testing.T) {
	p1 := map[string]interface{}{"period": 14, "stdDev": 2.0}
	p2 := map[string]interface{}{"stdDev": 2.0, "period": 14}

	assert.Equal(t, Params(p1), Params(p2))
}

func TestParamsNumberFormatting(t *testing.T) {
	// 14 and 14.0 are structurally equal mappings and must fingerprint
	// byte-identically.
	p1 := map[string]interface{}{"period": 14}
	p2 := map[string]interface{}{"period": 14.0}
	assert.Equal(t, Params(p1), Params(p2))

	// No trailing zeros beyond significance.
	assert.Equal(t, `{"stdDev":2.5}`, Params(map[string]interface{}{"stdDev": 2.5}))
	assert.Equal(t, `{"stdDev":2}`, Params(map[string]interface{}{"stdDev": 2.0}))
}

func TestParamsCanonicalForm(t *testing.T) {
	p := map[string]interface{}{
		"signalPeriod": 9,
		"fastPeriod":   12,
		"slowPeriod":   26,
		"wilder":       true,
	}
	assert.Equal(t,
		`{"fastPeriod":12,"signalPeriod":9,"slowPeriod":26,"wilder":true}`,
		Params(p))
}

func TestParamsNested(t *testing.T) {
	p1 := map[string]interface{}{
		"bands": map[string]interface{}{"upper": 2.0, "lower": 2},
	}
	p2 := map[string]interface{}{
		"bands": map[string]interface{}{"lower": 2.0, "upper": 2},
	}
	assert.Equal(t, Params(p1), Params(p2))
}

func TestParamsEmpty(t *testing.T) {
	assert.Equal(t, "{}", Params(nil))
	assert.Equal(t, "{}", Params(map[string]interface{}{}))
}

func TestCompositeKeys(t *testing.T) {
	start, err := ParseDate("2026-01-02")
	require.NoError(t, err)
	end, err := ParseDate("2026-03-01")
	require.NoError(t, err)

	assert.Equal(t, "ohlcv:AAPL:2026-01-02:2026-03-01", OHLCVKey("aapl", start, end))
	assert.Equal(t, "analyze:MSFT", AnalysisKey("msft"))
	assert.Equal(t, "fx:USD:EUR", FxKey("usd", "eur"))
}

func TestDateNormalization(t *testing.T) {
	// Dates in keys are always UTC calendar dates.
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := time.Date(2026, 3, 1, 22, 0, 0, 0, loc) // 2026-03-02 in UTC

	assert.Equal(t, "2026-03-02", Date(local))
}
