// Package fingerprint derives canonical cache keys and uniqueness keys:
// symbol casefolding, parameter fingerprints, and date normalization.
// Two parameter sets that compare equal as mappings must produce
// byte-identical fingerprints regardless of input key order.
package fingerprint

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// symbolPattern is the canonical ticker shape after uppercasing.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

// NormalizeSymbol casefolds a ticker to its canonical form.
// Symbols are always ASCII-uppercased at the boundary.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidSymbol reports whether a normalized symbol is well-formed.
func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// Date formats a timestamp as an ISO-8601 date (YYYY-MM-DD) in UTC.
// Used in bar and indicator keys.
func Date(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Timestamp formats a timestamp as RFC3339 UTC. Used in range keys.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseDate parses an ISO-8601 date into a UTC midnight timestamp.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

// Params serializes a parameter mapping into its canonical fingerprint:
// keys sorted lexicographically, numbers without trailing zeros, booleans
// as true/false, strings quoted, no insignificant whitespace.
func Params(params map[string]interface{}) string {
	if len(params) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeValue(&b, params[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeValue emits one canonical value. Numeric types collapse to the
// shortest decimal form so 14 and 14.0 fingerprint identically.
func writeValue(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		b.WriteString(strconv.Quote(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(val), 'f', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case map[string]interface{}:
		b.WriteString(Params(val))
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, item)
		}
		b.WriteByte(']')
	default:
		// Unrecognized types fall back to their Go string form; the
		// contract only covers JSON-shaped parameter mappings.
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", val)))
	}
}

// Key builds a composite cache key: "{class}:{symbol}:{parts...}".
// Components contain no colons by construction (ISO dates, uppercase
// symbols, canonical fingerprints use quoted strings).
func Key(class, symbol string, parts ...string) string {
	elems := append([]string{class, NormalizeSymbol(symbol)}, parts...)
	return strings.Join(elems, ":")
}

// AnalysisKey is the cache key for a composite analysis response.
func AnalysisKey(symbol string) string {
	return Key("analyze", symbol)
}

// OHLCVKey is the cache key for a bar range.
func OHLCVKey(symbol string, start, end time.Time) string {
	return Key("ohlcv", symbol, Date(start), Date(end))
}

// IndicatorKey is the cache key for an indicator series over a range.
func IndicatorKey(symbol string, start, end time.Time, params map[string]interface{}) string {
	return Key("indicators", symbol, Date(start), Date(end), Params(params))
}

// FxKey is the cache key for a currency pair.
func FxKey(from, to string) string {
	return "fx:" + NormalizeSymbol(from) + ":" + NormalizeSymbol(to)
}
