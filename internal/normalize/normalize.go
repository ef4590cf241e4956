// Package normalize converts raw upstream bars into a canonical,
// adjustment-consistent sequence ready for storage.
package normalize

import (
	"math"
	"sort"
	"strings"

	"github.com/aristath/marketfabric/internal/domain"
)

// Round4 rounds to four decimals, half away from zero.
func Round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

// Bars applies corporate-action back-adjustment to raw bars and validates
// the result. A batch with any error-level finding is rejected whole.
//
// Back-adjustment scales bars dated strictly before an action: for a split
// of ratio R the prices multiply by the action's adjustment factor (1/R)
// and volume multiplies by R, so the series is continuous across the split.
// Bars on or after the action date are untouched. adjusted_close always
// preserves the raw close.
//
// A bar already carrying the action's split_ratio and dividend is treated
// as normalized and only re-rounded, which makes the pipeline idempotent.
// adjusted_close is never read from the input.
func Bars(raw []domain.Bar, actions []domain.CorporateAction) ([]domain.Bar, error) {
	sorted := make([]domain.CorporateAction, len(actions))
	copy(sorted, actions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	bars := make([]domain.Bar, len(raw))
	copy(bars, raw)
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	out := make([]domain.Bar, 0, len(bars))
	actionIdx := 0
	for _, bar := range bars {
		// Monotone advance: skip actions dated on or before this bar.
		for actionIdx < len(sorted) && !sorted[actionIdx].Date.After(bar.Date) {
			actionIdx++
		}

		norm := bar
		rawClose := bar.Close

		if actionIdx < len(sorted) {
			a := sorted[actionIdx]
			factor := a.AdjustmentFactor
			if factor <= 0 {
				factor = 1.0
			}
			ratio := a.SplitRatio
			if ratio <= 0 {
				ratio = 1.0
			}
			if bar.SplitRatio == a.SplitRatio && bar.Dividend == a.DividendAmount {
				// Already adjusted on a prior run. Reconstruct the raw close
				// from the factor instead of reading adjusted_close.
				rawClose = bar.Close / factor
			} else {
				norm.Open = bar.Open * factor
				norm.High = bar.High * factor
				norm.Low = bar.Low * factor
				norm.Close = bar.Close * factor
				norm.Volume = int64(math.Floor(float64(bar.Volume) * ratio))
			}
			norm.SplitRatio = a.SplitRatio
			norm.Dividend = a.DividendAmount
		} else {
			norm.SplitRatio = 1.0
			norm.Dividend = 0.0
		}

		norm.Open = Round4(norm.Open)
		norm.High = Round4(norm.High)
		norm.Low = Round4(norm.Low)
		norm.Close = Round4(norm.Close)
		norm.AdjustedClose = Round4(rawClose)
		out = append(out, norm)
	}

	if err := ValidateBars(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidationReport collects per-bar findings. Errors fail the batch;
// warnings do not.
type ValidationReport struct {
	Errors   []string
	Warnings []string
}

// Validate checks one normalized sequence. low <= close <= high is a
// warning only: some venues report closes outside the session range.
func Validate(bars []domain.Bar) ValidationReport {
	var report ValidationReport
	for _, bar := range bars {
		date := bar.Date.Format("2006-01-02")
		if bar.Low > bar.High {
			report.Errors = append(report.Errors, date+": low exceeds high")
		}
		if bar.Open < 0 || bar.High < 0 || bar.Low < 0 || bar.Volume < 0 {
			report.Errors = append(report.Errors, date+": negative value")
		}
		if bar.Close <= 0 {
			report.Errors = append(report.Errors, date+": non-positive close")
		}
		if bar.SplitRatio <= 0 {
			report.Errors = append(report.Errors, date+": non-positive split ratio")
		}
		if bar.Low <= bar.High && (bar.Close < bar.Low || bar.Close > bar.High) {
			report.Warnings = append(report.Warnings, date+": close outside low/high range")
		}
	}
	return report
}

// ValidateBars returns a DataQuality error naming every violation when the
// batch has any error-level finding, otherwise nil. The whole batch is
// rejected: a partial write would leave an adjustment-inconsistent series.
func ValidateBars(bars []domain.Bar) error {
	report := Validate(bars)
	if len(report.Errors) == 0 {
		return nil
	}
	return domain.Ef(domain.KindDataQuality, "bar batch rejected: %s", strings.Join(report.Errors, "; "))
}
