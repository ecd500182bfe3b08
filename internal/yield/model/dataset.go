// Package model trains and blends the three yield sub-models: a
// trend-adjusted linear fit, a boosted tree ensemble, and an
// analog-year matcher. All three predict yield deviation from a
// per-state linear trend; the blend maps back to absolute yield.
package model

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/agroflow/agroflow/internal/persistence"
)

// FeatureNames are the interpretable features models A and C use, in
// vector order. Model B additionally sees the full numeric row.
var FeatureNames = []string{
	"gdd_vs_normal_pct",
	"precip_vs_normal_pct",
	"stress_days_heat",
	"stress_days_drought",
	"nass_good_excellent_pct",
	"cpc_condition_mean",
}

// Sample is one training observation.
type Sample struct {
	State      string
	Year       int
	Features   []float64 // FeatureNames order
	Yield      float64   // actual, absolute
	TrendYield float64   // per-state trend evaluated at Year
	Row        persistence.YieldFeatureRow
}

// Deviation is the model target.
func (s Sample) Deviation() float64 { return s.Yield - s.TrendYield }

// TrendFit is a per-state least-squares line over (year, yield).
type TrendFit struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// At evaluates the trend for a year.
func (t TrendFit) At(year int) float64 { return t.Intercept + t.Slope*float64(year) }

// FitTrend fits yield against year. Fewer than two points degrade to a
// flat line at the mean.
func FitTrend(yields map[int]float64) TrendFit {
	if len(yields) == 0 {
		return TrendFit{}
	}
	var sx, sy, sxx, sxy, n float64
	for year, y := range yields {
		x := float64(year)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
		n++
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return TrendFit{Intercept: sy / n}
	}
	slope := (n*sxy - sx*sy) / den
	return TrendFit{Slope: slope, Intercept: (sy - slope*sx) / n}
}

// FeatureVector extracts the model-A/C features from a row. Null
// sources contribute zero, matching how the engines leave gaps.
func FeatureVector(row persistence.YieldFeatureRow) []float64 {
	return []float64{
		deref(row.GDDVsNormalPct),
		deref(row.PrecipVsNormalPct),
		float64(row.StressDaysHeat),
		float64(row.StressDaysDrought),
		deref(row.NASSGoodExcellentPct),
		deref(row.CPCConditionMean),
	}
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// BuildDataset joins feature rows with actual yields and per-state
// trends for one (crop, week).
func BuildDataset(ctx context.Context, features persistence.FeatureRepo, yields persistence.YieldRepo,
	crop string, week int) ([]Sample, map[string]TrendFit, error) {
	rows, err := features.TrainingRows(ctx, crop, week)
	if err != nil {
		return nil, nil, fmt.Errorf("training rows %s W%02d: %w", crop, week, err)
	}

	trends := make(map[string]TrendFit)
	actuals := make(map[string]map[int]float64)
	var samples []Sample
	for _, row := range rows {
		byYear, ok := actuals[row.State]
		if !ok {
			var err error
			byYear, err = yields.ActualYields(ctx, crop, row.State)
			if err != nil {
				return nil, nil, fmt.Errorf("actual yields %s/%s: %w", crop, row.State, err)
			}
			actuals[row.State] = byYear
			trends[row.State] = FitTrend(byYear)
		}
		actual, ok := byYear[row.Year]
		if !ok {
			continue // no ground truth yet, not trainable
		}
		samples = append(samples, Sample{
			State:      row.State,
			Year:       row.Year,
			Features:   FeatureVector(row),
			Yield:      actual,
			TrendYield: trends[row.State].At(row.Year),
			Row:        row,
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Year != samples[j].Year {
			return samples[i].Year < samples[j].Year
		}
		return samples[i].State < samples[j].State
	})
	return samples, trends, nil
}

// standardizer remembers per-feature mean and stddev.
type standardizer struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitStandardizer(rows [][]float64) standardizer {
	if len(rows) == 0 {
		return standardizer{}
	}
	dims := len(rows[0])
	s := standardizer{Mean: make([]float64, dims), Std: make([]float64, dims)}
	for _, row := range rows {
		for j, v := range row {
			s.Mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range s.Mean {
		s.Mean[j] /= n
	}
	for _, row := range rows {
		for j, v := range row {
			d := v - s.Mean[j]
			s.Std[j] += d * d
		}
	}
	for j := range s.Std {
		s.Std[j] = math.Sqrt(s.Std[j] / n)
		if s.Std[j] == 0 {
			s.Std[j] = 1
		}
	}
	return s
}

func (s standardizer) apply(row []float64) []float64 {
	if len(s.Mean) == 0 {
		return row
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}
