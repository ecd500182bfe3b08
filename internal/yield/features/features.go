// Package features builds the weekly (state, crop) feature vectors the
// yield models train and predict on. Every input lives in the store;
// the engine aggregates with straight loops over fetched rows.
package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
)

// DefaultCrops are the commodities the platform forecasts.
var DefaultCrops = []string{"corn", "soybeans", "wheat"}

// Engine assembles one feature row per (state, crop, year, week).
type Engine struct {
	cfg      config.YieldConfig
	weather  persistence.WeatherRepo
	crops    persistence.CropDataRepo
	features persistence.FeatureRepo
	yields   persistence.YieldRepo
	now      func() time.Time
}

func NewEngine(cfg config.YieldConfig, weather persistence.WeatherRepo, crops persistence.CropDataRepo,
	features persistence.FeatureRepo, yields persistence.YieldRepo) *Engine {
	return &Engine{
		cfg:      cfg,
		weather:  weather,
		crops:    crops,
		features: features,
		yields:   yields,
		now:      time.Now,
	}
}

// WeekEndDate is the Sunday ending the given ISO week.
func WeekEndDate(year, week int) time.Time {
	// Jan 4 is always in ISO week 1.
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	monday := jan4.AddDate(0, 0, -(int(jan4.Weekday())+6)%7)
	return monday.AddDate(0, 0, (week-1)*7+6)
}

// BuildFeatures builds and upserts rows for each week in
// [weekStart, weekEnd]. It returns the number of rows written.
func (e *Engine) BuildFeatures(ctx context.Context, state, crop string, year, weekStart, weekEnd int) (int, error) {
	thresholds, ok := e.cfg.Thresholds[crop]
	if !ok {
		return 0, fmt.Errorf("no thresholds configured for crop %s", crop)
	}

	written := 0
	for week := weekStart; week <= weekEnd; week++ {
		row, err := e.buildWeek(ctx, state, crop, year, week, thresholds)
		if err != nil {
			return written, fmt.Errorf("build %s/%s %d-W%02d: %w", crop, state, year, week, err)
		}
		if err := e.features.Upsert(ctx, *row); err != nil {
			return written, fmt.Errorf("upsert features %s/%s %d-W%02d: %w", crop, state, year, week, err)
		}
		written++
	}
	return written, nil
}

func (e *Engine) buildWeek(ctx context.Context, state, crop string, year, week int, th config.CropThresholds) (*persistence.YieldFeatureRow, error) {
	weekEnd := WeekEndDate(year, week)
	planting := time.Date(year, time.Month(th.PlantingMonth), th.PlantingDay, 0, 0, 0, 0, time.UTC)
	if weekEnd.Before(planting) {
		planting = weekEnd.AddDate(0, 0, -6)
	}

	row := &persistence.YieldFeatureRow{
		State:          state,
		Crop:           crop,
		Year:           year,
		Week:           week,
		GrowthStage:    e.growthStage(crop, weekEnd),
		FeatureVersion: e.cfg.FeatureVersion,
		UpdatedAt:      e.now().UTC(),
	}

	if err := e.weatherFeatures(ctx, row, state, planting, weekEnd, th); err != nil {
		return nil, err
	}

	// Non-weather sources degrade to null, never fail the build.
	e.cpcFeatures(ctx, row, crop, year, week)
	e.nassFeatures(ctx, row, crop, state, weekEnd)
	e.ndviFeatures(ctx, row, state, weekEnd)
	e.worldWeatherFeatures(ctx, row, crop, weekEnd)
	return row, nil
}

func (e *Engine) weatherFeatures(ctx context.Context, row *persistence.YieldFeatureRow,
	state string, planting, weekEnd time.Time, th config.CropThresholds) error {
	days, err := e.weather.DailyRange(ctx, state, planting, weekEnd)
	if err != nil {
		return fmt.Errorf("daily weather: %w", err)
	}
	if len(days) == 0 {
		return fmt.Errorf("no weather observations for %s in [%s, %s]",
			state, planting.Format("2006-01-02"), weekEnd.Format("2006-01-02"))
	}

	weekStart := weekEnd.AddDate(0, 0, -6)
	excessDaily := th.ExcessMoistureWeek / 7

	var dryRun, maxDryRun int
	var weekDays int
	var tmaxSum, tminSum float64
	for _, d := range days {
		gdd := dailyGDD(d.TminC, d.TmaxC, th.GDDBase, th.GDDCap)
		row.GDDCum += gdd
		row.PrecipCumMM += d.PrecipMM

		if d.TmaxC > th.HeatThreshold {
			row.StressDaysHeat++
		}
		if d.TminC < th.FrostThreshold {
			row.StressDaysFrost++
		}
		if d.PrecipMM > excessDaily {
			row.StressDaysExcess++
		}
		if d.PrecipMM < 1.0 {
			dryRun++
			if dryRun > maxDryRun {
				maxDryRun = dryRun
			}
		} else {
			dryRun = 0
		}

		if !d.Date.Before(weekStart) && !d.Date.After(weekEnd) {
			weekDays++
			row.PrecipWeekMM += d.PrecipMM
			tmaxSum += d.TmaxC
			tminSum += d.TminC
		}
	}
	row.StressDaysDrought = maxDryRun
	if weekDays > 0 {
		row.TmaxWeekAvg = tmaxSum / float64(weekDays)
		row.TminWeekAvg = tminSum / float64(weekDays)
		row.TavgWeekAvg = (row.TmaxWeekAvg + row.TminWeekAvg) / 2
	}

	normals, err := e.weather.NormalsRange(ctx, state, planting, weekEnd)
	if err != nil {
		log.Warn().Err(err).Str("state", state).Msg("climatology unavailable, vs-normal left null")
		return nil
	}
	var gddNorm, precipNorm float64
	for _, n := range normals {
		gddNorm += n.GDD
		precipNorm += n.PrecipMM
	}
	if gddNorm > 0 {
		pct := (row.GDDCum - gddNorm) / gddNorm * 100
		row.GDDVsNormalPct = &pct
	}
	if precipNorm > 0 {
		pct := (row.PrecipCumMM - precipNorm) / precipNorm * 100
		row.PrecipVsNormalPct = &pct
	}
	return nil
}

// dailyGDD caps the high temperature before averaging and floors the
// result at zero.
func dailyGDD(tmin, tmax, base, cap float64) float64 {
	return math.Max(0, (tmin+math.Min(tmax, cap))/2-base)
}

func (e *Engine) cpcFeatures(ctx context.Context, row *persistence.YieldFeatureRow, crop string, year, week int) {
	summary, err := e.crops.CPCWeekly(ctx, crop, year, week)
	if err != nil || summary == nil {
		if err != nil {
			log.Warn().Err(err).Str("crop", crop).Int("week", week).Msg("cpc summary unavailable")
		}
		return
	}
	row.CPCConditionMean = summary.ConditionMean
	row.CPCConditionDelta5 = summary.ConditionDelta5
	row.CPCProgressMean = summary.ProgressMean
	row.CPCProgressDelta5 = summary.ProgressDelta5
}

func (e *Engine) nassFeatures(ctx context.Context, row *persistence.YieldFeatureRow, crop, state string, weekEnd time.Time) {
	summary, err := e.crops.NASSWeek(ctx, crop, state, weekEnd)
	if err != nil || summary == nil {
		if err != nil {
			log.Warn().Err(err).Str("crop", crop).Str("state", state).Msg("nass summary unavailable")
		}
		return
	}
	row.NASSGoodExcellentPct = summary.GoodExcellentPct
	row.NASSProgressPct = summary.ProgressPct
}

// ndviFeatures takes the freshest point in the 10-day lookback and a
// 4-week regression slope. Empty series leave all three fields null.
func (e *Engine) ndviFeatures(ctx context.Context, row *persistence.YieldFeatureRow, state string, weekEnd time.Time) {
	series, err := e.crops.NDVISeries(ctx, state, weekEnd.AddDate(0, 0, -28), weekEnd)
	if err != nil {
		log.Warn().Err(err).Str("state", state).Msg("ndvi unavailable")
		return
	}
	if len(series) == 0 {
		return
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })

	lookback := weekEnd.AddDate(0, 0, -10)
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].Date.Before(lookback) {
			v := series[i].Value
			a := series[i].Anomaly
			row.NDVI = &v
			row.NDVIAnomaly = &a
			break
		}
	}

	if len(series) >= 3 {
		xs := make([]float64, len(series))
		ys := make([]float64, len(series))
		for i, p := range series {
			xs[i] = p.Date.Sub(series[0].Date).Hours() / 24 / 7 // weeks
			ys[i] = p.Value
		}
		if slope, ok := leastSquaresSlope(xs, ys); ok {
			row.NDVISlope4W = &slope
		}
	}
}

func leastSquaresSlope(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, false
	}
	return (n*sxy - sx*sy) / den, true
}

func (e *Engine) worldWeatherFeatures(ctx context.Context, row *persistence.YieldFeatureRow, crop string, weekEnd time.Time) {
	bodies, err := e.crops.WorldWeatherBodies(ctx, crop, weekEnd.AddDate(0, 0, -6), weekEnd)
	if err != nil {
		log.Warn().Err(err).Str("crop", crop).Msg("world weather bodies unavailable")
		return
	}
	if len(bodies) == 0 {
		return
	}

	var riskTally, sentTally float64
	for _, body := range bodies {
		lower := strings.ToLower(body)
		for keyword, weight := range e.cfg.RiskKeywords {
			if strings.Contains(lower, keyword) {
				sentTally += weight
				if weight > 0 {
					riskTally += weight
				}
			}
		}
	}
	n := float64(len(bodies))
	risk := math.Min(10, riskTally/n)
	sentiment := clip(-1, 1, -sentTally/3/n)
	row.WWRiskScore = &risk
	row.WWOutlookSentiment = &sentiment
}

func clip(lo, hi, v float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// growthStage maps the week-ending date onto the crop's configured
// calendar windows.
func (e *Engine) growthStage(crop string, date time.Time) string {
	windows, ok := e.cfg.Stages[crop]
	if !ok {
		return "pre_planting"
	}
	md := int(date.Month())*100 + date.Day()
	for _, w := range windows {
		from := w.FromMonth*100 + w.FromDay
		until := w.UntilMonth*100 + w.UntilDay
		if from <= until {
			if md >= from && md <= until {
				return w.Stage
			}
		} else if md >= from || md <= until { // window wraps the year end
			return w.Stage
		}
	}
	// Outside every configured window: the off-season leads into the
	// next crop year.
	return "pre_planting"
}

// BuildAllFeatures fans out over (crop, state) pairs, discovering the
// states that actually grow each crop from the yield history.
func (e *Engine) BuildAllFeatures(ctx context.Context, year int, crops, states []string, weekStart, weekEnd int) (int, error) {
	if len(crops) == 0 {
		crops = DefaultCrops
	}
	total := 0
	for _, crop := range crops {
		cropStates := states
		if len(cropStates) == 0 {
			discovered, err := e.yields.StatesForCrop(ctx, crop, year-1)
			if err != nil {
				return total, fmt.Errorf("discover states for %s: %w", crop, err)
			}
			cropStates = discovered
		}
		for _, state := range cropStates {
			n, err := e.BuildFeatures(ctx, state, crop, year, weekStart, weekEnd)
			total += n
			if err != nil {
				log.Error().Err(err).Str("crop", crop).Str("state", state).Msg("feature build failed")
				continue
			}
		}
	}
	log.Info().Int("rows", total).Int("year", year).Msg("feature build finished")
	return total, nil
}
