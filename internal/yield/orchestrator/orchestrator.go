// Package orchestrator runs the weekly yield pass end to end:
// freshness check, feature build, prediction, persistence, and
// alerting, closed out by one model-run audit row.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
	"github.com/agroflow/agroflow/internal/yield/features"
	"github.com/agroflow/agroflow/internal/yield/model"
)

// maxAlerts caps the alert list per run.
const maxAlerts = 20

// staleAfter is how old a collector's last success may be before the
// freshness check flags it.
const staleAfter = 14 * 24 * time.Hour

// Alert is one noteworthy forecast condition.
type Alert struct {
	Commodity  string  `json:"commodity"`
	State      string  `json:"state"`
	Week       int     `json:"week"`
	Driver     string  `json:"driver"`
	VsTrendPct float64 `json:"vs_trend_pct"`
	Message    string  `json:"message"`
}

// CropResult summarizes one crop's pass.
type CropResult struct {
	States        int     `json:"states"`
	MeanForecast  float64 `json:"mean_forecast"`
	MeanVsTrend   float64 `json:"mean_vs_trend_pct"`
	RMSECV        float64 `json:"rmse_cv"`
	TrainingRows  int     `json:"training_rows"`
	ForecastsSent int     `json:"forecasts_sent"`
}

// RunResult is the weekly pass summary.
type RunResult struct {
	RunID        string                `json:"run_id"`
	Year         int                   `json:"year"`
	Week         int                   `json:"week"`
	Crops        map[string]CropResult `json:"crops"`
	Alerts       []Alert               `json:"alerts"`
	StaleSources []string              `json:"stale_sources"`
	FeatureRows  int                   `json:"feature_rows"`
	DurationSec  float64               `json:"duration_sec"`
	Success      bool                  `json:"success"`
	Errors       []string              `json:"errors"`
}

// Orchestrator wires the engine, models, and stores together.
type Orchestrator struct {
	cfg       config.YieldConfig
	engine    *features.Engine
	featRepo  persistence.FeatureRepo
	yieldRepo persistence.YieldRepo
	forecasts persistence.ForecastRepo
	modelRuns persistence.ModelRunRepo
	runState  persistence.RunStateRepo
	now       func() time.Time
}

func New(cfg config.YieldConfig, engine *features.Engine, featRepo persistence.FeatureRepo,
	yieldRepo persistence.YieldRepo, forecasts persistence.ForecastRepo,
	modelRuns persistence.ModelRunRepo, runState persistence.RunStateRepo) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		featRepo:  featRepo,
		yieldRepo: yieldRepo,
		forecasts: forecasts,
		modelRuns: modelRuns,
		runState:  runState,
		now:       time.Now,
	}
}

// Run executes one weekly pass. Zero week/year default to the current
// ISO week; empty crops mean all configured crops.
func (o *Orchestrator) Run(ctx context.Context, year, week int, crops, states []string) RunResult {
	started := o.now().UTC()
	if year == 0 || week == 0 {
		y, w := started.ISOWeek()
		if year == 0 {
			year = y
		}
		if week == 0 {
			week = w
		}
	}
	if len(crops) == 0 {
		crops = features.DefaultCrops
	}

	result := RunResult{
		RunID: uuid.NewString()[:8],
		Year:  year,
		Week:  week,
		Crops: map[string]CropResult{},
	}
	result.StaleSources = o.freshnessCheck(ctx)

	weekStart := week - 2
	if weekStart < 1 {
		weekStart = 1
	}
	rows, err := o.engine.BuildAllFeatures(ctx, year, crops, states, weekStart, week)
	result.FeatureRows = rows
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("feature build: %v", err))
	}

	for _, crop := range crops {
		cropResult, alerts, err := o.runCrop(ctx, crop, year, week, states, result.RunID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", crop, err))
			continue
		}
		result.Crops[crop] = cropResult
		result.Alerts = append(result.Alerts, alerts...)
	}
	result.Alerts = dedupAlerts(result.Alerts)
	if len(result.Alerts) > maxAlerts {
		result.Alerts = result.Alerts[:maxAlerts]
	}

	result.DurationSec = o.now().UTC().Sub(started).Seconds()
	result.Success = len(result.Errors) == 0 && len(result.Crops) > 0

	run := persistence.ModelRun{
		RunID:          result.RunID,
		ModelVersion:   model.ModelVersion,
		ModelType:      "ensemble",
		CropsProcessed: len(result.Crops),
		ForecastWeek:   week,
		FeatureCount:   result.FeatureRows,
		DurationSec:    result.DurationSec,
		CreatedAt:      o.now().UTC(),
	}
	if err := o.modelRuns.Insert(ctx, run); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("model run row: %v", err))
		result.Success = false
	}

	log.Info().Str("run_id", result.RunID).Int("year", year).Int("week", week).
		Bool("success", result.Success).Int("alerts", len(result.Alerts)).
		Float64("duration_sec", result.DurationSec).Msg("yield pass finished")
	return result
}

func (o *Orchestrator) runCrop(ctx context.Context, crop string, year, week int, states []string, runID string) (CropResult, []Alert, error) {
	samples, trends, err := model.BuildDataset(ctx, o.featRepo, o.yieldRepo, crop, week)
	if err != nil {
		return CropResult{}, nil, err
	}
	ens, err := model.Train(o.cfg, crop, week, samples, trends)
	if err != nil {
		return CropResult{}, nil, err
	}

	cropStates := states
	if len(cropStates) == 0 {
		cropStates, err = o.yieldRepo.StatesForCrop(ctx, crop, year-1)
		if err != nil {
			return CropResult{}, nil, fmt.Errorf("states for %s: %w", crop, err)
		}
	}

	var forecastRows []persistence.YieldForecastRow
	var alerts []Alert
	cr := CropResult{TrainingRows: len(samples), RMSECV: ens.RMSECV}
	forecastDate := features.WeekEndDate(year, week)
	for _, state := range cropStates {
		row, err := o.featRepo.Row(ctx, state, crop, year, week)
		if err != nil {
			return cr, nil, fmt.Errorf("feature row %s/%s: %w", crop, state, err)
		}
		if row == nil {
			log.Warn().Str("crop", crop).Str("state", state).Int("week", week).
				Msg("no feature row, state skipped")
			continue
		}
		p := ens.Predict(*row)

		fr := persistence.YieldForecastRow{
			RunID:         runID,
			Commodity:     crop,
			State:         state,
			Year:          year,
			ForecastWeek:  week,
			ForecastDate:  forecastDate,
			YieldForecast: p.YieldForecast,
			YieldLow:      p.YieldLow,
			YieldHigh:     p.YieldHigh,
			TrendYield:    p.TrendYield,
			VsTrendPct:    p.VsTrendPct,
			ModelType:     "ensemble",
			Confidence:    p.Confidence,
			PrimaryDriver: p.PrimaryDriver,
			AnalogYears:   p.AnalogYears,
		}
		o.attachHistory(ctx, &fr, crop, state, year, week)
		forecastRows = append(forecastRows, fr)

		cr.States++
		cr.MeanForecast += p.YieldForecast
		cr.MeanVsTrend += p.VsTrendPct
		if alert, ok := alertFor(crop, state, week, p); ok {
			alerts = append(alerts, alert)
		}
	}
	if cr.States > 0 {
		cr.MeanForecast /= float64(cr.States)
		cr.MeanVsTrend /= float64(cr.States)
	}

	if len(forecastRows) > 0 {
		res, err := o.forecasts.Upsert(ctx, forecastRows)
		if err != nil {
			return cr, nil, fmt.Errorf("persist forecasts: %w", err)
		}
		cr.ForecastsSent = res.Inserted + res.Updated
	}
	return cr, alerts, nil
}

// attachHistory fills last-year comparison and the week-over-week move
// from the previous stored forecast.
func (o *Orchestrator) attachHistory(ctx context.Context, fr *persistence.YieldForecastRow, crop, state string, year, week int) {
	if actuals, err := o.yieldRepo.ActualYields(ctx, crop, state); err == nil {
		if last, ok := actuals[year-1]; ok {
			fr.LastYearYield = &last
			if last != 0 {
				pct := (fr.YieldForecast - last) / last * 100
				fr.VsLastYearPct = &pct
			}
		}
	}
	prev, err := o.forecasts.PrevWeek(ctx, crop, state, year, week, "ensemble")
	if err != nil || prev == nil {
		return
	}
	pf := prev.YieldForecast
	change := fr.YieldForecast - pf
	fr.PrevWeekForecast = &pf
	fr.WoWChange = &change
}

func alertFor(crop, state string, week int, p model.Prediction) (Alert, bool) {
	stressDriver := p.PrimaryDriver == model.DriverDrought || p.PrimaryDriver == model.DriverHeat
	if !stressDriver && p.VsTrendPct > -10 && p.VsTrendPct < 10 {
		return Alert{}, false
	}
	return Alert{
		Commodity:  crop,
		State:      state,
		Week:       week,
		Driver:     p.PrimaryDriver,
		VsTrendPct: p.VsTrendPct,
		Message: fmt.Sprintf("%s %s W%02d: %.1f (%+.1f%% vs trend, %s)",
			crop, state, week, p.YieldForecast, p.VsTrendPct, p.PrimaryDriver),
	}, true
}

func dedupAlerts(alerts []Alert) []Alert {
	seen := map[string]bool{}
	var out []Alert
	for _, a := range alerts {
		key := fmt.Sprintf("%s|%s|%d", a.Commodity, a.State, a.Week)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// freshnessCheck flags collectors whose last success is too old. It
// never blocks the run; stale inputs just get surfaced.
func (o *Orchestrator) freshnessCheck(ctx context.Context) []string {
	if o.runState == nil {
		return nil
	}
	states, err := o.runState.All(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("freshness check unavailable")
		return nil
	}
	cutoff := o.now().UTC().Add(-staleAfter)
	var stale []string
	for _, s := range states {
		if s.LastSuccess == nil || s.LastSuccess.Before(cutoff) {
			stale = append(stale, s.SourceName)
			log.Warn().Str("source", s.SourceName).Msg("source data stale going into yield pass")
		}
	}
	return stale
}
