package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
	"github.com/agroflow/agroflow/internal/yield/features"
)

func testYieldConfig() config.YieldConfig {
	return config.YieldConfig{
		FeatureVersion: "v1",
		Thresholds: map[string]config.CropThresholds{
			"corn": {
				GDDBase: 10, GDDCap: 30,
				HeatThreshold: 34, FrostThreshold: 0,
				DroughtThresholdWeek: 25, ExcessMoistureWeek: 50,
				PlantingMonth: 5, PlantingDay: 1,
			},
		},
		Stages: map[string][]config.StageWindow{
			"corn": {{Stage: "reproductive", FromMonth: 7, FromDay: 1, UntilMonth: 8, UntilDay: 15}},
		},
	}
}

// stubWeather serves a bone-dry season for every state except noData.
type stubWeather struct {
	noData string
}

func (s stubWeather) DailyRange(ctx context.Context, state string, from, to time.Time) ([]persistence.DailyWeather, error) {
	if state == s.noData {
		return nil, nil
	}
	var out []persistence.DailyWeather
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, persistence.DailyWeather{State: state, Date: d, TminC: 20, TmaxC: 32})
	}
	return out, nil
}

func (stubWeather) NormalsRange(ctx context.Context, region string, from, to time.Time) ([]persistence.DailyNormal, error) {
	return nil, nil
}

type stubCropData struct{}

func (stubCropData) CPCWeekly(ctx context.Context, crop string, year, week int) (*persistence.CPCSummary, error) {
	return nil, nil
}

func (stubCropData) NASSWeek(ctx context.Context, crop, state string, weekEnd time.Time) (*persistence.NASSSummary, error) {
	return nil, nil
}

func (stubCropData) NDVISeries(ctx context.Context, state string, from, to time.Time) ([]persistence.NDVIPoint, error) {
	return nil, nil
}

func (stubCropData) WorldWeatherBodies(ctx context.Context, crop string, from, to time.Time) ([]string, error) {
	return nil, nil
}

// memFeatureRepo stores what the engine builds and fabricates the
// drought-driven training history.
type memFeatureRepo struct {
	rows []persistence.YieldFeatureRow
}

func (f *memFeatureRepo) Upsert(ctx context.Context, row persistence.YieldFeatureRow) error {
	f.rows = append(f.rows, row)
	return nil
}

func (f *memFeatureRepo) Row(ctx context.Context, state, crop string, year, week int) (*persistence.YieldFeatureRow, error) {
	for i := len(f.rows) - 1; i >= 0; i-- {
		r := f.rows[i]
		if r.State == state && r.Crop == crop && r.Year == year && r.Week == week {
			return &r, nil
		}
	}
	return nil, nil
}

func (f *memFeatureRepo) TrainingRows(ctx context.Context, crop string, week int) ([]persistence.YieldFeatureRow, error) {
	var rows []persistence.YieldFeatureRow
	for year := 2008; year <= 2023; year++ {
		d := (year * 7) % 12
		ge := float64(72 - 2*d)
		for _, state := range []string{"IA", "IL"} {
			rows = append(rows, persistence.YieldFeatureRow{
				State: state, Crop: crop, Year: year, Week: week,
				StressDaysDrought:    d,
				NASSGoodExcellentPct: &ge,
				GrowthStage:          "reproductive",
			})
		}
	}
	return rows, nil
}

func (f *memFeatureRepo) CountForWeek(ctx context.Context, year, week int) (int, error) {
	return len(f.rows), nil
}

type memYieldRepo struct{}

func trendAt(state string, year int) float64 {
	if state == "IA" {
		return 180 + 1.2*float64(year-2000)
	}
	return 175 + 1.0*float64(year-2000)
}

func (memYieldRepo) ActualYields(ctx context.Context, crop, state string) (map[int]float64, error) {
	out := map[int]float64{}
	for year := 2008; year <= 2024; year++ {
		out[year] = trendAt(state, year) - 1.5*float64((year*7)%12)
	}
	return out, nil
}

func (memYieldRepo) StatesForCrop(ctx context.Context, crop string, year int) ([]string, error) {
	return []string{"IA", "IL"}, nil
}

type memForecastRepo struct {
	rows []persistence.YieldForecastRow
	prev float64
}

func (f *memForecastRepo) Upsert(ctx context.Context, rows []persistence.YieldForecastRow) (persistence.UpsertResult, error) {
	f.rows = append(f.rows, rows...)
	return persistence.UpsertResult{Inserted: len(rows)}, nil
}

func (f *memForecastRepo) PrevWeek(ctx context.Context, commodity, state string, year, week int, modelType string) (*persistence.YieldForecastRow, error) {
	if f.prev == 0 {
		return nil, nil
	}
	return &persistence.YieldForecastRow{YieldForecast: f.prev}, nil
}

func (f *memForecastRepo) Revisions(ctx context.Context, year, limit int) ([]persistence.YieldForecastRow, error) {
	return nil, nil
}

type memModelRunRepo struct {
	runs []persistence.ModelRun
}

func (f *memModelRunRepo) Insert(ctx context.Context, run persistence.ModelRun) error {
	f.runs = append(f.runs, run)
	return nil
}

type memRunStateRepo struct {
	states []persistence.CollectorRunState
}

func (f *memRunStateRepo) Get(ctx context.Context, source string) (*persistence.CollectorRunState, error) {
	return nil, nil
}

func (f *memRunStateRepo) RecordRun(ctx context.Context, source string, success bool, requests int, at time.Time) error {
	return nil
}

func (f *memRunStateRepo) All(ctx context.Context) ([]persistence.CollectorRunState, error) {
	return f.states, nil
}

func TestWeeklyPassEndToEnd(t *testing.T) {
	cfg := testYieldConfig()
	featRepo := &memFeatureRepo{}
	forecasts := &memForecastRepo{prev: 210}
	modelRuns := &memModelRunRepo{}
	fresh := time.Now().UTC()
	runState := &memRunStateRepo{states: []persistence.CollectorRunState{
		{SourceName: "usda_nass", LastSuccess: &fresh},
		{SourceName: "cpc"}, // never succeeded
	}}

	engine := features.NewEngine(cfg, stubWeather{}, stubCropData{}, featRepo, memYieldRepo{})
	o := New(cfg, engine, featRepo, memYieldRepo{}, forecasts, modelRuns, runState)

	result := o.Run(context.Background(), 2025, 30, []string{"corn"}, nil)

	require.Empty(t, result.Errors)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, []string{"cpc"}, result.StaleSources)
	assert.Equal(t, 6, result.FeatureRows, "2 states x weeks 28..30")

	corn := result.Crops["corn"]
	assert.Equal(t, 2, corn.States)
	assert.Equal(t, 2, corn.ForecastsSent)
	assert.Equal(t, 32, corn.TrainingRows)
	assert.Positive(t, corn.RMSECV)

	require.Len(t, forecasts.rows, 2)
	for _, fr := range forecasts.rows {
		assert.Equal(t, result.RunID, fr.RunID)
		assert.Equal(t, "ensemble", fr.ModelType)
		assert.Less(t, fr.YieldLow, fr.YieldForecast)
		assert.Less(t, fr.YieldForecast, fr.YieldHigh)
		assert.GreaterOrEqual(t, fr.Confidence, 0.0)
		assert.LessOrEqual(t, fr.Confidence, 1.0)
		require.NotNil(t, fr.PrevWeekForecast)
		assert.Equal(t, 210.0, *fr.PrevWeekForecast)
		require.NotNil(t, fr.WoWChange)
		assert.InDelta(t, fr.YieldForecast-210, *fr.WoWChange, 1e-9)
		require.NotNil(t, fr.LastYearYield, "2024 actuals exist")
		assert.NotEmpty(t, fr.AnalogYears)
	}

	// The fabricated season never rains, so the drought driver fires in
	// both states.
	require.Len(t, result.Alerts, 2)
	for _, a := range result.Alerts {
		assert.Equal(t, "Drought stress", a.Driver)
	}

	require.Len(t, modelRuns.runs, 1)
	run := modelRuns.runs[0]
	assert.Equal(t, "ensemble", run.ModelType)
	assert.Equal(t, 1, run.CropsProcessed)
	assert.Equal(t, 30, run.ForecastWeek)
	assert.Equal(t, result.RunID, run.RunID)
}

func TestRunWithoutFeatureRowSkipsState(t *testing.T) {
	cfg := testYieldConfig()
	featRepo := &memFeatureRepo{}
	forecasts := &memForecastRepo{}
	engine := features.NewEngine(cfg, stubWeather{noData: "NE"}, stubCropData{}, featRepo, memYieldRepo{})
	o := New(cfg, engine, featRepo, memYieldRepo{}, forecasts, &memModelRunRepo{}, nil)

	// NE has no weather rows, so no feature row exists and the state is
	// skipped rather than forecast blind.
	result := o.Run(context.Background(), 2025, 30, []string{"corn"}, []string{"NE"})
	assert.Equal(t, 0, result.Crops["corn"].States)
	assert.Empty(t, forecasts.rows)
}
