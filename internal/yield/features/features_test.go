package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
)

type fakeWeather struct {
	days    []persistence.DailyWeather
	normals []persistence.DailyNormal
}

func (f *fakeWeather) DailyRange(ctx context.Context, state string, from, to time.Time) ([]persistence.DailyWeather, error) {
	var out []persistence.DailyWeather
	for _, d := range f.days {
		if !d.Date.Before(from) && !d.Date.After(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeWeather) NormalsRange(ctx context.Context, region string, from, to time.Time) ([]persistence.DailyNormal, error) {
	return f.normals, nil
}

type fakeCropData struct {
	cpc    *persistence.CPCSummary
	nass   *persistence.NASSSummary
	ndvi   []persistence.NDVIPoint
	bodies []string
}

func (f *fakeCropData) CPCWeekly(ctx context.Context, crop string, year, week int) (*persistence.CPCSummary, error) {
	return f.cpc, nil
}

func (f *fakeCropData) NASSWeek(ctx context.Context, crop, state string, weekEnd time.Time) (*persistence.NASSSummary, error) {
	return f.nass, nil
}

func (f *fakeCropData) NDVISeries(ctx context.Context, state string, from, to time.Time) ([]persistence.NDVIPoint, error) {
	return f.ndvi, nil
}

func (f *fakeCropData) WorldWeatherBodies(ctx context.Context, crop string, from, to time.Time) ([]string, error) {
	return f.bodies, nil
}

type fakeFeatureRepo struct {
	rows []persistence.YieldFeatureRow
}

func (f *fakeFeatureRepo) Upsert(ctx context.Context, row persistence.YieldFeatureRow) error {
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeFeatureRepo) Row(ctx context.Context, state, crop string, year, week int) (*persistence.YieldFeatureRow, error) {
	for i := range f.rows {
		r := f.rows[i]
		if r.State == state && r.Crop == crop && r.Year == year && r.Week == week {
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeFeatureRepo) TrainingRows(ctx context.Context, crop string, week int) ([]persistence.YieldFeatureRow, error) {
	return nil, nil
}

func (f *fakeFeatureRepo) CountForWeek(ctx context.Context, year, week int) (int, error) {
	return len(f.rows), nil
}

type fakeYieldRepo struct {
	states map[string][]string
}

func (f *fakeYieldRepo) ActualYields(ctx context.Context, crop, state string) (map[int]float64, error) {
	return nil, nil
}

func (f *fakeYieldRepo) StatesForCrop(ctx context.Context, crop string, year int) ([]string, error) {
	return f.states[crop], nil
}

func yieldTestConfig() config.YieldConfig {
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
			"corn": {
				{Stage: "vegetative", FromMonth: 5, FromDay: 1, UntilMonth: 6, UntilDay: 30},
				{Stage: "reproductive", FromMonth: 7, FromDay: 1, UntilMonth: 8, UntilDay: 15},
				{Stage: "maturity", FromMonth: 8, FromDay: 16, UntilMonth: 9, UntilDay: 30},
			},
		},
		RiskKeywords: map[string]float64{
			"drought":     3,
			"heat stress": 2,
			"favorable":   -1,
		},
	}
}

// season fabricates daily weather from planting through weekEnd: dry
// 20/32 days, then the last 7 days get 10 mm each.
func season(weekEnd time.Time) []persistence.DailyWeather {
	planting := time.Date(weekEnd.Year(), 5, 1, 0, 0, 0, 0, time.UTC)
	var days []persistence.DailyWeather
	for d := planting; !d.After(weekEnd); d = d.AddDate(0, 0, 1) {
		day := persistence.DailyWeather{State: "IA", Date: d, TminC: 20, TmaxC: 32}
		if weekEnd.Sub(d) < 7*24*time.Hour {
			day.PrecipMM = 10
		}
		days = append(days, day)
	}
	return days
}

func TestWeekEndDate(t *testing.T) {
	assert.Equal(t, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), WeekEndDate(2024, 1))
	assert.Equal(t, time.Date(2024, 7, 28, 0, 0, 0, 0, time.UTC), WeekEndDate(2024, 30))
	assert.Equal(t, time.Date(2023, 1, 8, 0, 0, 0, 0, time.UTC), WeekEndDate(2023, 1))
}

func TestDailyGDDCapsAndFloors(t *testing.T) {
	assert.InDelta(t, 15.0, dailyGDD(20, 35, 10, 30), 1e-9, "tmax capped at 30")
	assert.InDelta(t, 0.0, dailyGDD(5, 12, 10, 30), 1e-9, "never negative")
	assert.InDelta(t, 11.0, dailyGDD(14, 28, 10, 30), 1e-9)
}

func TestBuildFeaturesWeatherAggregates(t *testing.T) {
	weekEnd := WeekEndDate(2024, 30) // 2024-07-28
	weather := &fakeWeather{
		days: season(weekEnd),
		normals: []persistence.DailyNormal{
			{Region: "IA", GDD: 1000, PrecipMM: 100},
		},
	}
	repo := &fakeFeatureRepo{}
	e := NewEngine(yieldTestConfig(), weather, &fakeCropData{}, repo, &fakeYieldRepo{})

	n, err := e.BuildFeatures(context.Background(), "IA", "corn", 2024, 30, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, repo.rows, 1)

	row := repo.rows[0]
	// 89 days May 1 .. Jul 28, each GDD = (20+30)/2 - 10 = 15.
	assert.InDelta(t, 89*15.0, row.GDDCum, 1e-9)
	assert.InDelta(t, 70.0, row.PrecipCumMM, 1e-9)
	assert.InDelta(t, 70.0, row.PrecipWeekMM, 1e-9)
	assert.InDelta(t, 32.0, row.TmaxWeekAvg, 1e-9)
	assert.InDelta(t, 20.0, row.TminWeekAvg, 1e-9)
	assert.InDelta(t, 26.0, row.TavgWeekAvg, 1e-9)

	assert.Zero(t, row.StressDaysHeat)
	assert.Zero(t, row.StressDaysFrost)
	assert.Equal(t, 82, row.StressDaysDrought, "longest dry run before the wet week")
	assert.Equal(t, 7, row.StressDaysExcess, "10 mm/day beats the 50/7 daily excess bar")

	require.NotNil(t, row.GDDVsNormalPct)
	assert.InDelta(t, (89*15.0-1000)/1000*100, *row.GDDVsNormalPct, 1e-9)
	require.NotNil(t, row.PrecipVsNormalPct)
	assert.InDelta(t, -30.0, *row.PrecipVsNormalPct, 1e-9)

	assert.Equal(t, "reproductive", row.GrowthStage)
	assert.Equal(t, "v1", row.FeatureVersion)
}

func TestBuildFeaturesCarriesCropSources(t *testing.T) {
	weekEnd := WeekEndDate(2024, 30)
	cond := 72.0
	ge := 64.0
	crops := &fakeCropData{
		cpc:  &persistence.CPCSummary{ConditionMean: &cond},
		nass: &persistence.NASSSummary{GoodExcellentPct: &ge},
		ndvi: []persistence.NDVIPoint{
			{Date: weekEnd.AddDate(0, 0, -21), Value: 0.50, Anomaly: 0.01},
			{Date: weekEnd.AddDate(0, 0, -14), Value: 0.55, Anomaly: 0.02},
			{Date: weekEnd.AddDate(0, 0, -7), Value: 0.60, Anomaly: 0.03},
			{Date: weekEnd, Value: 0.65, Anomaly: 0.04},
		},
		bodies: []string{
			"Severe drought and heat stress across the west",
			"favorable rains elsewhere",
		},
	}
	weather := &fakeWeather{days: season(weekEnd)}
	repo := &fakeFeatureRepo{}
	e := NewEngine(yieldTestConfig(), weather, crops, repo, &fakeYieldRepo{})

	_, err := e.BuildFeatures(context.Background(), "IA", "corn", 2024, 30, 30)
	require.NoError(t, err)
	row := repo.rows[0]

	require.NotNil(t, row.CPCConditionMean)
	assert.Equal(t, 72.0, *row.CPCConditionMean)
	require.NotNil(t, row.NASSGoodExcellentPct)
	assert.Equal(t, 64.0, *row.NASSGoodExcellentPct)

	require.NotNil(t, row.NDVI)
	assert.InDelta(t, 0.65, *row.NDVI, 1e-9)
	require.NotNil(t, row.NDVISlope4W)
	assert.InDelta(t, 0.05, *row.NDVISlope4W, 1e-9)

	// drought(3) + heat stress(2) in one body, favorable(-1) in the other.
	require.NotNil(t, row.WWRiskScore)
	assert.InDelta(t, 2.5, *row.WWRiskScore, 1e-9)
	require.NotNil(t, row.WWOutlookSentiment)
	assert.InDelta(t, -4.0/3/2, *row.WWOutlookSentiment, 1e-9)
}

func TestNDVIFallsBackToNull(t *testing.T) {
	weekEnd := WeekEndDate(2024, 30)
	weather := &fakeWeather{days: season(weekEnd)}
	repo := &fakeFeatureRepo{}
	e := NewEngine(yieldTestConfig(), weather, &fakeCropData{}, repo, &fakeYieldRepo{})

	_, err := e.BuildFeatures(context.Background(), "IA", "corn", 2024, 30, 30)
	require.NoError(t, err)
	row := repo.rows[0]
	assert.Nil(t, row.NDVI)
	assert.Nil(t, row.NDVIAnomaly)
	assert.Nil(t, row.NDVISlope4W)
	assert.Nil(t, row.WWRiskScore)
}

func TestBuildAllFeaturesDiscoversStates(t *testing.T) {
	weekEnd := WeekEndDate(2024, 30)
	weather := &fakeWeather{days: season(weekEnd)}
	repo := &fakeFeatureRepo{}
	yields := &fakeYieldRepo{states: map[string][]string{"corn": {"IA", "IL"}}}
	e := NewEngine(yieldTestConfig(), weather, &fakeCropData{}, repo, yields)

	n, err := e.BuildAllFeatures(context.Background(), 2024, []string{"corn"}, nil, 30, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	states := []string{repo.rows[0].State, repo.rows[1].State}
	assert.ElementsMatch(t, []string{"IA", "IL"}, states)
}

func TestGrowthStageWindows(t *testing.T) {
	e := NewEngine(yieldTestConfig(), nil, nil, nil, nil)
	assert.Equal(t, "vegetative", e.growthStage("corn", time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "reproductive", e.growthStage("corn", time.Date(2024, 7, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "maturity", e.growthStage("corn", time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "pre_planting", e.growthStage("corn", time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)),
		"off-season maps into the next crop year")
}

func TestMissingWeatherFailsTheBuild(t *testing.T) {
	e := NewEngine(yieldTestConfig(), &fakeWeather{}, &fakeCropData{}, &fakeFeatureRepo{}, &fakeYieldRepo{})
	_, err := e.BuildFeatures(context.Background(), "IA", "corn", 2024, 30, 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no weather observations")
}
