package persistence

import (
	"context"
	"time"
)

// The store is layered: bronze (per-source, close to upstream shape),
// silver (normalized, upserted), gold (analytical outputs tagged with a
// run id), reference (static lookups). Bronze rows are append-only
// within a source's lifetime; silver and gold rows are upserted.

// TradeFlowRecord is one monthly or annual trade flow line (silver).
type TradeFlowRecord struct {
	DataSource      string    `json:"data_source" db:"data_source"`
	ReporterCountry string    `json:"reporter_country" db:"reporter_country"`
	Flow            string    `json:"flow" db:"flow"` // export|import
	Year            int       `json:"year" db:"year"`
	Month           int       `json:"month" db:"month"`
	Period          string    `json:"period" db:"period"` // YYYY-MM
	HSCode          string    `json:"hs_code" db:"hs_code"`
	HSLevel         int       `json:"hs_level" db:"hs_level"`
	HSCode6         string    `json:"hs_code_6" db:"hs_code_6"`
	PartnerCountry  string    `json:"partner_country" db:"partner_country"`
	QuantityKg      *float64  `json:"quantity_kg,omitempty" db:"quantity_kg"`
	QuantityTons    *float64  `json:"quantity_tons,omitempty" db:"quantity_tons"`
	ValueUSD        *float64  `json:"value_usd,omitempty" db:"value_usd"`
	ValueFOBUSD     *float64  `json:"value_fob_usd,omitempty" db:"value_fob_usd"`
	ValueCIFUSD     *float64  `json:"value_cif_usd,omitempty" db:"value_cif_usd"`
	HSDescription   *string   `json:"hs_description,omitempty" db:"hs_description"`
	StateRegion     *string   `json:"state_region,omitempty" db:"state_region"`
	CustomsOffice   *string   `json:"customs_office,omitempty" db:"customs_office"`
	Provisional     bool      `json:"provisional" db:"provisional"`
	IngestedAt      time.Time `json:"ingested_at" db:"ingested_at"`
}

// BalanceMatrixEntry pairs reporter-side and partner-side observations
// of the same flow (gold). A missing side stays null, never zero.
type BalanceMatrixEntry struct {
	Period        string   `json:"period" db:"period"`
	HSCode6       string   `json:"hs_code_6" db:"hs_code_6"`
	CountryA      string   `json:"country_a" db:"country_a"`
	CountryB      string   `json:"country_b" db:"country_b"`
	ExportValueAB *float64 `json:"export_value_ab,omitempty" db:"export_value_ab"`
	ExportTonsAB  *float64 `json:"export_tons_ab,omitempty" db:"export_tons_ab"`
	ImportValueBA *float64 `json:"import_value_ba,omitempty" db:"import_value_ba"`
	ImportTonsBA  *float64 `json:"import_tons_ba,omitempty" db:"import_tons_ba"`
	AbsDiffValue  *float64 `json:"abs_diff_value,omitempty" db:"abs_diff_value"`
	PctDiffValue  *float64 `json:"pct_diff_value,omitempty" db:"pct_diff_value"`
	Discrepancy   bool     `json:"discrepancy" db:"discrepancy"`
}

// DailyWeather is one observed day for a state (bronze).
type DailyWeather struct {
	State    string    `db:"state"`
	Date     time.Time `db:"date"`
	TminC    float64   `db:"tmin_c"`
	TmaxC    float64   `db:"tmax_c"`
	PrecipMM float64   `db:"precip_mm"`
}

// DailyNormal is the climatology reference for a region proxy day
// (reference.weather_climatology).
type DailyNormal struct {
	Region   string    `db:"region"`
	Date     time.Time `db:"date"`
	PrecipMM float64   `db:"precip_mm"`
	GDD      float64   `db:"gdd"`
}

// CPCSummary is the national gridded condition/progress read for one
// crop week.
type CPCSummary struct {
	ConditionMean   *float64
	ConditionDelta5 *float64
	ProgressMean    *float64
	ProgressDelta5  *float64
}

// NASSSummary is the tabular condition/progress read for one state week.
type NASSSummary struct {
	GoodExcellentPct *float64
	ProgressPct      *float64
}

// NDVIPoint is one vegetation index observation.
type NDVIPoint struct {
	Date    time.Time
	Value   float64
	Anomaly float64
}

// YieldFeatureRow is one (state, crop, year, week) feature vector
// (silver). The engine upserts; UpdatedAt advances on each write.
type YieldFeatureRow struct {
	State string `db:"state"`
	Crop  string `db:"crop"`
	Year  int    `db:"year"`
	Week  int    `db:"week"`

	GDDCum            float64  `db:"gdd_cum"`
	PrecipCumMM       float64  `db:"precip_cum_mm"`
	PrecipWeekMM      float64  `db:"precip_week_mm"`
	TmaxWeekAvg       float64  `db:"tmax_week_avg"`
	TminWeekAvg       float64  `db:"tmin_week_avg"`
	TavgWeekAvg       float64  `db:"tavg_week_avg"`
	StressDaysHeat    int      `db:"stress_days_heat"`
	StressDaysFrost   int      `db:"stress_days_frost"`
	StressDaysDrought int      `db:"stress_days_drought"`
	StressDaysExcess  int      `db:"stress_days_excess"`
	GDDVsNormalPct    *float64 `db:"gdd_vs_normal_pct"`
	PrecipVsNormalPct *float64 `db:"precip_vs_normal_pct"`

	NDVI        *float64 `db:"ndvi"`
	NDVIAnomaly *float64 `db:"ndvi_anomaly"`
	NDVISlope4W *float64 `db:"ndvi_slope_4w"`

	CPCConditionMean   *float64 `db:"cpc_condition_mean"`
	CPCConditionDelta5 *float64 `db:"cpc_condition_delta_5y"`
	CPCProgressMean    *float64 `db:"cpc_progress_mean"`
	CPCProgressDelta5  *float64 `db:"cpc_progress_delta_5y"`

	NASSGoodExcellentPct *float64 `db:"nass_good_excellent_pct"`
	NASSProgressPct      *float64 `db:"nass_progress_pct"`

	WWRiskScore        *float64 `db:"ww_risk_score"`
	WWOutlookSentiment *float64 `db:"ww_outlook_sentiment"`

	GrowthStage    string    `db:"growth_stage"`
	FeatureVersion string    `db:"feature_version"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// YieldForecastRow is one model output (gold.yield_forecast).
type YieldForecastRow struct {
	RunID            string    `db:"run_id"`
	Commodity        string    `db:"commodity"`
	State            string    `db:"state"`
	Year             int       `db:"year"`
	ForecastWeek     int       `db:"forecast_week"`
	ForecastDate     time.Time `db:"forecast_date"`
	YieldForecast    float64   `db:"yield_forecast"`
	YieldLow         float64   `db:"yield_low"`
	YieldHigh        float64   `db:"yield_high"`
	TrendYield       float64   `db:"trend_yield"`
	VsTrendPct       float64   `db:"vs_trend_pct"`
	LastYearYield    *float64  `db:"last_year_yield"`
	VsLastYearPct    *float64  `db:"vs_last_year_pct"`
	ModelType        string    `db:"model_type"`
	Confidence       float64   `db:"confidence"`
	PrimaryDriver    string    `db:"primary_driver"`
	AnalogYears      []int     `db:"-"`
	PrevWeekForecast *float64  `db:"prev_week_forecast"`
	WoWChange        *float64  `db:"wow_change"`
}

// ModelRun is the silver.yield_model_run audit row for one weekly pass.
type ModelRun struct {
	RunID          string    `db:"run_id"`
	ModelVersion   string    `db:"model_version"`
	ModelType      string    `db:"model_type"`
	CropsProcessed int       `db:"crops_processed"`
	ForecastWeek   int       `db:"forecast_week"`
	FeatureCount   int       `db:"feature_count"`
	DurationSec    float64   `db:"duration_sec"`
	CreatedAt      time.Time `db:"created_at"`
}

// CollectorRunState tracks per-source health, updated after every run.
type CollectorRunState struct {
	SourceName          string     `db:"source_name"`
	LastRun             *time.Time `db:"last_run"`
	LastSuccess         *time.Time `db:"last_success"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	RequestCount        int        `db:"request_count"`
}

// IsHealthy reports whether the source is under the failure threshold.
func (s CollectorRunState) IsHealthy() bool { return s.ConsecutiveFailures < 3 }

// UpsertResult summarizes a batch upsert.
type UpsertResult struct {
	Inserted int
	Updated  int
	IDs      []string
}

// BronzeStore writes source-shaped rows into per-source bronze tables,
// upserting on the declared unique columns. When uniqueCols is empty,
// "date" is used if present, else the first two columns in sorted order.
type BronzeStore interface {
	Upsert(ctx context.Context, table string, rows []map[string]any, uniqueCols []string) (UpsertResult, error)
}

// TradeRepo owns silver.trade_flows.
type TradeRepo interface {
	UpsertFlows(ctx context.Context, records []TradeFlowRecord) (UpsertResult, error)
	ListFlows(ctx context.Context, reporter, flow string, year, month int) ([]TradeFlowRecord, error)
}

// BalanceRepo owns gold.balance_matrix.
type BalanceRepo interface {
	UpsertEntries(ctx context.Context, entries []BalanceMatrixEntry) (UpsertResult, error)
}

// WeatherRepo reads bronze weather and reference climatology.
type WeatherRepo interface {
	DailyRange(ctx context.Context, state string, from, to time.Time) ([]DailyWeather, error)
	NormalsRange(ctx context.Context, region string, from, to time.Time) ([]DailyNormal, error)
}

// CropDataRepo reads the non-weather yield inputs.
type CropDataRepo interface {
	CPCWeekly(ctx context.Context, crop string, year, week int) (*CPCSummary, error)
	NASSWeek(ctx context.Context, crop, state string, weekEnd time.Time) (*NASSSummary, error)
	NDVISeries(ctx context.Context, state string, from, to time.Time) ([]NDVIPoint, error)
	WorldWeatherBodies(ctx context.Context, crop string, from, to time.Time) ([]string, error)
}

// FeatureRepo owns silver.yield_features.
type FeatureRepo interface {
	Upsert(ctx context.Context, row YieldFeatureRow) error
	Row(ctx context.Context, state, crop string, year, week int) (*YieldFeatureRow, error)
	TrainingRows(ctx context.Context, crop string, week int) ([]YieldFeatureRow, error)
	CountForWeek(ctx context.Context, year, week int) (int, error)
}

// YieldRepo reads historical actual yields.
type YieldRepo interface {
	ActualYields(ctx context.Context, crop, state string) (map[int]float64, error)
	StatesForCrop(ctx context.Context, crop string, year int) ([]string, error)
}

// ForecastRepo owns gold.yield_forecast.
type ForecastRepo interface {
	Upsert(ctx context.Context, rows []YieldForecastRow) (UpsertResult, error)
	PrevWeek(ctx context.Context, commodity, state string, year, week int, modelType string) (*YieldForecastRow, error)
	Revisions(ctx context.Context, year, limit int) ([]YieldForecastRow, error)
}

// RunStateRepo owns collector run-state bookkeeping.
type RunStateRepo interface {
	Get(ctx context.Context, source string) (*CollectorRunState, error)
	RecordRun(ctx context.Context, source string, success bool, requests int, at time.Time) error
	All(ctx context.Context) ([]CollectorRunState, error)
}

// ModelRunRepo owns silver.yield_model_run.
type ModelRunRepo interface {
	Insert(ctx context.Context, run ModelRun) error
}
