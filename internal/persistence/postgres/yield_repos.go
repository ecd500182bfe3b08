package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agroflow/agroflow/internal/persistence"
)

type weatherRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWeatherRepo creates the bronze weather + reference climatology reader.
func NewWeatherRepo(db *sqlx.DB) persistence.WeatherRepo {
	return &weatherRepo{db: db, timeout: defaultTimeout}
}

func (r *weatherRepo) DailyRange(ctx context.Context, state string, from, to time.Time) ([]persistence.DailyWeather, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT state, date, tmin_c, tmax_c, precip_mm
		FROM bronze.weather_daily
		WHERE state = $1 AND date >= $2 AND date <= $3
		ORDER BY date`
	var rows []persistence.DailyWeather
	if err := r.db.SelectContext(ctx, &rows, query, state, from, to); err != nil {
		return nil, fmt.Errorf("query daily weather: %w", err)
	}
	return rows, nil
}

func (r *weatherRepo) NormalsRange(ctx context.Context, region string, from, to time.Time) ([]persistence.DailyNormal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Climatology is keyed by month/day; the caller's year range is
	// projected onto the reference year.
	query := `
		SELECT region, date, precip_mm, gdd
		FROM reference.weather_climatology
		WHERE region = $1
		  AND (EXTRACT(DOY FROM date) BETWEEN EXTRACT(DOY FROM $2::date) AND EXTRACT(DOY FROM $3::date)
		       OR EXTRACT(DOY FROM $2::date) > EXTRACT(DOY FROM $3::date))
		ORDER BY date`
	var rows []persistence.DailyNormal
	if err := r.db.SelectContext(ctx, &rows, query, region, from, to); err != nil {
		return nil, fmt.Errorf("query climatology normals: %w", err)
	}
	return rows, nil
}

type cropDataRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCropDataRepo creates the reader for CPC, NASS, NDVI, and
// World-Weather bronze tables.
func NewCropDataRepo(db *sqlx.DB) persistence.CropDataRepo {
	return &cropDataRepo{db: db, timeout: defaultTimeout}
}

func (r *cropDataRepo) CPCWeekly(ctx context.Context, crop string, year, week int) (*persistence.CPCSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT AVG(condition_index) AS condition_mean,
		       AVG(condition_index) - (
		           SELECT AVG(condition_index) FROM bronze.cpc_conditions
		           WHERE crop = $1 AND week = $3 AND year BETWEEN $2 - 5 AND $2 - 1
		       ) AS condition_delta,
		       AVG(progress_pct) AS progress_mean,
		       AVG(progress_pct) - (
		           SELECT AVG(progress_pct) FROM bronze.cpc_conditions
		           WHERE crop = $1 AND week = $3 AND year BETWEEN $2 - 5 AND $2 - 1
		       ) AS progress_delta
		FROM bronze.cpc_conditions
		WHERE crop = $1 AND year = $2 AND week = $3`

	var row struct {
		ConditionMean  *float64 `db:"condition_mean"`
		ConditionDelta *float64 `db:"condition_delta"`
		ProgressMean   *float64 `db:"progress_mean"`
		ProgressDelta  *float64 `db:"progress_delta"`
	}
	if err := r.db.GetContext(ctx, &row, query, crop, year, week); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cpc weekly: %w", err)
	}
	if row.ConditionMean == nil && row.ProgressMean == nil {
		return nil, nil
	}
	return &persistence.CPCSummary{
		ConditionMean:   row.ConditionMean,
		ConditionDelta5: row.ConditionDelta,
		ProgressMean:    row.ProgressMean,
		ProgressDelta5:  row.ProgressDelta,
	}, nil
}

func (r *cropDataRepo) NASSWeek(ctx context.Context, crop, state string, weekEnd time.Time) (*persistence.NASSSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The collector pre-sums the good and excellent rating classes, so
	// condition is a direct lookup on the target ISO week.
	year, week := weekEnd.ISOWeek()
	condQuery := `
		SELECT pct_good_excellent
		FROM bronze.nass_condition
		WHERE crop = $1 AND state = $2 AND year = $3 AND week = $4`
	var goodExcellent *float64
	if err := r.db.GetContext(ctx, &goodExcellent, condQuery, crop, state, year, week); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query nass conditions: %w", err)
	}

	progQuery := `
		SELECT pct_complete
		FROM bronze.nass_progress
		WHERE crop = $1 AND state = $2 AND year = $3 AND week <= $4
		ORDER BY week DESC
		LIMIT 1`
	var progress *float64
	if err := r.db.GetContext(ctx, &progress, progQuery, crop, state, year, week); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query nass progress: %w", err)
	}

	if goodExcellent == nil && progress == nil {
		return nil, nil
	}
	return &persistence.NASSSummary{GoodExcellentPct: goodExcellent, ProgressPct: progress}, nil
}

func (r *cropDataRepo) NDVISeries(ctx context.Context, state string, from, to time.Time) ([]persistence.NDVIPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT date, value, anomaly
		FROM bronze.ndvi_observations
		WHERE state = $1 AND date >= $2 AND date <= $3
		ORDER BY date`
	rows, err := r.db.QueryxContext(ctx, query, state, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ndvi series: %w", err)
	}
	defer rows.Close()

	var points []persistence.NDVIPoint
	for rows.Next() {
		var p persistence.NDVIPoint
		if err := rows.Scan(&p.Date, &p.Value, &p.Anomaly); err != nil {
			return nil, fmt.Errorf("scan ndvi point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (r *cropDataRepo) WorldWeatherBodies(ctx context.Context, crop string, from, to time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT body
		FROM bronze.ww_signals
		WHERE crop = $1 AND bulletin_date >= $2::date AND bulletin_date <= $3::date
		ORDER BY bulletin_date`
	var bodies []string
	if err := r.db.SelectContext(ctx, &bodies, query, crop, from, to); err != nil {
		return nil, fmt.Errorf("query world weather bulletins: %w", err)
	}
	return bodies, nil
}

type featureRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFeatureRepo creates the silver.yield_features repository.
func NewFeatureRepo(db *sqlx.DB) persistence.FeatureRepo {
	return &featureRepo{db: db, timeout: defaultTimeout}
}

const featureUpsert = `
	INSERT INTO silver.yield_features (
		state, crop, year, week,
		gdd_cum, precip_cum_mm, precip_week_mm,
		tmax_week_avg, tmin_week_avg, tavg_week_avg,
		stress_days_heat, stress_days_frost, stress_days_drought, stress_days_excess,
		gdd_vs_normal_pct, precip_vs_normal_pct,
		ndvi, ndvi_anomaly, ndvi_slope_4w,
		cpc_condition_mean, cpc_condition_delta_5y, cpc_progress_mean, cpc_progress_delta_5y,
		nass_good_excellent_pct, nass_progress_pct,
		ww_risk_score, ww_outlook_sentiment,
		growth_stage, feature_version, updated_at
	) VALUES (
		:state, :crop, :year, :week,
		:gdd_cum, :precip_cum_mm, :precip_week_mm,
		:tmax_week_avg, :tmin_week_avg, :tavg_week_avg,
		:stress_days_heat, :stress_days_frost, :stress_days_drought, :stress_days_excess,
		:gdd_vs_normal_pct, :precip_vs_normal_pct,
		:ndvi, :ndvi_anomaly, :ndvi_slope_4w,
		:cpc_condition_mean, :cpc_condition_delta_5y, :cpc_progress_mean, :cpc_progress_delta_5y,
		:nass_good_excellent_pct, :nass_progress_pct,
		:ww_risk_score, :ww_outlook_sentiment,
		:growth_stage, :feature_version, :updated_at
	)
	ON CONFLICT (state, crop, year, week) DO UPDATE SET
		gdd_cum = EXCLUDED.gdd_cum,
		precip_cum_mm = EXCLUDED.precip_cum_mm,
		precip_week_mm = EXCLUDED.precip_week_mm,
		tmax_week_avg = EXCLUDED.tmax_week_avg,
		tmin_week_avg = EXCLUDED.tmin_week_avg,
		tavg_week_avg = EXCLUDED.tavg_week_avg,
		stress_days_heat = EXCLUDED.stress_days_heat,
		stress_days_frost = EXCLUDED.stress_days_frost,
		stress_days_drought = EXCLUDED.stress_days_drought,
		stress_days_excess = EXCLUDED.stress_days_excess,
		gdd_vs_normal_pct = EXCLUDED.gdd_vs_normal_pct,
		precip_vs_normal_pct = EXCLUDED.precip_vs_normal_pct,
		ndvi = EXCLUDED.ndvi,
		ndvi_anomaly = EXCLUDED.ndvi_anomaly,
		ndvi_slope_4w = EXCLUDED.ndvi_slope_4w,
		cpc_condition_mean = EXCLUDED.cpc_condition_mean,
		cpc_condition_delta_5y = EXCLUDED.cpc_condition_delta_5y,
		cpc_progress_mean = EXCLUDED.cpc_progress_mean,
		cpc_progress_delta_5y = EXCLUDED.cpc_progress_delta_5y,
		nass_good_excellent_pct = EXCLUDED.nass_good_excellent_pct,
		nass_progress_pct = EXCLUDED.nass_progress_pct,
		ww_risk_score = EXCLUDED.ww_risk_score,
		ww_outlook_sentiment = EXCLUDED.ww_outlook_sentiment,
		growth_stage = EXCLUDED.growth_stage,
		feature_version = EXCLUDED.feature_version,
		updated_at = EXCLUDED.updated_at`

func (r *featureRepo) Upsert(ctx context.Context, row persistence.YieldFeatureRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, featureUpsert, row); err != nil {
		return fmt.Errorf("upsert feature row %s/%s/%d/%d: %w", row.State, row.Crop, row.Year, row.Week, err)
	}
	return nil
}

func (r *featureRepo) Row(ctx context.Context, state, crop string, year, week int) (*persistence.YieldFeatureRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row persistence.YieldFeatureRow
	query := `SELECT * FROM silver.yield_features WHERE state = $1 AND crop = $2 AND year = $3 AND week = $4`
	if err := r.db.GetContext(ctx, &row, query, state, crop, year, week); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query feature row: %w", err)
	}
	return &row, nil
}

func (r *featureRepo) TrainingRows(ctx context.Context, crop string, week int) ([]persistence.YieldFeatureRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.YieldFeatureRow
	query := `SELECT * FROM silver.yield_features WHERE crop = $1 AND week = $2 ORDER BY state, year`
	if err := r.db.SelectContext(ctx, &rows, query, crop, week); err != nil {
		return nil, fmt.Errorf("query training rows: %w", err)
	}
	return rows, nil
}

func (r *featureRepo) CountForWeek(ctx context.Context, year, week int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	query := `SELECT COUNT(*) FROM silver.yield_features WHERE year = $1 AND week = $2`
	if err := r.db.GetContext(ctx, &n, query, year, week); err != nil {
		return 0, fmt.Errorf("count feature rows: %w", err)
	}
	return n, nil
}

type yieldRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewYieldRepo creates the historical actual-yield reader.
func NewYieldRepo(db *sqlx.DB) persistence.YieldRepo {
	return &yieldRepo{db: db, timeout: defaultTimeout}
}

func (r *yieldRepo) ActualYields(ctx context.Context, crop, state string) (map[int]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT year, yield_value FROM silver.yield_actuals WHERE crop = $1 AND state = $2 ORDER BY year`
	rows, err := r.db.QueryxContext(ctx, query, crop, state)
	if err != nil {
		return nil, fmt.Errorf("query actual yields: %w", err)
	}
	defer rows.Close()

	yields := make(map[int]float64)
	for rows.Next() {
		var year int
		var y float64
		if err := rows.Scan(&year, &y); err != nil {
			return nil, fmt.Errorf("scan actual yield: %w", err)
		}
		yields[year] = y
	}
	return yields, rows.Err()
}

func (r *yieldRepo) StatesForCrop(ctx context.Context, crop string, year int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// A state "grows" a crop when it has reported an actual yield in
	// the last five seasons.
	query := `
		SELECT DISTINCT state FROM silver.yield_actuals
		WHERE crop = $1 AND year BETWEEN $2 - 5 AND $2
		ORDER BY state`
	var states []string
	if err := r.db.SelectContext(ctx, &states, query, crop, year); err != nil {
		return nil, fmt.Errorf("query states for crop: %w", err)
	}
	return states, nil
}

type forecastRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewForecastRepo creates the gold.yield_forecast repository.
func NewForecastRepo(db *sqlx.DB) persistence.ForecastRepo {
	return &forecastRepo{db: db, timeout: defaultTimeout}
}

const forecastUpsert = `
	INSERT INTO gold.yield_forecast (
		run_id, commodity, state, year, forecast_week, forecast_date,
		yield_forecast, yield_low, yield_high, trend_yield, vs_trend_pct,
		last_year_yield, vs_last_year_pct, model_type, confidence,
		primary_driver, analog_years, prev_week_forecast, wow_change
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
	)
	ON CONFLICT (commodity, state, year, forecast_week, model_type) DO UPDATE SET
		run_id = EXCLUDED.run_id,
		forecast_date = EXCLUDED.forecast_date,
		yield_forecast = EXCLUDED.yield_forecast,
		yield_low = EXCLUDED.yield_low,
		yield_high = EXCLUDED.yield_high,
		trend_yield = EXCLUDED.trend_yield,
		vs_trend_pct = EXCLUDED.vs_trend_pct,
		last_year_yield = EXCLUDED.last_year_yield,
		vs_last_year_pct = EXCLUDED.vs_last_year_pct,
		confidence = EXCLUDED.confidence,
		primary_driver = EXCLUDED.primary_driver,
		analog_years = EXCLUDED.analog_years,
		prev_week_forecast = EXCLUDED.prev_week_forecast,
		wow_change = EXCLUDED.wow_change`

func (r *forecastRepo) Upsert(ctx context.Context, rows []persistence.YieldForecastRow) (persistence.UpsertResult, error) {
	var res persistence.UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin forecast upsert: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		analogs := make([]int64, len(row.AnalogYears))
		for i, y := range row.AnalogYears {
			analogs[i] = int64(y)
		}
		_, err := tx.ExecContext(ctx, forecastUpsert,
			row.RunID, row.Commodity, row.State, row.Year, row.ForecastWeek, row.ForecastDate,
			row.YieldForecast, row.YieldLow, row.YieldHigh, row.TrendYield, row.VsTrendPct,
			row.LastYearYield, row.VsLastYearPct, row.ModelType, row.Confidence,
			row.PrimaryDriver, pq.Array(analogs), row.PrevWeekForecast, row.WoWChange)
		if err != nil {
			return res, fmt.Errorf("upsert forecast %s/%s/%d/w%d: %w", row.Commodity, row.State, row.Year, row.ForecastWeek, err)
		}
		res.Inserted++
		res.IDs = append(res.IDs, fmt.Sprintf("%s|%s|%d|%d|%s", row.Commodity, row.State, row.Year, row.ForecastWeek, row.ModelType))
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit forecast upsert: %w", err)
	}
	return res, nil
}

func (r *forecastRepo) PrevWeek(ctx context.Context, commodity, state string, year, week int, modelType string) (*persistence.YieldForecastRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT run_id, commodity, state, year, forecast_week, forecast_date,
		       yield_forecast, yield_low, yield_high, trend_yield, vs_trend_pct,
		       last_year_yield, vs_last_year_pct, model_type, confidence,
		       primary_driver, prev_week_forecast, wow_change
		FROM gold.yield_forecast
		WHERE commodity = $1 AND state = $2 AND year = $3 AND forecast_week < $4 AND model_type = $5
		ORDER BY forecast_week DESC
		LIMIT 1`
	var row persistence.YieldForecastRow
	if err := r.db.GetContext(ctx, &row, query, commodity, state, year, week, modelType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query previous week forecast: %w", err)
	}
	return &row, nil
}

func (r *forecastRepo) Revisions(ctx context.Context, year, limit int) ([]persistence.YieldForecastRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT run_id, commodity, state, year, forecast_week, forecast_date,
		       yield_forecast, yield_low, yield_high, trend_yield, vs_trend_pct,
		       last_year_yield, vs_last_year_pct, model_type, confidence,
		       primary_driver, prev_week_forecast, wow_change
		FROM gold.yield_forecast
		WHERE year = $1 AND wow_change IS NOT NULL
		ORDER BY ABS(wow_change) DESC
		LIMIT $2`
	var rows []persistence.YieldForecastRow
	if err := r.db.SelectContext(ctx, &rows, query, year, limit); err != nil {
		return nil, fmt.Errorf("query forecast revisions: %w", err)
	}
	return rows, nil
}
