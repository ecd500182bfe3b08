package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agroflow/agroflow/internal/persistence"
)

type tradeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradeRepo creates the silver.trade_flows repository.
func NewTradeRepo(db *sqlx.DB) persistence.TradeRepo {
	return &tradeRepo{db: db, timeout: defaultTimeout}
}

const tradeUpsert = `
	INSERT INTO silver.trade_flows (
		data_source, reporter_country, flow, year, month, period,
		hs_code, hs_level, hs_code_6, partner_country,
		quantity_kg, quantity_tons, value_usd, value_fob_usd, value_cif_usd,
		hs_description, state_region, customs_office, provisional, ingested_at
	) VALUES (
		:data_source, :reporter_country, :flow, :year, :month, :period,
		:hs_code, :hs_level, :hs_code_6, :partner_country,
		:quantity_kg, :quantity_tons, :value_usd, :value_fob_usd, :value_cif_usd,
		:hs_description, :state_region, :customs_office, :provisional, :ingested_at
	)
	ON CONFLICT (data_source, reporter_country, flow, year, month, hs_code, partner_country, state_region)
	DO UPDATE SET
		quantity_kg = EXCLUDED.quantity_kg,
		quantity_tons = EXCLUDED.quantity_tons,
		value_usd = EXCLUDED.value_usd,
		value_fob_usd = EXCLUDED.value_fob_usd,
		value_cif_usd = EXCLUDED.value_cif_usd,
		hs_description = EXCLUDED.hs_description,
		customs_office = EXCLUDED.customs_office,
		provisional = EXCLUDED.provisional,
		ingested_at = EXCLUDED.ingested_at`

func (r *tradeRepo) UpsertFlows(ctx context.Context, records []persistence.TradeFlowRecord) (persistence.UpsertResult, error) {
	var res persistence.UpsertResult
	if len(records) == 0 {
		return res, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin trade upsert: %w", err)
	}
	defer tx.Rollback()

	for i := range records {
		rec := &records[i]
		if rec.IngestedAt.IsZero() {
			rec.IngestedAt = time.Now().UTC()
		}
		if _, err := tx.NamedExecContext(ctx, tradeUpsert, rec); err != nil {
			return res, fmt.Errorf("upsert trade flow %s/%s/%s: %w", rec.DataSource, rec.Period, rec.HSCode, err)
		}
		res.Inserted++
		res.IDs = append(res.IDs, fmt.Sprintf("%s|%s|%s|%s|%s",
			rec.DataSource, rec.ReporterCountry, rec.Flow, rec.Period, rec.HSCode))
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit trade upsert: %w", err)
	}
	return res, nil
}

func (r *tradeRepo) ListFlows(ctx context.Context, reporter, flow string, year, month int) ([]persistence.TradeFlowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT data_source, reporter_country, flow, year, month, period,
		       hs_code, hs_level, hs_code_6, partner_country,
		       quantity_kg, quantity_tons, value_usd, value_fob_usd, value_cif_usd,
		       hs_description, state_region, customs_office, provisional, ingested_at
		FROM silver.trade_flows
		WHERE reporter_country = $1 AND flow = $2 AND year = $3 AND month = $4
		ORDER BY hs_code, partner_country`

	var records []persistence.TradeFlowRecord
	if err := r.db.SelectContext(ctx, &records, query, reporter, flow, year, month); err != nil {
		return nil, fmt.Errorf("list trade flows: %w", err)
	}
	return records, nil
}

type balanceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBalanceRepo creates the gold.balance_matrix repository.
func NewBalanceRepo(db *sqlx.DB) persistence.BalanceRepo {
	return &balanceRepo{db: db, timeout: defaultTimeout}
}

const balanceUpsert = `
	INSERT INTO gold.balance_matrix (
		period, hs_code_6, country_a, country_b,
		export_value_ab, export_tons_ab, import_value_ba, import_tons_ba,
		abs_diff_value, pct_diff_value, discrepancy
	) VALUES (
		:period, :hs_code_6, :country_a, :country_b,
		:export_value_ab, :export_tons_ab, :import_value_ba, :import_tons_ba,
		:abs_diff_value, :pct_diff_value, :discrepancy
	)
	ON CONFLICT (period, hs_code_6, country_a, country_b)
	DO UPDATE SET
		export_value_ab = EXCLUDED.export_value_ab,
		export_tons_ab = EXCLUDED.export_tons_ab,
		import_value_ba = EXCLUDED.import_value_ba,
		import_tons_ba = EXCLUDED.import_tons_ba,
		abs_diff_value = EXCLUDED.abs_diff_value,
		pct_diff_value = EXCLUDED.pct_diff_value,
		discrepancy = EXCLUDED.discrepancy`

func (r *balanceRepo) UpsertEntries(ctx context.Context, entries []persistence.BalanceMatrixEntry) (persistence.UpsertResult, error) {
	var res persistence.UpsertResult
	if len(entries) == 0 {
		return res, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin balance upsert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.NamedExecContext(ctx, balanceUpsert, e); err != nil {
			return res, fmt.Errorf("upsert balance entry %s/%s: %w", e.Period, e.HSCode6, err)
		}
		res.Inserted++
		res.IDs = append(res.IDs, fmt.Sprintf("%s|%s|%s|%s", e.Period, e.HSCode6, e.CountryA, e.CountryB))
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit balance upsert: %w", err)
	}
	return res, nil
}
