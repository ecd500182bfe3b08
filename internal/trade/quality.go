package trade

import (
	"fmt"
	"math"
	"strings"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
)

// Alert severities.
const (
	AlertFatal   = "FATAL"
	AlertWarning = "WARNING"
	AlertInfo    = "INFO"
)

// QualityAlert is one finding from the validator.
type QualityAlert struct {
	Severity string `json:"severity"`
	Check    string `json:"check"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
	Period   string `json:"period,omitempty"`
}

// Validator screens harmonized flows. Thresholds come from trade
// config; the z-score cutoff defaults to 3.
type Validator struct {
	cfg     config.TradeConfig
	ZThresh float64
}

func NewValidator(cfg config.TradeConfig) *Validator {
	return &Validator{cfg: cfg, ZThresh: 3.0}
}

// Validate runs every check and returns the combined findings.
func (v *Validator) Validate(records []persistence.TradeFlowRecord) []QualityAlert {
	var alerts []QualityAlert
	alerts = append(alerts, v.schemaChecks(records)...)
	alerts = append(alerts, v.duplicateCheck(records)...)
	alerts = append(alerts, v.reasonablenessCheck(records)...)
	alerts = append(alerts, v.outlierCheck(records)...)
	return alerts
}

// schemaChecks covers required fields, ranges, and per-commodity
// sanity. A negative value is fatal: no source publishes negative trade.
func (v *Validator) schemaChecks(records []persistence.TradeFlowRecord) []QualityAlert {
	var alerts []QualityAlert
	for i := range records {
		rec := &records[i]
		where := fmt.Sprintf("%s %s %s->%s", rec.DataSource, rec.Period, rec.ReporterCountry, rec.PartnerCountry)
		if rec.HSCode6 == "" || rec.PartnerCountry == "" || rec.Period == "" {
			alerts = append(alerts, QualityAlert{
				Severity: AlertWarning, Check: "schema",
				Message: "missing hs_code_6, partner, or period: " + where,
				Source:  rec.DataSource, Period: rec.Period,
			})
			continue
		}
		if rec.ValueUSD != nil && *rec.ValueUSD < 0 {
			alerts = append(alerts, QualityAlert{
				Severity: AlertFatal, Check: "range",
				Message: fmt.Sprintf("negative value %.2f: %s", *rec.ValueUSD, where),
				Source:  rec.DataSource, Period: rec.Period,
			})
		}
		if rec.QuantityTons != nil && *rec.QuantityTons < 0 {
			alerts = append(alerts, QualityAlert{
				Severity: AlertFatal, Check: "range",
				Message: fmt.Sprintf("negative quantity %.2f t: %s", *rec.QuantityTons, where),
				Source:  rec.DataSource, Period: rec.Period,
			})
		}
		// Implied price sanity per commodity: a unit price has to be
		// positive once both sides are present.
		if rec.ValueUSD != nil && rec.QuantityTons != nil && *rec.QuantityTons > 0 {
			price := *rec.ValueUSD / *rec.QuantityTons
			if price <= 0 {
				alerts = append(alerts, QualityAlert{
					Severity: AlertFatal, Check: "price",
					Message: fmt.Sprintf("non-positive implied price %.4f: %s", price, where),
					Source:  rec.DataSource, Period: rec.Period,
				})
			}
		}
	}
	return alerts
}

// duplicateCheck flags records sharing the silver unique key.
func (v *Validator) duplicateCheck(records []persistence.TradeFlowRecord) []QualityAlert {
	seen := make(map[string]int, len(records))
	var alerts []QualityAlert
	for i := range records {
		rec := &records[i]
		key := strings.Join([]string{rec.DataSource, rec.ReporterCountry, rec.Flow, rec.Period, rec.HSCode, rec.PartnerCountry}, "|")
		if first, dup := seen[key]; dup {
			alerts = append(alerts, QualityAlert{
				Severity: AlertWarning, Check: "duplicate",
				Message: fmt.Sprintf("records %d and %d share key %s", first, i, key),
				Source:  rec.DataSource, Period: rec.Period,
			})
			continue
		}
		seen[key] = i
	}
	return alerts
}

// reasonablenessCheck compares per (reporter, flow) value totals
// against configured floors: a grain exporter reporting near-zero trade
// means a broken pull, not a quiet month.
func (v *Validator) reasonablenessCheck(records []persistence.TradeFlowRecord) []QualityAlert {
	totals := make(map[string]float64)
	for i := range records {
		rec := &records[i]
		if rec.ValueUSD == nil {
			continue
		}
		totals[rec.ReporterCountry+"/"+rec.Flow] += *rec.ValueUSD
	}
	var alerts []QualityAlert
	for key, floor := range v.cfg.ReasonablenessFloors {
		total, present := totals[key]
		if !present {
			continue
		}
		if total < floor {
			alerts = append(alerts, QualityAlert{
				Severity: AlertWarning, Check: "reasonableness",
				Message: fmt.Sprintf("%s total %.0f below floor %.0f", key, total, floor),
			})
		}
	}
	return alerts
}

// outlierCheck z-scores record values within (hs6, flow) cohorts.
func (v *Validator) outlierCheck(records []persistence.TradeFlowRecord) []QualityAlert {
	cohorts := make(map[string][]float64)
	for i := range records {
		rec := &records[i]
		if rec.ValueUSD == nil {
			continue
		}
		cohorts[rec.HSCode6+"/"+rec.Flow] = append(cohorts[rec.HSCode6+"/"+rec.Flow], *rec.ValueUSD)
	}

	stats := make(map[string][2]float64, len(cohorts)) // mean, stddev
	for key, values := range cohorts {
		if len(values) < 3 {
			continue
		}
		mean := 0.0
		for _, v := range values {
			mean += v
		}
		mean /= float64(len(values))
		variance := 0.0
		for _, v := range values {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(values))
		stats[key] = [2]float64{mean, math.Sqrt(variance)}
	}

	var alerts []QualityAlert
	for i := range records {
		rec := &records[i]
		if rec.ValueUSD == nil {
			continue
		}
		st, ok := stats[rec.HSCode6+"/"+rec.Flow]
		if !ok || st[1] == 0 {
			continue
		}
		z := (*rec.ValueUSD - st[0]) / st[1]
		if math.Abs(z) > v.ZThresh {
			devPct := 100 * (*rec.ValueUSD - st[0]) / st[0]
			alerts = append(alerts, QualityAlert{
				Severity: AlertWarning, Check: "outlier",
				Message: fmt.Sprintf("%s %s->%s value %.0f is %.1f sd from cohort mean (%.0f%% deviation)",
					rec.Period, rec.ReporterCountry, rec.PartnerCountry, *rec.ValueUSD, z, devPct),
				Source: rec.DataSource, Period: rec.Period,
			})
		}
	}
	return alerts
}
