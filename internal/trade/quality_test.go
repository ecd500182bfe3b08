package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
)

func findAlerts(alerts []QualityAlert, check string) []QualityAlert {
	var out []QualityAlert
	for _, a := range alerts {
		if a.Check == check {
			out = append(out, a)
		}
	}
	return out
}

func TestNegativeValueIsFatal(t *testing.T) {
	v := NewValidator(testTradeConfig())
	neg := -100.0
	tons := 10.0
	alerts := v.Validate([]persistence.TradeFlowRecord{{
		DataSource: "s", ReporterCountry: "BRA", Flow: "export", Period: "2024-05",
		HSCode: "12019000", HSCode6: "120190", PartnerCountry: "CHN",
		ValueUSD: &neg, QuantityTons: &tons,
	}})
	ranges := findAlerts(alerts, "range")
	require.NotEmpty(t, ranges)
	assert.Equal(t, AlertFatal, ranges[0].Severity)
}

func TestDuplicateDetection(t *testing.T) {
	v := NewValidator(testTradeConfig())
	rec := persistence.TradeFlowRecord{
		DataSource: "s", ReporterCountry: "BRA", Flow: "export", Period: "2024-05",
		HSCode: "12019000", HSCode6: "120190", PartnerCountry: "CHN",
	}
	alerts := v.Validate([]persistence.TradeFlowRecord{rec, rec})
	dups := findAlerts(alerts, "duplicate")
	require.Len(t, dups, 1)
	assert.Equal(t, AlertWarning, dups[0].Severity)
}

func TestReasonablenessFloor(t *testing.T) {
	cfg := testTradeConfig()
	cfg.ReasonablenessFloors = map[string]float64{"BRA/export": 1_000_000}
	v := NewValidator(cfg)

	small := 500.0
	alerts := v.Validate([]persistence.TradeFlowRecord{{
		DataSource: "s", ReporterCountry: "BRA", Flow: "export", Period: "2024-05",
		HSCode: "12019000", HSCode6: "120190", PartnerCountry: "CHN", ValueUSD: &small,
	}})
	floors := findAlerts(alerts, "reasonableness")
	require.Len(t, floors, 1)
	assert.Contains(t, floors[0].Message, "below floor")
}

func TestOutlierDetectionByZScore(t *testing.T) {
	v := NewValidator(testTradeConfig())
	values := []float64{100, 101, 99, 100, 102, 98, 100, 101, 99, 100, 5000}
	var records []persistence.TradeFlowRecord
	for i := range values {
		val := values[i]
		records = append(records, persistence.TradeFlowRecord{
			DataSource: "s", ReporterCountry: "BRA", Flow: "export", Period: "2024-05",
			HSCode: "12019000", HSCode6: "120190",
			PartnerCountry: []string{"CHN", "JPN", "KOR", "MEX", "DEU", "NLD", "ESP", "ITA", "FRA", "GBR", "VNM"}[i],
			ValueUSD:       &val,
		})
	}
	alerts := v.Validate(records)
	outliers := findAlerts(alerts, "outlier")
	require.Len(t, outliers, 1)
	assert.Contains(t, outliers[0].Message, "5000")
}

func TestCleanBatchProducesNoAlerts(t *testing.T) {
	v := NewValidator(config.TradeConfig{})
	val := 1000.0
	tons := 25.0
	alerts := v.Validate([]persistence.TradeFlowRecord{{
		DataSource: "s", ReporterCountry: "BRA", Flow: "export", Period: "2024-05",
		HSCode: "12019000", HSCode6: "120190", PartnerCountry: "CHN",
		ValueUSD: &val, QuantityTons: &tons,
	}})
	assert.Empty(t, alerts)
}
