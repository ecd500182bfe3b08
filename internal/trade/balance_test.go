package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/persistence"
)

func flow(reporter, flowDir, partner string, value, tons float64) persistence.TradeFlowRecord {
	return persistence.TradeFlowRecord{
		DataSource: "test", ReporterCountry: reporter, Flow: flowDir,
		Period: "2024-05", HSCode6: "120190", PartnerCountry: partner,
		ValueUSD: &value, QuantityTons: &tons,
	}
}

func TestBalanceMatrixPairsBothSides(t *testing.T) {
	records := []persistence.TradeFlowRecord{
		flow("BRA", "export", "CHN", 1000, 10),
		flow("CHN", "import", "BRA", 1080, 10.5),
	}
	entries := BuildBalanceMatrix(records, 0.10)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "BRA", e.CountryA)
	assert.Equal(t, "CHN", e.CountryB)
	require.NotNil(t, e.ExportValueAB)
	require.NotNil(t, e.ImportValueBA)
	assert.Equal(t, 1000.0, *e.ExportValueAB)
	assert.Equal(t, 1080.0, *e.ImportValueBA)
	require.NotNil(t, e.PctDiffValue)
	assert.InDelta(t, 80.0/1080.0, *e.PctDiffValue, 1e-9)
	assert.False(t, e.Discrepancy, "7.4% is under the 10% threshold")
}

func TestBalanceMatrixFlagsDiscrepancy(t *testing.T) {
	records := []persistence.TradeFlowRecord{
		flow("BRA", "export", "CHN", 1000, 10),
		flow("CHN", "import", "BRA", 1500, 15),
	}
	entries := BuildBalanceMatrix(records, 0.10)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Discrepancy)
	assert.Equal(t, 1, CountDiscrepancies(entries))
}

func TestBalanceMatrixPreservesMissingSideAsNull(t *testing.T) {
	records := []persistence.TradeFlowRecord{
		flow("BRA", "export", "CHN", 1000, 10),
	}
	entries := BuildBalanceMatrix(records, 0.10)
	require.Len(t, entries, 1)

	e := entries[0]
	require.NotNil(t, e.ExportValueAB)
	assert.Nil(t, e.ImportValueBA)
	assert.Nil(t, e.AbsDiffValue, "one-sided entries get no diff")
	assert.Nil(t, e.PctDiffValue)
	assert.False(t, e.Discrepancy)
}

func TestBalanceMatrixExcludesProvisionalRows(t *testing.T) {
	prov := flow("BRA", "export", "CHN", 1000, 10)
	prov.Provisional = true
	entries := BuildBalanceMatrix([]persistence.TradeFlowRecord{prov}, 0.10)
	assert.Empty(t, entries)
}

func TestBalanceMatrixSumsMultipleRecordsPerGroup(t *testing.T) {
	records := []persistence.TradeFlowRecord{
		flow("BRA", "export", "CHN", 600, 6),
		flow("BRA", "export", "CHN", 400, 4),
		flow("CHN", "import", "BRA", 1000, 10),
	}
	entries := BuildBalanceMatrix(records, 0.10)
	require.Len(t, entries, 1)
	assert.Equal(t, 1000.0, *entries[0].ExportValueAB)
	assert.Equal(t, 10.0, *entries[0].ExportTonsAB)
	assert.Equal(t, 0.0, *entries[0].AbsDiffValue)
}
