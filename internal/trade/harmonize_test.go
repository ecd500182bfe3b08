package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/config"
)

func testTradeConfig() config.TradeConfig {
	return config.TradeConfig{
		CountrySynonyms: map[string]string{
			"china":          "CHN",
			"china, taiwan":  "TWN",
			"japão":          "JPN",
			"estados unidos": "USA",
			"brasil":         "BRA",
		},
		BushelFactors: map[string]float64{
			"corn":     39.368,
			"soybeans": 36.744,
			"wheat":    36.744,
		},
		DiscrepancyThreshold: 0.10,
	}
}

func TestHarmonizeStripsDotsAndDerivesHS6(t *testing.T) {
	h := NewHarmonizer(testTradeConfig())
	records, warnings := h.Harmonize([]RawRecord{{
		DataSource: "comexstat", Reporter: "BRA", Flow: "export", Period: "2024-05",
		HSCode: "1201.90.00", Partner: "China", Quantity: 2_000_000, Unit: "kg",
		ValueFOBUSD: 1_250_000,
	}})
	require.Empty(t, warnings)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "12019000", rec.HSCode)
	assert.Equal(t, "120190", rec.HSCode6)
	assert.Equal(t, 8, rec.HSLevel)
	assert.Equal(t, "CHN", rec.PartnerCountry)
	assert.Equal(t, 2024, rec.Year)
	assert.Equal(t, 5, rec.Month)
	require.NotNil(t, rec.QuantityTons)
	assert.InDelta(t, 2000.0, *rec.QuantityTons, 1e-9)
	require.NotNil(t, rec.ValueUSD)
	assert.Equal(t, 1250000.0, *rec.ValueUSD)
}

func TestHarmonizeUnitConversions(t *testing.T) {
	h := NewHarmonizer(testTradeConfig())
	cases := []struct {
		qty      float64
		unit     string
		hs       string
		wantTons float64
	}{
		{1000, "kg", "10059010", 1},
		{5, "mt", "10059010", 5},
		{2, "thousand mt", "10059010", 2000},
		{0.001, "mmt", "10059010", 1000},
		{39368, "bushels", "10059010", 1000},   // corn
		{36744, "bushels", "12019000", 1000},   // soybeans
		{36.744, "bushels", "10019900", 1}, // wheat
	}
	for _, tc := range cases {
		tons, err := h.toMetricTons(tc.qty, tc.unit, tc.hs[:6])
		require.NoError(t, err, tc.unit)
		assert.InDelta(t, tc.wantTons, tons, 1e-6, tc.unit)
	}

	_, err := h.toMetricTons(1, "bushels", "020110")
	assert.Error(t, err, "no bushel factor outside the grain roots")
}

func TestHarmonizeValueChoiceByFlow(t *testing.T) {
	h := NewHarmonizer(testTradeConfig())
	records, warnings := h.Harmonize([]RawRecord{
		{DataSource: "s", Reporter: "BRA", Flow: "export", Period: "2024-05",
			HSCode: "12019000", Partner: "China", ValueFOBUSD: 100, ValueCIFUSD: 110},
		{DataSource: "s", Reporter: "CHN", Flow: "import", Period: "2024-05",
			HSCode: "12019000", Partner: "Brasil", ValueFOBUSD: 100, ValueCIFUSD: 110},
		// Import with FOB only: falls back.
		{DataSource: "s", Reporter: "CHN", Flow: "import", Period: "2024-05",
			HSCode: "10059010", Partner: "Brasil", ValueFOBUSD: 90},
	})
	require.Empty(t, warnings)
	require.Len(t, records, 3)
	assert.Equal(t, 100.0, *records[0].ValueUSD)
	assert.Equal(t, 110.0, *records[1].ValueUSD)
	assert.Equal(t, 90.0, *records[2].ValueUSD)
}

func TestHarmonizeWarnsInsteadOfFailing(t *testing.T) {
	h := NewHarmonizer(testTradeConfig())
	records, warnings := h.Harmonize([]RawRecord{
		{DataSource: "s", Reporter: "BRA", Flow: "export", Period: "2024-05",
			HSCode: "1201", Partner: "China"}, // short hs code
		{DataSource: "s", Reporter: "BRA", Flow: "sideways", Period: "2024-05",
			HSCode: "12019000", Partner: "China"}, // bad flow
		{DataSource: "s", Reporter: "BRA", Flow: "export", Period: "2024-05",
			HSCode: "12019000", Partner: "Atlantis"}, // unknown country
		{DataSource: "s", Reporter: "BRA", Flow: "export", Period: "2024-05",
			HSCode: "12019000", Partner: "China", Quantity: 1, Unit: "kg"},
	})
	assert.Len(t, warnings, 3)
	assert.Len(t, records, 1)
}

func TestResolveCountryPassesThroughISO3(t *testing.T) {
	h := NewHarmonizer(testTradeConfig())
	iso, err := h.ResolveCountry("MEX")
	require.NoError(t, err)
	assert.Equal(t, "MEX", iso)

	iso, err = h.ResolveCountry("Japão")
	require.NoError(t, err)
	assert.Equal(t, "JPN", iso)
}
