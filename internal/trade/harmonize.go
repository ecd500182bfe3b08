// Package trade normalizes per-source trade flows into the silver
// schema, pairs both sides of each flow into the balance matrix, and
// screens the result for quality problems.
package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
)

// RawRecord is the loose shape collectors hand the harmonizer.
type RawRecord struct {
	DataSource  string
	Reporter    string // ISO-3 of the reporting country
	Flow        string // export|import
	Period      string // YYYY-MM or YYYY
	HSCode      string
	Partner     string // free-text country name or ISO-3
	Quantity    float64
	Unit        string // kg|mt|thousand mt|mmt|bushels
	ValueFOBUSD float64
	ValueCIFUSD float64
	Provisional bool
}

// commodityByRoot maps 4-digit HS roots to the commodity names the
// bushel factors are keyed by.
var commodityByRoot = map[string]string{
	"1005": "corn",
	"1201": "soybeans",
	"1001": "wheat",
}

// Harmonizer converts raw records using the configured lookups.
type Harmonizer struct {
	cfg config.TradeConfig
}

func NewHarmonizer(cfg config.TradeConfig) *Harmonizer {
	return &Harmonizer{cfg: cfg}
}

// Harmonize normalizes every record it can; records it cannot place
// produce a warning instead of failing the batch.
func (h *Harmonizer) Harmonize(raws []RawRecord) ([]persistence.TradeFlowRecord, []string) {
	out := make([]persistence.TradeFlowRecord, 0, len(raws))
	var warnings []string
	now := time.Now().UTC()

	for i, raw := range raws {
		rec, err := h.harmonizeOne(raw, now)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("record %d (%s %s): %v", i, raw.DataSource, raw.HSCode, err))
			continue
		}
		out = append(out, rec)
	}
	return out, warnings
}

func (h *Harmonizer) harmonizeOne(raw RawRecord, now time.Time) (persistence.TradeFlowRecord, error) {
	var rec persistence.TradeFlowRecord

	code := strings.ReplaceAll(strings.TrimSpace(raw.HSCode), ".", "")
	if len(code) < 6 {
		return rec, fmt.Errorf("hs code %q shorter than 6 digits", raw.HSCode)
	}
	hs6 := code[:6]

	flow := strings.ToLower(strings.TrimSpace(raw.Flow))
	if flow != "export" && flow != "import" {
		return rec, fmt.Errorf("unknown flow %q", raw.Flow)
	}

	partner, err := h.ResolveCountry(raw.Partner)
	if err != nil {
		return rec, err
	}

	tons, err := h.toMetricTons(raw.Quantity, raw.Unit, hs6)
	if err != nil {
		return rec, err
	}

	year, month := splitPeriod(raw.Period)

	rec = persistence.TradeFlowRecord{
		DataSource:      raw.DataSource,
		ReporterCountry: strings.ToUpper(raw.Reporter),
		Flow:            flow,
		Year:            year,
		Month:           month,
		Period:          raw.Period,
		HSCode:          code,
		HSLevel:         len(code),
		HSCode6:         hs6,
		PartnerCountry:  partner,
		Provisional:     raw.Provisional,
		IngestedAt:      now,
	}
	if raw.Quantity != 0 {
		kg := tons * 1000
		rec.QuantityKg = &kg
		rec.QuantityTons = &tons
	}
	if raw.ValueFOBUSD != 0 {
		v := raw.ValueFOBUSD
		rec.ValueFOBUSD = &v
	}
	if raw.ValueCIFUSD != 0 {
		v := raw.ValueCIFUSD
		rec.ValueCIFUSD = &v
	}

	// Comparable value: exports are valued FOB, imports CIF with FOB
	// fallback when the source only publishes FOB.
	switch {
	case flow == "export" && rec.ValueFOBUSD != nil:
		rec.ValueUSD = rec.ValueFOBUSD
	case flow == "import" && rec.ValueCIFUSD != nil:
		rec.ValueUSD = rec.ValueCIFUSD
	case flow == "import" && rec.ValueFOBUSD != nil:
		rec.ValueUSD = rec.ValueFOBUSD
	}
	return rec, nil
}

// ResolveCountry maps a free-text country name to ISO-3 via the synonym
// table. Already-ISO inputs pass through.
func (h *Harmonizer) ResolveCountry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("empty country name")
	}
	if iso, ok := h.cfg.CountrySynonyms[strings.ToLower(trimmed)]; ok {
		return iso, nil
	}
	if len(trimmed) == 3 && strings.ToUpper(trimmed) == trimmed {
		return trimmed, nil
	}
	return "", fmt.Errorf("unknown country %q", name)
}

// toMetricTons converts the declared unit. Bushels need the commodity
// factor (bushels per metric ton).
func (h *Harmonizer) toMetricTons(qty float64, unit, hs6 string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "kg", "kilograms":
		return qty / 1000, nil
	case "mt", "t", "tons", "tonnes":
		return qty, nil
	case "thousand mt", "kmt":
		return qty * 1000, nil
	case "mmt":
		return qty * 1e6, nil
	case "bu", "bushel", "bushels":
		commodity, ok := commodityByRoot[hs6[:4]]
		if !ok {
			return 0, fmt.Errorf("no bushel factor for hs %s", hs6)
		}
		factor, ok := h.cfg.BushelFactors[commodity]
		if !ok || factor == 0 {
			return 0, fmt.Errorf("bushel factor for %s not configured", commodity)
		}
		return qty / factor, nil
	default:
		return 0, fmt.Errorf("unknown quantity unit %q", unit)
	}
}

// splitPeriod parses YYYY-MM; annual periods get month 0.
func splitPeriod(period string) (int, int) {
	var year, month int
	if strings.Contains(period, "-") {
		fmt.Sscanf(period, "%d-%d", &year, &month)
	} else {
		fmt.Sscanf(period, "%d", &year)
	}
	return year, month
}
