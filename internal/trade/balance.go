package trade

import (
	"math"
	"sort"

	"github.com/agroflow/agroflow/internal/persistence"
)

// epsilon guards the percentage denominator when both sides are tiny.
const epsilon = 1e-9

// BuildBalanceMatrix pairs A's reported exports to B against B's
// reported imports from A, per (period, hs6). A side nobody reported
// stays nil; a pct_diff above threshold marks the entry a discrepancy.
func BuildBalanceMatrix(records []persistence.TradeFlowRecord, threshold float64) []persistence.BalanceMatrixEntry {
	type key struct {
		period, hs6, a, b string
	}
	type acc struct {
		exportValue, exportTons *float64
		importValue, importTons *float64
	}

	add := func(dst **float64, v *float64) {
		if v == nil {
			return
		}
		if *dst == nil {
			zero := 0.0
			*dst = &zero
		}
		**dst += *v
	}

	groups := make(map[key]*acc)
	var order []key
	touch := func(k key) *acc {
		if g, ok := groups[k]; ok {
			return g
		}
		g := &acc{}
		groups[k] = g
		order = append(order, k)
		return g
	}

	for i := range records {
		rec := &records[i]
		if rec.Provisional {
			continue
		}
		switch rec.Flow {
		case "export":
			g := touch(key{rec.Period, rec.HSCode6, rec.ReporterCountry, rec.PartnerCountry})
			add(&g.exportValue, rec.ValueUSD)
			add(&g.exportTons, rec.QuantityTons)
		case "import":
			// B reporting imports from A: the pair is still (A, B).
			g := touch(key{rec.Period, rec.HSCode6, rec.PartnerCountry, rec.ReporterCountry})
			add(&g.importValue, rec.ValueUSD)
			add(&g.importTons, rec.QuantityTons)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].period != order[j].period {
			return order[i].period < order[j].period
		}
		if order[i].hs6 != order[j].hs6 {
			return order[i].hs6 < order[j].hs6
		}
		if order[i].a != order[j].a {
			return order[i].a < order[j].a
		}
		return order[i].b < order[j].b
	})

	out := make([]persistence.BalanceMatrixEntry, 0, len(order))
	for _, k := range order {
		g := groups[k]
		entry := persistence.BalanceMatrixEntry{
			Period:        k.period,
			HSCode6:       k.hs6,
			CountryA:      k.a,
			CountryB:      k.b,
			ExportValueAB: g.exportValue,
			ExportTonsAB:  g.exportTons,
			ImportValueBA: g.importValue,
			ImportTonsBA:  g.importTons,
		}
		if g.exportValue != nil && g.importValue != nil {
			abs := math.Abs(*g.exportValue - *g.importValue)
			denom := math.Max(math.Max(*g.exportValue, *g.importValue), epsilon)
			pct := abs / denom
			entry.AbsDiffValue = &abs
			entry.PctDiffValue = &pct
			entry.Discrepancy = pct > threshold
		}
		out = append(out, entry)
	}
	return out
}

// CountDiscrepancies is a convenience for pipeline summaries.
func CountDiscrepancies(entries []persistence.BalanceMatrixEntry) int {
	n := 0
	for _, e := range entries {
		if e.Discrepancy {
			n++
		}
	}
	return n
}
