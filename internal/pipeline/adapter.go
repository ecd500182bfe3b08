package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agroflow/agroflow/internal/audit"
	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/trade"
)

// SourceCollector adapts bronze collector plugins into the monthly
// trade pipeline. One instance covers one reporting country; each flow
// maps to the plugin that publishes it (Brazil runs separate export and
// import endpoints, most countries publish exports only).
//
// The pipeline drives the plugin lifecycle itself and feeds the
// transformed rows straight to the harmonizer; bronze archival stays
// with standalone fetch runs.
type SourceCollector struct {
	countryISO string
	logDir     string
	sources    map[string]collector.Source // flow -> plugin
}

func NewSourceCollector(countryISO, logDir string, sources map[string]collector.Source) *SourceCollector {
	return &SourceCollector{countryISO: countryISO, logDir: logDir, sources: sources}
}

func (c *SourceCollector) Country() string { return c.countryISO }

func (c *SourceCollector) Flows() []string {
	flows := make([]string, 0, len(c.sources))
	for flow := range c.sources {
		flows = append(flows, flow)
	}
	sort.Strings(flows)
	return flows
}

func (c *SourceCollector) FetchRecords(ctx context.Context, year, month int, flow string) ([]trade.RawRecord, error) {
	src, ok := c.sources[flow]
	if !ok {
		return nil, fmt.Errorf("%s publishes no %s flow", c.countryISO, flow)
	}

	auditor, err := audit.NewLogger(c.logDir, src.Name())
	if err != nil {
		return nil, fmt.Errorf("audit log unavailable: %w", err)
	}
	defer auditor.Close()
	src.BeginRun(auditor)

	if err := src.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	req := collector.FetchRequest{
		Start:  start,
		End:    start.AddDate(0, 1, -1),
		Params: map[string]string{"flow": flow},
	}
	out, err := src.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := src.Validate(out); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	tables, err := src.Transform(out)
	if err != nil {
		return nil, err
	}

	var raws []trade.RawRecord
	for _, rows := range tables {
		for _, row := range rows {
			rowFlow := collector.AsString(row["flow"])
			if rowFlow != "" && rowFlow != flow {
				continue
			}
			raws = append(raws, rowToRaw(src.Name(), c.countryISO, flow, row))
		}
	}
	return raws, nil
}

// rowToRaw maps the shared bronze row shape onto the harmonizer input.
// Exports are valued FOB, imports CIF.
func rowToRaw(source, reporter, flow string, row map[string]any) trade.RawRecord {
	raw := trade.RawRecord{
		DataSource: source,
		Reporter:   reporter,
		Flow:       flow,
		Period:     collector.AsString(row["period"]),
		HSCode:     collector.AsString(row["hs_code"]),
		Partner:    collector.AsString(row["country_name"]),
		Unit:       collector.AsString(row["quantity_unit"]),
	}
	if r := collector.AsString(row["reporter"]); r != "" {
		raw.Reporter = r
	}
	if qty, ok := collector.AsFloat(row["quantity"]); ok {
		raw.Quantity = qty
	}
	if value, ok := collector.AsFloat(row["value_usd"]); ok {
		if flow == "import" {
			raw.ValueCIFUSD = value
		} else {
			raw.ValueFOBUSD = value
		}
	}
	if prov, ok := row["provisional"].(bool); ok {
		raw.Provisional = prov
	}
	return raw
}
