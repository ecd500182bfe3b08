// Package mpob collects the Malaysian Palm Oil Board monthly
// supply-and-demand summary. MPOB publishes the numbers only as an HTML
// statistics page, so the collector scrapes the first summary table and
// keys rows on the metric label in the leading column.
package mpob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.mpob_stocks"

// metrics kept from the summary table, keyed by the label MPOB prints.
// Palm oil competes with soybean oil, so Malaysian stocks move the
// soybean balance even though no HS grain code is involved.
var metrics = map[string]string{
	"cpo production":    "production",
	"palm oil stocks":   "stocks",
	"palm oil exports":  "exports",
	"palm kernel stock": "kernel_stocks",
}

type Source struct {
	collector.BaseSource
}

func New(cfg collector.Config, rawDir string) *Source {
	cfg.SourceName = "mpob_stats"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://bepi.mpob.gov.my/index.php/en/statistics"
	}
	return &Source{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"period", "metric"},
			Endpoint:      "/monthly-summary",
			EntityColumn:  "metric",
		},
	}
}

type metricRow struct {
	Metric string
	Tonnes float64
}

type periodPayload struct {
	period string
	rows   []metricRow
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	period := req.Start.Format("2006-01")
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL: s.Cfg.SourceURL + "/monthly-summary",
		Params: map[string][]string{
			"year":  {req.Start.Format("2006")},
			"month": {req.Start.Format("01")},
		},
		EndpointName: "mpob_summary",
		Identifier:   period,
		ArchiveExt:   "html",
	})
	if err != nil {
		return nil, err
	}

	tables, err := collector.ParseHTMLTables(string(resp.Body))
	if err != nil {
		return nil, err
	}

	var rows []metricRow
	var warnings []string
	for _, table := range tables {
		for _, cells := range table.Rows {
			if len(cells) < 2 {
				continue
			}
			name, ok := metrics[strings.ToLower(strings.TrimSpace(cells[0]))]
			if !ok {
				continue
			}
			tonnes, ok := collector.AsFloat(cells[1])
			if !ok {
				warnings = append(warnings, fmt.Sprintf("metric %s: unparseable value %q", name, cells[1]))
				continue
			}
			rows = append(rows, metricRow{Metric: name, Tonnes: tonnes})
		}
		if len(rows) > 0 {
			// The first table carrying known labels is the summary; later
			// tables repeat the figures in regional breakdowns.
			break
		}
	}
	return &collector.FetchOutput{
		Payload:        periodPayload{period: period, rows: rows},
		RecordsFetched: len(rows),
		Warnings:       warnings,
	}, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	p, ok := out.Payload.(periodPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	if len(p.rows) == 0 {
		return nil, fmt.Errorf("no known metrics found for %s, page layout may have changed", p.period)
	}
	var warnings []string
	for _, row := range p.rows {
		if row.Tonnes <= 0 {
			warnings = append(warnings, fmt.Sprintf("metric %s is non-positive: %f", row.Metric, row.Tonnes))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	p := out.Payload.(periodPayload)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(p.rows))
	for _, row := range p.rows {
		records = append(records, map[string]any{
			"period":       p.period,
			"metric":       row.Metric,
			"value_tonnes": row.Tonnes,
			"collected_at": now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return s.Cfg.SourceURL
}
