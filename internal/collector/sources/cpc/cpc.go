// Package cpc collects the weekly national condition/progress grid the
// yield features consume: one condition index and planting/harvest
// progress percentage per crop and ISO week.
package cpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.cpc_conditions"

type Source struct {
	collector.BaseSource
	Crops []string
}

func New(cfg collector.Config, rawDir string, crops []string) *Source {
	cfg.SourceName = "cpc_conditions"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://www.cpc.ncep.noaa.gov/products/api"
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		Crops:      crops,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"year", "week", "crop"},
			Endpoint:      "/conditions",
			EntityColumn:  "crop",
		},
	}
}

type cropRow struct {
	Crop           string  `json:"crop"`
	ConditionIndex float64 `json:"condition_index"`
	ProgressPct    float64 `json:"progress_pct"`
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	year, week := req.Start.ISOWeek()
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL: s.Cfg.SourceURL + "/conditions",
		Params: url.Values{
			"year": {fmt.Sprintf("%d", year)},
			"week": {fmt.Sprintf("%d", week)},
		},
		EndpointName: "cpc_conditions",
		Identifier:   fmt.Sprintf("%d_w%02d", year, week),
		ArchiveExt:   "json",
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Crops []cropRow `json:"crops"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}

	rows := decoded.Crops
	if len(s.Crops) > 0 {
		keep := make(map[string]bool, len(s.Crops))
		for _, c := range s.Crops {
			keep[strings.ToLower(c)] = true
		}
		filtered := rows[:0]
		for _, row := range rows {
			if keep[strings.ToLower(row.Crop)] {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	return &collector.FetchOutput{
		Payload:        weekPayload{year: year, week: week, rows: rows},
		RecordsFetched: len(rows),
	}, nil
}

type weekPayload struct {
	year, week int
	rows       []cropRow
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	p, ok := out.Payload.(weekPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for _, row := range p.rows {
		if row.ConditionIndex < 0 || row.ConditionIndex > 100 {
			return warnings, fmt.Errorf("condition index out of range for %s: %.1f", row.Crop, row.ConditionIndex)
		}
		if row.ProgressPct < 0 || row.ProgressPct > 100 {
			warnings = append(warnings, fmt.Sprintf("progress out of range for %s: %.1f", row.Crop, row.ProgressPct))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	p := out.Payload.(weekPayload)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(p.rows))
	for _, row := range p.rows {
		records = append(records, map[string]any{
			"year":            p.year,
			"week":            p.week,
			"crop":            strings.ToLower(row.Crop),
			"condition_index": row.ConditionIndex,
			"progress_pct":    row.ProgressPct,
			"collected_at":    now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s/conditions?year=%v&week=%v", s.Cfg.SourceURL, row["year"], row["week"])
}
