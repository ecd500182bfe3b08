// Package usdanass collects weekly crop progress and condition from the
// USDA NASS QuickStats API. One run pulls both statistic classes for
// the request window; condition rows are reduced to the percent
// good-or-excellent figure the yield models key on.
package usdanass

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

const (
	TableProgress  = "bronze.nass_progress"
	TableCondition = "bronze.nass_condition"
)

var crops = []string{"CORN", "SOYBEANS", "WHEAT"}

type Source struct {
	collector.BaseSource
	States []string
}

func New(cfg collector.Config, rawDir string, states []string) *Source {
	cfg.SourceName = "usda_nass"
	cfg.AuthType = collector.AuthAPIKey
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://quickstats.nass.usda.gov/api/api_GET"
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		States:     states,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		TableProgress: {
			UniqueColumns: []string{"year", "week", "state", "crop", "stage"},
			Endpoint:      "/api/api_GET",
			EntityColumn:  "state",
		},
		TableCondition: {
			UniqueColumns: []string{"year", "week", "state", "crop"},
			Endpoint:      "/api/api_GET",
			EntityColumn:  "state",
		},
	}
}

func (s *Source) Authenticate(ctx context.Context) error {
	if s.Cfg.Credentials["api_key"] == "" {
		return fmt.Errorf("NASS api key not configured")
	}
	return nil
}

type apiRow struct {
	Year          int    `json:"year"`
	ReferenceWeek string `json:"reference_period_desc"` // "WEEK #23"
	State         string `json:"state_alpha"`
	Commodity     string `json:"commodity_desc"`
	StatisticCat  string `json:"statisticcat_desc"` // "PROGRESS" | "CONDITION"
	ShortDesc     string `json:"short_desc"`
	UnitDesc      string `json:"unit_desc"`
	Value         string `json:"Value"`
}

type apiResponse struct {
	Data []apiRow `json:"data"`
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	var rows []apiRow
	var warnings []string
	year := req.Start.Year()

	for _, crop := range crops {
		for _, cat := range []string{"PROGRESS", "CONDITION"} {
			page, err := s.query(ctx, crop, cat, year)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", crop, cat, err)
			}
			if len(page) == 0 {
				warnings = append(warnings, fmt.Sprintf("no %s rows for %s %d", strings.ToLower(cat), crop, year))
			}
			rows = append(rows, page...)
		}
	}
	return &collector.FetchOutput{Payload: rows, RecordsFetched: len(rows), Warnings: warnings}, nil
}

func (s *Source) query(ctx context.Context, crop, cat string, year int) ([]apiRow, error) {
	params := url.Values{
		"key":               {s.Cfg.Credentials["api_key"]},
		"source_desc":       {"SURVEY"},
		"sector_desc":       {"CROPS"},
		"commodity_desc":    {crop},
		"statisticcat_desc": {cat},
		"agg_level_desc":    {"STATE"},
		"year":              {fmt.Sprintf("%d", year)},
		"format":            {"JSON"},
	}
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL:          s.Cfg.SourceURL,
		Params:       params,
		EndpointName: "nass_quickstats",
		Identifier:   fmt.Sprintf("%s_%s_%d", strings.ToLower(crop), strings.ToLower(cat), year),
		ArchiveExt:   "json",
	})
	if err != nil {
		return nil, err
	}
	var decoded apiResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode quickstats response: %w", err)
	}
	if len(s.States) == 0 {
		return decoded.Data, nil
	}
	keep := make(map[string]bool, len(s.States))
	for _, st := range s.States {
		keep[strings.ToUpper(st)] = true
	}
	var out []apiRow
	for _, row := range decoded.Data {
		if keep[strings.ToUpper(row.State)] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	rows, ok := out.Payload.([]apiRow)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	bad := 0
	for _, row := range rows {
		if parseWeek(row.ReferenceWeek) == 0 {
			bad++
		}
	}
	if bad > 0 {
		warnings = append(warnings, fmt.Sprintf("%d rows with unparseable reference week", bad))
	}
	return warnings, nil
}

// Transform splits rows by statistic class. Condition is stored as the
// good+excellent percentage; progress keeps one row per stage.
func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	rows := out.Payload.([]apiRow)
	now := time.Now().UTC()

	var progress []map[string]any
	// Condition arrives as one row per rating class; sum the good and
	// excellent shares per (year, week, state, crop).
	type condKey struct {
		year, week  int
		state, crop string
	}
	condTotals := make(map[condKey]float64)
	var condOrder []condKey

	for _, row := range rows {
		week := parseWeek(row.ReferenceWeek)
		if week == 0 {
			continue
		}
		value, ok := collector.AsFloat(row.Value)
		if !ok {
			continue
		}
		crop := strings.ToLower(row.Commodity)
		switch row.StatisticCat {
		case "PROGRESS":
			progress = append(progress, map[string]any{
				"year":         row.Year,
				"week":         week,
				"state":        strings.ToUpper(row.State),
				"crop":         crop,
				"stage":        stageFromDesc(row.ShortDesc),
				"pct_complete": value,
				"collected_at": now,
			})
		case "CONDITION":
			desc := strings.ToUpper(row.ShortDesc)
			if !strings.Contains(desc, "GOOD") && !strings.Contains(desc, "EXCELLENT") {
				continue
			}
			key := condKey{year: row.Year, week: week, state: strings.ToUpper(row.State), crop: crop}
			if _, seen := condTotals[key]; !seen {
				condOrder = append(condOrder, key)
			}
			condTotals[key] += value
		}
	}

	condition := make([]map[string]any, 0, len(condOrder))
	for _, key := range condOrder {
		condition = append(condition, map[string]any{
			"year":               key.year,
			"week":               key.week,
			"state":              key.state,
			"crop":               key.crop,
			"pct_good_excellent": condTotals[key],
			"collected_at":       now,
		})
	}
	return map[string][]map[string]any{
		TableProgress:  progress,
		TableCondition: condition,
	}, nil
}

// parseWeek extracts the number from "WEEK #23" style descriptors.
func parseWeek(desc string) int {
	desc = strings.ToUpper(strings.TrimSpace(desc))
	desc = strings.TrimPrefix(desc, "WEEK")
	desc = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(desc), "#"))
	var week int
	fmt.Sscanf(desc, "%d", &week)
	if week < 1 || week > 53 {
		return 0
	}
	return week
}

// stageFromDesc pulls the stage keyword out of a QuickStats short
// description like "CORN - PROGRESS, MEASURED IN PCT PLANTED".
func stageFromDesc(desc string) string {
	upper := strings.ToUpper(desc)
	for _, stage := range []string{"PLANTED", "EMERGED", "SILKING", "DOUGH", "DENTED", "MATURE", "HARVESTED", "BLOOMING", "SETTING PODS", "DROPPING LEAVES", "HEADED"} {
		if strings.Contains(upper, stage) {
			return strings.ToLower(strings.ReplaceAll(stage, " ", "_"))
		}
	}
	return "unknown"
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s?commodity_desc=%v&year=%v&state_alpha=%v",
		s.Cfg.SourceURL, strings.ToUpper(collector.AsString(row["crop"])), row["year"], row["state"])
}
