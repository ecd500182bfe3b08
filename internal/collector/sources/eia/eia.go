// Package eia collects weekly ethanol production and stocks from the
// EIA v2 API. Ethanol grind is the demand-side check on the corn
// balance sheet.
package eia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.eia_ethanol"

// series maps EIA v2 series ids to our measure names.
var series = map[string]string{
	"W_EPOOXE_YOP_NUS_MBBLD": "production_kbd",
	"W_EPOOXE_SAE_NUS_MBBL":  "stocks_kbbl",
}

type Source struct {
	collector.BaseSource
}

func New(cfg collector.Config, rawDir string) *Source {
	cfg.SourceName = "eia_ethanol"
	cfg.AuthType = collector.AuthAPIKey
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://api.eia.gov/v2/petroleum/sum/sndw/data"
	}
	return &Source{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"week_ending", "measure"},
			Endpoint:      "/v2/petroleum/sum/sndw/data",
			EntityColumn:  "measure",
		},
	}
}

func (s *Source) Authenticate(ctx context.Context) error {
	if s.Cfg.Credentials["api_key"] == "" {
		return fmt.Errorf("EIA api key not configured")
	}
	return nil
}

type dataPoint struct {
	Period   string `json:"period"`
	SeriesID string `json:"series"`
	Value    any    `json:"value"`
	Units    string `json:"units"`
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	params := url.Values{
		"api_key":            {s.Cfg.Credentials["api_key"]},
		"frequency":          {"weekly"},
		"data[0]":            {"value"},
		"start":              {req.Start.Format("2006-01-02")},
		"end":                {req.End.Format("2006-01-02")},
		"sort[0][column]":    {"period"},
		"sort[0][direction]": {"asc"},
	}
	i := 0
	for id := range series {
		params.Add(fmt.Sprintf("facets[series][%d]", i), id)
		i++
	}

	resp, err := s.Session().Do(ctx, netcore.Request{
		URL:          s.Cfg.SourceURL,
		Params:       params,
		EndpointName: "eia_ethanol",
		Identifier:   req.Start.Format("2006-01-02"),
		ArchiveExt:   "json",
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Response struct {
			Data []dataPoint `json:"data"`
		} `json:"response"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode eia response: %w", err)
	}
	return &collector.FetchOutput{
		Payload:        decoded.Response.Data,
		RecordsFetched: len(decoded.Response.Data),
	}, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	points, ok := out.Payload.([]dataPoint)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for _, p := range points {
		if _, known := series[p.SeriesID]; !known {
			warnings = append(warnings, fmt.Sprintf("unrequested series %s in response", p.SeriesID))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	points := out.Payload.([]dataPoint)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(points))
	for _, p := range points {
		measure, known := series[p.SeriesID]
		if !known {
			continue
		}
		value, ok := collector.AsFloat(p.Value)
		if !ok {
			continue
		}
		records = append(records, map[string]any{
			"week_ending":  p.Period,
			"measure":      measure,
			"value":        value,
			"units":        p.Units,
			"collected_at": now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s?frequency=weekly&start=%v&end=%v", s.Cfg.SourceURL, row["week_ending"], row["week_ending"])
}
