// Package census collects US export trade flows from the Census Bureau
// International Trade API. The API pages by offset; a page shorter than
// the page size ends the loop. A hard record cap bounds runtime when an
// upstream filter silently stops applying.
package census

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
	Table = "bronze.census_trade"

	defaultPageSize = 5000
	// maxRecords bounds a single period's pull. A monthly grain-trade
	// extract is tens of thousands of rows; a million means the HS
	// filter was dropped upstream.
	maxRecords = 1_000_000
)

// hsCodes are the 6-digit roots collected: corn, soybeans, wheat.
var hsCodes = []string{"100590", "120190", "100199"}

type Source struct {
	collector.BaseSource
	PageSize int
}

func New(cfg collector.Config, rawDir string) *Source {
	cfg.SourceName = "census_trade"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://api.census.gov/data/timeseries/intltrade/exports/hs"
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		PageSize:   defaultPageSize,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"period", "hs_code", "country_code"},
			Endpoint:      "/data/timeseries/intltrade/exports/hs",
			EntityColumn:  "country_name",
		},
	}
}

func (s *Source) Authenticate(ctx context.Context) error {
	if s.Cfg.AuthType == collector.AuthAPIKey && s.Cfg.Credentials["api_key"] == "" {
		return fmt.Errorf("census api key not configured")
	}
	return nil
}

// Fetch pages through every configured HS root for the request period.
func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	period := req.Start.Format("2006-01")
	var rows []map[string]string
	var warnings []string

	for _, hs := range hsCodes {
		offset := 0
		for {
			page, err := s.fetchPage(ctx, period, hs, offset)
			if err != nil {
				return nil, fmt.Errorf("hs %s offset %d: %w", hs, offset, err)
			}
			rows = append(rows, page...)
			if len(rows) >= maxRecords {
				warnings = append(warnings, fmt.Sprintf("record cap %d reached at hs %s, truncating period %s", maxRecords, hs, period))
				return &collector.FetchOutput{Payload: rows, RecordsFetched: len(rows), Warnings: warnings}, nil
			}
			if len(page) < s.PageSize {
				break
			}
			offset += s.PageSize
		}
	}
	return &collector.FetchOutput{Payload: rows, RecordsFetched: len(rows), Warnings: warnings}, nil
}

// fetchPage decodes the Census array-of-arrays format: first row is the
// header, remaining rows are positional values.
func (s *Source) fetchPage(ctx context.Context, period, hs string, offset int) ([]map[string]string, error) {
	params := url.Values{
		"get":         {"CTY_CODE,CTY_NAME,E_COMMODITY,ALL_VAL_MO,QTY_1_MO,UNIT_QY1"},
		"time":        {period},
		"COMM_LVL":    {"HS6"},
		"E_COMMODITY": {hs},
	}
	if key := s.Cfg.Credentials["api_key"]; key != "" {
		params.Set("key", key)
	}
	if offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", offset))
	}

	resp, err := s.Session().Do(ctx, netcore.Request{
		URL:          s.Cfg.SourceURL,
		Params:       params,
		EndpointName: "census_exports",
		Identifier:   fmt.Sprintf("%s_%s_%d", period, hs, offset),
		ArchiveExt:   "json",
	})
	if err != nil {
		return nil, err
	}

	// An empty result set comes back as a 204 or an empty body.
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return nil, nil
	}

	var raw [][]string
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if len(raw) < 2 {
		return nil, nil
	}
	header := raw[0]
	out := make([]map[string]string, 0, len(raw)-1)
	for _, vals := range raw[1:] {
		rec := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(vals) {
				rec[h] = vals[i]
			}
		}
		out = append(out, rec)
	}
	if len(out) > s.PageSize {
		out = out[:s.PageSize]
	}
	return out, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	rows, ok := out.Payload.([]map[string]string)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	missing := 0
	for _, row := range rows {
		if row["CTY_CODE"] == "" || row["E_COMMODITY"] == "" {
			missing++
		}
	}
	if missing > 0 {
		warnings = append(warnings, fmt.Sprintf("%d rows missing country or commodity code", missing))
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	rows := out.Payload.([]map[string]string)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row["CTY_CODE"] == "" || row["E_COMMODITY"] == "" {
			continue
		}
		value, _ := collector.AsFloat(row["ALL_VAL_MO"])
		qty, _ := collector.AsFloat(row["QTY_1_MO"])
		records = append(records, map[string]any{
			"period":        row["time"],
			"hs_code":       row["E_COMMODITY"],
			"country_code":  row["CTY_CODE"],
			"country_name":  row["CTY_NAME"],
			"value_usd":     value,
			"quantity":      qty,
			"quantity_unit": strings.ToLower(row["UNIT_QY1"]),
			"flow":          "export",
			"reporter":      "USA",
			"collected_at":  now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s?time=%v&E_COMMODITY=%v&CTY_CODE=%v",
		s.Cfg.SourceURL, row["period"], row["hs_code"], row["country_code"])
}
