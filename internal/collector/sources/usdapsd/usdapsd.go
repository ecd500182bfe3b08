// Package usdapsd collects supply-and-demand balance attributes from
// the USDA FAS PSD Online API. One request covers a commodity's full
// country panel for a market year; the monthly WASDE-cycle refresh
// rewrites prior values in place, so rows upsert on the attribute key.
package usdapsd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.psd_supply_demand"

// commodityCodes under the PSD nomenclature: corn, soybeans, wheat.
var commodityCodes = []string{"0440000", "2222000", "0410000"}

type Source struct {
	collector.BaseSource
}

func New(cfg collector.Config, rawDir string) *Source {
	cfg.SourceName = "usda_psd"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://apps.fas.usda.gov/OpenData/api/psd"
	}
	return &Source{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"commodity_code", "country_code", "market_year", "attribute_id"},
			Endpoint:      "/commodity/{code}/country/all/year/{year}",
			EntityColumn:  "country_code",
		},
	}
}

func (s *Source) Authenticate(ctx context.Context) error {
	if s.Cfg.AuthType == collector.AuthAPIKey && s.Cfg.Credentials["api_key"] == "" {
		return fmt.Errorf("fas psd api key not configured")
	}
	return nil
}

type psdRecord struct {
	CommodityCode        string  `json:"commodityCode"`
	CountryCode          string  `json:"countryCode"`
	MarketYear           int     `json:"marketYear"`
	AttributeID          int     `json:"attributeId"`
	AttributeDescription string  `json:"attributeDescription"`
	UnitDescription      string  `json:"unitDescription"`
	Value                float64 `json:"value"`
}

// Fetch pulls each commodity's country panel for the market year of the
// request start date.
func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	year := req.Start.Format("2006")
	var rows []psdRecord
	var warnings []string

	for _, code := range commodityCodes {
		resp, err := s.Session().Do(ctx, netcore.Request{
			URL:          fmt.Sprintf("%s/commodity/%s/country/all/year/%s", s.Cfg.SourceURL, code, year),
			Headers:      map[string]string{"API_KEY": s.Cfg.Credentials["api_key"]},
			EndpointName: "psd_commodity_year",
			Identifier:   fmt.Sprintf("%s_%s", code, year),
			ArchiveExt:   "json",
		})
		if err != nil {
			return nil, fmt.Errorf("commodity %s: %w", code, err)
		}

		var page []psdRecord
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("decode commodity %s: %w", code, err)
		}
		if len(page) == 0 {
			warnings = append(warnings, fmt.Sprintf("commodity %s has no rows for market year %s", code, year))
		}
		rows = append(rows, page...)
	}
	return &collector.FetchOutput{Payload: rows, RecordsFetched: len(rows), Warnings: warnings}, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	rows, ok := out.Payload.([]psdRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	missing := 0
	for _, row := range rows {
		if row.CountryCode == "" || row.AttributeID == 0 {
			missing++
		}
	}
	if missing > 0 {
		warnings = append(warnings, fmt.Sprintf("%d rows missing country or attribute id", missing))
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	rows := out.Payload.([]psdRecord)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row.CountryCode == "" || row.AttributeID == 0 {
			continue
		}
		records = append(records, map[string]any{
			"commodity_code": row.CommodityCode,
			"country_code":   row.CountryCode,
			"market_year":    row.MarketYear,
			"attribute_id":   row.AttributeID,
			"attribute":      row.AttributeDescription,
			"value":          row.Value,
			"unit":           row.UnitDescription,
			"collected_at":   now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s/commodity/%v/country/%v/year/%v",
		s.Cfg.SourceURL, row["commodity_code"], row["country_code"], row["market_year"])
}
