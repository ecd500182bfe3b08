// Package usdaams collects grain market reports from the USDA AMS
// MyMarketNews API. Authentication is HTTP basic with the API key as
// the username, which the API rejects up front rather than per-report,
// so the collector probes one cheap endpoint during Authenticate.
package usdaams

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.ams_grain_reports"

// ReportSlug identifies one MyMarketNews report to pull.
type ReportSlug struct {
	ID   string // numeric slug, e.g. "3195" for the weekly grain summary
	Name string
}

func DefaultReports() []ReportSlug {
	return []ReportSlug{
		{ID: "3195", Name: "weekly_grain_summary"},
		{ID: "2707", Name: "grain_basis_iowa"},
	}
}

type Source struct {
	collector.BaseSource
	Reports []ReportSlug
}

func New(cfg collector.Config, rawDir string, reports []ReportSlug) *Source {
	cfg.SourceName = "usda_ams"
	cfg.AuthType = collector.AuthAPIKey
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://marsapi.ams.usda.gov/services/v1.2"
	}
	if len(reports) == 0 {
		reports = DefaultReports()
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		Reports:    reports,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"report_id", "report_date", "location", "commodity"},
			Endpoint:      "/reports",
			EntityColumn:  "location",
		},
	}
}

func (s *Source) authHeader() map[string]string {
	key := s.Cfg.Credentials["api_key"]
	token := base64.StdEncoding.EncodeToString([]byte(key + ":"))
	return map[string]string{"Authorization": "Basic " + token}
}

// Authenticate probes the report index; a 401/403 surfaces as
// ErrAuthFailed from the session.
func (s *Source) Authenticate(ctx context.Context) error {
	if s.Cfg.Credentials["api_key"] == "" {
		return fmt.Errorf("AMS api key not configured")
	}
	_, err := s.Session().Do(ctx, netcore.Request{
		URL:     s.Cfg.SourceURL + "/reports",
		Headers: s.authHeader(),
	})
	if err != nil {
		return fmt.Errorf("AMS auth probe: %w", err)
	}
	return nil
}

type reportRow struct {
	ReportID   string
	ReportName string
	Fields     map[string]any
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	window := fmt.Sprintf("%s:%s", req.Start.Format("01/02/2006"), req.End.Format("01/02/2006"))
	var rows []reportRow
	var warnings []string

	for _, report := range s.Reports {
		params := url.Values{"q": {"report_begin_date=" + window}}
		resp, err := s.Session().Do(ctx, netcore.Request{
			URL:          fmt.Sprintf("%s/reports/%s", s.Cfg.SourceURL, report.ID),
			Params:       params,
			Headers:      s.authHeader(),
			EndpointName: "ams_report",
			Identifier:   report.Name,
			ArchiveExt:   "json",
		})
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", report.Name, err)
		}
		var decoded struct {
			Results []map[string]any `json:"results"`
		}
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", report.Name, err)
		}
		if len(decoded.Results) == 0 {
			warnings = append(warnings, fmt.Sprintf("report %s empty for %s", report.Name, window))
		}
		for _, fields := range decoded.Results {
			rows = append(rows, reportRow{ReportID: report.ID, ReportName: report.Name, Fields: fields})
		}
	}
	return &collector.FetchOutput{Payload: rows, RecordsFetched: len(rows), Warnings: warnings}, nil
}

var (
	aliasDate      = collector.FieldAlias{Canonical: "report_date", Aliases: []string{"report_begin_date", "published_date"}}
	aliasLocation  = collector.FieldAlias{Canonical: "market_location_name", Aliases: []string{"location", "market_location_city", "office_name"}}
	aliasCommodity = collector.FieldAlias{Canonical: "commodity", Aliases: []string{"class", "commodity_name"}}
	aliasPrice     = collector.FieldAlias{Canonical: "avg_price", Aliases: []string{"price", "avg_price_year", "wtd_avg_price"}}
)

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	rows, ok := out.Payload.([]reportRow)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for i, row := range rows {
		if _, ok := collector.ResolveField(row.Fields, aliasDate); !ok {
			warnings = append(warnings, fmt.Sprintf("row %d of %s missing report date", i, row.ReportName))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	rows := out.Payload.([]reportRow)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		date, ok := collector.ResolveField(row.Fields, aliasDate)
		if !ok {
			continue
		}
		location, _ := collector.ResolveField(row.Fields, aliasLocation)
		commodity, _ := collector.ResolveField(row.Fields, aliasCommodity)
		var price float64
		if v, ok := collector.ResolveField(row.Fields, aliasPrice); ok {
			price, _ = collector.AsFloat(v)
		}
		records = append(records, map[string]any{
			"report_id":    row.ReportID,
			"report_name":  row.ReportName,
			"report_date":  normalizeDate(collector.AsString(date)),
			"location":     collector.AsString(location),
			"commodity":    strings.ToLower(collector.AsString(commodity)),
			"avg_price":    price,
			"collected_at": now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

// normalizeDate converts the API's MM/DD/YYYY form to ISO.
func normalizeDate(s string) string {
	if t, err := time.Parse("01/02/2006", s); err == nil {
		return t.Format("2006-01-02")
	}
	return s
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s/reports/%v?q=report_begin_date=%v", s.Cfg.SourceURL, row["report_id"], row["report_date"])
}
