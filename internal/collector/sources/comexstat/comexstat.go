// Package comexstat collects Brazilian trade flows from the Comex Stat
// API. The service runs several API generations side by side and
// retires them without notice, so the collector tries versions in
// declared order and moves to the next on failure. Responses use
// Brazilian number formatting and NCM commodity codes (the Mercosur HS
// extension).
package comexstat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.comexstat_trade"

// ncmCodes collected: corn, soybeans, wheat under the Mercosur
// nomenclature.
var ncmCodes = []string{"10059010", "12019000", "10019900"}

// ncmAliases resolves the commodity code field across API generations.
var ncmAliases = collector.FieldAlias{Canonical: "coNcm", Aliases: []string{"ncm", "noNcm", "commodity_code"}}

var countryAliases = collector.FieldAlias{Canonical: "noPaispt", Aliases: []string{"country", "noPais", "pais"}}

var valueAliases = collector.FieldAlias{Canonical: "vlFob", Aliases: []string{"fob", "metricFOB", "vl_fob"}}

var weightAliases = collector.FieldAlias{Canonical: "kgLiquido", Aliases: []string{"netWeight", "metricKG", "kg_liquido"}}

// Version is one API generation.
type Version struct {
	Name string
	Path string // request path under the base URL
}

// DefaultVersions in preference order, newest first.
func DefaultVersions() []Version {
	return []Version{
		{Name: "v2", Path: "/api/v2/general"},
		{Name: "v1", Path: "/api/v1/general"},
	}
}

type Source struct {
	collector.BaseSource
	Versions []Version
	Flow     string // "export" or "import"
}

func New(cfg collector.Config, rawDir, flow string) *Source {
	cfg.SourceName = "comexstat_" + flow
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://api-comexstat.mdic.gov.br"
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		Versions:   DefaultVersions(),
		Flow:       flow,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"period", "hs_code", "country_name", "flow"},
			Endpoint:      "/api/general",
			EntityColumn:  "country_name",
		},
	}
}

type apiResponse struct {
	Data struct {
		List []map[string]any `json:"list"`
	} `json:"data"`
}

// Fetch tries each API generation until one serves the period. An auth
// refusal from a version means that generation is being retired for
// anonymous use, not that credentials are wrong, so it falls through to
// the next version rather than aborting the run.
func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	period := req.Start.Format("2006-01")
	var warnings []string
	var lastErr error

	for _, version := range s.Versions {
		rows, err := s.fetchVersion(ctx, version, period)
		if err != nil {
			lastErr = err
			warnings = append(warnings, fmt.Sprintf("version %s: %v", version.Name, err))
			continue
		}
		return &collector.FetchOutput{
			Payload:        rows,
			RecordsFetched: len(rows),
			Warnings:       warnings,
			SourceUsed:     "comexstat_" + version.Name,
		}, nil
	}
	return nil, fmt.Errorf("all comexstat versions failed for %s: %w", period, lastErr)
}

func (s *Source) fetchVersion(ctx context.Context, version Version, period string) ([]map[string]any, error) {
	flowParam := "export"
	if s.Flow == "import" {
		flowParam = "import"
	}
	body, err := json.Marshal(map[string]any{
		"flow":        flowParam,
		"monthDetail": true,
		"period":      map[string]string{"from": period, "to": period},
		"filters":     []map[string]any{{"filter": "ncm", "values": ncmCodes}},
		"details":     []string{"country", "ncm"},
		"metrics":     []string{"metricFOB", "metricKG"},
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.Session().Do(ctx, netcore.Request{
		Method:       http.MethodPost,
		URL:          s.Cfg.SourceURL + version.Path,
		Headers:      map[string]string{"Content-Type": "application/json"},
		Body:         body,
		EndpointName: "comexstat_" + version.Name,
		Identifier:   period,
		ArchiveExt:   "json",
	})
	if err != nil {
		return nil, err
	}

	var decoded apiResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", version.Name, err)
	}
	if len(decoded.Data.List) == 0 {
		return nil, fmt.Errorf("version %s returned no rows for %s", version.Name, period)
	}
	return decoded.Data.List, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	rows, ok := out.Payload.([]map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for i, row := range rows {
		if _, ok := collector.ResolveField(row, ncmAliases); !ok {
			warnings = append(warnings, fmt.Sprintf("row %d missing NCM code", i))
		}
	}
	if len(warnings) > len(rows)/2 {
		return warnings, fmt.Errorf("more than half the rows lack an NCM code")
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	rows := out.Payload.([]map[string]any)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		ncmVal, ok := collector.ResolveField(row, ncmAliases)
		if !ok {
			continue
		}
		value, err := numericField(row, valueAliases)
		if err != nil {
			return nil, err
		}
		weight, err := numericField(row, weightAliases)
		if err != nil {
			return nil, err
		}
		country, _ := collector.ResolveField(row, countryAliases)
		periodVal := collector.AsString(row["year"])
		if m := collector.AsString(row["monthNumber"]); m != "" {
			if len(m) == 1 {
				m = "0" + m
			}
			periodVal += "-" + m
		}
		records = append(records, map[string]any{
			"period":        periodVal,
			"hs_code":       collector.AsString(ncmVal),
			"country_name":  collector.AsString(country),
			"value_usd":     value,
			"quantity":      weight,
			"quantity_unit": "kg",
			"flow":          s.Flow,
			"reporter":      "BRA",
			"collected_at":  now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

// numericField resolves an aliased field and parses it, accepting both
// plain JSON numbers and Brazilian-formatted strings.
func numericField(row map[string]any, alias collector.FieldAlias) (float64, error) {
	v, ok := collector.ResolveField(row, alias)
	if !ok {
		return 0, nil
	}
	// Strings go through the Brazilian parser first: AsFloat would read
	// "1.234,5" as 1.2345.
	if s, ok := v.(string); ok {
		return collector.ParseBrazilianNumber(s)
	}
	if f, ok := collector.AsFloat(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("field %s: unparseable value %v", alias.Canonical, v)
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s/api/v2/general?period=%v&ncm=%v", s.Cfg.SourceURL, row["period"], row["hs_code"])
}
