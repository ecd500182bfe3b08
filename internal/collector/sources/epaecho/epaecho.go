// Package epaecho collects facility compliance data from the EPA ECHO
// service. ECHO is a two-step API: a search call returns a query id and
// row count, then a download call streams the result set as CSV. The
// same facility can match several search axes, so rows are deduplicated
// by registry id and the axis that found each row lands in a coverage
// table.
package epaecho

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const (
	TableFacilities = "bronze.echo_facilities"
	TableCoverage   = "bronze.echo_coverage"
)

// SearchAxis is one query dimension against the facility search.
type SearchAxis struct {
	Name   string            // coverage label, e.g. "state" or "naics"
	Params map[string]string // query params for this axis
}

// DefaultAxes covers grain-handling facilities two ways: by NAICS code
// and by SIC code. Facilities registered under only one code are still
// found.
func DefaultAxes(states []string) []SearchAxis {
	axes := make([]SearchAxis, 0, 2*len(states))
	for _, st := range states {
		axes = append(axes,
			SearchAxis{Name: "naics:" + st, Params: map[string]string{"p_st": st, "p_ncs": "115114"}},
			SearchAxis{Name: "sic:" + st, Params: map[string]string{"p_st": st, "p_sic": "5153"}},
		)
	}
	return axes
}

type Source struct {
	collector.BaseSource
	Axes []SearchAxis
}

func New(cfg collector.Config, rawDir string, axes []SearchAxis) *Source {
	cfg.SourceName = "epa_echo"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://echodata.epa.gov/echo"
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		Axes:       axes,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		TableFacilities: {
			UniqueColumns: []string{"registry_id"},
			Endpoint:      "/echo_rest_services.get_facilities",
			EntityColumn:  "facility_name",
		},
		TableCoverage: {
			UniqueColumns: []string{"registry_id", "axis"},
			Endpoint:      "/echo_rest_services.get_facilities",
		},
	}
}

type queryResponse struct {
	Results struct {
		QueryID   string `json:"QueryID"`
		QueryRows string `json:"QueryRows"`
		Message   string `json:"Message"`
	} `json:"Results"`
}

type facilityRow struct {
	fields map[string]string
	axes   []string
}

// Fetch runs the search for every axis, downloads each axis's CSV, and
// merges rows by registry id.
func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	byID := make(map[string]*facilityRow)
	var order []string
	var warnings []string

	for _, axis := range s.Axes {
		qid, rows, err := s.search(ctx, axis)
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", axis.Name, err)
		}
		if rows == 0 {
			continue
		}
		records, err := s.download(ctx, axis, qid)
		if err != nil {
			return nil, fmt.Errorf("axis %s download: %w", axis.Name, err)
		}
		if len(records) != rows {
			warnings = append(warnings, fmt.Sprintf("axis %s: search reported %d rows, download returned %d", axis.Name, rows, len(records)))
		}
		for _, rec := range records {
			id := rec["RegistryID"]
			if id == "" {
				id = rec["REGISTRY_ID"]
			}
			if id == "" {
				continue
			}
			existing, ok := byID[id]
			if !ok {
				existing = &facilityRow{fields: rec}
				byID[id] = existing
				order = append(order, id)
			}
			existing.axes = append(existing.axes, axis.Name)
		}
	}

	return &collector.FetchOutput{
		Payload:        payload{byID: byID, order: order},
		RecordsFetched: len(order),
		Warnings:       warnings,
	}, nil
}

type payload struct {
	byID  map[string]*facilityRow
	order []string
}

func (s *Source) search(ctx context.Context, axis SearchAxis) (string, int, error) {
	params := url.Values{"output": {"JSON"}}
	for k, v := range axis.Params {
		params.Set(k, v)
	}
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL:          s.Cfg.SourceURL + "/echo_rest_services.get_facilities",
		Params:       params,
		EndpointName: "echo_search",
		Identifier:   axis.Name,
		ArchiveExt:   "json",
	})
	if err != nil {
		return "", 0, err
	}
	var qr queryResponse
	if err := json.Unmarshal(resp.Body, &qr); err != nil {
		return "", 0, fmt.Errorf("decode search response: %w", err)
	}
	if qr.Results.QueryID == "" {
		return "", 0, fmt.Errorf("search returned no query id: %s", qr.Results.Message)
	}
	var rows int
	fmt.Sscanf(qr.Results.QueryRows, "%d", &rows)
	return qr.Results.QueryID, rows, nil
}

func (s *Source) download(ctx context.Context, axis SearchAxis, qid string) ([]map[string]string, error) {
	params := url.Values{"output": {"CSV"}, "qid": {qid}}
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL:          s.Cfg.SourceURL + "/echo_rest_services.get_download",
		Params:       params,
		EndpointName: "echo_download",
		Identifier:   axis.Name,
		ArchiveExt:   "csv",
	})
	if err != nil {
		return nil, err
	}
	return parseCSV(resp.Body)
}

func parseCSV(body []byte) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	var out []map[string]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rec := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(row) {
				rec[strings.TrimSpace(h)] = strings.TrimSpace(row[i])
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	p, ok := out.Payload.(payload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for _, id := range p.order {
		if p.byID[id].fields["FacName"] == "" && p.byID[id].fields["FAC_NAME"] == "" {
			warnings = append(warnings, fmt.Sprintf("facility %s has no name", id))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	p := out.Payload.(payload)
	now := time.Now().UTC()

	facilities := make([]map[string]any, 0, len(p.order))
	var coverage []map[string]any
	for _, id := range p.order {
		row := p.byID[id]
		name := row.fields["FacName"]
		if name == "" {
			name = row.fields["FAC_NAME"]
		}
		facilities = append(facilities, map[string]any{
			"registry_id":   id,
			"facility_name": name,
			"state":         firstOf(row.fields, "FacState", "FAC_STATE"),
			"city":          firstOf(row.fields, "FacCity", "FAC_CITY"),
			"naics_codes":   firstOf(row.fields, "FacNAICSCodes", "NAICS_CODES"),
			"sic_codes":     firstOf(row.fields, "FacSICCodes", "SIC_CODES"),
			"latitude":      firstOf(row.fields, "FacLat", "LATITUDE"),
			"longitude":     firstOf(row.fields, "FacLong", "LONGITUDE"),
			"collected_at":  now,
		})
		for _, axis := range row.axes {
			coverage = append(coverage, map[string]any{
				"registry_id":  id,
				"axis":         axis,
				"collected_at": now,
			})
		}
	}
	return map[string][]map[string]any{
		TableFacilities: facilities,
		TableCoverage:   coverage,
	}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	if id, ok := row["registry_id"]; ok {
		return fmt.Sprintf("%s/detailed-facility-report?fid=%v", s.Cfg.SourceURL, id)
	}
	return s.Cfg.SourceURL
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
