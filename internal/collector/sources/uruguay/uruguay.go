// Package uruguay collects export flows from the urunet bulk CSV
// export. Uruguay publishes a single flat file per period with stable
// headers; the only normalization needed is Spanish number formatting
// and HS code cleanup.
package uruguay

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.uruguay_trade"

var hsRoots = []string{"1005", "1201", "1001"}

type Source struct {
	collector.BaseSource
}

func New(cfg collector.Config, rawDir string) *Source {
	cfg.SourceName = "uruguay_trade"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://www.urunet.com.uy/exports"
	}
	return &Source{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"period", "hs_code", "country_name", "flow"},
			Endpoint:      "/exports",
			EntityColumn:  "country_name",
		},
	}
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	period := req.Start.Format("2006-01")
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL: s.Cfg.SourceURL + "/monthly.csv",
		Params: map[string][]string{
			"year":  {req.Start.Format("2006")},
			"month": {req.Start.Format("01")},
		},
		EndpointName: "uruguay_exports",
		Identifier:   period,
		ArchiveExt:   "csv",
	})
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(resp.Body))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return &collector.FetchOutput{Payload: periodPayload{period: period}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var rows []rawRow
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		code := strings.ReplaceAll(get("ncm"), ".", "")
		if !hasGrainRoot(code) {
			continue
		}
		rows = append(rows, rawRow{
			hsCode:  code,
			country: get("pais_destino"),
			fob:     get("fob_usd"),
			kg:      get("peso_neto_kg"),
		})
	}
	return &collector.FetchOutput{Payload: periodPayload{period: period, rows: rows}, RecordsFetched: len(rows)}, nil
}

type rawRow struct {
	hsCode  string
	country string
	fob     string
	kg      string
}

type periodPayload struct {
	period string
	rows   []rawRow
}

func hasGrainRoot(code string) bool {
	for _, root := range hsRoots {
		if strings.HasPrefix(code, root) {
			return true
		}
	}
	return false
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	p, ok := out.Payload.(periodPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	if len(p.rows) == 0 {
		return []string{"no grain rows in period file"}, nil
	}
	return nil, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	p := out.Payload.(periodPayload)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(p.rows))
	for _, row := range p.rows {
		value, err := collector.ParseBrazilianNumber(row.fob)
		if err != nil {
			return nil, fmt.Errorf("fob for %s: %w", row.hsCode, err)
		}
		weight, err := collector.ParseBrazilianNumber(row.kg)
		if err != nil {
			return nil, fmt.Errorf("weight for %s: %w", row.hsCode, err)
		}
		records = append(records, map[string]any{
			"period":        p.period,
			"hs_code":       row.hsCode,
			"country_name":  row.country,
			"value_usd":     value,
			"quantity":      weight,
			"quantity_unit": "kg",
			"flow":          "export",
			"reporter":      "URY",
			"collected_at":  now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return s.Cfg.SourceURL
}
