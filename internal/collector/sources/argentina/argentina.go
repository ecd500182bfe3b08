// Package argentina collects export flows from the INDEC open-data
// portal. The portal publishes one CSV per period; column names have
// drifted across publication years, so headers are resolved through
// alias lists rather than fixed positions.
package argentina

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

const Table = "bronze.argentina_trade"

// hsRoots collected: corn, soybeans, wheat.
var hsRoots = []string{"1005", "1201", "1001"}

var (
	aliasHS      = collector.FieldAlias{Canonical: "ncm", Aliases: []string{"posicion", "posic", "hs_code"}}
	aliasCountry = collector.FieldAlias{Canonical: "pais", Aliases: []string{"pais_destino", "destino", "country"}}
	aliasValue   = collector.FieldAlias{Canonical: "fob", Aliases: []string{"valor_fob", "fob_usd", "monto"}}
	aliasWeight  = collector.FieldAlias{Canonical: "peso_neto", Aliases: []string{"kilos", "peso", "kg"}}
)

type Source struct {
	collector.BaseSource
}

func New(cfg collector.Config, rawDir string) *Source {
	cfg.SourceName = "argentina_trade"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://comex.indec.gob.ar/files/zips"
	}
	return &Source{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"period", "hs_code", "country_name", "flow"},
			Endpoint:      "/exports_csv",
			EntityColumn:  "country_name",
		},
	}
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	period := req.Start.Format("2006-01")
	fileName := fmt.Sprintf("expo_%s.csv", req.Start.Format("200601"))

	resp, err := s.Session().Do(ctx, netcore.Request{
		URL:          s.Cfg.SourceURL + "/" + fileName,
		EndpointName: "argentina_exports",
		Identifier:   period,
		ArchiveExt:   "csv",
	})
	if err != nil {
		return nil, err
	}

	rows, err := parseCSV(resp.Body)
	if err != nil {
		return nil, err
	}

	// The portal file covers every commodity; keep only the grain roots.
	kept := rows[:0]
	for _, row := range rows {
		hs, ok := collector.ResolveField(row, aliasHS)
		if !ok {
			continue
		}
		code := strings.ReplaceAll(collector.AsString(hs), ".", "")
		for _, root := range hsRoots {
			if strings.HasPrefix(code, root) {
				kept = append(kept, row)
				break
			}
		}
	}
	return &collector.FetchOutput{Payload: periodPayload{period: period, rows: kept}, RecordsFetched: len(kept)}, nil
}

type periodPayload struct {
	period string
	rows   []map[string]any
}

// parseCSV decodes a semicolon- or comma-delimited INDEC file into
// loose records keyed by lowercased header.
func parseCSV(body []byte) ([]map[string]any, error) {
	delim := ','
	if i := bytes.IndexByte(body, '\n'); i > 0 && bytes.Count(body[:i], []byte(";")) > bytes.Count(body[:i], []byte(",")) {
		delim = ';'
	}
	reader := csv.NewReader(bytes.NewReader(body))
	reader.Comma = delim
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var out []map[string]any
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rec := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(row) {
				rec[h] = strings.TrimSpace(row[i])
			}
		}
		out = append(out, rec)
	}
	return out, nil
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
		hs, _ := collector.ResolveField(row, aliasHS)
		country, _ := collector.ResolveField(row, aliasCountry)
		value, err := parseAliased(row, aliasValue)
		if err != nil {
			return nil, err
		}
		weight, err := parseAliased(row, aliasWeight)
		if err != nil {
			return nil, err
		}
		records = append(records, map[string]any{
			"period":        p.period,
			"hs_code":       strings.ReplaceAll(collector.AsString(hs), ".", ""),
			"country_name":  collector.AsString(country),
			"value_usd":     value,
			"quantity":      weight,
			"quantity_unit": "kg",
			"flow":          "export",
			"reporter":      "ARG",
			"collected_at":  now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func parseAliased(row map[string]any, alias collector.FieldAlias) (float64, error) {
	v, ok := collector.ResolveField(row, alias)
	if !ok {
		return 0, nil
	}
	return collector.ParseBrazilianNumber(collector.AsString(v))
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return s.Cfg.SourceURL
}
