// Package anec collects the weekly Brazilian port lineup report
// published as a PDF. Extraction is best-effort with three tiers: a
// positional layout parse of the table, a regex sweep over the plain
// text when the layout changed, and finally recording the raw file path
// so the week is not silently lost.
package anec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.anec_lineup"

// Parse methods, in descending order of trust. Regex and raw rows are
// provisional and stay out of downstream aggregation until reviewed.
const (
	MethodLayout = "layout"
	MethodRegex  = "regex"
	MethodRaw    = "raw_path"
)

var commodityWords = map[string]string{
	"milho":    "corn",
	"corn":     "corn",
	"soja":     "soybeans",
	"soybean":  "soybeans",
	"soybeans": "soybeans",
	"trigo":    "wheat",
	"wheat":    "wheat",
}

// lineupLine matches "SANTOS  MILHO  1.250.000" shaped text lines.
var lineupLine = regexp.MustCompile(`(?i)^([A-ZÀ-Ú][A-ZÀ-Ú\s]{2,30}?)\s+(milho|corn|soja|soybeans?|trigo|wheat)\s+([\d.,]+)\s*$`)

type Source struct {
	collector.BaseSource
	CacheDir string
}

func New(cfg collector.Config, rawDir, cacheDir string) *Source {
	cfg.SourceName = "anec_lineup"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://anec.com.br/lineup"
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		CacheDir:   cacheDir,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"iso_year", "iso_week", "port", "commodity"},
			Endpoint:      "/lineup",
			EntityColumn:  "port",
		},
	}
}

// LineupRow is one extracted port/commodity volume.
type LineupRow struct {
	Port      string
	Commodity string
	Tons      float64
	Method    string
}

type weekPayload struct {
	isoYear int
	isoWeek int
	pdfPath string
	rows    []LineupRow
}

// Fetch downloads the week's PDF (or reuses the cached copy) and runs
// the parse ladder.
func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	isoYear, isoWeek := req.Start.ISOWeek()
	path, err := s.fetchPDF(ctx, isoYear, isoWeek)
	if err != nil {
		return nil, err
	}

	var warnings []string
	rows, err := parseLayout(path)
	if err != nil || len(rows) == 0 {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("layout parse failed: %v", err))
		} else {
			warnings = append(warnings, "layout parse found no rows")
		}
		rows, err = parseRegex(path)
		if err != nil || len(rows) == 0 {
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("regex parse failed: %v", err))
			}
			// Last tier: keep the file path so the week can be processed
			// manually.
			rows = []LineupRow{{Method: MethodRaw}}
			warnings = append(warnings, fmt.Sprintf("pdf unparseable, recorded raw path %s", path))
		}
	}

	return &collector.FetchOutput{
		Payload:        weekPayload{isoYear: isoYear, isoWeek: isoWeek, pdfPath: path, rows: rows},
		RecordsFetched: len(rows),
		Warnings:       warnings,
	}, nil
}

// fetchPDF returns the cached weekly file, downloading it on a miss.
// The cache is keyed by ISO week, not TTL: a published lineup PDF never
// changes.
func (s *Source) fetchPDF(ctx context.Context, isoYear, isoWeek int) (string, error) {
	dir := filepath.Join(s.CacheDir, "anec_pdfs")
	path := filepath.Join(dir, fmt.Sprintf("anec_exports_w%02d_%d.pdf", isoWeek, isoYear))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	resp, err := s.Session().Do(ctx, netcore.Request{
		URL: s.Cfg.SourceURL,
		Params: map[string][]string{
			"week": {fmt.Sprintf("%d", isoWeek)},
			"year": {fmt.Sprintf("%d", isoYear)},
		},
		EndpointName: "anec_lineup",
		Identifier:   fmt.Sprintf("w%02d_%d", isoWeek, isoYear),
		ArchiveExt:   "pdf",
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create pdf cache dir: %w", err)
	}
	if err := os.WriteFile(path, resp.Body, 0o644); err != nil {
		return "", fmt.Errorf("cache pdf: %w", err)
	}
	return path, nil
}

// parseLayout reads the PDF row by row using glyph positions. Cells on
// one visual row share a Y coordinate, so joining a row's text and
// matching it keeps port names with embedded spaces intact.
func parseLayout(path string) ([]LineupRow, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var out []LineupRow
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNum, err)
		}
		for _, row := range rows {
			var cells []string
			for _, text := range row.Content {
				if t := strings.TrimSpace(text.S); t != "" {
					cells = append(cells, t)
				}
			}
			if r, ok := rowFromCells(cells); ok {
				r.Method = MethodLayout
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// rowFromCells interprets a layout row as [port..., commodity, volume].
func rowFromCells(cells []string) (LineupRow, bool) {
	if len(cells) < 3 {
		return LineupRow{}, false
	}
	for i := 1; i < len(cells)-1; i++ {
		commodity, ok := commodityWords[strings.ToLower(cells[i])]
		if !ok {
			continue
		}
		tons, err := collector.ParseBrazilianNumber(cells[i+1])
		if err != nil || tons <= 0 {
			continue
		}
		return LineupRow{
			Port:      strings.ToUpper(strings.Join(cells[:i], " ")),
			Commodity: commodity,
			Tons:      tons,
		}, true
	}
	return LineupRow{}, false
}

// parseRegex sweeps the PDF's plain text for lineup-shaped lines.
func parseRegex(path string) ([]LineupRow, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	textReader, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	raw, err := io.ReadAll(textReader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	return ParseText(string(raw)), nil
}

// ParseText extracts lineup rows from plain text, one candidate line at
// a time.
func ParseText(text string) []LineupRow {
	var out []LineupRow
	for _, line := range strings.Split(text, "\n") {
		m := lineupLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		tons, err := collector.ParseBrazilianNumber(m[3])
		if err != nil || tons <= 0 {
			continue
		}
		out = append(out, LineupRow{
			Port:      strings.ToUpper(strings.TrimSpace(m[1])),
			Commodity: commodityWords[strings.ToLower(m[2])],
			Tons:      tons,
			Method:    MethodRegex,
		})
	}
	return out
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	p, ok := out.Payload.(weekPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for _, row := range p.rows {
		if row.Method != MethodLayout {
			warnings = append(warnings, fmt.Sprintf("provisional %s row for %s/%s", row.Method, row.Port, row.Commodity))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	p := out.Payload.(weekPayload)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(p.rows))
	for _, row := range p.rows {
		rec := map[string]any{
			"iso_year":     p.isoYear,
			"iso_week":     p.isoWeek,
			"port":         row.Port,
			"commodity":    row.Commodity,
			"volume_tons":  row.Tons,
			"parse_method": row.Method,
			"raw_path":     "",
			"collected_at": now,
		}
		if row.Method == MethodRaw {
			rec["port"] = "UNPARSED"
			rec["commodity"] = "unknown"
			rec["raw_path"] = p.pdfPath
		}
		records = append(records, rec)
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s?week=%v&year=%v", s.Cfg.SourceURL, row["iso_week"], row["iso_year"])
}
