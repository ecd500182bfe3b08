package collector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FieldAlias maps a canonical column name to the upstream names it may
// arrive under. Upstream APIs rename fields across versions; aliasing
// keeps the transform stable.
type FieldAlias struct {
	Canonical string
	Aliases   []string
}

// ResolveField returns the first alias present in the record, matched
// case-insensitively. The boolean reports whether any alias was found.
func ResolveField(record map[string]any, alias FieldAlias) (any, bool) {
	lower := make(map[string]any, len(record))
	for k, v := range record {
		lower[strings.ToLower(k)] = v
	}
	if v, ok := lower[strings.ToLower(alias.Canonical)]; ok {
		return v, true
	}
	for _, name := range alias.Aliases {
		if v, ok := lower[strings.ToLower(name)]; ok {
			return v, true
		}
	}
	return nil, false
}

// ParseBrazilianNumber parses "1.234.567,89" into 1234567.89. Plain
// decimal input ("1234.5") passes through unchanged. Empty strings and
// the upstream null markers parse to zero.
func ParseBrazilianNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "-", "N/A", "ND":
		return 0, nil
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else if dots := strings.Count(s, "."); dots > 1 {
		// Thousands-only form like "1.234.567".
		s = strings.ReplaceAll(s, ".", "")
	} else if dots == 1 && len(s)-strings.Index(s, ".")-1 == 3 {
		// A lone dot with exactly three trailing digits and no comma is
		// a thousands group ("123.456"), not a decimal point.
		s = strings.ReplaceAll(s, ".", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return v, nil
}

// HTMLTable is one parsed <table>: a header row plus data rows.
type HTMLTable struct {
	Headers []string
	Rows    [][]string
}

// ParseHTMLTables extracts every table from an HTML document. Header
// cells come from <th> when present, otherwise from the first row.
func ParseHTMLTables(html string) ([]HTMLTable, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var tables []HTMLTable
	doc.Find("table").Each(func(_ int, sel *goquery.Selection) {
		var table HTMLTable
		sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			isHeader := tr.Find("th").Length() > 0
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) == 0 {
				return
			}
			if isHeader && table.Headers == nil {
				table.Headers = cells
				return
			}
			table.Rows = append(table.Rows, cells)
		})
		if table.Headers == nil && len(table.Rows) > 0 {
			table.Headers = table.Rows[0]
			table.Rows = table.Rows[1:]
		}
		tables = append(tables, table)
	})
	return tables, nil
}

// RowMaps zips a table's rows against its headers. Short rows are
// padded with empty strings, extra cells are dropped.
func (t HTMLTable) RowMaps() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		m := make(map[string]string, len(t.Headers))
		for i, h := range t.Headers {
			if i < len(row) {
				m[h] = row[i]
			} else {
				m[h] = ""
			}
		}
		out = append(out, m)
	}
	return out
}

// AsFloat coerces the loosely-typed values JSON decoding produces.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(x), ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsString coerces a decoded JSON value into its string form.
func AsString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
