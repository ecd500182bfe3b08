// Package worldweather turns daily agricultural weather commentary into
// numeric risk signals. The commentary arrives as short free-text
// bulletins per region; a keyword table scores each bulletin (drought
// language raises risk, favorable language lowers it) and the summed
// score per state/crop lands in bronze for the yield features.
package worldweather

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.ww_signals"

// KeywordWeight scores one risk keyword. Positive weights raise risk.
type KeywordWeight struct {
	Keyword string
	Weight  int
}

// DefaultKeywords mirrors the shipped risk-keyword configuration.
func DefaultKeywords() []KeywordWeight {
	return []KeywordWeight{
		{Keyword: "drought", Weight: 3},
		{Keyword: "dryness", Weight: 2},
		{Keyword: "heat stress", Weight: 2},
		{Keyword: "flood", Weight: 2},
		{Keyword: "frost", Weight: 2},
		{Keyword: "too wet", Weight: 1},
		{Keyword: "favorable", Weight: -1},
		{Keyword: "beneficial", Weight: -1},
	}
}

type Source struct {
	collector.BaseSource
	Keywords []KeywordWeight
}

func New(cfg collector.Config, rawDir string, keywords []KeywordWeight) *Source {
	cfg.SourceName = "worldweather_signals"
	if len(keywords) == 0 {
		keywords = DefaultKeywords()
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		Keywords:   keywords,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"bulletin_date", "state", "crop"},
			Endpoint:      "/bulletins",
			EntityColumn:  "state",
		},
	}
}

// Bulletin is one region/crop commentary item.
type Bulletin struct {
	Date  string `json:"date"`
	State string `json:"state"`
	Crop  string `json:"crop"`
	Text  string `json:"text"`
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	resp, err := s.Session().Do(ctx, netcore.Request{
		URL: s.Cfg.SourceURL + "/bulletins",
		Params: map[string][]string{
			"from": {req.Start.Format("2006-01-02")},
			"to":   {req.End.Format("2006-01-02")},
		},
		EndpointName: "ww_bulletins",
		Identifier:   req.Start.Format("2006-01-02"),
		ArchiveExt:   "json",
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Bulletins []Bulletin `json:"bulletins"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode bulletins: %w", err)
	}
	return &collector.FetchOutput{
		Payload:        decoded.Bulletins,
		RecordsFetched: len(decoded.Bulletins),
	}, nil
}

// Score sums keyword weights over the bulletin text and reports which
// keywords matched.
func (s *Source) Score(text string) (int, []string) {
	lower := strings.ToLower(text)
	score := 0
	var matched []string
	for _, kw := range s.Keywords {
		if strings.Contains(lower, kw.Keyword) {
			score += kw.Weight
			matched = append(matched, kw.Keyword)
		}
	}
	return score, matched
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	bulletins, ok := out.Payload.([]Bulletin)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for i, b := range bulletins {
		if strings.TrimSpace(b.Text) == "" {
			warnings = append(warnings, fmt.Sprintf("empty bulletin %d (%s %s)", i, b.State, b.Crop))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	bulletins := out.Payload.([]Bulletin)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(bulletins))
	for _, b := range bulletins {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		score, matched := s.Score(b.Text)
		records = append(records, map[string]any{
			"bulletin_date": b.Date,
			"state":         strings.ToUpper(b.State),
			"crop":          strings.ToLower(b.Crop),
			"risk_score":    score,
			"keywords":      strings.Join(matched, ","),
			"body":          b.Text,
			"collected_at":  now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("%s/bulletins?from=%v&to=%v", s.Cfg.SourceURL, row["bulletin_date"], row["bulletin_date"])
}
