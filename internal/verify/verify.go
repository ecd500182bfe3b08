// Package verify re-checks persisted collector output against the
// upstream source. It works entirely from a run's audit log: every
// DATA_SAVE/DATA_UPDATE line yields verification targets, a subset is
// re-fetched, and field-level mismatches are classified by severity.
package verify

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/audit"
)

// Modes for target selection.
const (
	ModeFull   = "full"
	ModeSample = "sample"
)

// Severity levels for mismatches.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"
)

// Target is one saved record to re-check.
type Target struct {
	RecordID        string
	FacilityName    string
	Table           string
	SavedValues     map[string]any
	VerificationURL string
}

// Fetcher re-reads the current upstream values for a target. It must
// not write through to storage.
type Fetcher interface {
	FetchCurrent(ctx context.Context, target Target) (map[string]any, error)
}

// Mismatch is one field that differs between saved and fresh values.
type Mismatch struct {
	Field    string `json:"field"`
	Saved    string `json:"saved"`
	Fresh    string `json:"fresh"`
	Severity string `json:"severity"`
}

// Summary aggregates one verification pass.
type Summary struct {
	Source            string
	TargetsTotal      int
	TargetsChecked    int
	Matches           int
	Mismatches        int
	SourceUnavailable int
	HighSeverity      int
}

// Config tunes selection and classification.
type Config struct {
	Mode             string
	SamplePercentage float64           // used when Mode == sample
	SeverityRules    map[string]string // field name -> severity
	LogDir           string
}

type Verifier struct {
	cfg  Config
	rand *rand.Rand
}

func New(cfg Config) *Verifier {
	if cfg.Mode == "" {
		cfg.Mode = ModeSample
	}
	if cfg.SamplePercentage <= 0 {
		cfg.SamplePercentage = 10
	}
	return &Verifier{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// TargetsFromLog materializes verification targets from a collector's
// audit log file.
func TargetsFromLog(path string) ([]Target, string, error) {
	records, skipped, err := audit.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read audit log: %w", err)
	}
	if skipped > 0 {
		log.Warn().Str("path", path).Int("skipped", skipped).Msg("malformed audit lines skipped")
	}

	var targets []Target
	source := ""
	for _, rec := range records {
		source = rec.Collector
		if rec.Action != audit.ActionDataSave && rec.Action != audit.ActionDataUpdate {
			continue
		}
		ids, _ := rec.Details["affected_record_ids"].([]any)
		values, _ := rec.Details["new_values"].(map[string]any)
		facility, _ := rec.Details["facility_name"].(string)
		verifyURL, _ := rec.Details["verification_url"].(string)
		table, _ := rec.Details["table"].(string)
		for _, id := range ids {
			targets = append(targets, Target{
				RecordID:        fmt.Sprintf("%v", id),
				FacilityName:    facility,
				Table:           table,
				SavedValues:     values,
				VerificationURL: verifyURL,
			})
		}
	}
	return targets, source, nil
}

// selectTargets applies the mode. Sample mode picks a random
// percentage, never fewer than one.
func (v *Verifier) selectTargets(targets []Target) []Target {
	if v.cfg.Mode == ModeFull || len(targets) == 0 {
		return targets
	}
	n := int(float64(len(targets)) * v.cfg.SamplePercentage / 100.0)
	if n < 1 {
		n = 1
	}
	if n >= len(targets) {
		return targets
	}
	picked := make([]Target, len(targets))
	copy(picked, targets)
	v.rand.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	return picked[:n]
}

// Run verifies one collector's audit log and writes its own audit
// trail alongside the collector's.
func (v *Verifier) Run(ctx context.Context, logPath string, fetcher Fetcher) (*Summary, error) {
	targets, source, err := TargetsFromLog(logPath)
	if err != nil {
		return nil, err
	}

	auditor, err := audit.NewLogger(v.cfg.LogDir, source+"_verifier")
	if err != nil {
		return nil, fmt.Errorf("open verifier log: %w", err)
	}
	defer auditor.Close()

	selected := v.selectTargets(targets)
	summary := &Summary{Source: source, TargetsTotal: len(targets), TargetsChecked: len(selected)}

	_ = auditor.Log("INFO", audit.ActionVerificationStart, map[string]any{
		"source":        source,
		"log_file":      logPath,
		"mode":          v.cfg.Mode,
		"targets_total": len(targets),
		"targets_check": len(selected),
	})

	start := time.Now()
	for _, target := range selected {
		fresh, err := fetcher.FetchCurrent(ctx, target)
		if err != nil {
			summary.SourceUnavailable++
			_ = auditor.Log("WARNING", audit.ActionVerificationResult, map[string]any{
				"record_id": target.RecordID,
				"facility":  target.FacilityName,
				"status":    "source_unavailable",
				"error":     err.Error(),
			})
			continue
		}

		mismatches := v.Compare(target.SavedValues, fresh)
		if len(mismatches) == 0 {
			summary.Matches++
			_ = auditor.Log("INFO", audit.ActionVerificationResult, map[string]any{
				"record_id": target.RecordID,
				"facility":  target.FacilityName,
				"status":    "match",
			})
			continue
		}
		summary.Mismatches++
		level := "WARNING"
		for _, m := range mismatches {
			if m.Severity == SeverityHigh {
				summary.HighSeverity++
				level = "ERROR"
			}
		}
		_ = auditor.Log(level, audit.ActionVerificationResult, map[string]any{
			"record_id":  target.RecordID,
			"facility":   target.FacilityName,
			"status":     "mismatch",
			"mismatches": mismatches,
		})
	}

	_ = auditor.LogTimed("INFO", audit.ActionShutdown, map[string]any{
		"targets_total":      summary.TargetsTotal,
		"targets_checked":    summary.TargetsChecked,
		"matches":            summary.Matches,
		"mismatches":         summary.Mismatches,
		"source_unavailable": summary.SourceUnavailable,
		"high_severity":      summary.HighSeverity,
	}, time.Since(start))

	return summary, nil
}

// Compare diffs saved against fresh values field by field. A field
// empty on either side is skipped: the source simply did not provide it
// on one of the two pulls.
func (v *Verifier) Compare(saved, fresh map[string]any) []Mismatch {
	var out []Mismatch
	for field, savedVal := range saved {
		freshVal, ok := fresh[field]
		savedStr := normalize(savedVal)
		freshStr := normalize(freshVal)
		if !ok || savedStr == "" || freshStr == "" {
			continue
		}
		if savedStr == freshStr {
			continue
		}
		severity := v.cfg.SeverityRules[field]
		if severity == "" {
			severity = SeverityLow
		}
		out = append(out, Mismatch{Field: field, Saved: savedStr, Fresh: freshStr, Severity: severity})
	}
	return out
}

func normalize(v any) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", v))
	// JSON round-trips turn ints into floats; strip a trailing .0 so
	// 42 and 42.0 compare equal.
	if strings.HasSuffix(s, ".0") {
		s = strings.TrimSuffix(s, ".0")
	}
	return s
}
