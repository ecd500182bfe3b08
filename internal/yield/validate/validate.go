// Package validate backtests the yield ensemble against history,
// scores it against naive benchmarks, and breaks bias down by state,
// week, and year.
package validate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
	"github.com/agroflow/agroflow/internal/yield/model"
)

// BacktestWeeks are the in-season checkpoints every test year is
// scored at.
var BacktestWeeks = []int{18, 22, 26, 30, 34, 38}

// Benchmark names for the skill-score table.
const (
	BenchTrend    = "trend"
	BenchLastYear = "last_year"
	BenchAvg5     = "avg_5y"
)

// casePrediction is one held-out (state, year, week) comparison.
type casePrediction struct {
	State     string
	Year      int
	Week      int
	Predicted float64
	Actual    float64
	Trend     float64
}

// WeekMetrics aggregates all test cases at one forecast week.
type WeekMetrics struct {
	Week                int                `json:"week"`
	N                   int                `json:"n"`
	RMSE                float64            `json:"rmse"`
	MAE                 float64            `json:"mae"`
	MeanError           float64            `json:"mean_error"`
	MedianError         float64            `json:"median_error"`
	MaxAbsError         float64            `json:"max_abs_error"`
	R2                  float64            `json:"r2"`
	DirectionalAccuracy float64            `json:"directional_accuracy"`
	Skill               map[string]float64 `json:"skill"`
}

// BiasEntry is a signed mean error for one slice of the cases.
type BiasEntry struct {
	Key       string  `json:"key"`
	N         int     `json:"n"`
	MeanError float64 `json:"mean_error"`
}

// BiasReport breaks mean error down by dimension. States carries the
// worst ten by magnitude.
type BiasReport struct {
	Overall float64     `json:"overall"`
	States  []BiasEntry `json:"states"`
	Weeks   []BiasEntry `json:"weeks"`
	Years   []BiasEntry `json:"years"`
}

// Report is the full backtest output.
type Report struct {
	Crop        string        `json:"crop"`
	Years       []int         `json:"years"`
	Weeks       []WeekMetrics `json:"weeks"`
	Bias        BiasReport    `json:"bias"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Revision is one large week-over-week forecast move.
type Revision struct {
	Commodity     string  `json:"commodity"`
	State         string  `json:"state"`
	Week          int     `json:"week"`
	WoWChange     float64 `json:"wow_change"`
	Forecast      float64 `json:"forecast"`
	PrimaryDriver string  `json:"primary_driver"`
}

// Backtester drives leave-one-year-out validation.
type Backtester struct {
	cfg       config.YieldConfig
	features  persistence.FeatureRepo
	yields    persistence.YieldRepo
	forecasts persistence.ForecastRepo
}

func NewBacktester(cfg config.YieldConfig, features persistence.FeatureRepo,
	yields persistence.YieldRepo, forecasts persistence.ForecastRepo) *Backtester {
	return &Backtester{cfg: cfg, features: features, yields: yields, forecasts: forecasts}
}

// Run backtests one crop over the given years at every checkpoint
// week: train on the other years, predict the held-out one.
func (b *Backtester) Run(ctx context.Context, crop string, years []int, weeks []int) (*Report, error) {
	if len(weeks) == 0 {
		weeks = BacktestWeeks
	}
	testYears := map[int]bool{}
	for _, y := range years {
		testYears[y] = true
	}

	var cases []casePrediction
	for _, week := range weeks {
		samples, trends, err := model.BuildDataset(ctx, b.features, b.yields, crop, week)
		if err != nil {
			return nil, err
		}
		byYear := map[int][]model.Sample{}
		for _, s := range samples {
			byYear[s.Year] = append(byYear[s.Year], s)
		}

		for year := range testYears {
			test := byYear[year]
			if len(test) == 0 {
				continue
			}
			var train []model.Sample
			for y, group := range byYear {
				if y != year {
					train = append(train, group...)
				}
			}
			ens, err := model.Train(b.cfg, crop, week, train, trends)
			if err != nil {
				log.Warn().Err(err).Int("year", year).Int("week", week).Msg("fold skipped")
				continue
			}
			for _, s := range test {
				p := ens.Predict(s.Row)
				cases = append(cases, casePrediction{
					State:     s.State,
					Year:      s.Year,
					Week:      week,
					Predicted: p.YieldForecast,
					Actual:    s.Yield,
					Trend:     s.TrendYield,
				})
			}
		}
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("backtest produced no cases for %s over %v", crop, years)
	}

	report := &Report{Crop: crop, Years: years, GeneratedAt: time.Now().UTC()}
	for _, week := range weeks {
		var weekCases []casePrediction
		for _, c := range cases {
			if c.Week == week {
				weekCases = append(weekCases, c)
			}
		}
		if len(weekCases) == 0 {
			continue
		}
		m := weekMetrics(week, weekCases)
		m.Skill = b.skillScores(ctx, crop, weekCases)
		report.Weeks = append(report.Weeks, m)
	}
	report.Bias = biasReport(cases)
	return report, nil
}

func weekMetrics(week int, cases []casePrediction) WeekMetrics {
	m := WeekMetrics{Week: week, N: len(cases)}
	errs := make([]float64, len(cases))
	var se, ae, meanActual float64
	for i, c := range cases {
		e := c.Predicted - c.Actual
		errs[i] = e
		se += e * e
		ae += math.Abs(e)
		meanActual += c.Actual
		m.MeanError += e
		if math.Abs(e) > m.MaxAbsError {
			m.MaxAbsError = math.Abs(e)
		}
	}
	n := float64(len(cases))
	meanActual /= n
	m.RMSE = math.Sqrt(se / n)
	m.MAE = ae / n
	m.MeanError /= n

	sort.Float64s(errs)
	if len(errs)%2 == 1 {
		m.MedianError = errs[len(errs)/2]
	} else {
		m.MedianError = (errs[len(errs)/2-1] + errs[len(errs)/2]) / 2
	}

	var tss float64
	correct := 0
	for _, c := range cases {
		d := c.Actual - meanActual
		tss += d * d
		if (c.Predicted > meanActual) == (c.Actual > meanActual) {
			correct++
		}
	}
	if tss > 0 {
		m.R2 = 1 - se/tss
	}
	m.DirectionalAccuracy = float64(correct) / n
	return m
}

// skillScores compares model MSE against the three naive benchmarks.
// A benchmark with zero MSE (or no usable cases) is omitted.
func (b *Backtester) skillScores(ctx context.Context, crop string, cases []casePrediction) map[string]float64 {
	history := map[string]map[int]float64{}
	lookup := func(state string) map[int]float64 {
		if h, ok := history[state]; ok {
			return h
		}
		h, err := b.yields.ActualYields(ctx, crop, state)
		if err != nil {
			h = nil
		}
		history[state] = h
		return h
	}

	var mseModel float64
	benchSE := map[string]float64{BenchTrend: 0, BenchLastYear: 0, BenchAvg5: 0}
	benchN := map[string]int{}
	for _, c := range cases {
		d := c.Predicted - c.Actual
		mseModel += d * d

		t := c.Trend - c.Actual
		benchSE[BenchTrend] += t * t
		benchN[BenchTrend]++

		h := lookup(c.State)
		if last, ok := h[c.Year-1]; ok {
			d := last - c.Actual
			benchSE[BenchLastYear] += d * d
			benchN[BenchLastYear]++
		}
		var sum float64
		var n int
		for back := 1; back <= 5; back++ {
			if y, ok := h[c.Year-back]; ok {
				sum += y
				n++
			}
		}
		if n > 0 {
			d := sum/float64(n) - c.Actual
			benchSE[BenchAvg5] += d * d
			benchN[BenchAvg5]++
		}
	}
	mseModel /= float64(len(cases))

	out := map[string]float64{}
	for name, se := range benchSE {
		if benchN[name] == 0 {
			continue
		}
		mse := se / float64(benchN[name])
		if mse > 0 {
			out[name] = 1 - mseModel/mse
		}
	}
	return out
}

func biasReport(cases []casePrediction) BiasReport {
	type acc struct {
		sum float64
		n   int
	}
	var overall acc
	byState := map[string]*acc{}
	byWeek := map[string]*acc{}
	byYear := map[string]*acc{}
	add := func(m map[string]*acc, k string, e float64) {
		a, ok := m[k]
		if !ok {
			a = &acc{}
			m[k] = a
		}
		a.sum += e
		a.n++
	}
	for _, c := range cases {
		e := c.Predicted - c.Actual
		overall.sum += e
		overall.n++
		add(byState, c.State, e)
		add(byWeek, fmt.Sprintf("W%02d", c.Week), e)
		add(byYear, fmt.Sprintf("%d", c.Year), e)
	}

	entries := func(m map[string]*acc) []BiasEntry {
		out := make([]BiasEntry, 0, len(m))
		for k, a := range m {
			out = append(out, BiasEntry{Key: k, N: a.n, MeanError: a.sum / float64(a.n)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return out
	}

	states := entries(byState)
	sort.Slice(states, func(i, j int) bool {
		return math.Abs(states[i].MeanError) > math.Abs(states[j].MeanError)
	})
	if len(states) > 10 {
		states = states[:10]
	}

	report := BiasReport{
		States: states,
		Weeks:  entries(byWeek),
		Years:  entries(byYear),
	}
	if overall.n > 0 {
		report.Overall = overall.sum / float64(overall.n)
	}
	return report
}

// Revisions surfaces the largest week-over-week forecast moves of a
// season with the driver behind each.
func (b *Backtester) Revisions(ctx context.Context, year, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := b.forecasts.Revisions(ctx, year, limit*4)
	if err != nil {
		return nil, fmt.Errorf("load revisions: %w", err)
	}
	var out []Revision
	for _, row := range rows {
		if row.WoWChange == nil {
			continue
		}
		out = append(out, Revision{
			Commodity:     row.Commodity,
			State:         row.State,
			Week:          row.ForecastWeek,
			WoWChange:     *row.WoWChange,
			Forecast:      row.YieldForecast,
			PrimaryDriver: row.PrimaryDriver,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].WoWChange) > math.Abs(out[j].WoWChange)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RenderMarkdown formats a report for the CLI and email digests.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Yield backtest: %s\n\n", r.Crop)
	fmt.Fprintf(&sb, "Test years: %v. Generated %s.\n\n", r.Years, r.GeneratedAt.Format("2006-01-02"))

	sb.WriteString("| Week | N | RMSE | MAE | Mean err | Median err | Max abs | R² | Dir. acc |\n")
	sb.WriteString("|-----:|--:|-----:|----:|---------:|-----------:|--------:|---:|---------:|\n")
	for _, w := range r.Weeks {
		fmt.Fprintf(&sb, "| %d | %d | %.2f | %.2f | %+.2f | %+.2f | %.2f | %.3f | %.0f%% |\n",
			w.Week, w.N, w.RMSE, w.MAE, w.MeanError, w.MedianError, w.MaxAbsError, w.R2,
			w.DirectionalAccuracy*100)
	}

	sb.WriteString("\n## Skill vs benchmarks\n\n")
	sb.WriteString("| Week | vs trend | vs last year | vs 5-yr avg |\n")
	sb.WriteString("|-----:|---------:|-------------:|------------:|\n")
	for _, w := range r.Weeks {
		fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n", w.Week,
			fmtSkill(w.Skill, BenchTrend), fmtSkill(w.Skill, BenchLastYear), fmtSkill(w.Skill, BenchAvg5))
	}

	fmt.Fprintf(&sb, "\n## Bias\n\nOverall mean error: %+.2f\n\n", r.Bias.Overall)
	if len(r.Bias.States) > 0 {
		sb.WriteString("Worst states by |mean error|:\n\n")
		for _, s := range r.Bias.States {
			fmt.Fprintf(&sb, "- %s: %+.2f (n=%d)\n", s.Key, s.MeanError, s.N)
		}
	}
	return sb.String()
}

func fmtSkill(skill map[string]float64, name string) string {
	v, ok := skill[name]
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", v)
}
