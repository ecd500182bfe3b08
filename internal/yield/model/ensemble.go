package model

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
)

// ModelVersion tags persisted artifacts and model-run rows.
const ModelVersion = "2025.1"

// defaultConfidence anchors the week-indexed confidence curve when the
// config leaves it empty. Forecast certainty rises through the season.
var defaultConfidence = []config.ConfidencePoint{
	{Week: 10, Confidence: 0.30},
	{Week: 18, Confidence: 0.45},
	{Week: 22, Confidence: 0.55},
	{Week: 26, Confidence: 0.65},
	{Week: 30, Confidence: 0.80},
	{Week: 34, Confidence: 0.88},
	{Week: 38, Confidence: 0.92},
	{Week: 40, Confidence: 0.95},
}

// Ensemble bundles the three fitted sub-models for one (crop, week).
type Ensemble struct {
	Crop      string              `json:"crop"`
	Week      int                 `json:"week"`
	Linear    *LinearModel        `json:"linear"`
	Boost     *BoostModel         `json:"boost"`
	Analog    *AnalogModel        `json:"analog"`
	Trends    map[string]TrendFit `json:"trends"`
	RMSECV    float64             `json:"rmse_cv"`
	CV        CVMetrics           `json:"cv"`
	TrainedAt time.Time           `json:"trained_at"`
	Counts    map[string]int      `json:"counts"` // samples per state
	cfg       config.YieldConfig
}

// StageBlend mirrors config.StageWeights in model space.
type StageBlend struct {
	Trend  float64
	Boost  float64
	Analog float64
}

// CVMetrics is the leave-one-year-out validation summary.
type CVMetrics struct {
	RMSE  float64 `json:"rmse"`
	MAE   float64 `json:"mae"`
	R2    float64 `json:"r2"`
	Years int     `json:"years"`
	N     int     `json:"n"`
}

// Prediction is one (state, week) forecast.
type Prediction struct {
	State         string
	Crop          string
	Year          int
	Week          int
	YieldForecast float64
	YieldLow      float64
	YieldHigh     float64
	TrendYield    float64
	VsTrendPct    float64
	Confidence    float64
	PrimaryDriver string
	AnalogYears   []int
	SubModels     map[string]float64 // absolute yield per sub-model
}

// Train fits all three sub-models on the dataset and cross-validates.
func Train(cfg config.YieldConfig, crop string, week int, samples []Sample, trends map[string]TrendFit) (*Ensemble, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no training samples for %s W%02d", crop, week)
	}

	linear, err := FitLinear(samples)
	if err != nil {
		return nil, err
	}
	boost, err := FitBoost(samples, int64(week)*1009+int64(len(samples)))
	if err != nil {
		return nil, err
	}
	analog, err := FitAnalog(samples)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, s := range samples {
		counts[s.State]++
	}
	e := &Ensemble{
		Crop:      crop,
		Week:      week,
		Linear:    linear,
		Boost:     boost,
		Analog:    analog,
		Trends:    trends,
		TrainedAt: time.Now().UTC(),
		Counts:    counts,
		cfg:       cfg,
	}
	e.CV = e.crossValidate(samples)
	e.RMSECV = e.CV.RMSE
	log.Info().Str("crop", crop).Int("week", week).Int("samples", len(samples)).
		Float64("rmse_cv", e.RMSECV).Float64("r2", e.CV.R2).Msg("ensemble trained")
	return e, nil
}

// Predict blends the sub-models with the crop's stage weights and
// derives the interval from cross-validated RMSE and the week's
// confidence.
func (e *Ensemble) Predict(row persistence.YieldFeatureRow) Prediction {
	features := FeatureVector(row)
	trend := e.Trends[row.State].At(row.Year)

	devA := e.Linear.PredictDeviation(features)
	devB := e.Boost.PredictDeviation(features)
	devC := e.Analog.PredictDeviation(features, row.Year)

	w := e.stageWeights(row.GrowthStage)
	dev := w.Trend*devA + w.Boost*devB + w.Analog*devC
	forecast := trend + dev

	confidence := Confidence(e.cfg.Confidence, row.Week)
	width := e.RMSECV * (2.5 - confidence*1.5)
	if width <= 0 {
		width = math.Max(1, math.Abs(forecast)*0.05)
	}

	vsTrend := 0.0
	if trend != 0 {
		vsTrend = dev / trend * 100
	}
	return Prediction{
		State:         row.State,
		Crop:          e.Crop,
		Year:          row.Year,
		Week:          row.Week,
		YieldForecast: forecast,
		YieldLow:      forecast - width,
		YieldHigh:     forecast + width,
		TrendYield:    trend,
		VsTrendPct:    vsTrend,
		Confidence:    confidence,
		PrimaryDriver: PrimaryDriver(row),
		AnalogYears:   e.Analog.AnalogYears(features, row.Year),
		SubModels: map[string]float64{
			"trend_linear": trend + devA,
			"boost":        trend + devB,
			"analog":       trend + devC,
		},
	}
}

func (e *Ensemble) stageWeights(stage string) StageBlend {
	if byStage, ok := e.cfg.EnsembleWeights[e.Crop]; ok {
		if w, ok := byStage[stage]; ok {
			return StageBlend{Trend: w.Trend, Boost: w.Boost, Analog: w.Analog}
		}
	}
	third := 1.0 / 3
	return StageBlend{Trend: third, Boost: third, Analog: third}
}

// Confidence interpolates the week curve; weeks outside the anchors
// clamp to the ends.
func Confidence(points []config.ConfidencePoint, week int) float64 {
	if len(points) == 0 {
		points = defaultConfidence
	}
	sorted := append([]config.ConfidencePoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Week < sorted[j].Week })

	if week <= sorted[0].Week {
		return sorted[0].Confidence
	}
	last := sorted[len(sorted)-1]
	if week >= last.Week {
		return last.Confidence
	}
	for i := 1; i < len(sorted); i++ {
		if week <= sorted[i].Week {
			lo, hi := sorted[i-1], sorted[i]
			frac := float64(week-lo.Week) / float64(hi.Week-lo.Week)
			return lo.Confidence + frac*(hi.Confidence-lo.Confidence)
		}
	}
	return last.Confidence
}

// Driver labels, priority order. The first matching rule wins.
const (
	DriverDrought   = "Drought stress"
	DriverHeat      = "Heat stress"
	DriverExcess    = "Excess moisture"
	DriverFrost     = "Frost damage"
	DriverStrong    = "Strong crop conditions"
	DriverPoor      = "Poor crop conditions"
	DriverDryPrecip = "Below-normal precipitation"
	DriverWetPrecip = "Above-normal precipitation"
	DriverNormal    = "Normal conditions"
)

// PrimaryDriver applies the rule list to a feature row.
func PrimaryDriver(row persistence.YieldFeatureRow) string {
	switch {
	case row.StressDaysDrought > 7:
		return DriverDrought
	case row.StressDaysHeat > 5:
		return DriverHeat
	case row.StressDaysExcess > 5:
		return DriverExcess
	case row.StressDaysFrost > 2:
		return DriverFrost
	case row.NASSGoodExcellentPct != nil && *row.NASSGoodExcellentPct >= 70:
		return DriverStrong
	case row.NASSGoodExcellentPct != nil && *row.NASSGoodExcellentPct < 45:
		return DriverPoor
	case row.PrecipVsNormalPct != nil && *row.PrecipVsNormalPct < -20:
		return DriverDryPrecip
	case row.PrecipVsNormalPct != nil && *row.PrecipVsNormalPct > 20:
		return DriverWetPrecip
	default:
		return DriverNormal
	}
}

// crossValidate leaves one year out at a time and scores the blend on
// the held-out year, in absolute yield space.
func (e *Ensemble) crossValidate(samples []Sample) CVMetrics {
	years := map[int]bool{}
	for _, s := range samples {
		years[s.Year] = true
	}
	if len(years) < 2 {
		return CVMetrics{Years: len(years), N: len(samples)}
	}

	var preds, actuals []float64
	for year := range years {
		var train, test []Sample
		for _, s := range samples {
			if s.Year == year {
				test = append(test, s)
			} else {
				train = append(train, s)
			}
		}
		linear, err := FitLinear(train)
		if err != nil {
			continue
		}
		boost, err := FitBoost(train, int64(year))
		if err != nil {
			continue
		}
		analog, err := FitAnalog(train)
		if err != nil {
			continue
		}
		for _, s := range test {
			w := e.stageWeights(s.Row.GrowthStage)
			dev := w.Trend*linear.PredictDeviation(s.Features) +
				w.Boost*boost.PredictDeviation(s.Features) +
				w.Analog*analog.PredictDeviation(s.Features, s.Year)
			preds = append(preds, s.TrendYield+dev)
			actuals = append(actuals, s.Yield)
		}
	}
	return score(preds, actuals, len(years))
}

func score(preds, actuals []float64, years int) CVMetrics {
	m := CVMetrics{Years: years, N: len(preds)}
	if len(preds) == 0 {
		return m
	}
	var se, ae, meanA float64
	for i := range preds {
		d := preds[i] - actuals[i]
		se += d * d
		ae += math.Abs(d)
		meanA += actuals[i]
	}
	n := float64(len(preds))
	meanA /= n
	m.RMSE = math.Sqrt(se / n)
	m.MAE = ae / n

	var tss float64
	for _, a := range actuals {
		d := a - meanA
		tss += d * d
	}
	if tss > 0 {
		m.R2 = 1 - se/tss
	}
	return m
}

// Save writes the ensemble's sub-models as gob blobs plus a metadata
// JSON under dir, named {crop}_{model}.bin.
func (e *Ensemble) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	parts := map[string]any{
		"trend_linear": e.Linear,
		"boost":        e.Boost,
		"analog":       e.Analog,
	}
	for name, part := range parts {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.bin", e.Crop, name))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := gob.NewEncoder(f).Encode(part); err != nil {
			f.Close()
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	meta := struct {
		Crop         string              `json:"crop"`
		Week         int                 `json:"week"`
		ModelVersion string              `json:"model_version"`
		TrainedAt    time.Time           `json:"trained_at"`
		RMSECV       float64             `json:"rmse_cv"`
		CV           CVMetrics           `json:"cv"`
		Trends       map[string]TrendFit `json:"trends"`
		Counts       map[string]int      `json:"counts"`
	}{e.Crop, e.Week, ModelVersion, e.TrainedAt, e.RMSECV, e.CV, e.Trends, e.Counts}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	metaPath := filepath.Join(dir, fmt.Sprintf("%s_metadata.json", e.Crop))
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaPath, err)
	}
	return nil
}

// Load restores a saved ensemble.
func Load(cfg config.YieldConfig, dir, crop string) (*Ensemble, error) {
	metaPath := filepath.Join(dir, fmt.Sprintf("%s_metadata.json", crop))
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", metaPath, err)
	}
	var meta struct {
		Crop      string              `json:"crop"`
		Week      int                 `json:"week"`
		TrainedAt time.Time           `json:"trained_at"`
		RMSECV    float64             `json:"rmse_cv"`
		CV        CVMetrics           `json:"cv"`
		Trends    map[string]TrendFit `json:"trends"`
		Counts    map[string]int      `json:"counts"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode %s: %w", metaPath, err)
	}

	e := &Ensemble{
		Crop:      meta.Crop,
		Week:      meta.Week,
		Trends:    meta.Trends,
		RMSECV:    meta.RMSECV,
		CV:        meta.CV,
		TrainedAt: meta.TrainedAt,
		Counts:    meta.Counts,
		cfg:       cfg,
	}
	e.Linear = &LinearModel{}
	e.Boost = &BoostModel{}
	e.Analog = &AnalogModel{}
	for name, target := range map[string]any{
		"trend_linear": e.Linear,
		"boost":        e.Boost,
		"analog":       e.Analog,
	} {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.bin", crop, name))
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		err = gob.NewDecoder(f).Decode(target)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return e, nil
}
