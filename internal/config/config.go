package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration, loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	Dirs     DirsConfig     `yaml:"dirs"`
	HTTP     HTTPConfig     `yaml:"http"`
	Trade    TradeConfig    `yaml:"trade"`
	Yield    YieldConfig    `yaml:"yield"`
	Calendar CalendarConfig `yaml:"calendar"`
	Redis    RedisConfig    `yaml:"redis"`
}

// DirsConfig declares the persisted-state layout.
type DirsConfig struct {
	LogDir   string `yaml:"log_dir"`
	RawDir   string `yaml:"raw_dir"`
	CacheDir string `yaml:"cache_dir"`
	ModelDir string `yaml:"model_dir"`
}

// HTTPConfig carries session defaults shared by all collectors.
type HTTPConfig struct {
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	RetryAttempts      int     `yaml:"retry_attempts"`
	RetryDelayBase     float64 `yaml:"retry_delay_base_seconds"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier"`
	BackoffCapSeconds  float64 `yaml:"backoff_cap_seconds"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
}

// TradeConfig holds harmonizer lookups: country synonyms to ISO-3,
// commodity bushel factors, and the balance discrepancy threshold.
type TradeConfig struct {
	CountrySynonyms      map[string]string  `yaml:"country_synonyms"`
	BushelFactors        map[string]float64 `yaml:"bushel_factors"`
	DiscrepancyThreshold float64            `yaml:"discrepancy_threshold"`
	ReasonablenessFloors map[string]float64 `yaml:"reasonableness_floors"`
}

// CropThresholds are the crop-specific weather constants used by the
// feature engine.
type CropThresholds struct {
	GDDBase              float64 `yaml:"gdd_base"`
	GDDCap               float64 `yaml:"gdd_cap"`
	HeatThreshold        float64 `yaml:"heat_threshold"`
	FrostThreshold       float64 `yaml:"frost_threshold"`
	DroughtThresholdWeek float64 `yaml:"drought_threshold_mm_week"`
	ExcessMoistureWeek   float64 `yaml:"excess_moisture_mm_week"`
	PlantingMonth        int     `yaml:"planting_month"`
	PlantingDay          int     `yaml:"planting_day"`
}

// StageWindow maps a growth stage to its calendar window.
type StageWindow struct {
	Stage      string `yaml:"stage"`
	FromMonth  int    `yaml:"from_month"`
	FromDay    int    `yaml:"from_day"`
	UntilMonth int    `yaml:"until_month"`
	UntilDay   int    `yaml:"until_day"`
}

// StageWeights is the ensemble blend for one growth stage.
type StageWeights struct {
	Trend  float64 `yaml:"trend"`
	Boost  float64 `yaml:"boost"`
	Analog float64 `yaml:"analog"`
}

// ConfidencePoint anchors the week-indexed confidence curve.
type ConfidencePoint struct {
	Week       int     `yaml:"week"`
	Confidence float64 `yaml:"confidence"`
}

// YieldConfig holds everything the yield pipeline reads: thresholds,
// stage windows, ensemble weights, confidence curve, WW keyword weights.
type YieldConfig struct {
	Thresholds      map[string]CropThresholds          `yaml:"thresholds"`
	Stages          map[string][]StageWindow           `yaml:"stages"`
	EnsembleWeights map[string]map[string]StageWeights `yaml:"ensemble_weights"`
	Confidence      []ConfidencePoint                  `yaml:"confidence"`
	RiskKeywords    map[string]float64                 `yaml:"risk_keywords"`
	FeatureVersion  string                             `yaml:"feature_version"`
}

// ReleaseRule describes when one source publishes.
type ReleaseRule struct {
	Source           string `yaml:"source"`
	Frequency        string `yaml:"frequency"` // monthly|weekly|daily
	ReleaseDayOfMonth int   `yaml:"release_day_of_month"`
	ReleaseLagMonths  int   `yaml:"release_lag_months"`
	DayOfWeek         int   `yaml:"day_of_week"` // time.Weekday numbering
	Hour              int   `yaml:"hour"`
}

// CalendarConfig is the per-source release calendar.
type CalendarConfig struct {
	CheckIntervalSeconds int           `yaml:"check_interval_seconds"`
	Rules                []ReleaseRule `yaml:"rules"`
}

// RedisConfig enables the optional hot cache in front of the file cache.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// Load reads the config file, applies defaults, and loads .env for
// credential resolution. The returned Config must not be mutated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Dirs.LogDir == "" {
		c.Dirs.LogDir = filepath.Join("data", "logs")
	}
	if c.Dirs.RawDir == "" {
		c.Dirs.RawDir = filepath.Join("data", "raw")
	}
	if c.Dirs.CacheDir == "" {
		c.Dirs.CacheDir = filepath.Join("data", "cache")
	}
	if c.Dirs.ModelDir == "" {
		c.Dirs.ModelDir = filepath.Join("models", "yield")
	}
	if c.HTTP.TimeoutSeconds == 0 {
		c.HTTP.TimeoutSeconds = 30
	}
	if c.HTTP.RetryAttempts == 0 {
		c.HTTP.RetryAttempts = 3
	}
	if c.HTTP.RetryDelayBase == 0 {
		c.HTTP.RetryDelayBase = 1.0
	}
	if c.HTTP.BackoffMultiplier == 0 {
		c.HTTP.BackoffMultiplier = 2.0
	}
	if c.HTTP.BackoffCapSeconds == 0 {
		c.HTTP.BackoffCapSeconds = 120.0
	}
	if c.HTTP.RateLimitPerMinute == 0 {
		c.HTTP.RateLimitPerMinute = 30
	}
	if c.Trade.DiscrepancyThreshold == 0 {
		c.Trade.DiscrepancyThreshold = 0.10
	}
	if c.Calendar.CheckIntervalSeconds == 0 {
		c.Calendar.CheckIntervalSeconds = 60
	}
	if c.Yield.FeatureVersion == "" {
		c.Yield.FeatureVersion = "v1"
	}
}

func (c *Config) validate() error {
	if c.Trade.DiscrepancyThreshold < 0 || c.Trade.DiscrepancyThreshold > 1 {
		return fmt.Errorf("discrepancy_threshold %.2f out of [0,1]", c.Trade.DiscrepancyThreshold)
	}
	for crop, weights := range c.Yield.EnsembleWeights {
		for stage, w := range weights {
			sum := w.Trend + w.Boost + w.Analog
			if sum < 0.99 || sum > 1.01 {
				return fmt.Errorf("ensemble weights for %s/%s sum to %.3f, want 1.0", crop, stage, sum)
			}
		}
	}
	return nil
}

// HTTPTimeout returns the per-request timeout as a duration.
func (c *HTTPConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CheckInterval returns the scheduler loop interval as a duration.
func (c *CalendarConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}
