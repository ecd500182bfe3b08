package collector

import (
	"context"
	"time"

	"github.com/agroflow/agroflow/internal/audit"
	"github.com/agroflow/agroflow/internal/netcore"
)

// Version is stamped into every STARTUP audit record.
const Version = "v1.4.0"

// AuthType enumerates how a source authenticates.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthOAuth  AuthType = "oauth"
	AuthPaid   AuthType = "paid"
)

// Config declares one source plugin's behavior.
type Config struct {
	SourceName         string            `yaml:"source_name"`
	SourceURL          string            `yaml:"source_url"`
	AuthType           AuthType          `yaml:"auth_type"`
	Credentials        map[string]string `yaml:"-"` // resolved from env, never serialized
	Timeout            time.Duration     `yaml:"timeout"`
	RetryAttempts      int               `yaml:"retry_attempts"`
	RetryDelayBase     float64           `yaml:"retry_delay_base"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute"`
	CacheEnabled       bool              `yaml:"cache_enabled"`
	CacheTTLHours      int               `yaml:"cache_ttl_hours"`
	Frequency          string            `yaml:"frequency"` // realtime|daily|weekly|monthly|quarterly|annual
}

// FetchRequest bounds one collection run.
type FetchRequest struct {
	Start  time.Time
	End    time.Time
	Params map[string]string
}

// FetchOutput is the raw payload a source pulled from upstream.
type FetchOutput struct {
	Payload        any
	RecordsFetched int
	Warnings       []string
	SourceUsed     string // set by fallback chains
}

// Result is the standard run envelope. A collector run never raises
// across its boundary; failures land here as Success=false plus Errors.
type Result struct {
	Source         string    `json:"source"`
	Success        bool      `json:"success"`
	Status         string    `json:"status"` // SUCCESS|PARTIAL_SUCCESS|FAILURE
	RecordsFetched int       `json:"records_fetched"`
	RecordsSaved   int       `json:"records_saved"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	FromCache      bool      `json:"from_cache,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
	Duration       float64   `json:"duration_seconds"`
	RunID          string    `json:"run_id"`
}

// TableSpec describes how a transform output table is saved and later
// verified.
type TableSpec struct {
	UniqueColumns []string
	Endpoint      string // upstream endpoint the rows came from
	EntityColumn  string // column carrying the facility/entity label
}

// Source is the contract every plugin implements. BaseSource supplies
// the session plumbing and a no-op Authenticate; plugins override what
// they need.
type Source interface {
	Name() string
	Config() Config
	Tables() map[string]TableSpec

	// BeginRun binds the per-run audit logger and recreates the HTTP
	// session. Sessions are never shared across runs.
	BeginRun(auditor *audit.Logger)

	Authenticate(ctx context.Context) error
	Fetch(ctx context.Context, req FetchRequest) (*FetchOutput, error)
	// Validate returns advisory warnings plus a fatal error when the
	// payload is unusable.
	Validate(out *FetchOutput) ([]string, error)
	// Transform normalizes the payload into rows per destination table.
	Transform(out *FetchOutput) (map[string][]map[string]any, error)
	// VerificationURL yields the upstream URL a verifier can re-fetch a
	// saved row from.
	VerificationURL(table string, row map[string]any) string
}

// ConnectivityChecker gates fallback eligibility: a source joins a
// fallback chain only when its probe passes.
type ConnectivityChecker interface {
	CheckConnectivity(ctx context.Context) error
}

// BaseSource carries the shared plumbing. Embed it in every plugin.
type BaseSource struct {
	Cfg     Config
	RawDir  string
	session *netcore.Session
}

// Name returns the configured source name.
func (b *BaseSource) Name() string { return b.Cfg.SourceName }

// Config returns the plugin configuration.
func (b *BaseSource) Config() Config { return b.Cfg }

// BeginRun recreates the HTTP session bound to this run's audit logger.
func (b *BaseSource) BeginRun(auditor *audit.Logger) {
	b.session = netcore.NewSession(netcore.SessionConfig{
		Source:             b.Cfg.SourceName,
		Timeout:            b.Cfg.Timeout,
		RetryAttempts:      b.Cfg.RetryAttempts,
		RetryDelayBase:     b.Cfg.RetryDelayBase,
		RateLimitPerMinute: b.Cfg.RateLimitPerMinute,
		RawDir:             b.RawDir,
	}, auditor)
}

// Session returns the current run's HTTP session.
func (b *BaseSource) Session() *netcore.Session { return b.session }

// Authenticate is a no-op for sources with AuthNone.
func (b *BaseSource) Authenticate(ctx context.Context) error { return nil }

// Validate accepts any payload by default.
func (b *BaseSource) Validate(out *FetchOutput) ([]string, error) { return nil, nil }

// VerificationURL defaults to the source URL.
func (b *BaseSource) VerificationURL(table string, row map[string]any) string {
	return b.Cfg.SourceURL
}
