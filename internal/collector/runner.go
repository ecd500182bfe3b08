package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/audit"
	"github.com/agroflow/agroflow/internal/netcore"
	"github.com/agroflow/agroflow/internal/persistence"
)

// Runner drives the collector lifecycle: STARTUP, authenticate, fetch,
// validate, transform, save, SHUTDOWN. It owns the audit logger, cache,
// bronze store, and run-state bookkeeping so plugins stay thin.
type Runner struct {
	LogDir   string
	Cache    *Cache
	Bronze   persistence.BronzeStore
	RunState persistence.RunStateRepo
}

// Run executes one collection pass. It never returns an error: all
// failure modes are folded into the Result envelope.
func (r *Runner) Run(ctx context.Context, src Source, req FetchRequest) Result {
	start := time.Now()
	cfg := src.Config()
	result := Result{
		Source:      src.Name(),
		PeriodStart: req.Start,
		PeriodEnd:   req.End,
		Status:      "FAILURE",
	}

	auditor, err := audit.NewLogger(r.LogDir, src.Name())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("audit log unavailable: %v", err))
		return r.finish(ctx, src, &result, start, nil)
	}
	defer auditor.Close()
	result.RunID = auditor.RunID()

	src.BeginRun(auditor)

	_ = auditor.Log("INFO", audit.ActionStartup, map[string]any{
		"version":   Version,
		"source":    cfg.SourceName,
		"url":       cfg.SourceURL,
		"auth_type": string(cfg.AuthType),
		"frequency": cfg.Frequency,
		"period":    fmt.Sprintf("%s..%s", req.Start.Format("2006-01-02"), req.End.Format("2006-01-02")),
	})

	if err := src.Authenticate(ctx); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("authentication failed: %v", err))
		_ = auditor.Log("CRITICAL", audit.ActionError, map[string]any{"stage": "authenticate", "error": err.Error()})
		return r.finish(ctx, src, &result, start, auditor)
	}

	cacheTTL := time.Duration(cfg.CacheTTLHours) * time.Hour
	cacheKey := ""
	if cfg.CacheEnabled && r.Cache != nil {
		cacheKey = r.Cache.Key(src.Name(), req)
		if cached, tables, ok := r.Cache.Get(ctx, cacheKey, cacheTTL); ok {
			cached.FromCache = true
			cached.RunID = result.RunID
			cached.RecordsSaved = 0
			if err := r.save(ctx, src, auditor, tables, cached); err != nil {
				cached.Warnings = append(cached.Warnings, fmt.Sprintf("cached save: %v", err))
			}
			return r.finish(ctx, src, cached, start, auditor)
		}
	}

	out, err := src.Fetch(ctx, req)
	if err != nil {
		reason := "fetch failed"
		if errors.Is(err, netcore.ErrMaxRetries) {
			reason = "source failure"
		}
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", reason, err))
		return r.finish(ctx, src, &result, start, auditor)
	}
	result.RecordsFetched = out.RecordsFetched
	result.Warnings = append(result.Warnings, out.Warnings...)

	warnings, err := src.Validate(out)
	result.Warnings = append(result.Warnings, warnings...)
	_ = auditor.Log("INFO", audit.ActionValidation, map[string]any{
		"records":  out.RecordsFetched,
		"warnings": len(warnings),
		"fatal":    err != nil,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("validation failed: %v", err))
		return r.finish(ctx, src, &result, start, auditor)
	}

	tables, err := src.Transform(out)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("transform failed: %v", err))
		return r.finish(ctx, src, &result, start, auditor)
	}

	if err := r.save(ctx, src, auditor, tables, &result); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("save failed: %v", err))
		return r.finish(ctx, src, &result, start, auditor)
	}

	result.Success = true
	result.Status = "SUCCESS"
	if len(result.Warnings) > 0 {
		result.Status = "PARTIAL_SUCCESS"
	}

	if cfg.CacheEnabled && r.Cache != nil {
		if err := r.Cache.Put(ctx, cacheKey, cacheTTL, &result, tables); err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("cache write-back failed")
		}
	}
	return r.finish(ctx, src, &result, start, auditor)
}

func (r *Runner) save(ctx context.Context, src Source, auditor *audit.Logger, tables map[string][]map[string]any, result *Result) error {
	specs := src.Tables()
	for table, rows := range tables {
		if len(rows) == 0 {
			continue
		}
		spec := specs[table]
		res, err := r.Bronze.Upsert(ctx, table, rows, spec.UniqueColumns)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
		result.RecordsSaved += res.Inserted + res.Updated

		action := audit.ActionDataSave
		if res.Updated > 0 && res.Inserted == 0 {
			action = audit.ActionDataUpdate
		}
		entity := ""
		if spec.EntityColumn != "" {
			if v, ok := rows[0][spec.EntityColumn]; ok {
				entity = fmt.Sprintf("%v", v)
			}
		}
		_ = auditor.Log("INFO", action, map[string]any{
			"table":               table,
			"affected_record_ids": res.IDs,
			"facility_name":       entity,
			"source_endpoint":     spec.Endpoint,
			"verification_url":    src.VerificationURL(table, rows[0]),
			"new_values":          rows[0],
			"inserted":            res.Inserted,
			"updated":             res.Updated,
		})
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, src Source, result *Result, start time.Time, auditor *audit.Logger) Result {
	result.Duration = time.Since(start).Seconds()

	requests := 0
	if base, ok := src.(interface{ Session() *netcore.Session }); ok && base.Session() != nil {
		requests = base.Session().RequestCount()
	}

	if auditor != nil {
		_ = auditor.LogTimed("INFO", audit.ActionShutdown, map[string]any{
			"status":          result.Status,
			"records_fetched": result.RecordsFetched,
			"records_saved":   result.RecordsSaved,
			"warnings":        len(result.Warnings),
			"errors":          len(result.Errors),
			"from_cache":      result.FromCache,
		}, time.Since(start))
	}

	if r.RunState != nil {
		if err := r.RunState.RecordRun(ctx, src.Name(), result.Success, requests, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("run state update failed")
		}
	}

	evt := log.Info()
	if !result.Success {
		evt = log.Error()
	}
	evt.Str("source", src.Name()).Str("status", result.Status).
		Int("fetched", result.RecordsFetched).Int("saved", result.RecordsSaved).
		Float64("duration_s", result.Duration).Msg("collector run finished")
	return *result
}
