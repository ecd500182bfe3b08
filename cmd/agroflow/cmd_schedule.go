package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/persistence/postgres"
	"github.com/agroflow/agroflow/internal/scheduler"
	"github.com/agroflow/agroflow/internal/verify"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Drive collectors off the release calendar",
		RunE:  runSchedule,
	}
	cmd.Flags().Bool("list", false, "Print the computed schedule and exit")
	cmd.Flags().Bool("start", false, "Run the scheduler loop until interrupted")
	cmd.Flags().String("trigger", "", "Fire one task immediately (task id)")
	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	list, _ := cmd.Flags().GetBool("list")
	start, _ := cmd.Flags().GetBool("start")
	trigger, _ := cmd.Flags().GetString("trigger")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	defer a.close()

	reg, err := a.registry()
	if err != nil {
		return err
	}
	runner := a.runner()
	sched := scheduler.New(a.cfg.Calendar, func(ctx context.Context, source string, period scheduler.TargetPeriod) error {
		src, ok := reg.Get(source)
		if !ok {
			return fmt.Errorf("calendar references unknown source %q", source)
		}
		req := periodRequest(period)
		result := runner.Run(ctx, src, req)
		if !result.Success {
			return fmt.Errorf("%s: %v", source, result.Errors)
		}
		return nil
	})

	switch {
	case trigger != "":
		if err := sched.Trigger(cmd.Context(), trigger); err != nil {
			return err
		}
		return printJSON(sched.Tasks())
	case start:
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			sched.Stop()
		}()
		sched.Start(ctx)
		return nil
	case list:
		fallthrough
	default:
		return printJSON(sched.Tasks())
	}
}

func periodRequest(period scheduler.TargetPeriod) collector.FetchRequest {
	if period.Week > 0 {
		// ISO week target: the request window is the week itself.
		start := isoWeekStart(period.Year, period.Week)
		return collector.FetchRequest{Start: start, End: start.AddDate(0, 0, 6), Params: map[string]string{}}
	}
	start := time.Date(period.Year, time.Month(period.Month), 1, 0, 0, 0, 0, time.UTC)
	return collector.FetchRequest{Start: start, End: start.AddDate(0, 1, -1), Params: map[string]string{}}
}

func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
	return monday.AddDate(0, 0, (week-1)*7)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-source collection health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.connect(); err != nil {
				return err
			}
			defer a.close()

			states, err := postgres.NewRunStateRepo(a.db).All(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(states, func(i, j int) bool { return states[i].SourceName < states[j].SourceName })
			type row struct {
				Source              string     `json:"source"`
				Healthy             bool       `json:"healthy"`
				LastRun             *time.Time `json:"last_run,omitempty"`
				LastSuccess         *time.Time `json:"last_success,omitempty"`
				ConsecutiveFailures int        `json:"consecutive_failures"`
				RequestCount        int        `json:"request_count"`
			}
			rows := make([]row, 0, len(states))
			for _, s := range states {
				rows = append(rows, row{
					Source:              s.SourceName,
					Healthy:             s.IsHealthy(),
					LastRun:             s.LastRun,
					LastSuccess:         s.LastSuccess,
					ConsecutiveFailures: s.ConsecutiveFailures,
					RequestCount:        s.RequestCount,
				})
			}
			return printJSON(rows)
		},
	}
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Re-verify saved records against the upstream source",
		Long:  "Reads a collector audit log, re-fetches a sample of saved records from their verification URLs, and reports field-level mismatches.",
		RunE:  runValidate,
	}
	cmd.Flags().String("log", "", "Audit log to verify (defaults to the newest in log_dir)")
	cmd.Flags().String("mode", verify.ModeSample, "Target selection: sample|full")
	cmd.Flags().Float64("sample-pct", 10, "Sample percentage in sample mode")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	logPath, _ := cmd.Flags().GetString("log")
	mode, _ := cmd.Flags().GetString("mode")
	samplePct, _ := cmd.Flags().GetFloat64("sample-pct")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if logPath == "" {
		logPath, err = newestLog(a.cfg.Dirs.LogDir)
		if err != nil {
			return err
		}
	}

	v := verify.New(verify.Config{
		Mode:             mode,
		SamplePercentage: samplePct,
		LogDir:           a.cfg.Dirs.LogDir,
	})
	summary, err := v.Run(cmd.Context(), logPath, &urlFetcher{
		client: &http.Client{Timeout: a.cfg.HTTP.HTTPTimeout()},
	})
	if err != nil {
		return err
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	if summary.HighSeverity > 0 {
		return errRunFailed
	}
	return nil
}

func newestLog(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read log dir: %w", err)
	}
	newest := ""
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no audit logs under %s", dir)
	}
	return newest, nil
}

// urlFetcher re-reads a saved record from its verification URL. It
// only understands JSON bodies; anything else counts as unavailable.
type urlFetcher struct {
	client *http.Client
}

func (f *urlFetcher) FetchCurrent(ctx context.Context, target verify.Target) (map[string]any, error) {
	if target.VerificationURL == "" {
		return nil, fmt.Errorf("no verification url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.VerificationURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Debug().Str("url", target.VerificationURL).Msg("non-JSON verification body")
		return nil, fmt.Errorf("decode verification body: %w", err)
	}
	return body, nil
}
