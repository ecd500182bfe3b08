package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agroflow/agroflow/internal/persistence/postgres"
	"github.com/agroflow/agroflow/internal/yield/features"
	"github.com/agroflow/agroflow/internal/yield/model"
	"github.com/agroflow/agroflow/internal/yield/orchestrator"
	"github.com/agroflow/agroflow/internal/yield/validate"
)

func yieldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yield",
		Short: "Crop yield forecasting",
	}
	cmd.AddCommand(yieldRunCmd(), yieldTrainCmd(), yieldBacktestCmd(), yieldReportCmd(), yieldCheckCmd())
	return cmd
}

// yieldDeps is the wired yield stack for one invocation.
type yieldDeps struct {
	app    *app
	engine *features.Engine
	orch   *orchestrator.Orchestrator
	back   *validate.Backtester
}

func yieldWiring(cmd *cobra.Command) (*yieldDeps, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	if err := a.connect(); err != nil {
		return nil, err
	}

	featRepo := postgres.NewFeatureRepo(a.db)
	yieldRepo := postgres.NewYieldRepo(a.db)
	forecasts := postgres.NewForecastRepo(a.db)
	engine := features.NewEngine(a.cfg.Yield,
		postgres.NewWeatherRepo(a.db), postgres.NewCropDataRepo(a.db), featRepo, yieldRepo)

	return &yieldDeps{
		app:    a,
		engine: engine,
		orch: orchestrator.New(a.cfg.Yield, engine, featRepo, yieldRepo, forecasts,
			postgres.NewModelRunRepo(a.db), postgres.NewRunStateRepo(a.db)),
		back: validate.NewBacktester(a.cfg.Yield, featRepo, yieldRepo, forecasts),
	}, nil
}

func yieldRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the weekly forecast pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, _ := cmd.Flags().GetInt("year")
			week, _ := cmd.Flags().GetInt("week")
			crop, _ := cmd.Flags().GetString("crop")
			state, _ := cmd.Flags().GetString("state")

			d, err := yieldWiring(cmd)
			if err != nil {
				return err
			}
			defer d.app.close()

			result := d.orch.Run(cmd.Context(), year, week, splitCSV(crop), splitCSV(state))
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().Int("year", 0, "Season year (defaults to the current ISO year)")
	cmd.Flags().Int("week", 0, "Forecast week (defaults to the current ISO week)")
	cmd.Flags().String("crop", "", "Comma-separated crop filter")
	cmd.Flags().String("state", "", "Comma-separated state filter")
	return cmd
}

func yieldTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train and persist the ensemble for each crop",
		RunE: func(cmd *cobra.Command, args []string) error {
			years, _ := cmd.Flags().GetString("years")
			crop, _ := cmd.Flags().GetString("crop")
			week, _ := cmd.Flags().GetInt("week")

			fromYear, toYear, err := parseYearRange(years)
			if err != nil {
				return err
			}

			d, err := yieldWiring(cmd)
			if err != nil {
				return err
			}
			defer d.app.close()

			crops := splitCSV(crop)
			if len(crops) == 0 {
				crops = features.DefaultCrops
			}
			featRepo := postgres.NewFeatureRepo(d.app.db)
			yieldRepo := postgres.NewYieldRepo(d.app.db)

			type trained struct {
				Crop    string  `json:"crop"`
				Week    int     `json:"week"`
				Samples int     `json:"samples"`
				RMSECV  float64 `json:"rmse_cv"`
				R2CV    float64 `json:"r2_cv"`
				Path    string  `json:"path"`
			}
			var out []trained
			for _, c := range crops {
				samples, trends, err := model.BuildDataset(cmd.Context(), featRepo, yieldRepo, c, week)
				if err != nil {
					return fmt.Errorf("dataset for %s: %w", c, err)
				}
				if fromYear > 0 {
					kept := samples[:0]
					for _, s := range samples {
						if s.Year >= fromYear && s.Year <= toYear {
							kept = append(kept, s)
						}
					}
					samples = kept
				}
				ens, err := model.Train(d.app.cfg.Yield, c, week, samples, trends)
				if err != nil {
					return fmt.Errorf("train %s: %w", c, err)
				}
				dir := d.app.cfg.Dirs.ModelDir
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
				if err := ens.Save(dir); err != nil {
					return fmt.Errorf("save %s: %w", c, err)
				}
				out = append(out, trained{
					Crop: c, Week: week, Samples: len(samples),
					RMSECV: ens.RMSECV, R2CV: ens.CV.R2,
					Path: filepath.Join(dir, c+"_metadata.json"),
				})
			}
			return printJSON(out)
		},
	}
	cmd.Flags().String("years", "", "Training year range S-E (required)")
	cmd.Flags().String("crop", "", "Comma-separated crop filter")
	cmd.Flags().Int("week", 30, "Feature week the models train on")
	cmd.MarkFlagRequired("years")
	return cmd
}

func yieldBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Walk-forward backtest over held-out years",
		RunE: func(cmd *cobra.Command, args []string) error {
			years, _ := cmd.Flags().GetString("years")
			crop, _ := cmd.Flags().GetString("crop")

			fromYear, toYear, err := parseYearRange(years)
			if err != nil {
				return err
			}
			var testYears []int
			for y := fromYear; y <= toYear; y++ {
				testYears = append(testYears, y)
			}

			d, err := yieldWiring(cmd)
			if err != nil {
				return err
			}
			defer d.app.close()

			crops := splitCSV(crop)
			if len(crops) == 0 {
				crops = features.DefaultCrops
			}
			for _, c := range crops {
				report, err := d.back.Run(cmd.Context(), c, testYears, validate.BacktestWeeks)
				if err != nil {
					return fmt.Errorf("backtest %s: %w", c, err)
				}
				if err := printJSON(report); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("years", "", "Held-out year range S-E (required)")
	cmd.Flags().String("crop", "", "Comma-separated crop filter")
	cmd.MarkFlagRequired("years")
	return cmd
}

func yieldReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the season's forecast revisions and backtest summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			year, _ := cmd.Flags().GetInt("year")
			crop, _ := cmd.Flags().GetString("crop")
			if year == 0 {
				year = time.Now().UTC().Year()
			}
			if crop == "" {
				crop = "corn"
			}

			d, err := yieldWiring(cmd)
			if err != nil {
				return err
			}
			defer d.app.close()

			revisions, err := d.back.Revisions(cmd.Context(), year, 10)
			if err != nil {
				return err
			}
			backtestYears := []int{year - 3, year - 2, year - 1}
			report, err := d.back.Run(cmd.Context(), crop, backtestYears, validate.BacktestWeeks)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return printJSON(map[string]any{"backtest": report, "revisions": revisions})
			case "text":
				fmt.Printf("Backtest %s, held-out %v\n", crop, backtestYears)
				for _, w := range report.Weeks {
					fmt.Printf("  W%02d  rmse %.2f  mae %.2f  dir %.0f%%\n",
						w.Week, w.RMSE, w.MAE, w.DirectionalAccuracy*100)
				}
				fmt.Printf("Largest revisions (%d):\n", len(revisions))
				for _, r := range revisions {
					fmt.Printf("  %s %s W%02d  %+0.1f (%s)\n",
						r.Commodity, r.State, r.Week, r.WoWChange, r.PrimaryDriver)
				}
				return nil
			default: // markdown
				fmt.Println(validate.RenderMarkdown(report))
				if len(revisions) > 0 {
					fmt.Println("## Largest week-over-week revisions")
					fmt.Println()
					for _, r := range revisions {
						fmt.Printf("- %s %s W%02d: %+0.1f bu/ac (%s)\n",
							r.Commodity, r.State, r.Week, r.WoWChange, r.PrimaryDriver)
					}
				}
				return nil
			}
		},
	}
	cmd.Flags().String("format", "markdown", "Output format: markdown|text|json")
	cmd.Flags().Int("year", 0, "Season year (defaults to the current year)")
	cmd.Flags().String("crop", "", "Crop to report on (defaults to corn)")
	return cmd
}

func yieldCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Readiness check: features present, sources fresh, models saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := yieldWiring(cmd)
			if err != nil {
				return err
			}
			defer d.app.close()

			year, week := time.Now().UTC().ISOWeek()
			featRepo := postgres.NewFeatureRepo(d.app.db)
			count, err := featRepo.CountForWeek(cmd.Context(), year, week)
			if err != nil {
				return err
			}

			var staleSources []string
			states, err := postgres.NewRunStateRepo(d.app.db).All(cmd.Context())
			if err == nil {
				cutoff := time.Now().UTC().Add(-14 * 24 * time.Hour)
				for _, s := range states {
					if s.LastSuccess == nil || s.LastSuccess.Before(cutoff) {
						staleSources = append(staleSources, s.SourceName)
					}
				}
			}

			models := map[string]bool{}
			for _, c := range features.DefaultCrops {
				_, statErr := os.Stat(filepath.Join(d.app.cfg.Dirs.ModelDir, c+"_metadata.json"))
				models[c] = statErr == nil
			}

			check := map[string]any{
				"year":          year,
				"week":          week,
				"feature_rows":  count,
				"stale_sources": staleSources,
				"models_saved":  models,
				"ready":         count > 0 && len(staleSources) == 0,
			}
			if err := printJSON(check); err != nil {
				return err
			}
			if count == 0 {
				return errRunFailed
			}
			return nil
		},
	}
}

func parseYearRange(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("year range %q must look like 2018-2023", s)
	}
	from, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("year range %q: %w", s, err)
	}
	to, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("year range %q: %w", s, err)
	}
	if to < from {
		return 0, 0, fmt.Errorf("year range %q is backwards", s)
	}
	return from, to, nil
}
