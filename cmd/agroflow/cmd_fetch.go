package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/persistence/postgres"
	"github.com/agroflow/agroflow/internal/pipeline"
)

// countrySources maps trade CLI country codes to their primary feed;
// `fetch --country` is shorthand for it. Colombia only publishes the
// import side.
var countrySources = map[string]string{
	"BRA": "comexstat_export",
	"ARG": "argentina_trade",
	"USA": "census_trade",
	"URY": "uruguay_trade",
	"PRY": "paraguay_trade",
	"COL": "colombia_trade",
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one collector for one period",
		Long:  "Runs a single source through the full lifecycle (authenticate, fetch, validate, transform, save) and prints the result envelope.",
		RunE:  runFetch,
	}
	cmd.Flags().String("source", "", "Source name (see `agroflow status` for the list)")
	cmd.Flags().String("country", "", "Trade country shorthand (BRA|ARG|USA|URY)")
	cmd.Flags().Int("year", 0, "Target year (defaults to the current period)")
	cmd.Flags().Int("month", 0, "Target month")
	cmd.Flags().String("flows", "", "Comma-separated flows for trade sources (export,import)")
	cmd.Flags().String("output", "", "Also write the result envelope to this path")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	sourceName, _ := cmd.Flags().GetString("source")
	country, _ := cmd.Flags().GetString("country")
	year, _ := cmd.Flags().GetInt("year")
	month, _ := cmd.Flags().GetInt("month")
	flows, _ := cmd.Flags().GetString("flows")
	output, _ := cmd.Flags().GetString("output")

	if sourceName == "" && country == "" {
		return fmt.Errorf("one of --source or --country is required")
	}
	if sourceName == "" {
		name, ok := countrySources[strings.ToUpper(country)]
		if !ok {
			return fmt.Errorf("unknown country %q", country)
		}
		sourceName = name
		if strings.Contains(flows, "import") && strings.ToUpper(country) == "BRA" {
			sourceName = "comexstat_import"
		}
	}

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
	src, ok := reg.Get(sourceName)
	if !ok {
		return fmt.Errorf("unknown source %q (registered: %s)", sourceName, strings.Join(reg.Names(), ", "))
	}

	now := time.Now().UTC()
	if year == 0 {
		year = now.Year()
	}
	if month == 0 {
		month = int(now.Month())
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	req := collector.FetchRequest{
		Start:  start,
		End:    start.AddDate(0, 1, -1),
		Params: map[string]string{},
	}
	if flows != "" {
		req.Params["flow"] = flows
	}

	result := a.runner().Run(cmd.Context(), src, req)
	if err := printJSON(result); err != nil {
		return err
	}
	if output != "" {
		data, _ := json.MarshalIndent(result, "", "  ")
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", output, err)
		}
	}
	if !result.Success {
		return errRunFailed
	}
	return nil
}

func monthlyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monthly",
		Short: "Run the monthly trade pipeline",
		Long:  "Collects every (country, flow) pair for the period, harmonizes into silver.trade_flows, rebuilds the balance matrix, and screens quality.",
		RunE:  runMonthly,
	}
	cmd.Flags().Int("year", 0, "Period year (defaults to the previous month)")
	cmd.Flags().Int("month", 0, "Period month")
	cmd.Flags().String("countries", "", "Comma-separated ISO-3 filter")
	cmd.Flags().String("flows", "", "Comma-separated flow filter (export,import)")
	cmd.Flags().Bool("sequential", false, "Disable the parallel fan-out")
	return cmd
}

func runMonthly(cmd *cobra.Command, args []string) error {
	year, _ := cmd.Flags().GetInt("year")
	month, _ := cmd.Flags().GetInt("month")
	countries, _ := cmd.Flags().GetString("countries")
	flows, _ := cmd.Flags().GetString("flows")
	sequential, _ := cmd.Flags().GetBool("sequential")

	if year == 0 || month == 0 {
		prev := time.Now().UTC().AddDate(0, -1, 0)
		year, month = prev.Year(), int(prev.Month())
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	defer a.close()

	o, err := a.tradePipeline()
	if err != nil {
		return err
	}
	result := o.RunMonthly(cmd.Context(), year, month, splitCSV(countries), splitCSV(flows), !sequential)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return errRunFailed
	}
	return nil
}

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-run the monthly pipeline over a period range",
		RunE:  runBackfill,
	}
	cmd.Flags().Int("start-year", 0, "First period year (required)")
	cmd.Flags().Int("start-month", 1, "First period month")
	cmd.Flags().Int("end-year", 0, "Last period year (defaults to the previous month)")
	cmd.Flags().Int("end-month", 0, "Last period month")
	cmd.Flags().String("countries", "", "Comma-separated ISO-3 filter")
	cmd.MarkFlagRequired("start-year")
	return cmd
}

func runBackfill(cmd *cobra.Command, args []string) error {
	startYear, _ := cmd.Flags().GetInt("start-year")
	startMonth, _ := cmd.Flags().GetInt("start-month")
	endYear, _ := cmd.Flags().GetInt("end-year")
	endMonth, _ := cmd.Flags().GetInt("end-month")
	countries, _ := cmd.Flags().GetString("countries")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	defer a.close()

	o, err := a.tradePipeline()
	if err != nil {
		return err
	}
	results := o.RunBackfill(cmd.Context(), startYear, startMonth, endYear, endMonth, splitCSV(countries))
	if err := printJSON(results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.Success {
			return errRunFailed
		}
	}
	return nil
}

func (a *app) tradePipeline() (*pipeline.Orchestrator, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	collectors, err := a.countryCollectors(reg)
	if err != nil {
		return nil, err
	}
	return pipeline.New(a.cfg.Trade, collectors,
		postgres.NewTradeRepo(a.db), postgres.NewBalanceRepo(a.db)), nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
