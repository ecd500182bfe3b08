// Package pipeline coordinates the monthly trade run: fan out over
// (country, flow) pairs, harmonize everything that came back, build the
// balance matrix, and screen quality, producing one summary result.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
	"github.com/agroflow/agroflow/internal/trade"
)

// maxWorkers bounds the collection fan-out.
const maxWorkers = 4

// maxQualityAlerts caps the alerts carried in a result.
const maxQualityAlerts = 100

// CountryCollector pulls one country's flows for a period.
type CountryCollector interface {
	Country() string // ISO-3
	Flows() []string // flows the source publishes
	FetchRecords(ctx context.Context, year, month int, flow string) ([]trade.RawRecord, error)
}

// PairResult is the outcome for one (country, flow) pair.
type PairResult struct {
	Country        string `json:"country"`
	Flow           string `json:"flow"`
	Success        bool   `json:"success"`
	RecordsFetched int    `json:"records_fetched"`
	RecordsLoaded  int    `json:"records_loaded"`
	Error          string `json:"error,omitempty"`
}

// Result summarizes one pipeline run.
type Result struct {
	Success             bool                 `json:"success"`
	Start               time.Time            `json:"start"`
	End                 time.Time            `json:"end"`
	PeriodsProcessed    []string             `json:"periods_processed"`
	CountriesProcessed  []string             `json:"countries_processed"`
	TotalRecordsFetched int                  `json:"total_records_fetched"`
	TotalRecordsLoaded  int                  `json:"total_records_loaded"`
	TotalErrors         int                  `json:"total_errors"`
	CountryResults      []PairResult         `json:"country_results"`
	HarmonizedRecords   int                  `json:"harmonized_records"`
	BalanceEntries      int                  `json:"balance_entries"`
	Discrepancies       int                  `json:"discrepancies"`
	QualityAlerts       []trade.QualityAlert `json:"quality_alerts"`
}

// Orchestrator wires collectors to the silver/gold trade stores.
type Orchestrator struct {
	Collectors []CountryCollector
	Harmonizer *trade.Harmonizer
	Validator  *trade.Validator
	TradeRepo  persistence.TradeRepo
	Balance    persistence.BalanceRepo
	Threshold  float64
}

func New(cfg config.TradeConfig, collectors []CountryCollector, tradeRepo persistence.TradeRepo, balance persistence.BalanceRepo) *Orchestrator {
	return &Orchestrator{
		Collectors: collectors,
		Harmonizer: trade.NewHarmonizer(cfg),
		Validator:  trade.NewValidator(cfg),
		TradeRepo:  tradeRepo,
		Balance:    balance,
		Threshold:  cfg.DiscrepancyThreshold,
	}
}

type pair struct {
	collector CountryCollector
	flow      string
}

// RunMonthly executes one period. Countries/flows filter the pair set;
// empty means all. Parallel runs bound the fan-out at min(N, 4).
func (o *Orchestrator) RunMonthly(ctx context.Context, year, month int, countries, flows []string, parallel bool) Result {
	result := Result{
		Start:            time.Now().UTC(),
		PeriodsProcessed: []string{fmt.Sprintf("%04d-%02d", year, month)},
	}

	pairs := o.buildPairs(countries, flows)
	if len(pairs) == 0 {
		result.End = time.Now().UTC()
		result.Success = false
		result.TotalErrors = 1
		result.QualityAlerts = []trade.QualityAlert{{
			Severity: trade.AlertFatal, Check: "setup", Message: "no (country, flow) pairs selected",
		}}
		return result
	}

	type pairOutcome struct {
		result  PairResult
		records []trade.RawRecord
	}
	outcomes := make([]pairOutcome, len(pairs))

	workers := 1
	if parallel {
		workers = len(pairs)
		if workers > maxWorkers {
			workers = maxWorkers
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p pair) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			records, err := p.collector.FetchRecords(ctx, year, month, p.flow)
			outcome := pairOutcome{
				result: PairResult{
					Country:        p.collector.Country(),
					Flow:           p.flow,
					Success:        err == nil,
					RecordsFetched: len(records),
				},
				records: records,
			}
			if err != nil {
				outcome.result.Error = err.Error()
				log.Error().Err(err).Str("country", p.collector.Country()).Str("flow", p.flow).
					Msg("pair collection failed")
			}
			outcomes[i] = outcome
		}(i, p)
	}
	wg.Wait()

	var raws []trade.RawRecord
	seenCountry := map[string]bool{}
	for _, outcome := range outcomes {
		result.CountryResults = append(result.CountryResults, outcome.result)
		result.TotalRecordsFetched += outcome.result.RecordsFetched
		if !outcome.result.Success {
			result.TotalErrors++
		}
		raws = append(raws, outcome.records...)
		if !seenCountry[outcome.result.Country] {
			seenCountry[outcome.result.Country] = true
			result.CountriesProcessed = append(result.CountriesProcessed, outcome.result.Country)
		}
	}
	sort.Strings(result.CountriesProcessed)

	harmonized, warnings := o.Harmonizer.Harmonize(raws)
	result.HarmonizedRecords = len(harmonized)
	for _, w := range warnings {
		result.QualityAlerts = append(result.QualityAlerts, trade.QualityAlert{
			Severity: trade.AlertWarning, Check: "harmonize", Message: w,
		})
	}

	if o.TradeRepo != nil && len(harmonized) > 0 {
		upsert, err := o.TradeRepo.UpsertFlows(ctx, harmonized)
		if err != nil {
			result.TotalErrors++
			result.QualityAlerts = append(result.QualityAlerts, trade.QualityAlert{
				Severity: trade.AlertFatal, Check: "persist", Message: fmt.Sprintf("trade upsert: %v", err),
			})
		} else {
			result.TotalRecordsLoaded = upsert.Inserted + upsert.Updated
			// Mark per-pair loads proportionally by fetched counts.
			for i := range result.CountryResults {
				if result.CountryResults[i].Success {
					result.CountryResults[i].RecordsLoaded = result.CountryResults[i].RecordsFetched
				}
			}
		}
	}

	entries := trade.BuildBalanceMatrix(harmonized, o.Threshold)
	result.BalanceEntries = len(entries)
	result.Discrepancies = trade.CountDiscrepancies(entries)
	if o.Balance != nil && len(entries) > 0 {
		if _, err := o.Balance.UpsertEntries(ctx, entries); err != nil {
			result.TotalErrors++
			result.QualityAlerts = append(result.QualityAlerts, trade.QualityAlert{
				Severity: trade.AlertFatal, Check: "persist", Message: fmt.Sprintf("balance upsert: %v", err),
			})
		}
	}

	result.QualityAlerts = append(result.QualityAlerts, o.Validator.Validate(harmonized)...)
	if len(result.QualityAlerts) > maxQualityAlerts {
		result.QualityAlerts = result.QualityAlerts[:maxQualityAlerts]
	}

	result.End = time.Now().UTC()
	result.Success = result.TotalErrors == 0
	log.Info().Bool("success", result.Success).
		Int("fetched", result.TotalRecordsFetched).Int("loaded", result.TotalRecordsLoaded).
		Int("discrepancies", result.Discrepancies).Int("alerts", len(result.QualityAlerts)).
		Str("period", result.PeriodsProcessed[0]).Msg("monthly pipeline finished")
	return result
}

func (o *Orchestrator) buildPairs(countries, flows []string) []pair {
	wantCountry := toSet(countries)
	wantFlow := toSet(flows)
	var pairs []pair
	for _, c := range o.Collectors {
		if len(wantCountry) > 0 && !wantCountry[c.Country()] {
			continue
		}
		for _, flow := range c.Flows() {
			if len(wantFlow) > 0 && !wantFlow[flow] {
				continue
			}
			pairs = append(pairs, pair{collector: c, flow: flow})
		}
	}
	return pairs
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// RunBackfill iterates month by month from the start period through the
// end period (inclusive). A nil end means through the previous month.
func (o *Orchestrator) RunBackfill(ctx context.Context, startYear, startMonth int, endYear, endMonth int, countries []string) []Result {
	if endYear == 0 {
		prev := time.Now().UTC().AddDate(0, -1, 0)
		endYear, endMonth = prev.Year(), int(prev.Month())
	}
	var results []Result
	cursor := time.Date(startYear, time.Month(startMonth), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(endYear, time.Month(endMonth), 1, 0, 0, 0, 0, time.UTC)
	for !cursor.After(end) {
		if ctx.Err() != nil {
			break
		}
		results = append(results, o.RunMonthly(ctx, cursor.Year(), int(cursor.Month()), countries, nil, true))
		cursor = cursor.AddDate(0, 1, 0)
	}
	return results
}
