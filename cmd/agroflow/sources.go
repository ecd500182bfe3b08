package main

import (
	"fmt"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/collector/sources/anec"
	"github.com/agroflow/agroflow/internal/collector/sources/argentina"
	"github.com/agroflow/agroflow/internal/collector/sources/census"
	"github.com/agroflow/agroflow/internal/collector/sources/colombia"
	"github.com/agroflow/agroflow/internal/collector/sources/comexstat"
	"github.com/agroflow/agroflow/internal/collector/sources/cpc"
	"github.com/agroflow/agroflow/internal/collector/sources/eia"
	"github.com/agroflow/agroflow/internal/collector/sources/epaecho"
	"github.com/agroflow/agroflow/internal/collector/sources/futures"
	"github.com/agroflow/agroflow/internal/collector/sources/mpob"
	"github.com/agroflow/agroflow/internal/collector/sources/paraguay"
	"github.com/agroflow/agroflow/internal/collector/sources/uruguay"
	"github.com/agroflow/agroflow/internal/collector/sources/usdaams"
	"github.com/agroflow/agroflow/internal/collector/sources/usdanass"
	"github.com/agroflow/agroflow/internal/collector/sources/usdapsd"
	"github.com/agroflow/agroflow/internal/collector/sources/worldweather"
	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/pipeline"
)

// defaultStates is the corn-belt coverage the weekly crop sources pull.
var defaultStates = []string{"IA", "IL", "NE", "MN", "IN", "KS", "SD", "OH", "MO", "WI"}

func (a *app) sourceCfg(name, frequency string, auth collector.AuthType, creds map[string]string) collector.Config {
	h := a.cfg.HTTP
	return collector.Config{
		SourceName:         name,
		AuthType:           auth,
		Credentials:        creds,
		Timeout:            h.HTTPTimeout(),
		RetryAttempts:      h.RetryAttempts,
		RetryDelayBase:     h.RetryDelayBase,
		RateLimitPerMinute: h.RateLimitPerMinute,
		CacheEnabled:       true,
		CacheTTLHours:      6,
		Frequency:          frequency,
	}
}

// registry wires every source plugin under its canonical name.
func (a *app) registry() (*collector.Registry, error) {
	raw := a.cfg.Dirs.RawDir
	apiKey := func(name string) map[string]string {
		return map[string]string{"api_key": config.Credential(name)}
	}

	ibkr := futures.NewIBKR(
		a.sourceCfg("ibkr", "daily", collector.AuthPaid, map[string]string{
			"username": config.Credential("ibkr_user"),
			"password": config.Credential("ibkr_pass"),
			"account":  config.Credential("ibkr_acct"),
		}), raw, nil)
	tradestation := futures.NewTradeStation(
		a.sourceCfg("tradestation", "daily", collector.AuthOAuth, map[string]string{
			"api_key":       config.Credential("ts_key"),
			"api_secret":    config.Credential("ts_secret"),
			"refresh_token": config.Credential("ts_refresh"),
		}), raw)

	srcs := []collector.Source{
		comexstat.New(a.sourceCfg("comexstat_export", "monthly", collector.AuthNone, nil), raw, "export"),
		comexstat.New(a.sourceCfg("comexstat_import", "monthly", collector.AuthNone, nil), raw, "import"),
		argentina.New(a.sourceCfg("argentina_trade", "monthly", collector.AuthNone, nil), raw),
		census.New(a.sourceCfg("census_trade", "monthly", collector.AuthAPIKey, apiKey("CENSUS_API_KEY")), raw),
		uruguay.New(a.sourceCfg("uruguay_trade", "monthly", collector.AuthNone, nil), raw),
		paraguay.New(a.sourceCfg("paraguay_trade", "monthly", collector.AuthNone, nil), raw),
		colombia.New(a.sourceCfg("colombia_trade", "monthly", collector.AuthNone, nil), raw),
		usdapsd.New(a.sourceCfg("usda_psd", "monthly", collector.AuthAPIKey, apiKey("fas_psd")), raw),
		mpob.New(a.sourceCfg("mpob_stats", "monthly", collector.AuthNone, nil), raw),
		usdanass.New(a.sourceCfg("usda_nass", "weekly", collector.AuthAPIKey, apiKey("usda_nass")), raw, defaultStates),
		usdaams.New(a.sourceCfg("usda_ams", "weekly", collector.AuthAPIKey, apiKey("usda_ams")), raw, usdaams.DefaultReports()),
		cpc.New(a.sourceCfg("cpc_conditions", "weekly", collector.AuthNone, nil), raw, nil),
		eia.New(a.sourceCfg("eia_ethanol", "weekly", collector.AuthAPIKey, apiKey("eia")), raw),
		epaecho.New(a.sourceCfg("epa_echo", "quarterly", collector.AuthNone, nil), raw, epaecho.DefaultAxes(defaultStates)),
		anec.New(a.sourceCfg("anec_lineup", "weekly", collector.AuthNone, nil), raw, a.cfg.Dirs.CacheDir),
		worldweather.New(a.sourceCfg("worldweather_signals", "weekly", collector.AuthNone, nil), raw, worldweather.DefaultKeywords()),
		futures.New(a.sourceCfg("futures", "daily", collector.AuthPaid, nil), raw, ibkr, tradestation),
	}

	reg := collector.NewRegistry()
	for _, src := range srcs {
		if err := reg.Register(src); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// countryCollectors maps trade sources onto the monthly pipeline's
// per-country view.
func (a *app) countryCollectors(reg *collector.Registry) ([]pipeline.CountryCollector, error) {
	want := map[string]map[string]string{
		"BRA": {"export": "comexstat_export", "import": "comexstat_import"},
		"ARG": {"export": "argentina_trade"},
		"USA": {"export": "census_trade"},
		"URY": {"export": "uruguay_trade"},
		"PRY": {"export": "paraguay_trade"},
		"COL": {"import": "colombia_trade"},
	}
	var out []pipeline.CountryCollector
	for iso, flows := range want {
		bound := map[string]collector.Source{}
		for flow, name := range flows {
			src, ok := reg.Get(name)
			if !ok {
				return nil, fmt.Errorf("source %s not registered", name)
			}
			bound[flow] = src
		}
		out = append(out, pipeline.NewSourceCollector(iso, a.cfg.Dirs.LogDir, bound))
	}
	return out, nil
}
