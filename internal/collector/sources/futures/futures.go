// Package futures collects daily settlement prices for the grain
// futures complex. Two upstream feeds are wired in preference order:
// the IBKR Client Portal gateway when it is up and authenticated, and
// the TradeStation market-data API otherwise. The fallback chain
// annotates every run with the feed that actually served it.
package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/agroflow/agroflow/internal/audit"
	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/netcore"
)

const Table = "bronze.futures_prices"

// Contracts collected: front-month corn, soybeans, wheat.
var symbols = []string{"ZC", "ZS", "ZW"}

// Bar is one daily settlement.
type Bar struct {
	Symbol string
	Date   string
	Close  float64
	Volume float64
}

// Source wraps the feed chain behind the standard plugin contract.
type Source struct {
	collector.BaseSource
	chain *collector.FallbackChain
	feeds []collector.Source
}

// New builds the chain. Either feed may be nil when unconfigured.
func New(cfg collector.Config, rawDir string, ibkr, tradestation collector.Source) *Source {
	cfg.SourceName = "futures"
	var feeds []collector.Source
	if ibkr != nil {
		feeds = append(feeds, ibkr)
	}
	if tradestation != nil {
		feeds = append(feeds, tradestation)
	}
	return &Source{
		BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir},
		chain:      collector.NewFallbackChain("futures", feeds...),
		feeds:      feeds,
	}
}

func (s *Source) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{
		Table: {
			UniqueColumns: []string{"trade_date", "symbol"},
			Endpoint:      "/marketdata",
			EntityColumn:  "symbol",
		},
	}
}

// BeginRun propagates the audit logger to every feed in the chain.
func (s *Source) BeginRun(auditor *audit.Logger) {
	s.BaseSource.BeginRun(auditor)
	for _, feed := range s.feeds {
		feed.BeginRun(auditor)
	}
}

func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	return s.chain.Fetch(ctx, req)
}

func (s *Source) Validate(out *collector.FetchOutput) ([]string, error) {
	bars, ok := out.Payload.([]Bar)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", out.Payload)
	}
	var warnings []string
	for _, bar := range bars {
		if bar.Close <= 0 {
			return warnings, fmt.Errorf("non-positive settle for %s on %s", bar.Symbol, bar.Date)
		}
		if bar.Volume == 0 {
			warnings = append(warnings, fmt.Sprintf("zero volume for %s on %s", bar.Symbol, bar.Date))
		}
	}
	return warnings, nil
}

func (s *Source) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	bars := out.Payload.([]Bar)
	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(bars))
	for _, bar := range bars {
		records = append(records, map[string]any{
			"trade_date":   bar.Date,
			"symbol":       bar.Symbol,
			"settle":       bar.Close,
			"volume":       bar.Volume,
			"feed":         out.SourceUsed,
			"collected_at": now,
		})
	}
	return map[string][]map[string]any{Table: records}, nil
}

func (s *Source) VerificationURL(table string, row map[string]any) string {
	return fmt.Sprintf("feed:%v symbol:%v date:%v", row["feed"], row["symbol"], row["trade_date"])
}

// IBKR is the Client Portal gateway feed. The gateway runs locally and
// holds the brokerage session; eligibility means the session is still
// authenticated.
type IBKR struct {
	collector.BaseSource
	// conids maps symbols to IBKR contract ids, resolved at setup.
	Conids map[string]string
}

func NewIBKR(cfg collector.Config, rawDir string, conids map[string]string) *IBKR {
	cfg.SourceName = "futures_ibkr"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://localhost:5000/v1/api"
	}
	return &IBKR{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}, Conids: conids}
}

func (f *IBKR) Tables() map[string]collector.TableSpec { return nil }

func (f *IBKR) CheckConnectivity(ctx context.Context) error {
	resp, err := f.Session().Do(ctx, netcore.Request{URL: f.Cfg.SourceURL + "/iserver/auth/status"})
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	var status struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return fmt.Errorf("decode auth status: %w", err)
	}
	if !status.Authenticated {
		return fmt.Errorf("gateway session not authenticated")
	}
	return nil
}

func (f *IBKR) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	var bars []Bar
	for _, symbol := range symbols {
		conid, ok := f.Conids[symbol]
		if !ok {
			continue
		}
		resp, err := f.Session().Do(ctx, netcore.Request{
			URL: f.Cfg.SourceURL + "/iserver/marketdata/history",
			Params: url.Values{
				"conid":  {conid},
				"period": {"1m"},
				"bar":    {"1d"},
			},
			EndpointName: "ibkr_history",
			Identifier:   symbol,
			ArchiveExt:   "json",
		})
		if err != nil {
			return nil, fmt.Errorf("%s history: %w", symbol, err)
		}
		var decoded struct {
			Data []struct {
				T int64   `json:"t"` // epoch millis
				C float64 `json:"c"`
				V float64 `json:"v"`
			} `json:"data"`
		}
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, fmt.Errorf("decode %s history: %w", symbol, err)
		}
		for _, point := range decoded.Data {
			date := time.UnixMilli(point.T).UTC().Format("2006-01-02")
			bars = append(bars, Bar{Symbol: symbol, Date: date, Close: point.C, Volume: point.V})
		}
	}
	return &collector.FetchOutput{Payload: bars, RecordsFetched: len(bars)}, nil
}

func (f *IBKR) Validate(out *collector.FetchOutput) ([]string, error) { return nil, nil }

func (f *IBKR) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	return nil, nil
}

// TradeStation is the REST fallback feed.
type TradeStation struct {
	collector.BaseSource
}

func NewTradeStation(cfg collector.Config, rawDir string) *TradeStation {
	cfg.SourceName = "futures_tradestation"
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://api.tradestation.com/v3"
	}
	return &TradeStation{BaseSource: collector.BaseSource{Cfg: cfg, RawDir: rawDir}}
}

func (f *TradeStation) Tables() map[string]collector.TableSpec { return nil }

func (f *TradeStation) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.Cfg.Credentials["access_token"]}
}

func (f *TradeStation) CheckConnectivity(ctx context.Context) error {
	if f.Cfg.Credentials["access_token"] == "" {
		return fmt.Errorf("no access token")
	}
	_, err := f.Session().Do(ctx, netcore.Request{
		URL:     f.Cfg.SourceURL + "/marketdata/symbols/ZC",
		Headers: f.authHeader(),
	})
	return err
}

func (f *TradeStation) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	var bars []Bar
	for _, symbol := range symbols {
		resp, err := f.Session().Do(ctx, netcore.Request{
			URL: fmt.Sprintf("%s/marketdata/barcharts/%s", f.Cfg.SourceURL, symbol),
			Params: url.Values{
				"interval":  {"1"},
				"unit":      {"Daily"},
				"firstdate": {req.Start.Format("2006-01-02")},
				"lastdate":  {req.End.Format("2006-01-02")},
			},
			Headers:      f.authHeader(),
			EndpointName: "tradestation_bars",
			Identifier:   symbol,
			ArchiveExt:   "json",
		})
		if err != nil {
			return nil, fmt.Errorf("%s bars: %w", symbol, err)
		}
		var decoded struct {
			Bars []struct {
				TimeStamp   string `json:"TimeStamp"`
				Close       string `json:"Close"`
				TotalVolume string `json:"TotalVolume"`
			} `json:"Bars"`
		}
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, fmt.Errorf("decode %s bars: %w", symbol, err)
		}
		for _, point := range decoded.Bars {
			settle, ok := collector.AsFloat(point.Close)
			if !ok {
				continue
			}
			volume, _ := collector.AsFloat(point.TotalVolume)
			date := point.TimeStamp
			if t, err := time.Parse(time.RFC3339, point.TimeStamp); err == nil {
				date = t.UTC().Format("2006-01-02")
			}
			bars = append(bars, Bar{Symbol: symbol, Date: date, Close: settle, Volume: volume})
		}
	}
	return &collector.FetchOutput{Payload: bars, RecordsFetched: len(bars)}, nil
}

func (f *TradeStation) Validate(out *collector.FetchOutput) ([]string, error) { return nil, nil }

func (f *TradeStation) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	return nil, nil
}
