package futures

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/collector"
)

func weekReq() collector.FetchRequest {
	return collector.FetchRequest{
		Start: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC),
	}
}

func tradestationServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/marketdata/symbols/ZC" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Bars": []map[string]any{
			{"TimeStamp": "2024-06-03T20:00:00Z", "Close": "450.25", "TotalVolume": "125000"},
		}})
	}))
}

func TestChainFallsBackWhenGatewayDown(t *testing.T) {
	ibkrServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Gateway up but session expired.
		_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
	}))
	defer ibkrServer.Close()
	tsServer := tradestationServer(t)
	defer tsServer.Close()

	ibkr := NewIBKR(collector.Config{SourceURL: ibkrServer.URL, RateLimitPerMinute: 6000}, t.TempDir(),
		map[string]string{"ZC": "1", "ZS": "2", "ZW": "3"})
	ts := NewTradeStation(collector.Config{
		SourceURL:          tsServer.URL,
		RateLimitPerMinute: 6000,
		Credentials:        map[string]string{"access_token": "tok"},
	}, t.TempDir())

	src := New(collector.Config{RateLimitPerMinute: 6000}, t.TempDir(), ibkr, ts)
	src.BeginRun(nil)

	out, err := src.Fetch(context.Background(), weekReq())
	require.NoError(t, err)
	assert.Equal(t, "futures_tradestation", out.SourceUsed)
	// One bar per symbol.
	assert.Equal(t, 3, out.RecordsFetched)

	tables, err := src.Transform(out)
	require.NoError(t, err)
	rows := tables[Table]
	require.Len(t, rows, 3)
	assert.Equal(t, "2024-06-03", rows[0]["trade_date"])
	assert.Equal(t, 450.25, rows[0]["settle"])
	assert.Equal(t, "futures_tradestation", rows[0]["feed"])
}

func TestChainPrefersAuthenticatedGateway(t *testing.T) {
	ibkrServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/iserver/auth/status" {
			_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": true})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"t": time.Date(2024, 6, 3, 20, 0, 0, 0, time.UTC).UnixMilli(), "c": 451.0, "v": 90000.0},
		}})
	}))
	defer ibkrServer.Close()

	ibkr := NewIBKR(collector.Config{SourceURL: ibkrServer.URL, RateLimitPerMinute: 6000}, t.TempDir(),
		map[string]string{"ZC": "1", "ZS": "2", "ZW": "3"})

	src := New(collector.Config{RateLimitPerMinute: 6000}, t.TempDir(), ibkr, nil)
	src.BeginRun(nil)

	out, err := src.Fetch(context.Background(), weekReq())
	require.NoError(t, err)
	assert.Equal(t, "futures_ibkr", out.SourceUsed)
	assert.Equal(t, 3, out.RecordsFetched)
}

func TestValidateRejectsNonPositiveSettle(t *testing.T) {
	src := New(collector.Config{}, t.TempDir(), nil, nil)
	_, err := src.Validate(&collector.FetchOutput{Payload: []Bar{
		{Symbol: "ZC", Date: "2024-06-03", Close: -1, Volume: 10},
	}})
	require.Error(t, err)

	warnings, err := src.Validate(&collector.FetchOutput{Payload: []Bar{
		{Symbol: "ZC", Date: "2024-06-03", Close: 450, Volume: 0},
	}})
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
