package comexstat

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

func monthReq() collector.FetchRequest {
	return collector.FetchRequest{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
	}
}

func listResponse(rows ...map[string]any) map[string]any {
	return map[string]any{"data": map[string]any{"list": rows}}
}

func TestFetchFallsBackToOlderVersion(t *testing.T) {
	var v1Hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/general":
			// Generation being retired for anonymous use.
			w.WriteHeader(http.StatusForbidden)
		case "/api/v1/general":
			v1Hits++
			_ = json.NewEncoder(w).Encode(listResponse(map[string]any{
				"coNcm": "12019000", "noPaispt": "China", "year": "2024", "monthNumber": "5",
				"vlFob": "1.250.000,50", "kgLiquido": "2.000.000",
			}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	src := New(collector.Config{SourceURL: server.URL, RateLimitPerMinute: 6000}, t.TempDir(), "export")
	src.BeginRun(nil)

	out, err := src.Fetch(context.Background(), monthReq())
	require.NoError(t, err)
	assert.Equal(t, 1, v1Hits)
	assert.Equal(t, "comexstat_v1", out.SourceUsed)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "version v2")
}

func TestTransformParsesBrazilianNumbersAndAliases(t *testing.T) {
	src := New(collector.Config{}, t.TempDir(), "export")
	out := &collector.FetchOutput{Payload: []map[string]any{
		{"coNcm": "12019000", "noPaispt": "China", "year": "2024", "monthNumber": "5",
			"vlFob": "1.250.000,50", "kgLiquido": "2.000.000"},
		// Older generation: different field names, plain JSON numbers.
		{"ncm": "10059010", "country": "Japão", "year": "2024", "monthNumber": "5",
			"metricFOB": 84000.25, "metricKG": float64(150000)},
	}}

	tables, err := src.Transform(out)
	require.NoError(t, err)
	rows := tables[Table]
	require.Len(t, rows, 2)

	assert.Equal(t, "2024-05", rows[0]["period"])
	assert.Equal(t, "12019000", rows[0]["hs_code"])
	assert.Equal(t, 1250000.50, rows[0]["value_usd"])
	assert.Equal(t, 2000000.0, rows[0]["quantity"])
	assert.Equal(t, "BRA", rows[0]["reporter"])

	assert.Equal(t, "10059010", rows[1]["hs_code"])
	assert.Equal(t, 84000.25, rows[1]["value_usd"])
}

func TestValidateFatalWhenMostRowsLackNCM(t *testing.T) {
	src := New(collector.Config{}, t.TempDir(), "export")
	out := &collector.FetchOutput{Payload: []map[string]any{
		{"vlFob": 1.0}, {"vlFob": 2.0}, {"coNcm": "12019000"},
	}}
	warnings, err := src.Validate(out)
	assert.Error(t, err)
	assert.Len(t, warnings, 2)
}

func TestFetchErrorsWhenAllVersionsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	src := New(collector.Config{SourceURL: server.URL, RateLimitPerMinute: 6000}, t.TempDir(), "export")
	src.BeginRun(nil)

	_, err := src.Fetch(context.Background(), monthReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all comexstat versions failed")
}
