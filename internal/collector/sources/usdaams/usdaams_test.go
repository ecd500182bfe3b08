package usdaams

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
	"github.com/agroflow/agroflow/internal/netcore"
)

func TestAuthenticateProbeFailsOnBadKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	src := New(collector.Config{
		SourceURL:          server.URL,
		RateLimitPerMinute: 6000,
		Credentials:        map[string]string{"api_key": "bad"},
	}, t.TempDir(), nil)
	src.BeginRun(nil)

	err := src.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, netcore.ErrAuthFailed)
}

func TestFetchAndTransform(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"report_begin_date": "06/03/2024", "market_location_name": "Des Moines",
				"commodity": "Corn", "avg_price": "4.52"},
		}})
	}))
	defer server.Close()

	src := New(collector.Config{
		SourceURL:          server.URL,
		RateLimitPerMinute: 6000,
		Credentials:        map[string]string{"api_key": "k"},
	}, t.TempDir(), []ReportSlug{{ID: "3195", Name: "weekly_grain_summary"}})
	src.BeginRun(nil)

	out, err := src.Fetch(context.Background(), collector.FetchRequest{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.RecordsFetched)

	tables, err := src.Transform(out)
	require.NoError(t, err)
	rows := tables[Table]
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-06-03", rows[0]["report_date"])
	assert.Equal(t, "corn", rows[0]["commodity"])
	assert.Equal(t, 4.52, rows[0]["avg_price"])
	assert.Equal(t, "Des Moines", rows[0]["location"])
}

func TestValidateFlagsMissingDates(t *testing.T) {
	src := New(collector.Config{}, t.TempDir(), nil)
	out := &collector.FetchOutput{Payload: []reportRow{
		{ReportName: "weekly_grain_summary", Fields: map[string]any{"commodity": "Corn"}},
	}}
	warnings, err := src.Validate(out)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
