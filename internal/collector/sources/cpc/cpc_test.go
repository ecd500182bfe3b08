package cpc

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

func TestFetchFiltersCropsAndStampsWeek(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024", r.URL.Query().Get("year"))
		assert.Equal(t, "32", r.URL.Query().Get("week"))
		_ = json.NewEncoder(w).Encode(map[string]any{"crops": []map[string]any{
			{"crop": "CORN", "condition_index": 71.5, "progress_pct": 64.0},
			{"crop": "COTTON", "condition_index": 48.0, "progress_pct": 80.0},
		}})
	}))
	defer server.Close()

	src := New(collector.Config{SourceURL: server.URL, RateLimitPerMinute: 6000}, t.TempDir(), []string{"corn", "soybeans"})
	src.BeginRun(nil)

	start := time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC)
	out, err := src.Fetch(context.Background(), collector.FetchRequest{Start: start, End: start.AddDate(0, 0, 6)})
	require.NoError(t, err)
	assert.Equal(t, 1, out.RecordsFetched)

	tables, err := src.Transform(out)
	require.NoError(t, err)
	rows := tables[Table]
	require.Len(t, rows, 1)
	assert.Equal(t, 2024, rows[0]["year"])
	assert.Equal(t, 32, rows[0]["week"])
	assert.Equal(t, "corn", rows[0]["crop"])
	assert.Equal(t, 71.5, rows[0]["condition_index"])
	assert.Equal(t, 64.0, rows[0]["progress_pct"])
}

func TestValidateRejectsOutOfRangeCondition(t *testing.T) {
	src := New(collector.Config{}, t.TempDir(), nil)
	_, err := src.Validate(&collector.FetchOutput{Payload: weekPayload{
		year: 2024, week: 32,
		rows: []cropRow{{Crop: "corn", ConditionIndex: 120}},
	}})
	require.Error(t, err)

	warnings, err := src.Validate(&collector.FetchOutput{Payload: weekPayload{
		year: 2024, week: 32,
		rows: []cropRow{{Crop: "corn", ConditionIndex: 70, ProgressPct: 104}},
	}})
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
