package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence"
	"github.com/agroflow/agroflow/internal/scheduler"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

type fakeRunState struct{ states []persistence.CollectorRunState }

func (f fakeRunState) Get(ctx context.Context, source string) (*persistence.CollectorRunState, error) {
	return nil, nil
}

func (f fakeRunState) RecordRun(ctx context.Context, source string, success bool, requests int, at time.Time) error {
	return nil
}

func (f fakeRunState) All(ctx context.Context) ([]persistence.CollectorRunState, error) {
	return f.states, nil
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAllSourcesHealthy(t *testing.T) {
	recent := time.Now().UTC().Add(-time.Hour)
	s := NewServer(DefaultServerConfig(), fakePinger{}, fakeRunState{states: []persistence.CollectorRunState{
		{SourceName: "usda_nass", LastSuccess: &recent, RequestCount: 12},
	}}, nil, NewMetrics())

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Equal(t, "healthy", resp.Sources["usda_nass"].Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthDegradedOnFailures(t *testing.T) {
	s := NewServer(DefaultServerConfig(), fakePinger{}, fakeRunState{states: []persistence.CollectorRunState{
		{SourceName: "inmet", ConsecutiveFailures: 3},
	}}, nil, NewMetrics())

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "degraded", resp.Sources["inmet"].Status)
}

func TestHealthStaleSourceDoesNotDegrade(t *testing.T) {
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	s := NewServer(DefaultServerConfig(), fakePinger{}, fakeRunState{states: []persistence.CollectorRunState{
		{SourceName: "cpc", LastSuccess: &old},
	}}, nil, NewMetrics())

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code, "stale data is a warning, not an outage")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stale", resp.Sources["cpc"].Status)
}

func TestHealthDatabaseDown(t *testing.T) {
	s := NewServer(DefaultServerConfig(), fakePinger{err: errors.New("connection refused")}, fakeRunState{}, nil, NewMetrics())

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unreachable", resp.Database)
}

func TestStatusListsScheduledTasks(t *testing.T) {
	cal := config.CalendarConfig{Rules: []config.ReleaseRule{
		{Source: "usda_nass", Frequency: "weekly", DayOfWeek: 1, Hour: 16},
		{Source: "comexstat", Frequency: "monthly", ReleaseDayOfMonth: 10, Hour: 6, ReleaseLagMonths: 1},
	}}
	sched := scheduler.New(cal, func(ctx context.Context, source string, period scheduler.TargetPeriod) error {
		return nil
	})
	s := NewServer(DefaultServerConfig(), fakePinger{}, fakeRunState{}, sched, NewMetrics())

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 2)
	sources := []string{resp.Tasks[0].Source, resp.Tasks[1].Source}
	assert.Contains(t, sources, "usda_nass")
	assert.Contains(t, sources, "comexstat")
	for _, task := range resp.Tasks {
		assert.True(t, task.Enabled)
		assert.False(t, task.NextRun.IsZero())
	}
}

func TestMetricsEndpointServesCounters(t *testing.T) {
	m := NewMetrics()
	m.CollectorRequests.WithLabelValues("usda_nass").Add(3)
	m.RecordsSaved.WithLabelValues("usda_nass").Add(120)
	s := NewServer(DefaultServerConfig(), fakePinger{}, fakeRunState{}, nil, m)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `agroflow_collector_requests_total{source="usda_nass"} 3`)
	assert.Contains(t, body, `agroflow_records_saved_total{source="usda_nass"} 120`)
}
