package epaecho

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/collector"
)

func newTestSource(t *testing.T, serverURL string) *Source {
	t.Helper()
	src := New(collector.Config{
		SourceURL:          serverURL,
		RateLimitPerMinute: 6000,
	}, t.TempDir(), []SearchAxis{
		{Name: "naics:IA", Params: map[string]string{"p_st": "IA", "p_ncs": "115114"}},
		{Name: "sic:IA", Params: map[string]string{"p_st": "IA", "p_sic": "5153"}},
	})
	src.BeginRun(nil)
	return src
}

func TestDefaultAxesBuildPerStateQueries(t *testing.T) {
	axes := DefaultAxes([]string{"IA", "IL"})
	require.Len(t, axes, 4, "a NAICS and a SIC axis per state")
	assert.Equal(t, "naics:IA", axes[0].Name)
	assert.Equal(t, "IA", axes[0].Params["p_st"])
	assert.Equal(t, "sic:IL", axes[3].Name)
	assert.Equal(t, "5153", axes[3].Params["p_sic"])
}

func TestFetchDedupsAcrossAxes(t *testing.T) {
	// Both axes return facility 110000000001; only the NAICS axis
	// returns 110000000002.
	csvByQID := map[string]string{
		"Q1": "RegistryID,FacName,FacState\n110000000001,ACME GRAIN,IA\n110000000002,PRAIRIE ELEVATOR,IA\n",
		"Q2": "RegistryID,FacName,FacState\n110000000001,ACME GRAIN,IA\n",
	}
	nextQID := "Q1"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/echo_rest_services.get_facilities":
			qid := nextQID
			nextQID = "Q2"
			rows := "2"
			if qid == "Q2" {
				rows = "1"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"Results": map[string]any{"QueryID": qid, "QueryRows": rows},
			})
		case r.URL.Path == "/echo_rest_services.get_download":
			_, _ = w.Write([]byte(csvByQID[r.URL.Query().Get("qid")]))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	src := newTestSource(t, server.URL)
	out, err := src.Fetch(context.Background(), collector.FetchRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.RecordsFetched)

	tables, err := src.Transform(out)
	require.NoError(t, err)

	facilities := tables[TableFacilities]
	require.Len(t, facilities, 2)
	assert.Equal(t, "ACME GRAIN", facilities[0]["facility_name"])

	// The shared facility is covered by both axes; the other by one.
	coverage := tables[TableCoverage]
	require.Len(t, coverage, 3)
	axesFor := map[string][]string{}
	for _, row := range coverage {
		id := row["registry_id"].(string)
		axesFor[id] = append(axesFor[id], row["axis"].(string))
	}
	assert.ElementsMatch(t, []string{"naics:IA", "sic:IA"}, axesFor["110000000001"])
	assert.ElementsMatch(t, []string{"naics:IA"}, axesFor["110000000002"])
}

func TestFetchWarnsOnRowCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/echo_rest_services.get_facilities" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"Results": map[string]any{"QueryID": "Q9", "QueryRows": "5"},
			})
			return
		}
		_, _ = w.Write([]byte("RegistryID,FacName\n110000000009,LONE FACILITY\n"))
	}))
	defer server.Close()

	src := New(collector.Config{SourceURL: server.URL, RateLimitPerMinute: 6000},
		t.TempDir(), []SearchAxis{{Name: "naics:IA", Params: map[string]string{"p_st": "IA"}}})
	src.BeginRun(nil)

	out, err := src.Fetch(context.Background(), collector.FetchRequest{})
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "search reported 5 rows")
}

func TestValidateFlagsNamelessFacilities(t *testing.T) {
	out := &collector.FetchOutput{Payload: payload{
		byID: map[string]*facilityRow{
			"1": {fields: map[string]string{"RegistryID": "1"}},
		},
		order: []string{"1"},
	}}
	src := New(collector.Config{}, t.TempDir(), nil)
	warnings, err := src.Validate(out)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
