package usdapsd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/collector"
)

func psdFixture(commodity string) []map[string]any {
	return []map[string]any{
		{
			"commodityCode": commodity, "countryCode": "BR", "marketYear": 2024,
			"attributeId": 28, "attributeDescription": "Ending Stocks",
			"unitDescription": "1000 MT", "value": 4521.0,
		},
		{
			"commodityCode": commodity, "countryCode": "US", "marketYear": 2024,
			"attributeId": 88, "attributeDescription": "Exports",
			"unitDescription": "1000 MT", "value": 58000.0,
		},
	}
}

func TestFetchPullsEveryCommodityPanel(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("API_KEY"))
		paths = append(paths, r.URL.Path)
		parts := strings.Split(r.URL.Path, "/")
		_ = json.NewEncoder(w).Encode(psdFixture(parts[2]))
	}))
	defer server.Close()

	src := New(collector.Config{
		SourceURL:          server.URL,
		AuthType:           collector.AuthAPIKey,
		Credentials:        map[string]string{"api_key": "test-key"},
		RateLimitPerMinute: 6000,
	}, t.TempDir())
	src.BeginRun(nil)
	require.NoError(t, src.Authenticate(context.Background()))

	out, err := src.Fetch(context.Background(), collector.FetchRequest{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 6, out.RecordsFetched, "2 rows per commodity panel")
	require.Len(t, paths, 3)
	assert.Equal(t, "/commodity/0440000/country/all/year/2024", paths[0])

	tables, err := src.Transform(out)
	require.NoError(t, err)
	rows := tables[Table]
	require.Len(t, rows, 6)
	assert.Equal(t, "0440000", rows[0]["commodity_code"])
	assert.Equal(t, "BR", rows[0]["country_code"])
	assert.Equal(t, 2024, rows[0]["market_year"])
	assert.Equal(t, 28, rows[0]["attribute_id"])
	assert.Equal(t, "Ending Stocks", rows[0]["attribute"])
	assert.Equal(t, 4521.0, rows[0]["value"])
}

func TestAuthenticateRequiresKey(t *testing.T) {
	src := New(collector.Config{AuthType: collector.AuthAPIKey}, t.TempDir())
	assert.Error(t, src.Authenticate(context.Background()))
}

func TestValidateCountsIncompleteRows(t *testing.T) {
	src := New(collector.Config{}, t.TempDir())
	warnings, err := src.Validate(&collector.FetchOutput{Payload: []psdRecord{
		{CommodityCode: "0440000", CountryCode: "", AttributeID: 28},
		{CommodityCode: "0440000", CountryCode: "US", AttributeID: 88},
	}})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "1 rows")
}
