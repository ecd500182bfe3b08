package uruguay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/collector"
)

const fixtureCSV = `ncm;pais_destino;fob_usd;peso_neto_kg
1201.90.00;China;4.200.000,75;9.500.000
1001.99.00;Brasil;1.100.000;2.400.000
8703.23.10;Argentina;90.000;5.000
`

func TestFetchKeepsOnlyGrainRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024", r.URL.Query().Get("year"))
		assert.Equal(t, "03", r.URL.Query().Get("month"))
		_, _ = w.Write([]byte(fixtureCSV))
	}))
	defer server.Close()

	src := New(collector.Config{SourceURL: server.URL, RateLimitPerMinute: 6000}, t.TempDir())
	src.BeginRun(nil)

	out, err := src.Fetch(context.Background(), collector.FetchRequest{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.RecordsFetched)

	tables, err := src.Transform(out)
	require.NoError(t, err)
	rows := tables[Table]
	require.Len(t, rows, 2)
	assert.Equal(t, "12019000", rows[0]["hs_code"])
	assert.Equal(t, 4200000.75, rows[0]["value_usd"])
	assert.Equal(t, "URY", rows[0]["reporter"])
	assert.Equal(t, "2024-03", rows[1]["period"])
}
