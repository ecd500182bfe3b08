package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/audit"
	"github.com/agroflow/agroflow/internal/collector"
)

type stubSource struct {
	collector.BaseSource
	rows        []map[string]any
	validateErr error
	gotReq      collector.FetchRequest
}

func newStubSource(t *testing.T, name string, rows []map[string]any) *stubSource {
	t.Helper()
	return &stubSource{
		BaseSource: collector.BaseSource{Cfg: collector.Config{SourceName: name}},
		rows:       rows,
	}
}

func (s *stubSource) Tables() map[string]collector.TableSpec {
	return map[string]collector.TableSpec{"bronze.stub": {}}
}

func (s *stubSource) Fetch(ctx context.Context, req collector.FetchRequest) (*collector.FetchOutput, error) {
	s.gotReq = req
	return &collector.FetchOutput{Payload: s.rows, RecordsFetched: len(s.rows)}, nil
}

func (s *stubSource) Validate(out *collector.FetchOutput) ([]string, error) {
	return nil, s.validateErr
}

func (s *stubSource) Transform(out *collector.FetchOutput) (map[string][]map[string]any, error) {
	return map[string][]map[string]any{"bronze.stub": s.rows}, nil
}

func (s *stubSource) BeginRun(auditor *audit.Logger) {}

func TestSourceCollectorMapsRows(t *testing.T) {
	rows := []map[string]any{
		{
			"period": "2024-07", "hs_code": "12019000", "country_name": "China",
			"value_usd": 1250000.0, "quantity": 2500000.0, "quantity_unit": "kg",
			"flow": "export", "reporter": "BRA",
		},
		{
			"period": "2024-07", "hs_code": "10059010", "country_name": "Japan",
			"value_usd": "480000", "quantity": "900000", "quantity_unit": "kg",
			"flow": "export", "reporter": "BRA", "provisional": true,
		},
	}
	src := newStubSource(t, "comexstat", rows)
	c := NewSourceCollector("BRA", t.TempDir(), map[string]collector.Source{"export": src})

	assert.Equal(t, "BRA", c.Country())
	assert.Equal(t, []string{"export"}, c.Flows())

	raws, err := c.FetchRecords(context.Background(), 2024, 7, "export")
	require.NoError(t, err)
	require.Len(t, raws, 2)

	assert.Equal(t, "comexstat", raws[0].DataSource)
	assert.Equal(t, "BRA", raws[0].Reporter)
	assert.Equal(t, "export", raws[0].Flow)
	assert.Equal(t, "2024-07", raws[0].Period)
	assert.Equal(t, "12019000", raws[0].HSCode)
	assert.Equal(t, "China", raws[0].Partner)
	assert.Equal(t, 2500000.0, raws[0].Quantity)
	assert.Equal(t, 1250000.0, raws[0].ValueFOBUSD, "exports are valued FOB")
	assert.Zero(t, raws[0].ValueCIFUSD)

	assert.Equal(t, 480000.0, raws[1].ValueFOBUSD, "string numerics parse")
	assert.True(t, raws[1].Provisional)

	assert.Equal(t, "2024-07-01", src.gotReq.Start.Format("2006-01-02"))
	assert.Equal(t, "2024-07-31", src.gotReq.End.Format("2006-01-02"))
}

func TestSourceCollectorImportFlowValuedCIF(t *testing.T) {
	rows := []map[string]any{
		{
			"period": "2024-07", "hs_code": "10059010", "country_name": "Argentina",
			"value_usd": 300000.0, "quantity": 600000.0, "quantity_unit": "kg",
			"flow": "import", "reporter": "BRA",
		},
	}
	src := newStubSource(t, "comexstat_import", rows)
	c := NewSourceCollector("BRA", t.TempDir(), map[string]collector.Source{"import": src})

	raws, err := c.FetchRecords(context.Background(), 2024, 7, "import")
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, 300000.0, raws[0].ValueCIFUSD)
	assert.Zero(t, raws[0].ValueFOBUSD)
}

func TestSourceCollectorUnknownFlow(t *testing.T) {
	c := NewSourceCollector("ARG", t.TempDir(), map[string]collector.Source{
		"export": newStubSource(t, "indec", nil),
	})
	_, err := c.FetchRecords(context.Background(), 2024, 7, "import")
	assert.Error(t, err)
}

func TestSourceCollectorValidationFailureIsFatal(t *testing.T) {
	src := newStubSource(t, "urunet", nil)
	src.validateErr = errors.New("payload truncated")
	c := NewSourceCollector("URY", t.TempDir(), map[string]collector.Source{"export": src})

	_, err := c.FetchRecords(context.Background(), 2024, 7, "export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}
