package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveField(t *testing.T) {
	alias := FieldAlias{Canonical: "hs_code", Aliases: []string{"coNcm", "ncm", "commodity_code"}}

	record := map[string]any{"coNcm": "12019000"}
	v, ok := ResolveField(record, alias)
	require.True(t, ok)
	assert.Equal(t, "12019000", v)

	// Case-insensitive match on the canonical name.
	v, ok = ResolveField(map[string]any{"HS_Code": "10059010"}, alias)
	require.True(t, ok)
	assert.Equal(t, "10059010", v)

	_, ok = ResolveField(map[string]any{"unrelated": 1}, alias)
	assert.False(t, ok)
}

func TestParseBrazilianNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"1.234.567,89", 1234567.89},
		{"1.234.567", 1234567},
		{"123.456", 123456},
		{"123,45", 123.45},
		{"1234.5", 1234.5},
		{"4.5", 4.5},
		{"42", 42},
		{"", 0},
		{"-", 0},
		{"N/A", 0},
	}
	for _, tc := range cases {
		got, err := ParseBrazilianNumber(tc.in)
		require.NoError(t, err, tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, tc.in)
	}

	_, err := ParseBrazilianNumber("abc")
	assert.Error(t, err)
}

func TestParseHTMLTables(t *testing.T) {
	html := `<html><body>
	<table>
	  <tr><th>Port</th><th>Volume (t)</th></tr>
	  <tr><td>Santos</td><td>1.250.000</td></tr>
	  <tr><td>Paranagua</td><td>980.500</td></tr>
	</table>
	</body></html>`

	tables, err := ParseHTMLTables(html)
	require.NoError(t, err)
	require.Len(t, tables, 1)

	table := tables[0]
	assert.Equal(t, []string{"Port", "Volume (t)"}, table.Headers)
	require.Len(t, table.Rows, 2)

	rows := table.RowMaps()
	assert.Equal(t, "Santos", rows[0]["Port"])
	vol, err := ParseBrazilianNumber(rows[0]["Volume (t)"])
	require.NoError(t, err)
	assert.Equal(t, 1250000.0, vol)
}

func TestParseHTMLTablesHeaderlessFallsBackToFirstRow(t *testing.T) {
	html := `<table><tr><td>week</td><td>tons</td></tr><tr><td>34</td><td>12</td></tr></table>`
	tables, err := ParseHTMLTables(html)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"week", "tons"}, tables[0].Headers)
	require.Len(t, tables[0].Rows, 1)
}

func TestAsFloat(t *testing.T) {
	v, ok := AsFloat("1,234.5")
	require.True(t, ok)
	assert.Equal(t, 1234.5, v)

	v, ok = AsFloat(float64(7))
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = AsFloat(nil)
	assert.False(t, ok)
}

func TestCacheKeyStableUnderParamOrder(t *testing.T) {
	c := NewCache(t.TempDir(), nil)
	req1 := monthReq()
	req1.Params = map[string]string{"a": "1", "b": "2"}
	req2 := monthReq()
	req2.Params = map[string]string{"b": "2", "a": "1"}
	assert.Equal(t, c.Key("src", req1), c.Key("src", req2))

	req3 := monthReq()
	req3.Params = map[string]string{"a": "9"}
	assert.NotEqual(t, c.Key("src", req1), c.Key("src", req3))
}
