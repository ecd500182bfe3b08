package collector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheRequest() FetchRequest {
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	return FetchRequest{Start: start, End: start.AddDate(0, 1, -1), Params: map[string]string{"flow": "export"}}
}

func TestCacheKeyIgnoresParamOrder(t *testing.T) {
	c := NewCache(t.TempDir(), nil)
	req := cacheRequest()
	req.Params = map[string]string{"a": "1", "b": "2"}
	other := cacheRequest()
	other.Params = map[string]string{"b": "2", "a": "1"}

	assert.Equal(t, c.Key("comexstat_export", req), c.Key("comexstat_export", other))
	assert.NotEqual(t, c.Key("comexstat_export", req), c.Key("census_trade", req))
}

func TestCacheFileRoundTrip(t *testing.T) {
	c := NewCache(t.TempDir(), nil)
	req := cacheRequest()
	key := c.Key("comexstat_export", req)

	res := &Result{Source: "comexstat_export", Success: true, Status: "SUCCESS", RecordsSaved: 3}
	tables := map[string][]map[string]any{
		"bronze.comexstat_trade": {{"period": "2024-07", "hs_code": "120190"}},
	}
	require.NoError(t, c.Put(context.Background(), key, time.Hour, res, tables))

	got, gotTables, ok := c.Get(context.Background(), key, time.Hour)
	require.True(t, ok)
	assert.Equal(t, 3, got.RecordsSaved)
	assert.Equal(t, "2024-07", gotTables["bronze.comexstat_trade"][0]["period"])

	_, _, ok = c.Get(context.Background(), key, 0)
	assert.False(t, ok, "zero ttl disables the cache")
}

func TestCacheRedisHitSkipsDisk(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	// No file under this dir: a hit can only come from redis.
	c := NewCache(t.TempDir(), rdb)
	req := cacheRequest()
	key := c.Key("comexstat_export", req)

	res := Result{Source: "comexstat_export", Success: true, Status: "SUCCESS", RecordsSaved: 7}
	tablesJSON, err := json.Marshal(map[string][]map[string]any{})
	require.NoError(t, err)
	envelope, err := json.Marshal(cachedEnvelope{Result: res, Tables: tablesJSON})
	require.NoError(t, err)
	mock.ExpectGet("agroflow:cache:" + key).SetVal(string(envelope))

	got, _, ok := c.Get(context.Background(), key, time.Hour)
	require.True(t, ok)
	assert.Equal(t, 7, got.RecordsSaved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachePutWritesThroughToRedis(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewCache(t.TempDir(), rdb)
	req := cacheRequest()
	key := c.Key("comexstat_export", req)

	mock.Regexp().ExpectSet("agroflow:cache:"+key, `.*`, time.Hour).SetVal("OK")

	res := &Result{Source: "comexstat_export", Success: true, Status: "SUCCESS"}
	require.NoError(t, c.Put(context.Background(), key, time.Hour, res, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
