package collector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache fronts collector results with a TTL-gated file cache, keyed by
// the md5 of the source name plus run arguments. An optional redis
// layer sits in front for hot reads; the file on disk stays
// authoritative so runs survive a redis flush.
type Cache struct {
	dir string
	rdb *redis.Client
}

// NewCache creates a file-backed cache under dir. rdb may be nil.
func NewCache(dir string, rdb *redis.Client) *Cache {
	return &Cache{dir: dir, rdb: rdb}
}

// Key derives the cache key from the source and its run arguments.
// Arguments are sorted so equivalent invocations share a key.
func (c *Cache) Key(source string, req FetchRequest) string {
	parts := []string{source, req.Start.UTC().Format("2006-01-02"), req.End.UTC().Format("2006-01-02")}
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+req.Params[k])
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%v", parts)))
	return hex.EncodeToString(sum[:])
}

type cachedEnvelope struct {
	Result Result          `json:"result"`
	Tables json.RawMessage `json:"tables"`
}

// Get returns the cached result and transform output when the entry is
// younger than ttl. A redis hit skips the disk read.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration) (*Result, map[string][]map[string]any, bool) {
	if ttl <= 0 {
		return nil, nil, false
	}

	if c.rdb != nil {
		if data, err := c.rdb.Get(ctx, "agroflow:cache:"+key).Bytes(); err == nil {
			if res, tables, ok := decodeEnvelope(data); ok {
				return res, tables, true
			}
		}
	}

	path := filepath.Join(c.dir, key+".json")
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > ttl {
		return nil, nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false
	}
	res, tables, ok := decodeEnvelope(data)
	if !ok {
		return nil, nil, false
	}

	if c.rdb != nil {
		remaining := ttl - time.Since(info.ModTime())
		if err := c.rdb.Set(ctx, "agroflow:cache:"+key, data, remaining).Err(); err != nil {
			log.Debug().Err(err).Msg("redis cache backfill failed")
		}
	}
	return res, tables, true
}

// Put writes the run result and its transform output back to the cache.
func (c *Cache) Put(ctx context.Context, key string, ttl time.Duration, res *Result, tables map[string][]map[string]any) error {
	if ttl <= 0 {
		return nil
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("marshal cached tables: %w", err)
	}
	data, err := json.Marshal(cachedEnvelope{Result: *res, Tables: tablesJSON})
	if err != nil {
		return fmt.Errorf("marshal cache envelope: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, key+".json"), data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, "agroflow:cache:"+key, data, ttl).Err(); err != nil {
			log.Debug().Err(err).Msg("redis cache write failed")
		}
	}
	return nil
}

func decodeEnvelope(data []byte) (*Result, map[string][]map[string]any, bool) {
	var env cachedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, false
	}
	var tables map[string][]map[string]any
	if len(env.Tables) > 0 {
		if err := json.Unmarshal(env.Tables, &tables); err != nil {
			return nil, nil, false
		}
	}
	return &env.Result, tables, true
}
