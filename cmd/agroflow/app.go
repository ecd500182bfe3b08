package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agroflow/agroflow/internal/collector"
	"github.com/agroflow/agroflow/internal/config"
	"github.com/agroflow/agroflow/internal/persistence/postgres"
)

// app bundles the per-invocation wiring every subcommand needs.
type app struct {
	cfg *config.Config
	db  *sqlx.DB
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg}, nil
}

// connect opens the warehouse connection. Commands that only touch
// files skip it.
func (a *app) connect() error {
	db, err := postgres.Connect(config.LoadDBConfig().DSN())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.db = db
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// runner builds the bronze collector runner with cache, bronze store,
// and run-state bookkeeping attached.
func (a *app) runner() *collector.Runner {
	var rdb *redis.Client
	if a.cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, DB: a.cfg.Redis.DB})
	}
	r := &collector.Runner{
		LogDir: a.cfg.Dirs.LogDir,
		Cache:  collector.NewCache(a.cfg.Dirs.CacheDir, rdb),
	}
	if a.db != nil {
		r.Bronze = postgres.NewBronzeStore(a.db)
		r.RunState = postgres.NewRunStateRepo(a.db)
	}
	return r
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errRunFailed signals exit code 1 after the result envelope has
// already been printed.
var errRunFailed = fmt.Errorf("run failed")
