package config

import (
	"fmt"
	"os"
)

// DBConfig is resolved from environment variables only; database
// credentials never live in config files.
type DBConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

// Env fallback chains. Deployments migrated naming schemes twice, so
// each value is tried under every name it has ever had, newest first.
var (
	dbHostNames     = []string{"AGROFLOW_DB_HOST", "DB_HOST", "POSTGRES_HOST", "PGHOST"}
	dbPortNames     = []string{"AGROFLOW_DB_PORT", "DB_PORT", "POSTGRES_PORT", "PGPORT"}
	dbNameNames     = []string{"AGROFLOW_DB_NAME", "DB_NAME", "POSTGRES_DB", "PGDATABASE"}
	dbUserNames     = []string{"AGROFLOW_DB_USER", "DB_USER", "POSTGRES_USER", "PGUSER"}
	dbPasswordNames = []string{"AGROFLOW_DB_PASSWORD", "DB_PASSWORD", "POSTGRES_PASSWORD", "PGPASSWORD"}
)

// LoadDBConfig resolves database settings from the environment, trying
// legacy variable names in fallback order.
func LoadDBConfig() DBConfig {
	return DBConfig{
		Host:     firstEnv(dbHostNames, "localhost"),
		Port:     firstEnv(dbPortNames, "5432"),
		Name:     firstEnv(dbNameNames, "agroflow"),
		User:     firstEnv(dbUserNames, "agroflow"),
		Password: firstEnv(dbPasswordNames, ""),
		SSLMode:  firstEnv([]string{"AGROFLOW_DB_SSLMODE", "DB_SSLMODE"}, "disable"),
	}
}

// DSN renders the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// Credential names for upstream APIs, by source.
var credentialEnv = map[string][]string{
	"usda_ams":    {"USDA_AMS_API_KEY"},
	"usda_nass":   {"NASS_API_KEY", "USDA_NASS_API_KEY"},
	"eia":         {"EIA_API_KEY"},
	"gtt_user":    {"GTT_USERNAME"},
	"gtt_pass":    {"GTT_PASSWORD"},
	"ibkr_user":   {"IBKR_USERNAME"},
	"ibkr_pass":   {"IBKR_PASSWORD"},
	"ibkr_acct":   {"IBKR_ACCOUNT"},
	"ts_key":      {"TRADESTATION_API_KEY"},
	"ts_secret":   {"TRADESTATION_API_SECRET"},
	"ts_refresh":  {"TRADESTATION_REFRESH_TOKEN"},
	"dropbox_key": {"DROPBOX_APP_KEY"},
	"dropbox_sec": {"DROPBOX_APP_SECRET"},
}

// Credential returns the credential registered under name, or "" when
// unset. Collectors treat "" as auth-not-configured.
func Credential(name string) string {
	names, ok := credentialEnv[name]
	if !ok {
		return os.Getenv(name)
	}
	return firstEnv(names, "")
}

func firstEnv(names []string, fallback string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return fallback
}
