// Package config loads the orchestrator's configuration from a JSON file
// and then overrides individual fields from environment variables, with a
// defaults pass and an explicit validation pass. This mirrors the
// reference corpus's config package exactly; no configuration library is
// introduced since three sibling services in that corpus hand-roll the
// same JSON+env pattern rather than reaching for one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full configuration tree for the ingestion orchestrator.
type Config struct {
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Alpaca       AlpacaConfig       `json:"alpaca"`
	Polygon      PolygonConfig      `json:"polygon"`
	Tradier      TradierConfig      `json:"tradier"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	API          APIConfig          `json:"api"`
	Log          LogConfig          `json:"log"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
}

// ConnString builds a libpq-style connection string for pgxpool.ParseConfig.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

type RedisConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	DB   int    `json:"db"`
}

// Addr returns the host:port address for redis.Options.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AlpacaConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type PolygonConfig struct {
	APIKey string `json:"api_key"`
}

type TradierConfig struct {
	APIKey string `json:"api_key"`
}

type OrchestratorConfig struct {
	MaxConcurrent        int `json:"max_concurrent"`
	MaxAttempts           int `json:"max_attempts"`
	StuckRunTimeoutMinutes int `json:"stuck_run_timeout_minutes"`
	TickIntervalSeconds   int `json:"tick_interval_seconds"`
}

type APIConfig struct {
	Addr string `json:"addr"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Load reads path (if non-empty and present) as JSON, applies defaults for
// unset fields, then overrides from environment variables, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %q: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	cfg.defaults()
	cfg.overrideFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) defaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Orchestrator.MaxConcurrent == 0 {
		c.Orchestrator.MaxConcurrent = 5
	}
	if c.Orchestrator.MaxAttempts == 0 {
		c.Orchestrator.MaxAttempts = 5
	}
	if c.Orchestrator.StuckRunTimeoutMinutes == 0 {
		c.Orchestrator.StuckRunTimeoutMinutes = 10
	}
	if c.Orchestrator.TickIntervalSeconds == 0 {
		c.Orchestrator.TickIntervalSeconds = 60
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) overrideFromEnv() {
	strVar(&c.Database.Host, "DB_HOST")
	intVar(&c.Database.Port, "DB_PORT")
	strVar(&c.Database.Name, "DB_NAME")
	strVar(&c.Database.User, "DB_USER")
	strVar(&c.Database.Password, "DB_PASSWORD")
	strVar(&c.Database.SSLMode, "DB_SSLMODE")

	strVar(&c.Redis.Host, "REDIS_HOST")
	intVar(&c.Redis.Port, "REDIS_PORT")
	intVar(&c.Redis.DB, "REDIS_DB")

	strVar(&c.Alpaca.APIKey, "ALPACA_API_KEY")
	strVar(&c.Alpaca.APISecret, "ALPACA_API_SECRET")
	strVar(&c.Polygon.APIKey, "POLYGON_API_KEY")
	if v := os.Getenv("MASSIVE_API_KEY"); v != "" && c.Polygon.APIKey == "" {
		c.Polygon.APIKey = v
	}
	strVar(&c.Tradier.APIKey, "TRADIER_API_KEY")

	intVar(&c.Orchestrator.MaxConcurrent, "ORCHESTRATOR_MAX_CONCURRENT")
	intVar(&c.Orchestrator.MaxAttempts, "ORCHESTRATOR_MAX_ATTEMPTS")
	intVar(&c.Orchestrator.StuckRunTimeoutMinutes, "STUCK_RUN_TIMEOUT_MINUTES")

	strVar(&c.API.Addr, "API_ADDR")
	strVar(&c.Log.Level, "SERVICE_LOG_LEVEL")
	strVar(&c.Log.File, "SERVICE_LOG_FILE")
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be >= 1")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be >= 1")
	}
	if c.Orchestrator.TickIntervalSeconds < 1 {
		return fmt.Errorf("orchestrator.tick_interval_seconds must be >= 1")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	return nil
}

func strVar(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
