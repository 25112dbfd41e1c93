// Package config loads and validates the Charon service configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Charon pipeline service.
type Config struct {
	Broker struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
		// PopTimeout bounds how long a worker blocks waiting for a queue entry.
		PopTimeout time.Duration `mapstructure:"pop_timeout"`
		// VisibilityTimeout is how long an in-flight entry may sit in a
		// processing list before the janitor returns it to its queue.
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
		JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
	} `mapstructure:"broker"`

	Retention struct {
		// RawTTL bounds the lifetime of raw:{id} payloads.
		RawTTL time.Duration `mapstructure:"raw_ttl"`
		// ParsedTTL bounds parsed:{id} and bundle:{id}; must exceed RawTTL.
		ParsedTTL time.Duration `mapstructure:"parsed_ttl"`
		// StatusTTL bounds status:{id} records.
		StatusTTL time.Duration `mapstructure:"status_ttl"`
		// DedupWindowDays is the per-destination re-alert suppression window.
		DedupWindowDays struct {
			Vector int `mapstructure:"vector"`
			Graph  int `mapstructure:"graph"`
		} `mapstructure:"dedup_window_days"`
	} `mapstructure:"retention"`

	Parser struct {
		// IndustryTablePath optionally overrides the built-in keyword-to-industry table (YAML).
		IndustryTablePath string `mapstructure:"industry_table_path"`
		MaxBodyLength     int    `mapstructure:"max_body_length"`
	} `mapstructure:"parser"`

	Workers struct {
		VectorCount int `mapstructure:"vector_count"`
		GraphCount  int `mapstructure:"graph_count"`
		ExportCount int `mapstructure:"export_count"`
		// MaxAttempts caps write retries per destination before an item is
		// flagged stalled.
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"workers"`

	Graph struct {
		URL      string `mapstructure:"url"`
		Database string `mapstructure:"database"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Enabled  bool   `mapstructure:"enabled"`
	} `mapstructure:"graph"`

	Vector struct {
		URI         string `mapstructure:"uri"`
		Database    string `mapstructure:"database"`
		Collection  string `mapstructure:"collection"`
		MaxPoolSize uint64 `mapstructure:"max_pool_size"`
		Enabled     bool   `mapstructure:"enabled"`
	} `mapstructure:"vector"`

	Export struct {
		// Path is where the priority-export worker appends bundle JSON lines.
		Path string `mapstructure:"path"`
	} `mapstructure:"export"`

	API struct {
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port"`
		JSONBodyLimit int    `mapstructure:"json_body_limit"`
		RateLimit     struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Gate struct {
		// DedupCacheSize bounds the in-process LRU of recently stored item IDs.
		DedupCacheSize int `mapstructure:"dedup_cache_size"`
	} `mapstructure:"gate"`
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("broker.addr", "localhost:6379")
	viper.SetDefault("broker.password", "")
	viper.SetDefault("broker.db", 0)
	viper.SetDefault("broker.pool_size", 10)
	viper.SetDefault("broker.pop_timeout", 5*time.Second)
	viper.SetDefault("broker.visibility_timeout", 5*time.Minute)
	viper.SetDefault("broker.janitor_interval", 1*time.Minute)

	viper.SetDefault("retention.raw_ttl", 1*time.Hour)
	viper.SetDefault("retention.parsed_ttl", 14*24*time.Hour)
	viper.SetDefault("retention.status_ttl", 90*24*time.Hour)
	viper.SetDefault("retention.dedup_window_days.vector", 30)
	viper.SetDefault("retention.dedup_window_days.graph", 90)

	viper.SetDefault("parser.industry_table_path", "")
	viper.SetDefault("parser.max_body_length", 200000)

	viper.SetDefault("workers.vector_count", 4)
	viper.SetDefault("workers.graph_count", 4)
	viper.SetDefault("workers.export_count", 1)
	viper.SetDefault("workers.max_attempts", 3)
	viper.SetDefault("workers.initial_backoff", 2*time.Second)
	viper.SetDefault("workers.max_backoff", 1*time.Minute)
	viper.SetDefault("workers.write_timeout", 10*time.Second)

	viper.SetDefault("graph.url", "http://localhost:8529")
	viper.SetDefault("graph.database", "charon")
	viper.SetDefault("graph.username", "root")
	viper.SetDefault("graph.password", "")
	viper.SetDefault("graph.enabled", true)

	viper.SetDefault("vector.uri", "mongodb://localhost:27017")
	viper.SetDefault("vector.database", "charon")
	viper.SetDefault("vector.collection", "threats")
	viper.SetDefault("vector.max_pool_size", 10)
	viper.SetDefault("vector.enabled", true)

	viper.SetDefault("export.path", "./data/priority_export.jsonl")

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.json_body_limit", 1048576) // 1MB
	viper.SetDefault("api.rate_limit.requests_per_second", 200)
	viper.SetDefault("api.rate_limit.burst", 200)

	viper.SetDefault("gate.dedup_cache_size", 10000)
}

// loadFromEnv sets up environment variable loading.
func loadFromEnv() {
	viper.SetEnvPrefix("CHARON")
	viper.AutomaticEnv()

	_ = viper.BindEnv("broker.addr", "CHARON_BROKER_ADDR")
	_ = viper.BindEnv("broker.password", "CHARON_BROKER_PASSWORD")
	_ = viper.BindEnv("graph.url", "CHARON_GRAPH_URL")
	_ = viper.BindEnv("graph.password", "CHARON_GRAPH_PASSWORD")
	_ = viper.BindEnv("vector.uri", "CHARON_VECTOR_URI")
	_ = viper.BindEnv("api.port", "CHARON_API_PORT")
}

// validateConfig checks cross-field constraints that viper cannot express.
func validateConfig(config *Config) error {
	if config.API.Port < 0 || config.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", config.API.Port)
	}
	if config.Retention.RawTTL <= 0 {
		return fmt.Errorf("retention.raw_ttl must be positive")
	}
	if config.Retention.ParsedTTL <= config.Retention.RawTTL {
		// Parsed records must outlive raw payloads so every downstream
		// consumer can still load the item after the raw key expires.
		return fmt.Errorf("retention.parsed_ttl (%s) must exceed retention.raw_ttl (%s)",
			config.Retention.ParsedTTL, config.Retention.RawTTL)
	}
	if config.Workers.MaxAttempts < 1 {
		return fmt.Errorf("workers.max_attempts must be at least 1")
	}
	return nil
}

// LoadConfig reads configuration from file, environment, and defaults.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}
