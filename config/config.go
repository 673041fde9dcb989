package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"fpf-engine/internal/api"
	"fpf-engine/internal/detector"
	"fpf-engine/internal/feed"
	"fpf-engine/internal/history"
	"fpf-engine/internal/storage"
	"fpf-engine/internal/stream"
)

// Config is the root application configuration. Values come from an optional
// config.json, with environment variables taking precedence.
type Config struct {
	DetectorConfig   detector.Config     `json:"detector"`
	LoggingConfig    LoggingConfig       `json:"logging"`
	OutcomeConfig    OutcomeConfig       `json:"outcome"`
	PostgresConfig   storage.Config      `json:"postgres"`
	RedisConfig      storage.RedisConfig `json:"redis"`
	ClickHouseConfig history.Config      `json:"clickhouse"`
	KafkaConfig      stream.Config       `json:"kafka"`
	FeedConfig       feed.Config         `json:"feed"`
	ServerConfig     api.ServerConfig    `json:"server"`
	SignalLogDir     string              `json:"signal_log_dir"`
	PostgresEnabled  bool                `json:"postgres_enabled"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// OutcomeConfig controls the signal result tracker.
type OutcomeConfig struct {
	WindowMinutes   int `json:"window_minutes"`
	StopOffsetTicks int `json:"stop_offset_ticks"`
}

// Load reads config.json if present and applies environment overrides.
func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile reads the given file if present and applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DetectorConfig.VolSMAN == 0 {
		cfg.DetectorConfig = detector.DefaultConfig()
	}
	if cfg.DetectorConfig.SymbolProfiles == nil {
		cfg.DetectorConfig.SymbolProfiles = detector.DefaultSymbolProfiles()
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig = LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true}
	}
	if cfg.OutcomeConfig.WindowMinutes == 0 {
		cfg.OutcomeConfig.WindowMinutes = 360
	}
	if cfg.OutcomeConfig.StopOffsetTicks == 0 {
		cfg.OutcomeConfig.StopOffsetTicks = 3
	}
	if cfg.FeedConfig.BaseURL == "" {
		cfg.FeedConfig.BaseURL = "wss://fstream.binance.com"
	}
	if len(cfg.FeedConfig.Symbols) == 0 {
		cfg.FeedConfig.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if len(cfg.FeedConfig.Timeframes) == 0 {
		cfg.FeedConfig.Timeframes = []string{"1m", "5m"}
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
	if cfg.PostgresConfig.Port == 0 {
		cfg.PostgresConfig = storage.Config{
			Host: "localhost", Port: 5432, User: "fpf",
			Database: "fpf", SSLMode: "disable",
		}
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.ClickHouseConfig.Address == "" {
		cfg.ClickHouseConfig = history.Config{
			Address: "localhost:9000", Database: "fpf", User: "default", Table: "candles",
		}
	}
	if len(cfg.KafkaConfig.Brokers) == 0 {
		cfg.KafkaConfig.Brokers = []string{"localhost:9092"}
	}
	if cfg.SignalLogDir == "" {
		cfg.SignalLogDir = "logs"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		cfg.FeedConfig.Symbols = splitList(v)
	}
	if v := os.Getenv("FEED_TIMEFRAMES"); v != "" {
		cfg.FeedConfig.Timeframes = splitList(v)
	}
	cfg.FeedConfig.BaseURL = getEnvOrDefault("FEED_WS_URL", cfg.FeedConfig.BaseURL)
	cfg.FeedConfig.Enabled = getEnvBoolOrDefault("FEED_ENABLED", cfg.FeedConfig.Enabled)

	cfg.PostgresEnabled = getEnvBoolOrDefault("POSTGRES_ENABLED", cfg.PostgresEnabled)
	cfg.PostgresConfig.Host = getEnvOrDefault("POSTGRES_HOST", cfg.PostgresConfig.Host)
	cfg.PostgresConfig.Port = getEnvIntOrDefault("POSTGRES_PORT", cfg.PostgresConfig.Port)
	cfg.PostgresConfig.User = getEnvOrDefault("POSTGRES_USER", cfg.PostgresConfig.User)
	cfg.PostgresConfig.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.PostgresConfig.Password)
	cfg.PostgresConfig.Database = getEnvOrDefault("POSTGRES_DB", cfg.PostgresConfig.Database)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.ClickHouseConfig.Enabled = getEnvBoolOrDefault("CLICKHOUSE_ENABLED", cfg.ClickHouseConfig.Enabled)
	cfg.ClickHouseConfig.Address = getEnvOrDefault("CLICKHOUSE_ADDRESS", cfg.ClickHouseConfig.Address)
	cfg.ClickHouseConfig.User = getEnvOrDefault("CLICKHOUSE_USER", cfg.ClickHouseConfig.User)
	cfg.ClickHouseConfig.Password = getEnvOrDefault("CLICKHOUSE_PASSWORD", cfg.ClickHouseConfig.Password)
	cfg.ClickHouseConfig.Database = getEnvOrDefault("CLICKHOUSE_DB", cfg.ClickHouseConfig.Database)

	cfg.KafkaConfig.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.KafkaConfig.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaConfig.Brokers = splitList(v)
	}

	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)

	cfg.SignalLogDir = getEnvOrDefault("SIGNAL_LOG_DIR", cfg.SignalLogDir)
	cfg.OutcomeConfig.WindowMinutes = getEnvIntOrDefault("OUTCOME_WINDOW_MIN", cfg.OutcomeConfig.WindowMinutes)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}
