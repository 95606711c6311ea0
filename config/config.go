package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ArbFlow   ArbFlowConfig   `yaml:"arbflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Reader    ReaderConfig    `yaml:"reader"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Source    SourceConfig    `yaml:"source"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type ArbFlowConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	RunID       string `yaml:"run_id"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

type CacheConfig struct {
	TTLMs int `yaml:"ttl_ms"`
}

type ReaderConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	PollIntervalMs int           `yaml:"poll_interval_ms"`
}

// RateLimitConfig carries static per-(exchange, endpoint) budgets in calls
// per second. Pairs absent from Budgets fall back to DefaultPerSecond.
type RateLimitConfig struct {
	DefaultPerSecond int                       `yaml:"default_per_second"`
	Budgets          map[string]map[string]int `yaml:"budgets"`
}

type SourceConfig struct {
	Upbit   UpbitSourceConfig   `yaml:"upbit"`
	Binance BinanceSourceConfig `yaml:"binance"`
}

type UpbitSourceConfig struct {
	RestURL string   `yaml:"rest_url"`
	WsURL   string   `yaml:"ws_url"`
	Symbols []string `yaml:"symbols"`
}

type BinanceSourceConfig struct {
	// MarketType selects the spot or futures namespace; it changes the base
	// URL but not the response shape handling.
	MarketType string   `yaml:"market_type"`
	RestURL    string   `yaml:"rest_url"`
	Symbols    []string `yaml:"symbols"`
}

type WebSocketConfig struct {
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	ReconnectBackoff     float64 `yaml:"reconnect_backoff"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Cache:     CacheConfig{TTLMs: 100},
		RateLimit: RateLimitConfig{DefaultPerSecond: 30},
		WebSocket: WebSocketConfig{MaxReconnectAttempts: 3, ReconnectBackoff: 2.0},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if config.ArbFlow.Environment == "" {
		config.ArbFlow.Environment = AppEnvironment()
	}
	if config.ArbFlow.RunID == "" {
		config.ArbFlow.RunID = uuid.NewString()
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("RUN_ID"); v != "" {
		cfg.ArbFlow.RunID = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.ArbFlow.Name == "" {
		return fmt.Errorf("arbflow.name is required")
	}
	if cfg.ArbFlow.Version == "" {
		return fmt.Errorf("arbflow.version is required")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.Namespace == "" {
		return fmt.Errorf("redis.namespace is required")
	}

	if cfg.Cache.TTLMs <= 0 {
		return fmt.Errorf("cache.ttl_ms must be greater than 0")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.PollIntervalMs <= 0 {
		return fmt.Errorf("reader.poll_interval_ms must be greater than 0")
	}

	if cfg.RateLimit.DefaultPerSecond <= 0 {
		return fmt.Errorf("rate_limit.default_per_second must be greater than 0")
	}
	for exchange, endpoints := range cfg.RateLimit.Budgets {
		for endpoint, limit := range endpoints {
			if limit <= 0 {
				return fmt.Errorf("rate_limit.budgets.%s.%s must be greater than 0", exchange, endpoint)
			}
		}
	}

	switch cfg.Source.Binance.MarketType {
	case "spot", "futures":
	case "":
		cfg.Source.Binance.MarketType = "spot"
	default:
		return fmt.Errorf("source.binance.market_type '%s' is invalid (want spot or futures)", cfg.Source.Binance.MarketType)
	}

	if cfg.WebSocket.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("websocket.max_reconnect_attempts must be greater than 0")
	}
	if cfg.WebSocket.ReconnectBackoff <= 1 {
		return fmt.Errorf("websocket.reconnect_backoff must be greater than 1")
	}

	return nil
}
