// Package config provides configuration management for substrate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// EnvPrefix is prepended to every environment variable substrate reads.
	EnvPrefix = "SUBSTRATE_"

	// DefaultPort is the default HTTP port for the worker service.
	DefaultPort = 8787

	// DefaultEnvFile is loaded (when present) before the environment is parsed.
	DefaultEnvFile = ".env"

	// MaxProcessBatchSize caps how many tickets a single processing pass may claim.
	MaxProcessBatchSize = 50
)

// DefaultAllowedOrigins are the dashboard origins allowed for CORS during local development.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// Config holds the application configuration.
type Config struct {
	// Worker settings
	Port      int    `env:"PORT"`
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"` // "console" or "json"

	// Database settings
	DatabaseDSN  string `env:"DATABASE_DSN"`
	MaxConns     int    `env:"DB_MAX_CONNS"`
	ListenNotify bool   `env:"LISTEN_NOTIFY"` // wake the processor on pg_notify

	// Shared secret for cron and service-to-service callbacks
	CronSecret string `env:"CRON_SECRET"`

	// Work queue settings
	WorkflowBaseURL     string        `env:"WORKFLOW_BASE_URL"`
	WorkflowRoutesPath  string        `env:"WORKFLOW_ROUTES"`
	WorkflowTimeout     time.Duration `env:"WORKFLOW_TIMEOUT"`
	ProcessBatchSize    int           `env:"PROCESS_BATCH_SIZE"`
	ProcessInterval     time.Duration `env:"PROCESS_INTERVAL"` // 0 disables the background loop
	StaleTicketAfter    time.Duration `env:"STALE_TICKET_AFTER"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL"`

	// Upstream LLM settings (OpenAI-compatible chat completions)
	LLMBaseURL         string  `env:"LLM_BASE_URL"`
	LLMAPIKey          string  `env:"LLM_API_KEY"`
	LLMModel           string  `env:"LLM_MODEL"`
	LLMMaxTokens       int     `env:"LLM_MAX_TOKENS"`
	LLMTemperature     float64 `env:"LLM_TEMPERATURE"`
	ContextTokenBudget int     `env:"CONTEXT_TOKEN_BUDGET"`

	// Chat economy
	SparkCostPerTurn int     `env:"SPARK_COST_PER_TURN"`
	StartingSparks   int     `env:"STARTING_SPARKS"`
	VisualEveryTurns int     `env:"VISUAL_EVERY_TURNS"`
	ChatRate         float64 `env:"CHAT_RATE"` // messages per second per user
	ChatBurst        int     `env:"CHAT_BURST"`

	// Caching
	RedisURL      string        `env:"REDIS_URL"`
	StatsCacheTTL time.Duration `env:"STATS_CACHE_TTL"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:                DefaultPort,
		LogLevel:            "info",
		LogFormat:           "console",
		MaxConns:            10,
		WorkflowTimeout:     120 * time.Second,
		ProcessBatchSize:    5,
		StaleTicketAfter:    30 * time.Minute,
		MaintenanceInterval: time.Hour,
		LLMBaseURL:          "https://api.openai.com/v1",
		LLMModel:            "gpt-4o-mini",
		LLMMaxTokens:        600,
		LLMTemperature:      0.8,
		ContextTokenBudget:  6000,
		SparkCostPerTurn:    1,
		StartingSparks:      25,
		VisualEveryTurns:    5,
		ChatRate:            0.5,
		ChatBurst:           5,
		StatsCacheTTL:       time.Minute,
		AllowedOrigins:      append([]string(nil), DefaultAllowedOrigins...),
	}
}

// Load loads configuration from the environment (and an optional .env file),
// merging with defaults.
func Load() (*Config, error) {
	envFile := os.Getenv(EnvPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = splitTrim(strings.Join(cfg.AllowedOrigins, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ProcessBatchSize <= 0 || c.ProcessBatchSize > MaxProcessBatchSize {
		return fmt.Errorf("process batch size must be between 1 and %d", MaxProcessBatchSize)
	}
	if c.ProcessInterval < 0 {
		return fmt.Errorf("process interval must not be negative")
	}
	if c.SparkCostPerTurn < 0 {
		return fmt.Errorf("spark cost per turn must not be negative")
	}
	if c.VisualEveryTurns < 0 {
		return fmt.Errorf("visual cadence must not be negative")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Get returns the global configuration, loading it if necessary.
// Invalid environments fall back to defaults; callers that must fail fast use Load.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Set replaces the global configuration (used by cmd/worker after Load).
func Set(cfg *Config) {
	configOnce.Do(func() {})
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
}
