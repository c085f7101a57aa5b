// Package config provides application configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	EncryptionKey  []byte // 32 bytes, AES-256
	Redis          RedisConfig
	Worker         WorkerConfig
	BotWaitTimeout time.Duration
	SweepInterval  time.Duration
}

// RedisConfig holds event queue connection settings. An empty Addr disables
// event publishing (events are logged and dropped).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
}

// WorkerConfig controls the optional in-process bot worker.
type WorkerConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	keyHex := getEnv("ENCRYPTION_KEY", "")
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: ENCRYPTION_KEY is not hex: %w", err)
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/quietmind.db"),
		EncryptionKey: key,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			QueueKey: getEnv("REDIS_QUEUE_KEY", ""),
		},
		Worker: WorkerConfig{
			Enabled: getEnvBool("BOT_WORKER_ENABLED", false),
		},
		BotWaitTimeout: getEnvDuration("BOT_WAIT_TIMEOUT", 2*time.Minute),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 hex-encoded bytes, got %d", len(c.EncryptionKey))
	}
	if c.BotWaitTimeout <= 0 {
		return fmt.Errorf("BOT_WAIT_TIMEOUT must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Worker.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("BOT_WORKER_ENABLED requires REDIS_ADDR")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
