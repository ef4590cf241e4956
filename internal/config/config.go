// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// StorageMode selects the persistent-tier variant.
type StorageMode string

const (
	// ModeEmbedded uses a single-file SQLite store.
	ModeEmbedded StorageMode = "embedded"
	// ModeHosted uses a remote PostgreSQL store.
	ModeHosted StorageMode = "hosted"
)

// Config holds application configuration
type Config struct {
	DataDir     string      // Base directory for the embedded database (always absolute)
	StorageMode StorageMode // embedded | hosted
	DatabaseURL string      // PostgreSQL DSN, required in hosted mode

	RedisAddr string // Distributed cache tier; empty disables the tier

	MarketDataBaseURL   string
	MarketDataAPIKey    string
	MarketDataStreamURL string // Optional websocket quote stream; empty disables it
	FxEnabled           bool // Currency routes answer 503 when false
	FxAPIKey            string
	FxAllowStale        bool // Serve stale cached FX rates when all providers fail

	CacheMaxEntries     int           // 0 = unbounded in-process tier
	MaintenanceInterval time.Duration // Background reap loop cadence
	AnalysisTTL         time.Duration // TTL override for composite analysis responses
	AllowSyntheticOHLC  bool          // Synthesize OHLC from close-only quotes

	Backup BackupConfig

	LogLevel string
	Port     int
	DevMode  bool
}

// BackupConfig holds snapshot backup settings for the embedded store.
// Backups are disabled unless Bucket is set.
type BackupConfig struct {
	Bucket        string
	Endpoint      string // S3-compatible endpoint (e.g. R2); empty = AWS
	Region        string
	AccessKey     string
	SecretKey     string
	RetentionDays int
}

// Enabled reports whether snapshot backups are configured.
func (b BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// Load reads configuration from environment variables.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:     absDataDir,
		StorageMode: StorageMode(getEnv("STORAGE_MODE", string(ModeEmbedded))),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		MarketDataBaseURL:   getEnv("MARKET_DATA_BASE_URL", "https://api.marketdata.app/v1"),
		MarketDataAPIKey:    getEnv("MARKET_DATA_API_KEY", ""),
		MarketDataStreamURL: getEnv("MARKET_DATA_STREAM_URL", ""),
		FxEnabled:           getEnvAsBool("FX_ENABLED", true),
		FxAPIKey:            getEnv("FX_API_KEY", ""),
		FxAllowStale:        getEnvAsBool("FX_ALLOW_STALE", false),

		CacheMaxEntries:     getEnvAsInt("CACHE_MAX_ENTRIES", 0),
		MaintenanceInterval: getEnvAsDuration("MAINTENANCE_INTERVAL", time.Hour),
		AnalysisTTL:         getEnvAsDuration("ANALYSIS_TTL", time.Hour),
		AllowSyntheticOHLC:  getEnvAsBool("ALLOW_SYNTHETIC_OHLC", true),

		Backup: BackupConfig{
			Bucket:        getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:        getEnv("BACKUP_S3_REGION", "auto"),
			AccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.StorageMode {
	case ModeEmbedded, ModeHosted:
	default:
		return fmt.Errorf("invalid STORAGE_MODE %q: must be %q or %q", c.StorageMode, ModeEmbedded, ModeHosted)
	}

	if c.StorageMode == ModeHosted && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in hosted mode")
	}

	if c.MaintenanceInterval < time.Minute {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be at least one minute, got %s", c.MaintenanceInterval)
	}

	// Note: API keys optional; upstream fetches fail at request time when
	// a key is required but absent.
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
