package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the unified runtime configuration, sourced from the environment
// with an optional .env file in the data directory.
type Config struct {
	DataDir     string
	DatabaseDSN string // defaults to <DataDir>/revguard.db

	ListenHost string
	ListenPort int

	LogLevel  string
	LogFormat string

	// Encryption key for provider secrets at rest, base64-encoded 32 bytes.
	// When empty a key file under DataDir is used (generated on first run).
	EncryptionKey string

	IngestWorkers    int
	MaxIngestRetries int
	EventTimeout     time.Duration
	ScanInterval     time.Duration
	ScanTimeout      time.Duration
	SecretCacheTTL   time.Duration

	RawLogRetentionDays  int
	AccessCheckReplayTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the data
// directory is applied first without overriding already-set variables.
func Load() (*Config, error) {
	dataDir := envOr("REVGUARD_DATA_DIR", "/var/lib/revguard")

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("path", envFile).Msg("Failed to load .env file")
		}
	}

	cfg := &Config{
		DataDir:              dataDir,
		DatabaseDSN:          envOr("REVGUARD_DB_PATH", filepath.Join(dataDir, "revguard.db")),
		ListenHost:           envOr("REVGUARD_HOST", "0.0.0.0"),
		ListenPort:           envInt("REVGUARD_PORT", 8680),
		LogLevel:             envOr("REVGUARD_LOG_LEVEL", "info"),
		LogFormat:            envOr("REVGUARD_LOG_FORMAT", "auto"),
		EncryptionKey:        os.Getenv("REVGUARD_ENCRYPTION_KEY"),
		IngestWorkers:        envInt("REVGUARD_INGEST_WORKERS", 8),
		MaxIngestRetries:     envInt("REVGUARD_MAX_INGEST_RETRIES", 5),
		EventTimeout:         envDuration("REVGUARD_EVENT_TIMEOUT", 30*time.Second),
		ScanInterval:         envDuration("REVGUARD_SCAN_INTERVAL", 5*time.Minute),
		ScanTimeout:          envDuration("REVGUARD_SCAN_TIMEOUT", 5*time.Minute),
		SecretCacheTTL:       envDuration("REVGUARD_SECRET_CACHE_TTL", 60*time.Second),
		RawLogRetentionDays:  envInt("REVGUARD_RAW_LOG_RETENTION_DAYS", 30),
		AccessCheckReplayTTL: envDuration("REVGUARD_ACCESS_CHECK_REPLAY_TTL", 24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid port %d", c.ListenPort)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("ingest workers must be >= 1, got %d", c.IngestWorkers)
	}
	if c.RawLogRetentionDays < 1 {
		return fmt.Errorf("raw log retention must be >= 1 day, got %d", c.RawLogRetentionDays)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
