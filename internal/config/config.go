// internal/config/config.go
// Package config provides configuration loading and management for the agent.
// It handles environment variable parsing and provides default values for all
// settings. Runtime-mutable settings (quota, TTL, poll cadence, filters) are
// seeded from here and afterwards owned by the settings store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/photonic-rad/photonic-agent/internal/model"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the Photonic agent.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // Control API port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory stores
	NATSURL     string // NATS server URL for download/poll notifications

	// Archive offload (optional, S3-compatible)
	S3Endpoint  string // Object storage endpoint; empty disables offload
	S3Region    string // Region
	S3Bucket    string // Bucket holding offloaded ciphertext
	S3AccessKey string // Access key
	S3SecretKey string // Secret key

	// PACS endpoint and credentials
	PACSBaseURL  string // Remote worklist provider base URL
	PACSUsername string // Login email/username; empty defers to the sealed credentials file
	PACSPassword string // Login password; empty defers to the sealed credentials file

	// Credential sealing
	CredentialsPath string // Sealed credentials file; defaults under the home dir
	SealKey         string // Base64 32-byte key protecting credentials at rest

	// Cache policy defaults (seed values for the persisted settings)
	MaxCacheGB      int  // Object store quota in gigabytes
	TTLDays         int  // Max blob age in days
	PollIntervalSec int  // Poll timer period in seconds
	AutoPolling     bool // Start the poll timer on boot
	Concurrency     int  // Download batch size
	StatusFilter    string // Remote status required for prefetch; empty accepts all
	DownloadSubdir  string // Destination subfolder for cache paths
	NotifyOnDownload bool  // Publish an event per cached study
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv             = "dev"
	defaultPort            = "8086"
	defaultMaxCacheGB      = 10
	defaultTTLDays         = 7
	defaultPollIntervalSec = 300
	defaultConcurrency     = 3
	defaultS3Region        = "us-east-1"
	defaultDownloadSubdir  = "photonic"
	defaultPACSBaseURL     = "https://toprad.aikenist.com"
)

// Load reads environment variables and produces a Config suitable for wiring
// the agent. Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("PHOTONIC_ENV", defaultEnv),
		Port:             getEnv("PHOTONIC_PORT", defaultPort),
		DatabaseDSN:      os.Getenv("PHOTONIC_DB_DSN"),
		NATSURL:          os.Getenv("PHOTONIC_NATS_URL"),
		S3Endpoint:       os.Getenv("PHOTONIC_S3_ENDPOINT"),
		S3Region:         getEnv("PHOTONIC_S3_REGION", defaultS3Region),
		S3Bucket:         os.Getenv("PHOTONIC_S3_BUCKET"),
		S3AccessKey:      os.Getenv("PHOTONIC_S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("PHOTONIC_S3_SECRET_KEY"),
		PACSBaseURL:      getEnv("PHOTONIC_PACS_URL", defaultPACSBaseURL),
		PACSUsername:     os.Getenv("PHOTONIC_PACS_USERNAME"),
		PACSPassword:     os.Getenv("PHOTONIC_PACS_PASSWORD"),
		CredentialsPath:  os.Getenv("PHOTONIC_CREDENTIALS_PATH"),
		SealKey:          os.Getenv("PHOTONIC_SEAL_KEY"),
		MaxCacheGB:       getEnvInt("PHOTONIC_MAX_CACHE_GB", defaultMaxCacheGB),
		TTLDays:          getEnvInt("PHOTONIC_TTL_DAYS", defaultTTLDays),
		PollIntervalSec:  getEnvInt("PHOTONIC_POLL_INTERVAL_SEC", defaultPollIntervalSec),
		AutoPolling:      getEnvBool("PHOTONIC_AUTO_POLLING", true),
		Concurrency:      getEnvInt("PHOTONIC_CONCURRENCY", defaultConcurrency),
		StatusFilter:     os.Getenv("PHOTONIC_STATUS_FILTER"),
		DownloadSubdir:   getEnv("PHOTONIC_DOWNLOAD_SUBDIR", defaultDownloadSubdir),
		NotifyOnDownload: getEnvBool("PHOTONIC_NOTIFY_ON_DOWNLOAD", true),
	}

	if cfg.PACSBaseURL == "" {
		return cfg, fmt.Errorf("PHOTONIC_PACS_URL is required")
	}
	if cfg.MaxCacheGB <= 0 {
		return cfg, fmt.Errorf("PHOTONIC_MAX_CACHE_GB must be positive, got %d", cfg.MaxCacheGB)
	}
	if cfg.TTLDays <= 0 {
		return cfg, fmt.Errorf("PHOTONIC_TTL_DAYS must be positive, got %d", cfg.TTLDays)
	}
	if cfg.PollIntervalSec < 30 {
		return cfg, fmt.Errorf("PHOTONIC_POLL_INTERVAL_SEC must be at least 30, got %d", cfg.PollIntervalSec)
	}
	if cfg.Concurrency <= 0 {
		return cfg, fmt.Errorf("PHOTONIC_CONCURRENCY must be positive, got %d", cfg.Concurrency)
	}

	return cfg, nil
}

// DefaultSettings derives the seed runtime settings from the environment
// configuration. The GB input is converted to bytes here, once.
func (c Config) DefaultSettings() model.Settings {
	return model.Settings{
		BaseURL:          c.PACSBaseURL,
		MaxCacheBytes:    int64(c.MaxCacheGB) * 1024 * 1024 * 1024,
		TTLDays:          c.TTLDays,
		PollIntervalSec:  c.PollIntervalSec,
		AutoPolling:      c.AutoPolling,
		NotifyOnDownload: c.NotifyOnDownload,
		Debug:            c.Env == "dev",
		StatusFilter:     c.StatusFilter,
		DownloadSubdir:   c.DownloadSubdir,
		Concurrency:      c.Concurrency,
	}
}

// PollInterval returns the seed poll period as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// getEnv retrieves an environment variable value, returning a fallback if not
// set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getEnvInt parses an integer environment variable, returning a fallback on
// absence or parse failure.
func getEnvInt(key string, fallback int) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvBool parses a boolean environment variable, returning a fallback on
// absence or parse failure.
func getEnvBool(key string, fallback bool) bool {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
