// Package config holds runtime settings for the nexusd server, loaded from
// defaults, an optional .env file, and environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"nexusfs/pkg/log"
)

const (
	defaultRetentionWindow = 24 * time.Hour
	defaultJanitorInterval = time.Hour
	defaultUsageFlush      = 5 * time.Minute

	// Cloud offload is only worth the round trip for large files.
	defaultCloudThreshold = int64(100 * 1024 * 1024)

	// Free-tier style monthly quotas for the object store.
	defaultLimitClassA = int64(1_000_000)
	defaultLimitClassB = int64(10_000_000)
	defaultLimitBytes  = int64(10) * 1024 * 1024 * 1024
)

// CloudConfig holds settings for the S3-compatible offload backend. The
// backend is disabled when Endpoint or AccessKeyID is empty.
type CloudConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	ThresholdBytes  int64
	MaxConcurrent   int
	LimitClassA     int64
	LimitClassB     int64
	LimitBytes      int64
	FlushInterval   time.Duration
}

// Config is the full runtime configuration for nexusd.
type Config struct {
	ListenAddr string
	DataDir    string

	RetentionWindow time.Duration
	JanitorInterval time.Duration

	Cloud CloudConfig
}

// Load builds a Config from defaults, then overlays values from an optional
// .env file and the process environment.
func Load() *Config {
	envFile := getEnv("NEXUS_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil {
		log.Debug().Str("env_file", envFile).Msg("No env file loaded")
	}

	return &Config{
		ListenAddr:      getEnv("NEXUS_LISTEN_ADDR", ":8080"),
		DataDir:         getEnv("NEXUS_DATA_DIR", "data"),
		RetentionWindow: getDuration("NEXUS_RETENTION_WINDOW", defaultRetentionWindow),
		JanitorInterval: getDuration("NEXUS_JANITOR_INTERVAL", defaultJanitorInterval),
		Cloud: CloudConfig{
			Endpoint:        getEnv("NEXUS_CLOUD_ENDPOINT", ""),
			AccessKeyID:     getEnv("NEXUS_CLOUD_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("NEXUS_CLOUD_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("NEXUS_CLOUD_BUCKET", "nexus-transit"),
			Region:          getEnv("NEXUS_CLOUD_REGION", "auto"),
			ThresholdBytes:  getInt64("NEXUS_CLOUD_THRESHOLD_BYTES", defaultCloudThreshold),
			MaxConcurrent:   int(getInt64("NEXUS_CLOUD_MAX_CONCURRENT", 3)),
			LimitClassA:     getInt64("NEXUS_CLOUD_LIMIT_CLASS_A", defaultLimitClassA),
			LimitClassB:     getInt64("NEXUS_CLOUD_LIMIT_CLASS_B", defaultLimitClassB),
			LimitBytes:      getInt64("NEXUS_CLOUD_LIMIT_BYTES", defaultLimitBytes),
			FlushInterval:   getDuration("NEXUS_CLOUD_USAGE_FLUSH", defaultUsageFlush),
		},
	}
}

// UploadDir is the root of per-owner storage trees.
func (c *Config) UploadDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// TempDir holds backing files of in-progress uploads.
func (c *Config) TempDir() string {
	return filepath.Join(c.DataDir, "tus_temp")
}

// SessionDBPath is the SQLite database for upload sessions.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "tus_metadata.db")
}

// IndexDBPath is the SQLite database for the per-owner file index.
func (c *Config) IndexDBPath() string {
	return filepath.Join(c.DataDir, "files.db")
}

// DedupDBPath is the SQLite database mapping content hashes to canonical paths.
func (c *Config) DedupDBPath() string {
	return filepath.Join(c.DataDir, "dedup.db")
}

// UsagePath is the JSON file persisting cloud usage counters.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "cloud_usage.json")
}

// OwnersPath is the JSON file backing the default owner credential lookup.
func (c *Config) OwnersPath() string {
	return filepath.Join(c.DataDir, "owners.json")
}

// CloudEnabled reports whether the offload backend has usable credentials.
func (c *Config) CloudEnabled() bool {
	return c.Cloud.Endpoint != "" && c.Cloud.AccessKeyID != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return parsed
}
