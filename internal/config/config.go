// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// DataDir holds operator-facing artifacts: missing-hash logs, exported
	// sidecars and invalid files pulled out of the file structure.
	DataDir string

	// StorageDir is the location the 512 shard directories are created
	// under on first boot. Later the map can spread them over more
	// locations via the weights endpoint.
	StorageDir string

	// Thumbnails
	ThumbnailWidth      int
	ThumbnailHeight     int
	ThumbnailScaleType  int // 0 = fit within bounding box, 1 = fill and clip
	ThumbnailDPRPercent int // device pixel ratio scale, 100 = 1x

	// Maintenance throttling
	MaintenanceDuringIdle   bool
	MaintenanceDuringActive bool
	IdleThrottleFiles       int
	IdleThrottleTimeDelta   time.Duration
	ActiveThrottleFiles     int
	ActiveThrottleTimeDelta time.Duration

	// Physical delete pacing
	DeferredDeleteWait time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8600"),
		MetricsAddr: envOr("METRICS_ADDR", ":9600"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),
		DataDir:     envOr("DATA_DIR", "/data/filecellar"),
		StorageDir:  envOr("STORAGE_DIR", "/data/filecellar/storage"),

		ThumbnailWidth:      envInt("THUMBNAIL_WIDTH", 200),
		ThumbnailHeight:     envInt("THUMBNAIL_HEIGHT", 200),
		ThumbnailScaleType:  envInt("THUMBNAIL_SCALE_TYPE", 0),
		ThumbnailDPRPercent: envInt("THUMBNAIL_DPR_PERCENT", 100),

		MaintenanceDuringIdle:   envBool("MAINTENANCE_DURING_IDLE", true),
		MaintenanceDuringActive: envBool("MAINTENANCE_DURING_ACTIVE", false),
		IdleThrottleFiles:       envInt("MAINTENANCE_IDLE_THROTTLE_FILES", 20),
		IdleThrottleTimeDelta:   envDuration("MAINTENANCE_IDLE_THROTTLE_TIME_DELTA", 2*time.Minute),
		ActiveThrottleFiles:     envInt("MAINTENANCE_ACTIVE_THROTTLE_FILES", 1),
		ActiveThrottleTimeDelta: envDuration("MAINTENANCE_ACTIVE_THROTTLE_TIME_DELTA", 20*time.Second),

		DeferredDeleteWait: envDuration("DEFERRED_DELETE_WAIT", 250*time.Millisecond),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ThumbnailWidth <= 0 || cfg.ThumbnailHeight <= 0 {
		return nil, fmt.Errorf("thumbnail dimensions must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
