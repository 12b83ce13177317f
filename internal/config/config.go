// Package config loads deployment settings from the environment: a flat
// struct plus a Load() constructor, no file-based config and no runtime
// use of a config framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every environment-tunable setting the core needs: the
// durable index, the fast store, the blob root, the chunk size and
// single-shot threshold, the transcoder's external tool, and the cleanup
// cadences. Validation ceilings are not configured here.
type Config struct {
	AppEnv      string
	AppName     string
	AppPort     string
	MetricsPort string
	LogLevel    string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	JWTSecret string

	// StoreRoot is the filesystem root the content-addressed blob tree and
	// the chunk-assembly tree live under.
	StoreRoot string
	// ChunkSize is the fixed per-chunk size used to compute total_chunks;
	// default 1 MiB.
	ChunkSize int64
	// SingleShotThreshold is the single-shot/chunked boundary.
	SingleShotThreshold int64

	// FFmpegBinary is the transcoder's external media tool.
	FFmpegBinary      string
	TranscodeWorkDir  string
	TranscodeOutDir   string
	TranscodeCacheLen int

	// SessionSweepInterval and QueueDrainInterval are the two periodic
	// cleanup cadences.
	SessionSweepInterval time.Duration
	QueueDrainInterval   time.Duration
	// UnreferencedAge is the minimum age before an orphaned record is
	// eligible for the unreferenced-file reaping sweep.
	UnreferencedAge time.Duration
}

func getOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOr(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt64Or(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationOr(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// Load reads Config from the environment with production defaults: 1 MiB
// chunk size, 5-minute session sweep, 30-second queue drain.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      getOr("APP_ENV", "development"),
		AppName:     getOr("APP_NAME", "filehub"),
		AppPort:     getOr("APP_PORT", "8080"),
		MetricsPort: getOr("METRICS_PORT", "9090"),
		LogLevel:    getOr("LOG_LEVEL", "info"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     getOr("DB_PORT", "5432"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  getOr("DB_SSL_MODE", "disable"),

		RedisHost:     getOr("REDIS_HOST", "localhost"),
		RedisPort:     getOr("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		StoreRoot: getOr("STORE_ROOT", "./data/files"),

		FFmpegBinary:     getOr("FFMPEG_BINARY", "ffmpeg"),
		TranscodeWorkDir: getOr("TRANSCODE_WORK_DIR", "./data/transcode-tmp"),
		TranscodeOutDir:  getOr("TRANSCODE_OUT_DIR", "./data/transcoded"),
	}

	var err error
	if cfg.RedisDB, err = getIntOr("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = getIntOr("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = getIntOr("REDIS_MIN_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = getIntOr("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.ChunkSize, err = getInt64Or("CHUNK_SIZE_BYTES", 1024*1024); err != nil {
		return nil, err
	}
	if cfg.SingleShotThreshold, err = getInt64Or("SINGLE_SHOT_THRESHOLD_BYTES", 1024*1024); err != nil {
		return nil, err
	}
	if cfg.TranscodeCacheLen, err = getIntOr("TRANSCODE_CACHE_LEN", 64); err != nil {
		return nil, err
	}
	if cfg.SessionSweepInterval, err = getDurationOr("SESSION_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.QueueDrainInterval, err = getDurationOr("QUEUE_DRAIN_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UnreferencedAge, err = getDurationOr("UNREFERENCED_AGE", 48*time.Hour); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.DBHost == "" || cfg.DBUser == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("config: DB_HOST, DB_USER, and DB_NAME are required")
	}
	return cfg, nil
}
