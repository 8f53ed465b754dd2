// Package config loads scheduler configuration from environment
// variables (and an optional .env file), grounded on the teacher's
// cmd/main.go loadConfig/getEnv helper style and its DATABASE_URL
// parsing fallback.
package config

import (
	"flag"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/apexbuild/scheduler/internal/cache"
	"github.com/apexbuild/scheduler/internal/db"
)

// Config holds every knob the scheduler's entrypoint needs to wire up
// its collaborators.
type Config struct {
	Database db.Config
	Redis    cache.IndexConfig
	Blobs    cache.BlobStoreConfig

	// ThreadCount is the worker pool's configured size; 0 means
	// runtime.NumCPU().
	ThreadCount int
	// NiceCount is the default number of processors left idle.
	NiceCount int
	// SingleThread forces every job onto the calling goroutine.
	SingleThread bool
	// HaltOnError converts every optional job failure into a fatal
	// abort for the whole build.
	HaltOnError bool

	// MetricsAddr is the listen address for the Prometheus /metrics
	// and /health endpoints (METRICS_ADDR, default ":9090"). The
	// entrypoint always starts this listener.
	MetricsAddr string
	// Environment is "development" or "production", mirroring the
	// teacher's GetEnvironment()/IsProductionEnvironment() split.
	Environment string
}

// Load reads a .env file if present (falling back silently to the
// process environment, matching the teacher's two-location probe) and
// returns a Config built from environment variables.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	dbConfig := parseDatabaseURL(getEnv("DATABASE_URL", ""))
	if dbConfig == nil {
		dbConfig = &db.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "assetbuild"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		}
	}

	redisConfig := cache.DefaultIndexConfig()
	redisConfig.Addr = getEnv("REDIS_ADDR", redisConfig.Addr)
	redisConfig.Password = getEnv("REDIS_PASSWORD", "")
	redisConfig.DB = getEnvInt("REDIS_DB", 0)
	redisConfig.Prefix = getEnv("REDIS_PREFIX", redisConfig.Prefix)

	return &Config{
		Database: *dbConfig,
		Redis:    redisConfig,
		Blobs: cache.BlobStoreConfig{
			Bucket:   getEnv("CACHE_S3_BUCKET", "assetbuild-cache"),
			Region:   getEnv("CACHE_S3_REGION", "us-east-1"),
			Endpoint: getEnv("CACHE_S3_ENDPOINT", ""),
		},
		ThreadCount:  getEnvInt("BUILD_THREAD_COUNT", 0),
		NiceCount:    getEnvInt("BUILD_NICE_COUNT", 0),
		SingleThread: getEnv("ASSETBUILD_SINGLE_THREAD", "false") == "true" || singleThreadFlag(),
		HaltOnError:  getEnv("BUILD_HALT_ON_ERROR", "false") == "true",
		MetricsAddr:  getEnv("METRICS_ADDR", ":9090"),
		Environment:  getEnv("ENVIRONMENT", "development"),
	}
}

// singleThreadFlag scans the process arguments for -single-thread
// without disturbing the flag.CommandLine default set, so Load can be
// called regardless of what the entrypoint itself registers.
func singleThreadFlag() bool {
	fs := flag.NewFlagSet("assetbuild", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	single := fs.Bool("single-thread", false, "force every job onto the calling goroutine")
	_ = fs.Parse(os.Args[1:])
	return *single
}

// IsProduction reports whether Environment names a production
// deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// parseDatabaseURL parses a postgres:// connection string into a
// db.Config, mirroring the teacher's Fly.io/Heroku/Railway
// DATABASE_URL convenience.
func parseDatabaseURL(databaseURL string) *db.Config {
	if databaseURL == "" {
		return nil
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil
	}

	password, _ := u.User.Password()

	port := 5432
	if u.Port() != "" {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			port = p
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return &db.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
		TimeZone: "UTC",
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
