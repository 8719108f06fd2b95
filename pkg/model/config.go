package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once from the environment at startup. The database URLs
// are plain connection strings; DATABASE_READ_URLS carries zero or more
// comma-separated read-replica URLs.
type Config struct {
	WriteURL string
	ReadURLs []string

	RedisURL   string
	StatsdAddr string

	Port     string
	LogLevel string

	PoolMaxConns int32
	PoolMinConns int32

	QueryTimeout  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration

	CacheTTL         time.Duration
	CacheMaxFallback int

	MonitorInterval time.Duration
}

const (
	defaultPoolMaxConns     = 50
	defaultPoolMinConns     = 20
	defaultRetryAttempts    = 3
	defaultCacheMaxFallback = 100
)

func validate(cfg *Config) error {
	if cfg.WriteURL == "" {
		return fmt.Errorf("env variable DATABASE_URL cannot be empty")
	}
	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("DB_POOL_MIN_CONNS (%d) cannot exceed DB_POOL_MAX_CONNS (%d)",
			cfg.PoolMinConns, cfg.PoolMaxConns)
	}
	if cfg.RetryAttempts < 0 {
		return fmt.Errorf("DB_RETRY_ATTEMPTS cannot be negative")
	}
	return nil
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		WriteURL:         os.Getenv("DATABASE_URL"),
		ReadURLs:         splitURLs(os.Getenv("DATABASE_READ_URLS")),
		RedisURL:         envString("REDIS_URL", "redis://localhost:6379/0"),
		StatsdAddr:       os.Getenv("STATSD_ADDR"),
		Port:             envString("PORT", "8080"),
		LogLevel:         envString("LOG_LEVEL", "info"),
		PoolMaxConns:     int32(envInt("DB_POOL_MAX_CONNS", defaultPoolMaxConns)),
		PoolMinConns:     int32(envInt("DB_POOL_MIN_CONNS", defaultPoolMinConns)),
		QueryTimeout:     envDuration("DB_QUERY_TIMEOUT", time.Second*30),
		RetryAttempts:    envInt("DB_RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryDelay:       envDuration("DB_RETRY_DELAY", time.Millisecond*100),
		CacheTTL:         envDuration("CACHE_TTL", time.Second*300),
		CacheMaxFallback: envInt("CACHE_MAX_FALLBACK_SIZE", defaultCacheMaxFallback),
		MonitorInterval:  envDuration("MONITOR_INTERVAL", time.Second*30),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitURLs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		return parsed
	}
	// bare numbers are read as seconds to match the rest of the deployment
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
