// Package config loads the operational knobs of the monitoring service from
// the environment. DATABASE_URL is the only required value; everything else
// has documented defaults matching the production deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Pool sizing shared by every store caller. Acquisition must never wedge a
// probe tick, so the connect timeout is deliberately short.
const (
	PoolMaxConns       = 20
	PoolIdleTimeout    = 5 * time.Minute
	PoolConnectTimeout = 5 * time.Second
)

// Breaker defaults applied per endpoint unless overridden at instantiation.
// resetTimeout is derived per endpoint as 3x its check interval.
const (
	BreakerFailureThreshold = 70
	BreakerMonitoringPeriod = 300 * time.Second
	BreakerMinimumRequests  = 3
	BreakerResetMultiplier  = 3
)

// Config is the process configuration.
type Config struct {
	DatabaseURL string
	HTTPPort    int

	Bus       BusConfig
	Retention RetentionConfig
}

// BusConfig bounds the live event bus.
type BusConfig struct {
	MaxClients        int
	MaxRoomsPerClient int
	ClientTimeout     time.Duration
}

// RetentionConfig drives the daily roll-up and deletion job.
type RetentionConfig struct {
	DetailRetentionDays int
	HourlyRetentionDays int
	DailyRetentionDays  int
	BatchSize           int
	DeleteEnabled       bool
}

// Load reads configuration from the environment. A missing DATABASE_URL is a
// fatal configuration error; the caller is expected to exit.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL: dbURL,
		HTTPPort:    envInt("HTTP_PORT", 8080),
		Bus: BusConfig{
			MaxClients:        envInt("MAX_CLIENTS", 100),
			MaxRoomsPerClient: envInt("MAX_ROOMS_PER_CLIENT", 10),
			ClientTimeout:     time.Duration(envInt("CLIENT_TIMEOUT_MS", 300_000)) * time.Millisecond,
		},
		Retention: RetentionConfig{
			DetailRetentionDays: envInt("DETAIL_RETENTION_DAYS", 7),
			HourlyRetentionDays: envInt("HOURLY_RETENTION_DAYS", 30),
			DailyRetentionDays:  envInt("DAILY_RETENTION_DAYS", 90),
			BatchSize:           envInt("CLEANUP_BATCH_SIZE", 10_000),
			DeleteEnabled:       envBool("CLEANUP_ENABLED", true),
		},
	}
	return cfg, nil
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
