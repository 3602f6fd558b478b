// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	Port       int
	ListenAddr string
	Env        string // environment tag: development, production

	// Database
	DatabasePath string

	// Session liveness
	PingInterval   time.Duration // keep-alive ping cadence per session
	StaleThreshold time.Duration // idle time before the sweeper evicts
	SweepInterval  time.Duration // sweeper cadence

	// Alarm engine
	TickInterval time.Duration

	// Optional WebSocket origin allow-list; empty allows all.
	AllowedOrigins []string
}

// Load reads configuration from the environment, consulting a .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := parseInt("PORT", 3000)
	cfg := &Config{
		Port:           port,
		ListenAddr:     fmt.Sprintf(":%d", port),
		Env:            getEnv("ENV", "development"),
		DatabasePath:   getEnv("DATABASE_PATH", "waterhub.db"),
		PingInterval:   parseDuration("PING_INTERVAL", 25*time.Second),
		StaleThreshold: parseDuration("STALE_THRESHOLD", 10*time.Minute),
		SweepInterval:  parseDuration("SWEEP_INTERVAL", 2*time.Minute),
		TickInterval:   parseDuration("ALARM_TICK_INTERVAL", time.Minute),
		AllowedOrigins: parseList("ALLOWED_ORIGINS"),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT out of range: %d", cfg.Port)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
