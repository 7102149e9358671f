// Package config reads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything main needs to wire the server.
type Config struct {
	DatabaseURL       string
	HTTPAddr          string
	CORSOrigins       []string
	AMQPURL           string
	EngineMaxParallel int
	DBMaxConns        int32
	DBConnMaxLifetime time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads the configuration. DATABASE_URL is required; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:3003")),
		AMQPURL:         os.Getenv("AMQP_URL"),
		ShutdownTimeout: 5 * time.Second,
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	var err error
	if cfg.EngineMaxParallel, err = getInt("ENGINE_MAX_PARALLEL", 0); err != nil {
		return nil, err
	}
	maxConns, err := getInt("DB_MAX_CONNS", 0)
	if err != nil {
		return nil, err
	}
	cfg.DBMaxConns = int32(maxConns)
	if cfg.DBConnMaxLifetime, err = getDuration("DB_CONN_MAX_LIFETIME", 0); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
