// Package config loads runtime configuration for the call market server.
//
// Values come from environment variables. When CONFIG_FILE names a YAML
// file, its keys (the variable names in lower case, e.g. log_level) supply
// base values that the environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the call market.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL   string
	RunMigrations bool
	RedisURL      string
	CacheTTL      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	LifecycleInterval time.Duration
	AutoClearInterval time.Duration

	OrderRateLimit float64 // submissions per second, 0 disables
	OrderRateBurst int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from the optional YAML file and environment
// variables, applies defaults, and validates values. It returns an error
// for any invalid value.
func Load() (*Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	port, err := src.getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := strings.ToLower(src.getStr("LOG_LEVEL", "info"))
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	runMigrations, err := src.getBool("RUN_MIGRATIONS", true)
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_MIGRATIONS: %w", err)
	}

	cacheTTL, err := src.getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	lifecycleInterval, err := src.getDuration("LIFECYCLE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid LIFECYCLE_INTERVAL: %w", err)
	}
	if lifecycleInterval <= 0 {
		return nil, fmt.Errorf("invalid LIFECYCLE_INTERVAL: must be positive")
	}

	autoClearInterval, err := src.getDuration("AUTO_CLEAR_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_CLEAR_INTERVAL: %w", err)
	}
	if autoClearInterval < 0 {
		return nil, fmt.Errorf("invalid AUTO_CLEAR_INTERVAL: must not be negative")
	}

	rateLimit, err := src.getFloat("ORDER_RATE_LIMIT", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_RATE_LIMIT: %w", err)
	}
	if rateLimit < 0 {
		return nil, fmt.Errorf("invalid ORDER_RATE_LIMIT: must not be negative")
	}

	rateBurst, err := src.getInt("ORDER_RATE_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_RATE_BURST: %w", err)
	}
	if rateLimit > 0 && rateBurst < 1 {
		return nil, fmt.Errorf("invalid ORDER_RATE_BURST: must be at least 1")
	}

	readTimeout, err := src.getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := src.getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := src.getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := src.getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DatabaseURL:       src.getStr("DATABASE_URL", ""),
		RunMigrations:     runMigrations,
		RedisURL:          src.getStr("REDIS_URL", ""),
		CacheTTL:          cacheTTL,
		KafkaBrokers:      splitList(src.getStr("KAFKA_BROKERS", "")),
		KafkaTopic:        src.getStr("KAFKA_TOPIC", "callmarket.clearing"),
		LifecycleInterval: lifecycleInterval,
		AutoClearInterval: autoClearInterval,
		OrderRateLimit:    rateLimit,
		OrderRateBurst:    rateBurst,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
	}, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// source resolves a key from the environment first, then the file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var file map[string]string
	if err := yaml.Unmarshal(data, &file); err != nil {
		return source{}, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	return source{file: file}, nil
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) getStr(key, defaultVal string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) getInt(key string, defaultVal int) (int, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func (s source) getFloat(key string, defaultVal float64) (float64, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func (s source) getBool(key string, defaultVal bool) (bool, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func (s source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
