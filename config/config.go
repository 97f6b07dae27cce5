// Package config loads process configuration from the environment, after
// merging an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/middleware"
	"github.com/toolink/admission/policy"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	Redis     RedisConfig
	Admission AdmissionConfig
	Server    ServerConfig
	Log       LogConfig
}

// RedisConfig locates the Redis server or cluster.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AdmissionConfig tunes the engine, its store and the middleware failure mode.
type AdmissionConfig struct {
	Backend      string
	BucketTTL    time.Duration
	StoreTimeout time.Duration
	Atomic       bool
	FailureMode  middleware.FailureMode
	Defaults     policy.Defaults
	PolicyFile   string
}

// ServerConfig configures the HTTP sidecar.
type ServerConfig struct {
	Addr string
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads .env when present, then the environment. Errors name the
// offending variable.
func Load() (Config, error) {
	_ = godotenv.Load()

	db, err := getInt("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	redis := RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}

	admission, err := buildAdmissionConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Redis:     redis,
		Admission: admission,
		Server:    ServerConfig{Addr: getEnv("HTTP_ADDR", ":8080")},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}, nil
}

func buildAdmissionConfig() (AdmissionConfig, error) {
	backend := strings.ToLower(getEnv("STORE_BACKEND", BackendRedis))
	if backend != BackendMemory && backend != BackendRedis {
		return AdmissionConfig{}, fmt.Errorf("invalid STORE_BACKEND %q, want %s or %s", backend, BackendMemory, BackendRedis)
	}

	ttl, err := getDuration("BUCKET_TTL", limiter.DefaultTTL)
	if err != nil {
		return AdmissionConfig{}, err
	}
	timeout, err := getDuration("STORE_TIMEOUT", limiter.DefaultStoreTimeout)
	if err != nil {
		return AdmissionConfig{}, err
	}
	atomic, err := getBool("ATOMIC_ADMISSION", false)
	if err != nil {
		return AdmissionConfig{}, err
	}
	mode, err := middleware.ParseFailureMode(getEnv("FAILURE_MODE", "open"))
	if err != nil {
		return AdmissionConfig{}, fmt.Errorf("invalid FAILURE_MODE: %w", err)
	}
	defaults, err := buildDefaults()
	if err != nil {
		return AdmissionConfig{}, err
	}

	return AdmissionConfig{
		Backend:      backend,
		BucketTTL:    ttl,
		StoreTimeout: timeout,
		Atomic:       atomic,
		FailureMode:  mode,
		Defaults:     defaults,
		PolicyFile:   os.Getenv("POLICY_FILE"),
	}, nil
}

func buildDefaults() (policy.Defaults, error) {
	d := policy.DefaultLimits()
	fields := []struct {
		name string
		dst  *int
	}{
		{"DEFAULT_AUTH_RPM", &d.Authenticated.RequestsPerMinute},
		{"DEFAULT_AUTH_BURST", &d.Authenticated.BurstCapacity},
		{"DEFAULT_ANON_RPM", &d.Anonymous.RequestsPerMinute},
		{"DEFAULT_ANON_BURST", &d.Anonymous.BurstCapacity},
	}
	for _, f := range fields {
		v, err := getInt(f.name, *f.dst)
		if err != nil {
			return policy.Defaults{}, err
		}
		*f.dst = v
	}

	retry, err := getInt("DEFAULT_RETRY_AFTER", d.Authenticated.RetryAfterSeconds)
	if err != nil {
		return policy.Defaults{}, err
	}
	d.Authenticated.RetryAfterSeconds = retry
	d.Anonymous.RetryAfterSeconds = retry

	if err := d.Validate(); err != nil {
		return policy.Defaults{}, fmt.Errorf("invalid DEFAULT_* limits: %w", err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getDuration accepts a Go duration ("90s", "1h") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
