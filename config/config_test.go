package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toolink/admission/middleware"
	"github.com/toolink/admission/policy"
)

var allKeys = []string{
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "STORE_BACKEND", "BUCKET_TTL",
	"STORE_TIMEOUT", "ATOMIC_ADMISSION", "FAILURE_MODE", "DEFAULT_AUTH_RPM",
	"DEFAULT_AUTH_BURST", "DEFAULT_ANON_RPM", "DEFAULT_ANON_BURST",
	"DEFAULT_RETRY_AFTER", "POLICY_FILE", "HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every variable Load reads; blank counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 0 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	a := cfg.Admission
	if a.Backend != BackendRedis || a.BucketTTL != time.Hour || a.StoreTimeout != 250*time.Millisecond {
		t.Errorf("admission = %+v", a)
	}
	if a.Atomic || a.FailureMode != middleware.FailOpen {
		t.Errorf("atomic = %v mode = %s, want false and open", a.Atomic, a.FailureMode)
	}
	if a.Defaults != policy.DefaultLimits() {
		t.Errorf("defaults = %+v", a.Defaults)
	}
	if cfg.Server.Addr != ":8080" || cfg.Log.Level != "info" {
		t.Errorf("server = %+v log = %+v", cfg.Server, cfg.Log)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("BUCKET_TTL", "600")
	t.Setenv("STORE_TIMEOUT", "75ms")
	t.Setenv("ATOMIC_ADMISSION", "true")
	t.Setenv("FAILURE_MODE", "closed")
	t.Setenv("DEFAULT_AUTH_RPM", "300")
	t.Setenv("DEFAULT_AUTH_BURST", "100")
	t.Setenv("DEFAULT_RETRY_AFTER", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a := cfg.Admission
	if cfg.Redis.Addr != "redis:6380" || cfg.Redis.DB != 3 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if a.Backend != BackendMemory || a.BucketTTL != 10*time.Minute || a.StoreTimeout != 75*time.Millisecond {
		t.Errorf("admission = %+v", a)
	}
	if !a.Atomic || a.FailureMode != middleware.FailClosed {
		t.Errorf("atomic = %v mode = %s", a.Atomic, a.FailureMode)
	}
	want := policy.Limits{RequestsPerMinute: 300, BurstCapacity: 100, RetryAfterSeconds: 15}
	if a.Defaults.Authenticated != want || a.Defaults.Anonymous.RetryAfterSeconds != 15 {
		t.Errorf("defaults = %+v", a.Defaults)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"REDIS_DB", "zero"},
		{"STORE_BACKEND", "etcd"},
		{"BUCKET_TTL", "-5"},
		{"STORE_TIMEOUT", "soon"},
		{"ATOMIC_ADMISSION", "perhaps"},
		{"FAILURE_MODE", "sideways"},
		{"DEFAULT_ANON_BURST", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() with %s=%s error = nil", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestLoad_InconsistentDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEFAULT_ANON_RPM", "5")
	t.Setenv("DEFAULT_ANON_BURST", "50")

	_, err := Load()
	if !errors.Is(err, policy.ErrValidation) {
		t.Errorf("Load() error = %v, want validation error", err)
	}
}
