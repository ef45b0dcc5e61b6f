package config

import (
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue string
		expected     string
	}{
		{name: "returns environment variable when set", envValue: "env_value", defaultValue: "default", expected: "env_value"},
		{name: "returns default when empty", envValue: "", defaultValue: "default", expected: "default"},
		{name: "handles empty default", envValue: "x", defaultValue: "", expected: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAY_TEST_KEY", tt.envValue)
			if got := getenv("RELAY_TEST_KEY", tt.defaultValue); got != tt.expected {
				t.Errorf("getenv() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTypedGetenvFallbacks(t *testing.T) {
	t.Setenv("RELAY_INT", "not-a-number")
	t.Setenv("RELAY_FLOAT", "0.5")
	t.Setenv("RELAY_BOOL", "yes-please")
	t.Setenv("RELAY_DUR", "90s")

	if got := getenvInt("RELAY_INT", 7); got != 7 {
		t.Errorf("getenvInt fallback = %d, want 7", got)
	}
	if got := getenvFloat("RELAY_FLOAT", 0.1); got != 0.5 {
		t.Errorf("getenvFloat = %v, want 0.5", got)
	}
	if got := getenvBool("RELAY_BOOL", true); got != true {
		t.Errorf("getenvBool fallback = %v, want true", got)
	}
	if got := getenvDuration("RELAY_DUR", time.Second); got != 90*time.Second {
		t.Errorf("getenvDuration = %v, want 90s", got)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "harborrelay" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Window != time.Minute || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Worker.MaxAttempts != 8 || cfg.Worker.BackoffBase != time.Second || cfg.Worker.BackoffCap != 10*time.Minute {
		t.Errorf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Signing.GracePeriod != 24*time.Hour {
		t.Errorf("GracePeriod = %v, want 24h", cfg.Signing.GracePeriod)
	}
	if cfg.Signing.SignatureHeader != "X-HarborRelay-Signature" {
		t.Errorf("SignatureHeader = %q", cfg.Signing.SignatureHeader)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("Redis.Addr should default to empty, got %q", cfg.Redis.Addr)
	}
	if cfg.Worker.HTTPPort != ":8083" {
		t.Errorf("Worker.HTTPPort = %q", cfg.Worker.HTTPPort)
	}
	if cfg.Worker.AttemptRetention != 7*24*time.Hour || cfg.Worker.PruneInterval != time.Hour {
		t.Errorf("unexpected ledger retention defaults: %+v", cfg.Worker)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "3")
	t.Setenv("BREAKER_WINDOW", "60s")
	t.Setenv("BREAKER_COOLDOWN", "30s")
	t.Setenv("MAX_ATTEMPTS", "4")
	t.Setenv("SECRET_GRACE_PERIOD", "1h")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("WORKER_HTTP_PORT", "9100")

	cfg := FromEnv()
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.Window != 60*time.Second {
		t.Errorf("breaker overrides not applied: %+v", cfg.Breaker)
	}
	if cfg.Worker.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Signing.GracePeriod != time.Hour {
		t.Errorf("GracePeriod = %v", cfg.Signing.GracePeriod)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Worker.HTTPPort != ":9100" {
		t.Errorf("Worker.HTTPPort = %q", cfg.Worker.HTTPPort)
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "relay"}}
	want := "postgres://u:p@h:5433/relay?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
