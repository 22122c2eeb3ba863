package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RELAY_URL", "BACKEND_MODE", "BACKEND_URL", "BACKEND_TOKEN", "DATABASE_URL", "NATS_URL",
		"NATS_STREAM", "NATS_SUBJECT_PREFIX", "REDIS_URL", "STATUS_ADDR", "SESSION_POLICY",
		"BACKUP_BUCKET", "BACKUP_ENDPOINT", "BACKUP_REGION", "BACKUP_ACCESS_KEY_ID", "BACKUP_SECRET_ACCESS_KEY",
		"MAX_DEPENDENCY_RETRIES", "DRAIN_INTERVAL", "ERROR_RETRY_INTERVAL", "CONNECTION_CHECK_TTL",
		"RELAY_HEARTBEAT", "RELAY_RECONNECT_DELAY", "BACKUP_INTERVAL", "CONFIG_FILE",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaultsWithRelayOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_URL", " ws://relay.local:8080 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "ws://relay.local:8080" {
		t.Fatalf("relay url not trimmed: %q", cfg.RelayURL)
	}
	if cfg.BackendMode != BackendNone {
		t.Fatalf("expected none backend, got %q", cfg.BackendMode)
	}
	if cfg.DrainInterval != time.Second || cfg.ErrorRetryInterval != 30*time.Second {
		t.Fatalf("unexpected sync intervals: %v %v", cfg.DrainInterval, cfg.ErrorRetryInterval)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.ReconnectDelay != 5*time.Second {
		t.Fatalf("unexpected relay intervals: %v %v", cfg.HeartbeatInterval, cfg.ReconnectDelay)
	}
	if cfg.MaxDependencyRetries != 10 {
		t.Fatalf("expected 10 dependency retries, got %d", cfg.MaxDependencyRetries)
	}
}

func TestLoadDerivesRelayFromBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_URL", "https://api.example.com/v1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "wss://api.example.com" {
		t.Fatalf("unexpected relay url %q", cfg.RelayURL)
	}
	if cfg.BackendMode != BackendREST {
		t.Fatalf("expected rest backend, got %q", cfg.BackendMode)
	}
}

func TestLoadRequiresSomething(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without relay or backend")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_URL", "ws://x")
	t.Setenv("BACKEND_MODE", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown backend mode")
	}
}

func TestYAMLOverlayAndEnvPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	body := `
relay_url: ws://from-file:9000
backend:
  mode: postgres
  database_url: postgres://u:p@db/escoresheet
sync:
  drain_interval: 2s
  max_dependency_retries: 4
relay:
  heartbeat: "15"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RELAY_URL", "ws://from-env:9001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "ws://from-env:9001" {
		t.Fatalf("env should win, got %q", cfg.RelayURL)
	}
	if cfg.BackendMode != BackendPostgres || cfg.DatabaseURL == "" {
		t.Fatalf("unexpected backend: %q %q", cfg.BackendMode, cfg.DatabaseURL)
	}
	if cfg.DrainInterval != 2*time.Second {
		t.Fatalf("drain interval: %v", cfg.DrainInterval)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("heartbeat: %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxDependencyRetries != 4 {
		t.Fatalf("max retries: %d", cfg.MaxDependencyRetries)
	}
}

func TestDotEnvLoaded(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("RELAY_URL=ws://dotenv:7000\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv.Load never overrides variables already present, so unset the cleared key.
	os.Unsetenv("RELAY_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "ws://dotenv:7000" {
		t.Fatalf("expected relay from .env, got %q", cfg.RelayURL)
	}
	os.Unsetenv("RELAY_URL")
}

func TestParseDuration(t *testing.T) {
	if d, err := parseDuration("45"); err != nil || d != 45*time.Second {
		t.Fatalf("bare seconds: %v %v", d, err)
	}
	if d, err := parseDuration("250ms"); err != nil || d != 250*time.Millisecond {
		t.Fatalf("go duration: %v %v", d, err)
	}
	if _, err := parseDuration("-1s"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
}
