package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("BADGE_CONFIG", "")
	t.Setenv("BADGE_REGISTRATION_KEY", "install-key")
	t.Setenv("BADGE_AUTHCODE_LIMIT", "3")
	t.Setenv("BADGE_AUTHCODE_LIFETIME", "90")
	t.Setenv("BADGE_SESSION_LIFETIME", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RegistrationKey != "install-key" {
		t.Fatalf("unexpected registration key: %q", cfg.RegistrationKey)
	}
	if cfg.CodeLimit != 3 {
		t.Fatalf("expected limit 3, got %d", cfg.CodeLimit)
	}
	if cfg.EphemeralTTL != 90*time.Second {
		t.Fatalf("expected 90s ephemeral ttl, got %v", cfg.EphemeralTTL)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("expected 2h session ttl, got %v", cfg.SessionTTL)
	}
	if cfg.CodeDigits != 16 {
		t.Fatalf("expected default code length, got %d", cfg.CodeDigits)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badge.yaml")
	body := strings.Join([]string{
		"registration_key: from-file",
		"media_root: /srv/media",
		"authcode_limit: 7",
		"session_lifetime: 30m",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BADGE_CONFIG", path)
	t.Setenv("BADGE_AUTHCODE_LIMIT", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RegistrationKey != "from-file" || cfg.MediaRoot != "/srv/media" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("expected 30m session ttl, got %v", cfg.SessionTTL)
	}
	if cfg.CodeLimit != 2 {
		t.Fatalf("env should override file, got limit %d", cfg.CodeLimit)
	}
}

func TestValidateRejectsMissingKey(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "BADGE_REGISTRATION_KEY") {
		t.Fatalf("expected registration key error, got %v", err)
	}
	cfg.RegistrationKey = "k"
	cfg.CodeLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected limit validation error")
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("BADGE_REGISTRATION_KEY", "k")
	t.Setenv("BADGE_LOG_LEVEL", "DEBUG")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}

	t.Setenv("BADGE_LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}
