package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_VAR", "hello")
	defer os.Unsetenv("TEST_VAR")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"${TEST_VAR:default}", "hello"},
		{"${UNSET_VAR:fallback}", "fallback"},
		{"${UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
	}

	for _, tt := range tests {
		got := expandEnvVars(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
server:
  host: "0.0.0.0"
  port: 9999
runtime:
  primary:
    base_url: "http://localhost:11434"
    model: "llama3.1:8b"
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	var cfg Config
	if err := LoadFile(tmpFile.Name(), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Runtime.Primary.Model != "llama3.1:8b" {
		t.Errorf("expected primary model, got %s", cfg.Runtime.Primary.Model)
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	os.Setenv("TEST_PORT", "7777")
	defer os.Unsetenv("TEST_PORT")

	tmpFile, err := os.CreateTemp("", "test-config-env-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
server:
  host: "${TEST_HOST:127.0.0.1}"
  port: ${TEST_PORT}
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	var cfg Config
	if err := LoadFile(tmpFile.Name(), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1 (default), got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
}

func TestLoader_LoadBothFiles(t *testing.T) {
	dir := t.TempDir()
	gateway := `
limits:
  global_per_minute: 42
  daily_quota: 99
`
	safety := `
deny_phrases:
  - "custom deny phrase"
fallback_message: "custom fallback"
`
	if err := os.WriteFile(filepath.Join(dir, "gateway.yaml"), []byte(gateway), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "safety.yaml"), []byte(safety), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir, slog.Default())
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := l.Config()
	if cfg.Limits.GlobalPerMinute != 42 || cfg.Limits.DailyQuota != 99 {
		t.Errorf("unexpected limits: %+v", cfg.Limits)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}

	sc := l.Safety()
	if len(sc.DenyPhrases) != 1 || sc.DenyPhrases[0] != "custom deny phrase" {
		t.Errorf("unexpected deny phrases: %v", sc.DenyPhrases)
	}
	if sc.FallbackMessage != "custom fallback" {
		t.Errorf("unexpected fallback message: %q", sc.FallbackMessage)
	}
}

func TestLoader_MissingFileFails(t *testing.T) {
	l := NewLoader(t.TempDir(), slog.Default())
	if err := l.Load(); err == nil {
		t.Fatal("expected error for missing config files")
	}
}
