package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Agent.VerificationMode != "full" {
		t.Fatalf("expected default verification mode full, got %s", cfg.Agent.VerificationMode)
	}
	if cfg.Events.BatchSizeBytes != 1_000_000 {
		t.Fatalf("expected default batch size 1000000, got %d", cfg.Events.BatchSizeBytes)
	}
}

func TestLoadFileAppliesNormalize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	yamlContent := `
agent:
  server_url: https://manager.example.com
  verification_mode: bogus
  commands_request_timeout_ms: 1
events:
  batch_size_bytes: 1
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Agent.ServerURL != "https://manager.example.com" {
		t.Fatalf("expected server url to load from file, got %q", cfg.Agent.ServerURL)
	}
	if cfg.Agent.VerificationMode != "full" {
		t.Fatalf("expected invalid verification mode to normalize to full, got %s", cfg.Agent.VerificationMode)
	}
	if cfg.Agent.CommandsRequestTimeout != 10_000 {
		t.Fatalf("expected commands timeout clamped to 10000ms, got %d", cfg.Agent.CommandsRequestTimeout)
	}
	if cfg.Events.BatchSizeBytes != 1000 {
		t.Fatalf("expected batch size clamped to 1000, got %d", cfg.Events.BatchSizeBytes)
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected missing file to be tolerated, got %v", err)
	}
	if cfg.Agent.VerificationMode != "full" {
		t.Fatalf("expected defaults to apply, got %+v", cfg)
	}
}
