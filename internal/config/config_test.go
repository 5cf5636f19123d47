package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	workspace := t.TempDir()

	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Policy.SafeMode {
		t.Error("safe mode must default on")
	}
	if cfg.Policy.MaxCapabilities <= 0 {
		t.Error("capability ceiling must default positive")
	}
	if len(cfg.Policy.ImportAllowlist) == 0 {
		t.Error("default allowlist must not be empty")
	}
	if cfg.Sandbox.Timeout <= 0 {
		t.Error("sandbox timeout must default positive")
	}
	if cfg.Workspace != workspace {
		t.Errorf("Workspace = %q, want %q", cfg.Workspace, workspace)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	workspace := t.TempDir()

	cfg := DefaultConfig(workspace)
	cfg.Policy.MaxCapabilities = 7
	cfg.Sandbox.Timeout = 3 * time.Second
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(workspace)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Policy.MaxCapabilities != 7 {
		t.Errorf("MaxCapabilities = %d, want 7", loaded.Policy.MaxCapabilities)
	}
	if loaded.Sandbox.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", loaded.Sandbox.Timeout)
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".capforge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	bad := "policy:\n  max_capabilities: -1\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(workspace); err == nil {
		t.Fatal("negative capability ceiling must be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("CAPFORGE_UNSAFE", "1")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Oracle.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want the env value", cfg.Oracle.APIKey)
	}
	if cfg.Policy.SafeMode {
		t.Error("CAPFORGE_UNSAFE=1 must disable safe mode")
	}
}

func TestDataDirLayout(t *testing.T) {
	cfg := DefaultConfig("/ws")
	if got := cfg.DataDir(); got != "/ws/.capforge" {
		t.Errorf("DataDir = %q", got)
	}
	if got := cfg.CapabilitiesDir(); got != "/ws/.capforge/capabilities" {
		t.Errorf("CapabilitiesDir = %q", got)
	}
	if got := cfg.BackupsDir(); got != "/ws/.capforge/backups" {
		t.Errorf("BackupsDir = %q", got)
	}
	if got := cfg.CheckpointsDir(); got != "/ws/.capforge/checkpoints" {
		t.Errorf("CheckpointsDir = %q", got)
	}
}
