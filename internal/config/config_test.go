package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ciaaguard.yaml")

	yamlContent := `
server:
  log_level: debug
  metrics_addr: ":9090"
  fail_mode: open

policy:
  file_path: ./custom-policies.yaml
  watch: false

rate_limit:
  global_rps: 500
  global_burst: 1000
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(path); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.FailMode != "open" {
		t.Errorf("FailMode = %q, want open", cfg.Server.FailMode)
	}
	if cfg.Policy.FilePath != "./custom-policies.yaml" {
		t.Errorf("Policy.FilePath = %q, want ./custom-policies.yaml", cfg.Policy.FilePath)
	}
	if cfg.Policy.Watch {
		t.Error("Policy.Watch = true, want false")
	}
	if cfg.RateLimit.GlobalRPS != 500 {
		t.Errorf("RateLimit.GlobalRPS = %v, want 500", cfg.RateLimit.GlobalRPS)
	}
	// Fields left unset in the YAML should keep Default()'s values.
	if cfg.Audit.LogDir != "./audit" {
		t.Errorf("Audit.LogDir = %q, want default ./audit", cfg.Audit.LogDir)
	}
	if cfg.Learner.WindowSize != 1000 {
		t.Errorf("Learner.WindowSize = %d, want default 1000", cfg.Learner.WindowSize)
	}
}

func TestLoaderLoadMissingFileErrors(t *testing.T) {
	loader := NewLoader()
	if err := loader.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error loading a missing config file")
	}
}

func TestGenerateDefaultProducesLoadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ciaaguard.yaml")

	if err := GenerateDefault(path); err != nil {
		t.Fatalf("GenerateDefault: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(path); err != nil {
		t.Fatalf("Load(generated default): %v", err)
	}
	if loader.Get().Policy.FilePath != Default().Policy.FilePath {
		t.Error("generated default did not round-trip through Load")
	}
}
