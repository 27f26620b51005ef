package sanitizer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\"): %v", err)
	}
	if cfg.RedzoneSize != 16 {
		t.Errorf("expected default redzone 16, got %d", cfg.RedzoneSize)
	}
	if cfg.FilterMode != "all" {
		t.Errorf("expected default filter mode all, got %q", cfg.FilterMode)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gasan.yaml")
	yaml := "redzone_size: 32\nquarantine_bound: 100\nfilter_mode: deny\nreport_sink: out.txt\ndebug: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RedzoneSize != 32 {
		t.Errorf("redzone_size = %d, want 32", cfg.RedzoneSize)
	}
	if cfg.QuarantineBound != 100 {
		t.Errorf("quarantine_bound = %d, want 100", cfg.QuarantineBound)
	}
	if cfg.FilterMode != "deny" {
		t.Errorf("filter_mode = %q, want deny", cfg.FilterMode)
	}
	if !cfg.Debug {
		t.Errorf("expected debug true")
	}
}

func TestApplyToScriptFilterRequiresPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilterMode = "script"

	emu := newTestSessionNoEmulator(t)
	if err := cfg.ApplyTo(emu); err == nil {
		t.Fatal("expected error when filter_script_path is missing")
	}
}

// newTestSessionNoEmulator builds a Session whose State can be exercised
// without a live Unicorn instance, for config-application tests that never
// touch memory or registers.
func newTestSessionNoEmulator(t *testing.T) *Session {
	t.Helper()
	return &Session{State: NewState()}
}
