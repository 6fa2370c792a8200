package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Session.PollHz != 20 {
		t.Fatalf("PollHz = %d, want 20", cfg.Session.PollHz)
	}
}

func TestLoadConfigYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("ecu:\n  port_path: /dev/ttyACM5\nserver:\n  listen_addr: \":9090\"\n"), 0644)

	cfg := LoadConfig(path)
	if cfg.ECU.PortPath != "/dev/ttyACM5" {
		t.Fatalf("PortPath = %q", cfg.ECU.PortPath)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("LIBRETUNE_LISTEN", ":7777")
	defer os.Unsetenv("LIBRETUNE_LISTEN")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Server.ListenAddr != ":7777" {
		t.Fatalf("ListenAddr = %q, want :7777 from env override", cfg.Server.ListenAddr)
	}
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.UpdateFromJSON([]byte(`{"session":{"pollHz":50}}`))
	if err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}
	if cfg.Session.PollHz != 50 {
		t.Fatalf("PollHz = %d, want 50", cfg.Session.PollHz)
	}
	if cfg.Session.RuntimeMode != "auto" {
		t.Fatalf("RuntimeMode = %q, expected preserved default", cfg.Session.RuntimeMode)
	}
}
