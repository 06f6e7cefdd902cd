package taskmesh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DeviceName == "" {
		t.Error("expected a device name")
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Errorf("expected discovery port %d, got %d", DefaultDiscoveryPort, cfg.DiscoveryPort)
	}
	if cfg.SyncPort != DefaultSyncPort {
		t.Errorf("expected sync port %d, got %d", DefaultSyncPort, cfg.SyncPort)
	}
	if cfg.Strategy != StrategyLastWriteWins {
		t.Errorf("expected last write wins, got %s", cfg.Strategy)
	}
	if !cfg.AutoSync {
		t.Error("expected auto sync on")
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path == "" {
		t.Errorf("expected sqlite storage defaults, got %+v", cfg.Storage)
	}
	if cfg.Snapshot.Enabled {
		t.Error("expected snapshots off")
	}
	if cfg.EventBuffer != 64 {
		t.Errorf("expected event buffer 64, got %d", cfg.EventBuffer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	doc := `device_name: workbench
discovery_port: 9100
sync_port: 9101
strategy: highestVersionWins
auto_sync: false
sync_passphrase: hunter2
storage:
  backend: memory
snapshot:
  enabled: true
  dir: backups
  codec: deflate
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DeviceName != "workbench" {
		t.Errorf("expected workbench, got %q", cfg.DeviceName)
	}
	if cfg.DiscoveryPort != 9100 || cfg.SyncPort != 9101 {
		t.Errorf("expected ports 9100/9101, got %d/%d", cfg.DiscoveryPort, cfg.SyncPort)
	}
	if cfg.Strategy != StrategyHighestVersionWins {
		t.Errorf("expected highest version wins, got %s", cfg.Strategy)
	}
	if cfg.AutoSync {
		t.Error("expected auto sync off")
	}
	if cfg.SyncPassphrase != "hunter2" {
		t.Errorf("expected passphrase kept, got %q", cfg.SyncPassphrase)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if !cfg.Snapshot.Enabled || cfg.Snapshot.Dir != "backups" || cfg.Snapshot.Codec != "deflate" {
		t.Errorf("expected snapshot overrides, got %+v", cfg.Snapshot)
	}
	// Keys the file does not mention keep their defaults.
	if cfg.EventBuffer != 64 {
		t.Errorf("expected default event buffer, got %d", cfg.EventBuffer)
	}
	if cfg.BroadcastInterval != DefaultBroadcastInterval {
		t.Errorf("expected default broadcast interval, got %s", cfg.BroadcastInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	doc := "discovery_port: 9100\nsync_port: 9100\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected port clash error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"ephemeral sync port", func(c *Config) { c.SyncPort = 0 }, ""},
		{"memory without path", func(c *Config) { c.Storage = StorageConfig{Backend: "memory"} }, ""},
		{"discovery port zero", func(c *Config) { c.DiscoveryPort = 0 }, "discovery_port"},
		{"sync port too high", func(c *Config) { c.SyncPort = 70000 }, "sync_port"},
		{"port clash", func(c *Config) { c.SyncPort = c.DiscoveryPort }, "must differ"},
		{"unknown strategy", func(c *Config) { c.Strategy = "coinFlip" }, "unknown strategy"},
		{"sqlite without path", func(c *Config) { c.Storage = StorageConfig{Backend: "sqlite"} }, "requires a path"},
		{"unknown backend", func(c *Config) { c.Storage = StorageConfig{Backend: "cloud"} }, "unknown storage backend"},
		{"unknown snapshot codec", func(c *Config) { c.Snapshot.Codec = "zip" }, "unknown archive codec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}
