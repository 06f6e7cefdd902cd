package taskmesh

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects where records and the timer reflog persist.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `json:"backend" yaml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `json:"path" yaml:"path"`
}

// Config is the top-level engine configuration.
type Config struct {
	// DeviceName is the human-readable name announced to peers.
	// Defaults to the hostname.
	DeviceName string `json:"device_name" yaml:"device_name"`
	// DiscoveryPort is the UDP port for presence announcements.
	DiscoveryPort int `json:"discovery_port" yaml:"discovery_port"`
	// SyncPort is the TCP port for sync sessions. 0 binds an ephemeral
	// port, which peers still learn through announcements.
	SyncPort int `json:"sync_port" yaml:"sync_port"`
	// Strategy settles concurrent edits. Defaults to last write wins.
	Strategy ConflictStrategy `json:"strategy" yaml:"strategy"`
	// AutoSync starts a sync session automatically when a peer
	// appears.
	AutoSync bool `json:"auto_sync" yaml:"auto_sync"`
	// SyncPassphrase enables payload encryption when non-empty. All
	// devices must share it.
	SyncPassphrase string `json:"-" yaml:"sync_passphrase"`
	// DisableBroadcast stops announcing this device. Listening and
	// manual connections keep working.
	DisableBroadcast bool `json:"disable_broadcast" yaml:"disable_broadcast"`
	// BroadcastInterval is the announcement period.
	BroadcastInterval time.Duration `json:"broadcast_interval" yaml:"broadcast_interval"`
	// SweepInterval is the stale peer check period.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// PeerStaleAfter is how long a silent peer stays listed.
	PeerStaleAfter time.Duration `json:"peer_stale_after" yaml:"peer_stale_after"`
	// LockStaleAfter is how long a sync lock may be held before
	// takeover.
	LockStaleAfter time.Duration `json:"lock_stale_after" yaml:"lock_stale_after"`
	// EventBuffer is the per-subscriber event channel capacity.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot"`

	// Store overrides Storage with a caller-supplied implementation.
	// The engine does not close a store it did not open.
	Store Store `json:"-" yaml:"-"`
}

// DefaultConfig returns settings that sync out of the box on a LAN.
func DefaultConfig() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "device"
	}
	return Config{
		DeviceName:        hostname,
		DiscoveryPort:     DefaultDiscoveryPort,
		SyncPort:          DefaultSyncPort,
		Strategy:          StrategyLastWriteWins,
		AutoSync:          true,
		BroadcastInterval: DefaultBroadcastInterval,
		SweepInterval:     DefaultSweepInterval,
		PeerStaleAfter:    DefaultPeerStaleAfter,
		LockStaleAfter:    DefaultLockStaleAfter,
		EventBuffer:       64,
		Storage:           StorageConfig{Backend: "sqlite", Path: "taskmesh.db"},
		Transport:         DefaultTransportConfig(),
		Snapshot:          DefaultSnapshotConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort)
	}
	if c.SyncPort < 0 || c.SyncPort > 65535 {
		return fmt.Errorf("sync_port %d out of range", c.SyncPort)
	}
	if c.SyncPort == c.DiscoveryPort {
		return fmt.Errorf("sync_port and discovery_port must differ")
	}
	switch c.Strategy {
	case "", StrategyLastWriteWins, StrategyHighestVersionWins, StrategyManualResolve:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := ParseArchiveCodec(c.Snapshot.Codec); err != nil {
		return err
	}
	return nil
}
