// Package config holds the daemon settings: defaults, an optional
// TOML file, validation. Flags in cmd/ override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration lets TOML carry values like "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the daemon configuration.
type Config struct {
	// BindAddr is the local interface for the IPC and export
	// endpoints. Coordination is between processes on one machine.
	BindAddr   string `toml:"bind_addr"`
	IPCPort    int    `toml:"ipc_port"`
	ExportPort int    `toml:"export_port"`

	// AdminAddr and MetricsAddr are optional surfaces; empty disables.
	AdminAddr   string `toml:"admin_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	// DataDir holds the shared cluster-state file; it must be the
	// same directory for every instance on the machine. JournalDir is
	// per instance: the durable import journal of this process.
	DataDir    string `toml:"data_dir"`
	JournalDir string `toml:"journal_dir"`

	DisplayName string `toml:"display_name"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SweepInterval     Duration `toml:"sweep_interval"`
	EvictAfter        Duration `toml:"evict_after"`
	RequestTimeout    Duration `toml:"request_timeout"`
	ExportReadTimeout Duration `toml:"export_read_timeout"`
	IdlePoll          Duration `toml:"idle_poll"`
	BusyPoll          Duration `toml:"busy_poll"`
}

// Default returns the built-in settings.
func Default() Config {
	dataDir := "./data"
	if cache, err := os.UserCacheDir(); err == nil {
		dataDir = filepath.Join(cache, "quixel-portal")
	}

	host, _ := os.Hostname()

	return Config{
		BindAddr:          "127.0.0.1",
		IPCPort:           28889,
		ExportPort:        28888,
		DataDir:           dataDir,
		JournalDir:        "./import-journal",
		DisplayName:       host,
		HeartbeatInterval: Duration{2 * time.Second},
		SweepInterval:     Duration{2 * time.Second},
		EvictAfter:        Duration{6 * time.Second},
		RequestTimeout:    Duration{3 * time.Second},
		ExportReadTimeout: Duration{5 * time.Second},
		IdlePoll:          Duration{time.Second},
		BusyPoll:          Duration{100 * time.Millisecond},
	}
}

// Load reads path over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the coordinator cannot run with.
func (c Config) Validate() error {
	if c.IPCPort <= 0 || c.IPCPort > 65535 {
		return fmt.Errorf("ipc_port out of range: %d", c.IPCPort)
	}
	if c.ExportPort <= 0 || c.ExportPort > 65535 {
		return fmt.Errorf("export_port out of range: %d", c.ExportPort)
	}
	if c.IPCPort == c.ExportPort {
		return fmt.Errorf("ipc_port and export_port must differ")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.EvictAfter.Duration <= c.HeartbeatInterval.Duration {
		return fmt.Errorf("evict_after must exceed heartbeat_interval")
	}
	return nil
}

// IPCAddr is the well-known coordination endpoint.
func (c Config) IPCAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.IPCPort)
}

// ExportAddr is the well-known export endpoint.
func (c Config) ExportAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.ExportPort)
}
