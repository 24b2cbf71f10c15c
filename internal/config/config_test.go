package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 28889, cfg.IPCPort)
	require.Equal(t, 28888, cfg.ExportPort)
	require.Equal(t, "127.0.0.1:28889", cfg.IPCAddr())
	require.Equal(t, "127.0.0.1:28888", cfg.ExportAddr())
	require.Equal(t, 2*time.Second, cfg.HeartbeatInterval.Duration)
	require.Equal(t, 6*time.Second, cfg.EvictAfter.Duration)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.toml")
	body := `
ipc_port = 31001
export_port = 31000
display_name = "workstation-left"
heartbeat_interval = "500ms"
evict_after = "2s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 31001, cfg.IPCPort)
	require.Equal(t, 31000, cfg.ExportPort)
	require.Equal(t, "workstation-left", cfg.DisplayName)
	require.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval.Duration)
	require.Equal(t, 2*time.Second, cfg.EvictAfter.Duration)

	// Untouched keys keep their defaults.
	require.Equal(t, "127.0.0.1", cfg.BindAddr)
	require.Equal(t, time.Second, cfg.IdlePoll.Duration)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.toml")
	require.NoError(t, os.WriteFile(path, []byte(`heartbeat_interval = "soon"`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ipc port", func(c *Config) { c.IPCPort = 0 }},
		{"export port too high", func(c *Config) { c.ExportPort = 70000 }},
		{"port collision", func(c *Config) { c.ExportPort = c.IPCPort }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = Duration{} }},
		{"evict not past heartbeat", func(c *Config) { c.EvictAfter = c.HeartbeatInterval }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
