package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "gw_local", cfg.GatewayID)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Empty(t, cfg.DBPath)
	assert.Equal(t, int64(1<<20), cfg.EnvelopeByteCap)
	assert.Greater(t, cfg.FrameByteCap, cfg.EnvelopeByteCap)
	assert.Equal(t, 30, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 100, cfg.KeyPackagePoolCap)
	assert.False(t, cfg.RetentionHardLimits)
	assert.Equal(t, 20, cfg.Rate.Send.Burst)
	assert.InDelta(t, 10.0, cfg.Rate.Send.PerSecond, 0.001)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DS_GW_GATEWAY_ID", "gw_env")
	t.Setenv("DS_GW_RATE_SEND_BURST", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "gw_env", cfg.GatewayID)
	assert.Equal(t, 3, cfg.Rate.Send.Burst)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"gateway_id: gw_file\nretention_max_events_per_conv: 500\nrate:\n  send:\n    burst: 7\n"), 0o600))

	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = []string{oldArgs[0], "server", "--config_file", file}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "gw_file", cfg.GatewayID)
	assert.Equal(t, int64(500), cfg.RetentionMaxEventsPerConv)
	assert.Equal(t, 7, cfg.Rate.Send.Burst)
}

func TestValidateRejectsBadCaps(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.FrameByteCap = cfg.EnvelopeByteCap
	assert.Error(t, cfg.Validate())

	cfg.FrameByteCap = cfg.EnvelopeByteCap + 1
	cfg.GatewayID = ""
	assert.Error(t, cfg.Validate())
}
