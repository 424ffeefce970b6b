package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prte.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_period: 5s\nlog_level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatPeriod)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, Default().HeartbeatTimeout, cfg.HeartbeatTimeout)
}
