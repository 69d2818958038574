package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cinderdb.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
	assert.Equal(t, EngineBitcask, c.Engine)
	assert.Equal(t, filepath.Join("data", "cinderdb.log"), c.LogPath())
	assert.Equal(t, 5*time.Minute, c.SessionIdleTimeout())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data-dir = "/var/lib/cinder"
engine = "memory"
log-level = "debug"
compact-garbage-ratio = -1.0
session-timeout = "30s"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cinder", c.DataDir)
	assert.Equal(t, EngineMemory, c.Engine)
	assert.Equal(t, "127.0.0.1:9001", c.Listen)
	assert.Equal(t, -1.0, c.CompactGarbageRatio)
	assert.Equal(t, int64(1<<20), c.CompactMinBytes)
	assert.Equal(t, 30*time.Second, c.SessionIdleTimeout())

	logger, err := c.Logger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestLoadErrors(t *testing.T) {
	for name, data := range map[string]string{
		"unknown key":    `nope = 1`,
		"unknown engine": `engine = "lsm"`,
		"bad level":      `log-level = "loud"`,
		"bad ratio":      `compact-garbage-ratio = 2.0`,
		"syntax":         `engine = `,
		"bad timeout":    `session-timeout = "soon"`,
		"neg timeout":    `session-timeout = "-1s"`,
	} {
		_, err := Load(writeConfig(t, data))
		assert.Error(t, err, name)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
