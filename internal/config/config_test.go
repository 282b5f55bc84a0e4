package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	state := t.TempDir()
	t.Setenv("XDG_STATE_HOME", state)
	t.Setenv(EnvDBPath, "")
	t.Setenv(EnvSandboxDir, "")
	t.Setenv(EnvConfigPath, "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(state, "alphred", "alphred.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(state, "alphred", "sandbox"), cfg.SandboxDir)
	assert.Equal(t, RunDefaults{}, cfg.Run)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/custom.db")
	t.Setenv(EnvSandboxDir, "/tmp/sandbox")
	t.Setenv(EnvConfigPath, "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "/tmp/sandbox", cfg.SandboxDir)
}

func TestLoadRunDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alphred.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"provider: codex\nmodel: gpt-5\nmax_steps: 40\npermissions:\n  - read\n  - write\n"), 0o644))

	defaults, err := LoadRunDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, "codex", defaults.Provider)
	assert.Equal(t, "gpt-5", defaults.Model)
	assert.Equal(t, 40, defaults.MaxSteps)
	assert.Equal(t, []string{"read", "write"}, defaults.Permissions)
}

func TestLoadRunDefaultsRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alphred.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provder: codex\n"), 0o644))

	_, err := LoadRunDefaults(path)
	assert.ErrorContains(t, err, "provder")
}

func TestLoadRunDefaultsRejectsNegativeSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alphred.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_steps: -1\n"), 0o644))

	_, err := LoadRunDefaults(path)
	assert.ErrorContains(t, err, "max_steps")
}

func TestFromEnvLoadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alphred.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: claude\n"), 0o644))
	t.Setenv(EnvConfigPath, path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Run.Provider)
}
