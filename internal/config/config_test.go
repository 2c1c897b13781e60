package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Gateway.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Tier2.Provider)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
gateway:
  port: 9999
llm:
  tier1:
    provider: local
    model: mistral:7b
`), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "mistral:7b", cfg.LLM.Tier1.Model)
	assert.Equal(t, 1000, cfg.Gateway.HeartbeatIntervalMs, "defaults survive partial files")
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("gateway:\n  port: -4\n"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestEnsureFileIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core_memory.md")

	require.NoError(t, EnsureFile(path, "initial"))
	require.NoError(t, os.WriteFile(path, []byte("edited"), 0o600))
	require.NoError(t, EnsureFile(path, "initial"), "second call is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))
}

func TestStateDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	t.Setenv("AIDED_STATE_DIR", dir)

	got, err := StateDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWritePidFile(t *testing.T) {
	dir := t.TempDir()
	path, err := WritePidFile(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
