package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "refarch", cfg.Engine.CPU)
	assert.Equal(t, 4096, cfg.Engine.DefaultBlockSize)
	assert.False(t, cfg.Engine.BuiltinCounter)

	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:8787", cfg.API.ListenAddr)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestPath(t *testing.T) {
	path := Path()
	assert.NotEmpty(t, path)
	assert.Equal(t, "dbictl.toml", filepath.Base(path))

	switch runtime.GOOS {
	case "darwin", "linux":
		dir := filepath.Dir(path)
		if path != "dbictl.toml" {
			assert.Equal(t, "dbi-engine", filepath.Base(dir))
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "test_config.toml")

	cfg := Default()
	cfg.Engine.CPU = "custom-arch"
	cfg.Engine.BuiltinCounter = true
	cfg.API.Enabled = true
	cfg.API.ListenAddr = "0.0.0.0:9000"
	cfg.Instrumentation.Ranges = []RangeEntry{
		{Name: "main", Start: "0x1000", End: "0x2000"},
	}

	require.NoError(t, cfg.SaveTo(configPath))
	require.FileExists(t, configPath)

	loaded, err := LoadFrom(configPath)
	require.NoError(t, err)

	assert.Equal(t, "custom-arch", loaded.Engine.CPU)
	assert.True(t, loaded.Engine.BuiltinCounter)
	assert.True(t, loaded.API.Enabled)
	assert.Equal(t, "0.0.0.0:9000", loaded.API.ListenAddr)
	require.Len(t, loaded.Instrumentation.Ranges, 1)
	assert.Equal(t, "main", loaded.Instrumentation.Ranges[0].Name)
}

func TestLoadNonExistent(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "nonexistent.toml")

	cfg, err := LoadFrom(configPath)
	require.NoError(t, err)
	assert.Equal(t, "refarch", cfg.Engine.CPU)
}

func TestLoadInvalidTOML(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "invalid.toml")

	invalidTOML := `
[engine]
default_block_size = "not a number"
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidTOML), 0644))

	_, err := LoadFrom(configPath)
	assert.Error(t, err)
}

func TestSaveCreatesDirectory(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "subdir1", "subdir2", "config.toml")

	cfg := Default()
	require.NoError(t, cfg.SaveTo(configPath))
	require.FileExists(t, configPath)
}
