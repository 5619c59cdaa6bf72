// Package config loads and saves engine configuration in TOML form.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config is the top-level on-disk configuration for the dbictl CLI and any
// embedder that wants a file instead of hand-wiring the engine.
type Config struct {
	Engine struct {
		CPU              string `toml:"cpu"`
		DefaultBlockSize int    `toml:"default_block_size"`
		BuiltinCounter   bool   `toml:"builtin_counter"`
		BuiltinTracer    bool   `toml:"builtin_tracer"`
	} `toml:"engine"`

	Instrumentation struct {
		Ranges []RangeEntry `toml:"ranges"`
		Limit  struct {
			Enabled bool   `toml:"enabled"`
			Start   string `toml:"start"`
			End     string `toml:"end"`
		} `toml:"limit"`
	} `toml:"instrumentation"`

	API struct {
		Enabled    bool   `toml:"enabled"`
		ListenAddr string `toml:"listen_addr"`
	} `toml:"api"`

	Inspector struct {
		Enabled       bool `toml:"enabled"`
		RefreshMillis int  `toml:"refresh_millis"`
	} `toml:"inspector"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
		Output string `toml:"output"` // file path, or "-" for stdout
	} `toml:"logging"`
}

// RangeEntry is one instrumented-range table entry, addresses given as
// "0x..." strings so the file stays hex-friendly.
type RangeEntry struct {
	Name  string `toml:"name"`
	Start string `toml:"start"`
	End   string `toml:"end"`
}

// Default returns a configuration with the engine's baseline defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Engine.CPU = "refarch"
	cfg.Engine.DefaultBlockSize = 4096
	cfg.Engine.BuiltinCounter = false
	cfg.Engine.BuiltinTracer = false

	cfg.API.Enabled = false
	cfg.API.ListenAddr = "127.0.0.1:8787"

	cfg.Inspector.Enabled = false
	cfg.Inspector.RefreshMillis = 200

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "-"
	return cfg
}

// Path returns the platform-specific config file path.
func Path() string {
	var dir string
	switch runtime.GOOS {
	case "windows":
		dir = os.Getenv("APPDATA")
		if dir == "" {
			dir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		dir = filepath.Join(dir, "dbi-engine")

	case "darwin", "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return "dbictl.toml"
		}
		dir = filepath.Join(home, ".config", "dbi-engine")

	default:
		return "dbictl.toml"
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "dbictl.toml"
	}
	return filepath.Join(dir, "dbictl.toml")
}

// Load reads the default config file, returning defaults if it doesn't
// exist.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads path, returning defaults if it doesn't exist.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes c to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(Path())
}

// SaveTo writes c to path in TOML form.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}

	f, err := os.Create(path) // #nosec G304 -- operator-provided config file path
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("config: close %s: %w", path, closeErr)
		}
	}()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}

	return nil
}
