// Package config loads this daemon's on-disk configuration and merges
// it with CLI overrides.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs this daemon understands. Everything
// here is ambient process configuration; the core it boots has no
// configuration surface of its own.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	BusAddress  string `yaml:"bus_address"`
	DisableKDE  bool   `yaml:"disable_kde_watcher"`
}

// Default returns the configuration used when no file is present and no
// flags override it.
func Default() Config {
	return Config{LogLevel: "info", LogFormat: "auto"}
}

// DefaultPath returns $XDG_CONFIG_HOME/wl-tray-bridge/config.yaml,
// falling back to $HOME/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, "wl-tray-bridge", "config.yaml")
}

// Load reads and decodes the YAML file at path on top of Default. A
// missing file is not an error; it yields Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge overlays non-zero fields of override onto c, for applying CLI
// flag values on top of the file-derived configuration.
func (c Config) Merge(override Config) Config {
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.LogFormat != "" {
		c.LogFormat = override.LogFormat
	}
	if override.BusAddress != "" {
		c.BusAddress = override.BusAddress
	}
	if override.DisableKDE {
		c.DisableKDE = true
	}
	return c
}
