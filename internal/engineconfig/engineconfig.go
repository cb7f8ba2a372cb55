// Package engineconfig loads the engine-level bootstrap configuration: where
// the catalog database and log file live, and a couple of process-wide
// defaults. It is deliberately small and read once at CLI startup — job
// configuration itself lives in the catalog, not in this file.
package engineconfig

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultMidDirName    = "cargo"
	defaultImportWorkers = 4
	defaultLogLevel      = "info"
)

// Config is the engine's bootstrap configuration.
type Config struct {
	CatalogPath   string `yaml:"catalog_path"`
	LogPath       string `yaml:"log_path"` // empty means stderr
	LogLevel      string `yaml:"log_level"`
	ImportWorkers int    `yaml:"import_workers"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		CatalogPath:   "cargoferry.db",
		LogPath:       "",
		LogLevel:      defaultLogLevel,
		ImportWorkers: defaultImportWorkers,
	}
}

// Unmarshal parses raw YAML into a Config, filling in defaults for anything
// left unset, and validates the result.
func Unmarshal(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("engineconfig: invalid configuration: %w", err)
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = Default().CatalogPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ImportWorkers <= 0 {
		cfg.ImportWorkers = defaultImportWorkers
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile loads and parses the engine config at filename. A missing file is
// not an error: the defaults are returned instead, so a fresh install works
// without any bootstrap step.
func LoadFile(filename string) (Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("engineconfig: failed to load %s: %w", filename, err)
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return Config{}, fmt.Errorf("engineconfig: failed to load %s: %w", filename, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("engineconfig: unknown log_level %q", c.LogLevel)
	}
	if c.ImportWorkers < 1 {
		return fmt.Errorf("engineconfig: import_workers must be >= 1, got %d", c.ImportWorkers)
	}
	return nil
}
