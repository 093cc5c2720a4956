// Package config loads bootcode settings from YAML, with defaults for every
// field so that a missing file is equivalent to an empty one.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all bootcode settings.
type Config struct {
	// DataDir holds the program archive and report store.
	DataDir string `yaml:"data_dir"`

	// Store enables archiving programs and memoizing reports.
	Store bool `yaml:"store"`

	Log    LogConfig    `yaml:"log"`
	VM     VMConfig     `yaml:"vm"`
	Repair RepairConfig `yaml:"repair"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// File receives JSON records in addition to stderr. Empty disables it.
	File string `yaml:"file"`
}

// VMConfig configures program runs.
type VMConfig struct {
	// StepLimit caps executed instructions per run. Zero means no cap.
	StepLimit uint64 `yaml:"step_limit"`
}

// RepairConfig configures the repair search.
type RepairConfig struct {
	// Workers is the number of concurrent candidate evaluations.
	Workers int `yaml:"workers"`

	// All reports every terminating flip instead of the first.
	All bool `yaml:"all"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir: defaultDataDir(),
		Store:   true,
		Log: LogConfig{
			Level: "info",
		},
		Repair: RepairConfig{
			Workers: runtime.NumCPU(),
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "bootcode")
	}
	return ".bootcode"
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse reads YAML from r over the defaults.
func Parse(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := decode(r, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field values.
func (c Config) Validate() error {
	var issues []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Repair.Workers < 0 {
		issues = append(issues, fmt.Sprintf("repair.workers %d must not be negative", c.Repair.Workers))
	}
	if c.Store && c.DataDir == "" {
		issues = append(issues, "data_dir is required when store is enabled")
	}

	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(issues, "; "))
	}
	return nil
}

// ArchivePath is the program archive database file.
func (c Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "programs.db")
}

// ReportsDir is the report store directory.
func (c Config) ReportsDir() string {
	return filepath.Join(c.DataDir, "reports")
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
