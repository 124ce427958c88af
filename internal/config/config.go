// Package config loads engine configuration from a YAML file and applies
// defaults and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration of the automation engine.
type Config struct {
	// DBPath is the SQLite database file. ":memory:" is accepted for
	// throwaway runs.
	DBPath string `yaml:"db_path"`

	// MaxAttempts is the ledger retry budget per (event, action) before
	// the failure moves to the dead letter queue.
	MaxAttempts int `yaml:"max_attempts"`

	// DefaultTimeout bounds action attempts that carry no per-action
	// timeout. Accepts Go duration syntax ("30s", "2m").
	DefaultTimeout Duration `yaml:"default_timeout"`

	// Sweep tunes the background retry sweep.
	Sweep SweepConfig `yaml:"sweep"`

	// RetentionDays is how long unresolved dead letters live before the
	// expiry pass marks them permanently failed.
	RetentionDays int `yaml:"retention_days"`
}

// SweepConfig tunes the background retry sweep.
type SweepConfig struct {
	// Interval between sweep passes.
	Interval Duration `yaml:"interval"`

	// Workers bounds sweep concurrency.
	Workers int `yaml:"workers"`

	// Batch caps how many entries one pass picks up.
	Batch int `yaml:"batch"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DBPath:         "automation.db",
		MaxAttempts:    3,
		DefaultTimeout: Duration(30 * time.Second),
		Sweep: SweepConfig{
			Interval: Duration(30 * time.Second),
			Workers:  4,
			Batch:    100,
		},
		RetentionDays: 30,
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are
// rejected so typos fail loudly instead of silently using a default.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.Sweep.Workers < 1 {
		return fmt.Errorf("sweep.workers must be >= 1, got %d", c.Sweep.Workers)
	}
	if c.Sweep.Batch < 1 {
		return fmt.Errorf("sweep.batch must be >= 1, got %d", c.Sweep.Batch)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d", c.RetentionDays)
	}
	return nil
}

// Retention returns the retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
