package storage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the engine's tunables. There is no CLI and no environment
// variable surface for these -- they are wired in by the embedding process,
// optionally loaded from a YAML defaults file via LoadConfig.
type Config struct {
	// MaxCapacityBytes bounds resident cache size as tracked by the MRU
	// capacity accountant. Zero combined with MaxForwardBlock == 0 puts
	// the engine in disabled (synchronous commit) mode.
	MaxCapacityBytes int64 `yaml:"max_capacity_bytes"`

	// MaxForwardBlock bounds commitNum - syncNum. Zero combined with
	// MaxCapacityBytes == 0 puts the engine in disabled mode.
	MaxForwardBlock uint64 `yaml:"max_forward_block"`

	// ClearInterval is the evictor's wake period.
	ClearInterval time.Duration `yaml:"clear_interval"`

	// MaxPopMRU bounds how many queued MRU touches the evictor drains per
	// wake.
	MaxPopMRU int `yaml:"max_pop_mru"`
}

// DefaultConfig returns the engine's baseline tunables: a 256MB cache, a
// forward distance of 10 blocks, a 10ms evictor wake, draining up to 10,000
// touches per pass.
func DefaultConfig() Config {
	return Config{
		MaxCapacityBytes: 256 * 1024 * 1024,
		MaxForwardBlock:  10,
		ClearInterval:    10 * time.Millisecond,
		MaxPopMRU:        10_000,
	}
}

// Disabled reports whether this configuration puts the engine in the
// degenerate synchronous-commit mode.
func (c Config) Disabled() bool {
	return c.MaxCapacityBytes == 0 && c.MaxForwardBlock == 0
}

// LoadConfig reads a YAML defaults file and overlays it onto DefaultConfig.
// Fields absent from the file keep their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("storage: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("storage: parsing config %s: %w", path, err)
	}
	return cfg, nil
}
