// Package config provides configuration loading and validation for the
// conductor runtime.
//
// Configuration is loaded once at startup from a YAML file and accessed by
// value. State (turn status, transcripts) belongs in the database, never here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for fields left unset in the config file.
const (
	DefaultMaxIterations       = 25
	DefaultValidationThreshold = 0.7
	DefaultIdempotencyCap      = 1000
	DefaultReplayCapacity      = 500
	DefaultOpTimeout           = 2 * time.Minute
	DefaultGateTTL             = 24 * time.Hour
	DefaultMetricsAddr         = ":9090"
	DefaultDatabasePath        = "conductor.db"
	DefaultEventLogDir         = "logs/events"
)

// Config is the top-level runtime configuration.
type Config struct {
	Loop    LoopConfig    `yaml:"loop"`
	Bus     BusConfig     `yaml:"bus"`
	Gates   GateConfig    `yaml:"gates"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Agents  []AgentConfig `yaml:"agents"`
}

// LoopConfig bounds the agent decision loop.
type LoopConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	ValidationThreshold float64       `yaml:"validation_threshold"`
	OpTimeout           time.Duration `yaml:"op_timeout"`
}

// BusConfig sizes the event bus and replay buffer.
type BusConfig struct {
	IdempotencyCap int `yaml:"idempotency_cap"`
	ReplayCapacity int `yaml:"replay_capacity"`
}

// GateConfig controls user gate expiry.
type GateConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// StorageConfig locates the database and event log.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	EventLogDir  string `yaml:"event_log_dir"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// AgentConfig declares one agent available for dispatch and delegation.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
}

// Default returns a config with all defaults applied and no agents.
func Default() Config {
	return Config{
		Loop: LoopConfig{
			MaxIterations:       DefaultMaxIterations,
			ValidationThreshold: DefaultValidationThreshold,
			OpTimeout:           DefaultOpTimeout,
		},
		Bus: BusConfig{
			IdempotencyCap: DefaultIdempotencyCap,
			ReplayCapacity: DefaultReplayCapacity,
		},
		Gates: GateConfig{
			TTL: DefaultGateTTL,
		},
		Storage: StorageConfig{
			DatabasePath: DefaultDatabasePath,
			EventLogDir:  DefaultEventLogDir,
		},
		Metrics: MetricsConfig{
			Addr:    DefaultMetricsAddr,
			Enabled: true,
		},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, and
// validates the result. A missing file returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero values left by partial config files.
func (c *Config) applyDefaults() {
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = DefaultMaxIterations
	}
	if c.Loop.ValidationThreshold == 0 {
		c.Loop.ValidationThreshold = DefaultValidationThreshold
	}
	if c.Loop.OpTimeout == 0 {
		c.Loop.OpTimeout = DefaultOpTimeout
	}
	if c.Bus.IdempotencyCap == 0 {
		c.Bus.IdempotencyCap = DefaultIdempotencyCap
	}
	if c.Bus.ReplayCapacity == 0 {
		c.Bus.ReplayCapacity = DefaultReplayCapacity
	}
	if c.Gates.TTL == 0 {
		c.Gates.TTL = DefaultGateTTL
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = DefaultDatabasePath
	}
	if c.Storage.EventLogDir == "" {
		c.Storage.EventLogDir = DefaultEventLogDir
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

func (c *Config) validate() error {
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.ValidationThreshold < 0 || c.Loop.ValidationThreshold > 1 {
		return fmt.Errorf("loop.validation_threshold must be in [0,1], got %v", c.Loop.ValidationThreshold)
	}
	if c.Bus.IdempotencyCap < 1 {
		return fmt.Errorf("bus.idempotency_cap must be positive, got %d", c.Bus.IdempotencyCap)
	}
	if c.Bus.ReplayCapacity < 1 {
		return fmt.Errorf("bus.replay_capacity must be positive, got %d", c.Bus.ReplayCapacity)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if seen[agent.Name] {
			return fmt.Errorf("duplicate agent name %q", agent.Name)
		}
		seen[agent.Name] = true
	}
	return nil
}
