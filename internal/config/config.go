// Package config loads the orchestrator configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mfinley/taskmill/internal/task"
)

// Config is the top-level configuration.
type Config struct {
	Database     Database          `yaml:"database"`
	Workspace    Workspace         `yaml:"workspace"`
	Logging      Logging           `yaml:"logging"`
	Agent        Agent             `yaml:"agent"`
	Orchestrator Orchestrator      `yaml:"orchestrator"`
	Repositories []task.Repository `yaml:"repositories"`
}

// Database configures the SQLite store.
type Database struct {
	Path string `yaml:"path"` // empty = ~/.taskmill/taskmill.db
}

// Workspace configures on-disk locations.
type Workspace struct {
	Root         string `yaml:"root"`          // per-task checkouts
	ArtifactsDir string `yaml:"artifacts_dir"` // prompts and raw outputs
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Agent configures the external agent command invoked for every AI pass.
type Agent struct {
	Command []string `yaml:"command"`
}

// Orchestrator configures the phase engine.
type Orchestrator struct {
	PhaseTimeout        string `yaml:"phase_timeout"`
	PlanningMaxAttempts int    `yaml:"planning_max_attempts"`
	JudgeThreshold      int    `yaml:"judge_threshold"`
	CheckpointFreshness string `yaml:"checkpoint_freshness"`
	CheckpointRetention string `yaml:"checkpoint_retention"`
	MaxParallelEpics    int    `yaml:"max_parallel_epics"`
}

// Load reads and parses a configuration from the given YAML file path,
// then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./taskmill.yaml, ~/.taskmill/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"taskmill.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".taskmill", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no config found (searched: %v)", candidates)
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	o := &cfg.Orchestrator
	if o.PhaseTimeout == "" {
		o.PhaseTimeout = "30m"
	}
	if o.PlanningMaxAttempts <= 0 {
		o.PlanningMaxAttempts = 3
	}
	if o.JudgeThreshold <= 0 {
		o.JudgeThreshold = 60
	}
	if o.CheckpointFreshness == "" {
		o.CheckpointFreshness = "1h"
	}
	if o.CheckpointRetention == "" {
		o.CheckpointRetention = "72h"
	}
	if o.MaxParallelEpics <= 0 {
		o.MaxParallelEpics = 4
	}
	for i := range cfg.Repositories {
		r := &cfg.Repositories[i]
		if r.ID == "" {
			r.ID = r.Name
		}
		if r.DefaultBranch == "" {
			r.DefaultBranch = "main"
		}
	}
}

// Validate checks required fields. A repository without a content-category
// tag is a precondition failure: surfaced now, never retried later.
func (c *Config) Validate() error {
	for _, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repository with empty name")
		}
		if r.Category == "" {
			return fmt.Errorf("repository %q missing required content category", r.Name)
		}
	}
	return nil
}

// PhaseTimeoutDuration returns the parsed phase timeout.
func (o Orchestrator) PhaseTimeoutDuration() time.Duration {
	return parseDuration(o.PhaseTimeout, 30*time.Minute)
}

// CheckpointFreshnessDuration returns the parsed freshness window.
func (o Orchestrator) CheckpointFreshnessDuration() time.Duration {
	return parseDuration(o.CheckpointFreshness, time.Hour)
}

// CheckpointRetentionDuration returns the parsed retention age.
func (o Orchestrator) CheckpointRetentionDuration() time.Duration {
	return parseDuration(o.CheckpointRetention, 72*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
