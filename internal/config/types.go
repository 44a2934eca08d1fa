// Package config provides configuration loading and management for certflow.
//
// Configuration is loaded using Viper, supporting YAML config files and environment
// variable overrides. The defaults run the builtin data-product pipeline in memory
// without any configuration file.
//
// Key types:
//   - [Config] is the root configuration container with all settings
//   - [Loader] handles Viper-based configuration loading
//   - [StageConfig] overrides limits and the capability of one stage
//   - [StoreConfig] selects where run records are persisted
//
// Configuration priority (highest to lowest):
//  1. Environment variables (CERTFLOW_ prefix, "." replaced by "_")
//  2. Config file specified by CERTFLOW_CONFIG_PATH
//  3. $XDG_CONFIG_HOME/certflow/certflow.yaml (platform user config dir)
//  4. ./certflow.yaml
//  5. [DefaultConfig] defaults
package config

import (
	"fmt"
	"time"

	"certflow/internal/graph"
	"certflow/internal/retry"
	"certflow/internal/scheduler"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config represents the root configuration structure.
type Config struct {
	// GraphFile is an optional HCL pipeline definition. When empty the builtin
	// data-product pipeline is used.
	GraphFile string `mapstructure:"graph_file"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`

	// Stages maps stage names to per-stage overrides.
	Stages map[string]StageConfig `mapstructure:"stages"`

	Store  StoreConfig  `mapstructure:"store"`
	Notify NotifyConfig `mapstructure:"notify"`
	Claude ClaudeConfig `mapstructure:"claude"`
	Log    LogConfig    `mapstructure:"log"`
}

// SchedulerConfig sizes the worker pool and bounds stage calls.
type SchedulerConfig struct {
	Workers int `mapstructure:"workers"`

	// StageTimeout applies to stages without their own timeout. Zero disables it.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`

	// CancelGrace bounds how long a cancelled attempt may take to return.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
}

// RetryConfig is the exponential backoff between attempts of a stage.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// StageConfig overrides the settings of one stage.
type StageConfig struct {
	// Capability is the kind resolving the stage implementation:
	// "builtin" (default) or "claude".
	Capability string `mapstructure:"capability"`

	MaxAttempts int `mapstructure:"max_attempts"`

	// MaxRework bounds rework re-entries of the stage. 0 disables rework.
	MaxRework     int           `mapstructure:"max_rework"`
	Timeout       time.Duration `mapstructure:"timeout"`
	NonIdempotent bool          `mapstructure:"non_idempotent"`

	// PromptTemplate replaces the default prompt of a claude stage.
	// Expanded with text/template, e.g. "Design a schema for {{.Requirements}}".
	PromptTemplate string `mapstructure:"prompt_template"`

	// Model is the Claude model for a claude stage. Empty uses the CLI default.
	// Examples: "opus", "sonnet", "haiku"
	Model string `mapstructure:"model"`
}

// StoreConfig selects the run record backend.
type StoreConfig struct {
	// Backend is one of memory, file or redis.
	Backend string `mapstructure:"backend"`

	// Path is the directory of the file backend.
	Path string `mapstructure:"path"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains connection settings of the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig enables run-completion events on NATS.
type NotifyConfig struct {
	// NATSURL is the server to publish to. Empty disables notifications.
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// ClaudeConfig contains Claude CLI configuration.
type ClaudeConfig struct {
	// OutputFormat is the output format passed to Claude CLI.
	// Should be "stream-json" for structured event parsing.
	OutputFormat string `mapstructure:"output_format"`

	// BinaryPath is the path to the Claude CLI binary.
	// Can be overridden with CERTFLOW_CLAUDE_PATH.
	BinaryPath string `mapstructure:"binary_path"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a new [Config] with sensible defaults.
//
// Every stage of the data-product pipeline runs its builtin capability, records
// stay in memory, and notifications are off.
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	stages := make(map[string]StageConfig, len(graph.DataProductStages))
	for _, name := range graph.DataProductStages {
		stages[name] = StageConfig{
			Capability:  graph.DefaultCapabilityKind,
			MaxAttempts: graph.DefaultMaxAttempts,
			MaxRework:   graph.DefaultMaxRework,
		}
	}
	// Two rework passes let certification ask for both a privacy and a
	// coverage fix.
	stages[graph.StageMapping] = StageConfig{
		Capability:  graph.DefaultCapabilityKind,
		MaxAttempts: graph.DefaultMaxAttempts,
		MaxRework:   2,
	}

	return &Config{
		Scheduler: SchedulerConfig{
			Workers:     scheduler.DefaultWorkers,
			CancelGrace: scheduler.DefaultCancelGrace,
		},
		Retry: RetryConfig{
			InitialInterval: policy.InitialInterval,
			BackoffFactor:   policy.BackoffFactor,
			MaxInterval:     policy.MaxInterval,
		},
		Stages: stages,
		Store: StoreConfig{
			Backend: BackendMemory,
			Path:    ".certflow/runs",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "certflow:",
			},
		},
		Notify: NotifyConfig{
			Subject: "certflow.runs.completed",
		},
		Claude: ClaudeConfig{
			OutputFormat: "stream-json",
			BinaryPath:   "claude",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendRedis:
	default:
		return fmt.Errorf("store.backend must be memory, file or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendFile && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the file backend")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must not be negative")
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1, got %v", c.Retry.BackoffFactor)
	}
	for name, s := range c.Stages {
		if s.MaxAttempts < 0 || s.MaxRework < 0 {
			return fmt.Errorf("stages.%s: limits must not be negative", name)
		}
	}
	return nil
}

// RetryPolicy returns the configured backoff.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: c.Retry.InitialInterval,
		BackoffFactor:   c.Retry.BackoffFactor,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// StageSettings converts the stage overrides for [graph.DataProduct]. Every stage
// key carries a default, so max_rework: 0 is explicit and disables rework.
func (c *Config) StageSettings() map[string]graph.StageSettings {
	out := make(map[string]graph.StageSettings, len(c.Stages))
	for name, s := range c.Stages {
		maxRework := s.MaxRework
		if maxRework == 0 {
			maxRework = graph.NoRework
		}
		out[name] = graph.StageSettings{
			Capability:    s.Capability,
			MaxAttempts:   s.MaxAttempts,
			MaxRework:     maxRework,
			Timeout:       s.Timeout,
			NonIdempotent: s.NonIdempotent,
		}
	}
	return out
}

// Stage returns the overrides of name, or the zero value.
func (c *Config) Stage(name string) StageConfig {
	return c.Stages[name]
}
