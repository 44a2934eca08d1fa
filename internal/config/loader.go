package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CERTFLOW"

// FileName is the config file searched for in the default locations.
const FileName = "certflow.yaml"

// Loader handles configuration loading with Viper.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment overrides registered.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	// Short alias kept from the single-binary days.
	_ = v.BindEnv("claude.binary_path", "CERTFLOW_CLAUDE_PATH", "CERTFLOW_CLAUDE_BINARY_PATH")

	return &Loader{v: v}
}

// Load reads the first config file found in the default locations, applies
// environment overrides and validates the result. Missing files are not an error.
func (l *Loader) Load() (*Config, error) {
	if path := os.Getenv(EnvPrefix + "_CONFIG_PATH"); path != "" {
		return l.LoadFromFile(path)
	}
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return l.LoadFromFile(path)
		}
	}
	return l.decode()
}

// LoadFromFile reads the config file at path. The format follows the extension.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoad loads the configuration and panics on error.
func MustLoad() *Config {
	cfg, err := NewLoader().Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func searchPaths() []string {
	var paths []string
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir, _ = os.UserConfigDir()
	}
	if dir != "" {
		paths = append(paths, filepath.Join(dir, "certflow", FileName))
	}
	return append(paths, FileName)
}

// setDefaults registers every key of cfg so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("graph_file", cfg.GraphFile)

	v.SetDefault("scheduler.workers", cfg.Scheduler.Workers)
	v.SetDefault("scheduler.stage_timeout", cfg.Scheduler.StageTimeout)
	v.SetDefault("scheduler.cancel_grace", cfg.Scheduler.CancelGrace)

	v.SetDefault("retry.initial_interval", cfg.Retry.InitialInterval)
	v.SetDefault("retry.backoff_factor", cfg.Retry.BackoffFactor)
	v.SetDefault("retry.max_interval", cfg.Retry.MaxInterval)

	for name, s := range cfg.Stages {
		key := "stages." + name + "."
		v.SetDefault(key+"capability", s.Capability)
		v.SetDefault(key+"max_attempts", s.MaxAttempts)
		v.SetDefault(key+"max_rework", s.MaxRework)
		v.SetDefault(key+"timeout", s.Timeout)
		v.SetDefault(key+"non_idempotent", s.NonIdempotent)
		v.SetDefault(key+"prompt_template", s.PromptTemplate)
		v.SetDefault(key+"model", s.Model)
	}

	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.redis.addr", cfg.Store.Redis.Addr)
	v.SetDefault("store.redis.password", cfg.Store.Redis.Password)
	v.SetDefault("store.redis.db", cfg.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", cfg.Store.Redis.Prefix)

	v.SetDefault("notify.nats_url", cfg.Notify.NATSURL)
	v.SetDefault("notify.subject", cfg.Notify.Subject)

	v.SetDefault("claude.output_format", cfg.Claude.OutputFormat)
	v.SetDefault("claude.binary_path", cfg.Claude.BinaryPath)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}
