package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certflow/internal/capability"
	"certflow/internal/graph"
)

// isolate points every default config location at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv("CERTFLOW_CONFIG_PATH", "")
	return tmpDir
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	for _, name := range graph.DataProductStages {
		assert.Contains(t, cfg.Stages, name)
		assert.Equal(t, graph.DefaultCapabilityKind, cfg.Stages[name].Capability)
	}
	assert.Equal(t, 2, cfg.Stages[graph.StageMapping].MaxRework)

	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "certflow.runs.completed", cfg.Notify.Subject)
	assert.Empty(t, cfg.Notify.NATSURL)
	assert.Equal(t, "stream-json", cfg.Claude.OutputFormat)
	assert.Equal(t, "claude", cfg.Claude.BinaryPath)
	assert.NoError(t, cfg.Validate())
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	assert.NotNil(t, loader)
	assert.NotNil(t, loader.v)
}

func TestLoader_LoadFromFile(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "test-config.yaml", `
scheduler:
  workers: 8
  stage_timeout: 90s
retry:
  initial_interval: 250ms
  backoff_factor: 3
stages:
  certification:
    capability: claude
    model: opus
    max_rework: 3
store:
  backend: redis
  redis:
    addr: redis.internal:6380
    db: 2
notify:
  nats_url: nats://localhost:4222
claude:
  binary_path: /custom/path/claude
`)

	loader := NewLoader()
	cfg, err := loader.LoadFromFile(configPath)

	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.StageTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 3.0, cfg.Retry.BackoffFactor)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxInterval)

	cert := cfg.Stage(graph.StageCertification)
	assert.Equal(t, "claude", cert.Capability)
	assert.Equal(t, "opus", cert.Model)
	assert.Equal(t, 3, cert.MaxRework)
	assert.Equal(t, graph.DefaultMaxAttempts, cert.MaxAttempts, "unset keys keep defaults")
	assert.Equal(t, graph.DefaultCapabilityKind, cfg.Stage(graph.StageMapping).Capability)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, "certflow:", cfg.Store.Redis.Prefix)
	assert.Equal(t, "nats://localhost:4222", cfg.Notify.NATSURL)
	assert.Equal(t, "/custom/path/claude", cfg.Claude.BinaryPath)
}

func TestLoader_LoadFromFile_NonExistent(t *testing.T) {
	loader := NewLoader()
	_, err := loader.LoadFromFile("/nonexistent/path/config.yaml")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoader_LoadFromFile_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "invalid.yaml", `
stages:
  - this is not valid yaml for this structure
    missing: colon here
`)

	_, err := NewLoader().LoadFromFile(configPath)
	assert.Error(t, err)
}

func TestLoader_LoadFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown backend",
			content: "store:\n  backend: postgres\n",
			wantErr: "store.backend",
		},
		{
			name:    "bad log format",
			content: "log:\n  format: xml\n",
			wantErr: "log.format",
		},
		{
			name:    "shrinking backoff",
			content: "retry:\n  backoff_factor: 0.5\n",
			wantErr: "retry.backoff_factor",
		},
		{
			name:    "negative limit",
			content: "stages:\n  mapping:\n    max_attempts: -1\n",
			wantErr: "stages.mapping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, t.TempDir(), "config.yaml", tt.content)
			_, err := NewLoader().LoadFromFile(configPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_Load_DefaultsWithNoConfigFile(t *testing.T) {
	isolate(t)

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Claude.BinaryPath)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Len(t, cfg.Stages, len(graph.DataProductStages))
}

func TestLoader_Load_SearchPaths(t *testing.T) {
	t.Run("working directory", func(t *testing.T) {
		dir := isolate(t)
		writeConfig(t, dir, FileName, "scheduler:\n  workers: 2\n")

		cfg, err := NewLoader().Load()
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Scheduler.Workers)
	})

	t.Run("user config dir", func(t *testing.T) {
		dir := isolate(t)
		writeConfig(t, dir, filepath.Join("certflow", FileName), "scheduler:\n  workers: 6\n")

		cfg, err := NewLoader().Load()
		require.NoError(t, err)
		assert.Equal(t, 6, cfg.Scheduler.Workers)
	})
}

func TestLoader_Load_WithConfigPathEnv(t *testing.T) {
	isolate(t)
	configPath := writeConfig(t, t.TempDir(), "custom-config.yaml", `
claude:
  binary_path: /from/env/path/claude
`)
	t.Setenv("CERTFLOW_CONFIG_PATH", configPath)

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "/from/env/path/claude", cfg.Claude.BinaryPath)
}

func TestLoader_Load_WithEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("CERTFLOW_CLAUDE_PATH", "/env/claude")
	t.Setenv("CERTFLOW_STORE_BACKEND", "file")
	t.Setenv("CERTFLOW_SCHEDULER_STAGE_TIMEOUT", "2m")
	t.Setenv("CERTFLOW_STAGES_MAPPING_CAPABILITY", "claude")

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "/env/claude", cfg.Claude.BinaryPath)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.StageTimeout)
	assert.Equal(t, "claude", cfg.Stage(graph.StageMapping).Capability)
}

func TestLoader_Load_EnvOverridesTakePrecedence(t *testing.T) {
	isolate(t)
	configPath := writeConfig(t, t.TempDir(), "config.yaml", `
claude:
  binary_path: /from/file/claude
log:
  level: debug
`)
	t.Setenv("CERTFLOW_CONFIG_PATH", configPath)
	t.Setenv("CERTFLOW_CLAUDE_BINARY_PATH", "/from/env/override/claude")

	cfg, err := NewLoader().Load()

	require.NoError(t, err)
	assert.Equal(t, "/from/env/override/claude", cfg.Claude.BinaryPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestMustLoad_Success(t *testing.T) {
	isolate(t)

	cfg := MustLoad()
	assert.NotNil(t, cfg)
}

func TestLoader_LoadFromFile_DifferentExtension(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "config.json", `{
  "store": {"backend": "file", "path": "/var/lib/certflow"},
  "log": {"format": "json"}
}`)

	cfg, err := NewLoader().LoadFromFile(configPath)

	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/certflow", cfg.Store.Path)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoader_ZeroMaxReworkDisablesRework(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "certflow.yaml", `
stages:
  mapping:
    max_rework: 0
`)

	cfg, err := NewLoader().LoadFromFile(configPath)
	require.NoError(t, err)

	settings := cfg.StageSettings()
	assert.Equal(t, graph.NoRework, settings[graph.StageMapping].MaxRework)
	assert.Equal(t, graph.DefaultMaxRework, settings[graph.StageSchemaDesign].MaxRework, "unset stages keep defaults")

	g, err := graph.DataProduct(func(stage, kind string) (capability.Capability, error) {
		return &capability.Mock{}, nil
	}, settings)
	require.NoError(t, err)
	mapping, _ := g.Stage(graph.StageMapping)
	assert.Equal(t, 0, mapping.MaxRework)
}

func TestConfig_Conversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.InitialInterval = 10 * time.Millisecond
	cfg.Stages[graph.StageCertification] = StageConfig{
		Capability:    "claude",
		MaxAttempts:   1,
		Timeout:       time.Minute,
		NonIdempotent: true,
	}

	policy := cfg.RetryPolicy()
	assert.Equal(t, 10*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 2.0, policy.BackoffFactor)

	settings := cfg.StageSettings()
	assert.Equal(t, graph.StageSettings{
		Capability:    "claude",
		MaxAttempts:   1,
		MaxRework:     graph.NoRework,
		Timeout:       time.Minute,
		NonIdempotent: true,
	}, settings[graph.StageCertification])
	assert.Equal(t, 2, settings[graph.StageMapping].MaxRework)
	assert.Equal(t, StageConfig{}, cfg.Stage("unknown"))
}
