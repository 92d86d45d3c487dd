package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openassistant/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "text", cfg.Logger.Format)
	assert.False(t, cfg.Tracer.Enabled)
	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.DefaultModel)
	assert.True(t, cfg.LLM.CircuitBreaker.Enabled)
	assert.Equal(t, 5, cfg.Orchestration.MaxToolIterations)

	require.NoError(t, Validate(cfg))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
llm:
  default_provider: local
  providers:
    - name: local
      base_url: http://localhost:11434/v1
      model: llama3
orchestration:
  teams:
    - id: writers
      strategy: sequential
      agents:
        - id: a
          name: Drafter
          role: writer
          system_prompt: You draft.
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "text", cfg.Logger.Format, "unset fields keep defaults")
	assert.Equal(t, "local", cfg.LLM.DefaultProvider)
	require.Len(t, cfg.Orchestration.Teams, 1)
	assert.Equal(t, domain.StrategySequential, cfg.Orchestration.Teams[0].Strategy)
}

func TestLoadAppliesSwarmDefaults(t *testing.T) {
	path := writeConfig(t, `
orchestration:
  swarms:
    - id: reviewers
      aggregation: vote
      agents:
        - id: a
          role: reviewer
    - id: tolerant
      aggregation: concatenate
      min_completions: -1
      agents:
        - id: a
          role: reviewer
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Orchestration.Swarms, 2)

	assert.Equal(t, domain.DefaultAgentTimeout, cfg.Orchestration.Swarms[0].AgentTimeout)
	assert.Equal(t, domain.DefaultMinCompletions, cfg.Orchestration.Swarms[0].MinCompletions)
	// An explicit negative floor means "no floor" and is preserved.
	assert.Equal(t, -1, cfg.Orchestration.Swarms[1].MinCompletions)
}

func TestLoadRejectsLooseFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o600))
	// Chmod directly: WriteFile's mode is subject to the umask.
	require.NoError(t, os.Chmod(path, 0o664))

	_, err := Load(path)
	assert.ErrorContains(t, err, "writable")
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "logger: [not a map")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENASSISTANT_LLM_DEFAULT_MODEL", "gpt-4o")
	t.Setenv("OPENASSISTANT_LOGGER_LEVEL", "warn")
	t.Setenv("OPENASSISTANT_TRACER_ENABLED", "true")
	t.Setenv("OPENASSISTANT_API_KEY", "sk-env")

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "openai"},
		{Name: "other", APIKey: "sk-explicit"},
	}
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "gpt-4o", cfg.LLM.DefaultModel)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "sk-env", cfg.LLM.Providers[0].APIKey, "empty keys are filled")
	assert.Equal(t, "sk-explicit", cfg.LLM.Providers[1].APIKey, "explicit keys are kept")
}

func TestValidateLLM(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "a"}, {Name: "a"}}
	assert.ErrorContains(t, Validate(cfg), "duplicate provider")

	cfg = Defaults()
	cfg.LLM.DefaultProvider = "ghost"
	cfg.LLM.Providers = []ProviderConfig{{Name: "a"}}
	assert.ErrorContains(t, Validate(cfg), "not a configured provider")

	cfg = Defaults()
	cfg.Logger.Level = "loud"
	assert.ErrorContains(t, Validate(cfg), "unknown level")

	cfg = Defaults()
	cfg.Tracer.Exporter = "jaeger"
	assert.ErrorContains(t, Validate(cfg), "unsupported exporter")
}

func TestValidateOrchestration(t *testing.T) {
	roster := []domain.Persona{{ID: "a", Role: "worker"}}

	cfg := Defaults()
	cfg.Orchestration.Teams = []domain.TeamDefinition{
		{ID: "t", Agents: []domain.Persona{{ID: "a"}, {ID: "a"}}},
	}
	assert.ErrorContains(t, Validate(cfg), "duplicate agent")

	cfg = Defaults()
	cfg.Orchestration.Teams = []domain.TeamDefinition{
		{ID: "t", Strategy: domain.StrategySupervisor, SupervisorID: "ghost", Agents: roster},
	}
	assert.ErrorContains(t, Validate(cfg), "supervisor")

	cfg = Defaults()
	cfg.Orchestration.Swarms = []domain.SwarmDefinition{
		{ID: "s", Aggregation: domain.AggregateSynthesize, SynthesizerID: "ghost", Agents: roster},
	}
	assert.ErrorContains(t, Validate(cfg), "synthesizer")

	cfg = Defaults()
	cfg.Orchestration.Routers = []domain.RouterDefinition{
		{ID: "r", DefaultAgentID: "ghost", Agents: roster},
	}
	assert.ErrorContains(t, Validate(cfg), "default agent")

	cfg = Defaults()
	cfg.Orchestration.Teams = []domain.TeamDefinition{{Agents: roster}}
	assert.ErrorContains(t, Validate(cfg), "id is required")
}

func TestProviderTimeoutsRoundTrip(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: slowhost
  providers:
    - name: slowhost
      conn_timeout: 5s
      resp_timeout: 2m
      pool:
        max_idle_conns: 32
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LLM.Providers, 1)

	p := cfg.LLM.Providers[0]
	assert.Equal(t, 5*time.Second, p.ConnTimeout)
	assert.Equal(t, 2*time.Minute, p.RespTimeout)
	assert.Equal(t, 32, p.Pool.MaxIdleConns)
}
