package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
cycle_interval: 30s
cycle_timeout: 20s
agent_deadline: 5s
agent_failure_quorum: 2
queue_depth_per_subscriber: 16
state_dir: /tmp/conductor-test

guardian:
  interval: 10s
  failure_window: 4
  failure_threshold: 2

retry:
  max_attempts: 3
  initial_delay: 100ms
  backoff_factor: 2.0

metrics:
  listen_addr: ":9901"

providers:
  - name: claude-main
    kind: anthropic
    model: claude-sonnet-4-20250514
    capability_tags: [general, code]
    latency_class: interactive
    cpm_tokens_in: 3.0
    cpm_tokens_out: 15.0
    initial_credit_usd: 25.0
    api_key_secret: ANTHROPIC_API_KEY
  - name: local-0
    kind: ollama
    model: llama3
    capability_tags: [general]
    latency_class: batch
    host: http://127.0.0.1:11434

agents:
  - name: collector
    class: general
    prompt: "collect overnight market signals"
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.CycleInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.AgentDeadline.Std())
	assert.Equal(t, 2, cfg.AgentFailureQuorum)
	assert.Equal(t, 16, cfg.QueueDepthPerSubscriber)
	assert.Equal(t, 10*time.Second, cfg.Guardian.Interval.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay.Std())
	assert.Equal(t, ":9901", cfg.Metrics.ListenAddr)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, ProviderAnthropic, cfg.Providers[0].Kind)
	assert.Equal(t, []string{"general", "code"}, cfg.Providers[0].CapabilityTags)
	assert.Equal(t, 25.0, cfg.Providers[0].InitialCreditUSD)

	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "collector", cfg.Agents[0].Name)
	assert.Equal(t, LatencyInteractive, cfg.Agents[0].LatencyClass, "latency class defaults to interactive")
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{
		AgentFailureQuorum: 1,
		Providers: []ProviderCfg{{
			Name: "local-0", Kind: ProviderOllama, Model: "llama3",
			CapabilityTags: []string{"general"},
		}},
		Agents: []AgentCfg{{Name: "a", Class: "general", Prompt: "x"}},
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultCycleInterval, cfg.CycleInterval.Std())
	assert.Equal(t, DefaultGuardianFailureWindow, cfg.Guardian.FailureWindow)
	assert.Equal(t, DefaultRetryMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, ".conductor", cfg.StateDir)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CONDUCTOR_MODEL", "llama3")

	yaml := `
agent_failure_quorum: 1
providers:
  - name: local-0
    kind: ollama
    model: ${TEST_CONDUCTOR_MODEL}
    capability_tags: [general]
agents:
  - name: a
    class: general
    prompt: go
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "llama3", cfg.Providers[0].Model)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			AgentFailureQuorum: 1,
			Providers: []ProviderCfg{{
				Name: "local-0", Kind: ProviderOllama, Model: "llama3",
				CapabilityTags: []string{"general"},
			}},
			Agents: []AgentCfg{{Name: "a", Class: "general", Prompt: "x"}},
		}
	}

	t.Run("NoProviders", func(t *testing.T) {
		cfg := base()
		cfg.Providers = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("NoAgents", func(t *testing.T) {
		cfg := base()
		cfg.Agents = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("RemoteProviderWithoutKeySecret", func(t *testing.T) {
		cfg := base()
		cfg.Providers = append(cfg.Providers, ProviderCfg{
			Name: "claude-main", Kind: ProviderAnthropic, Model: "m",
			CapabilityTags: []string{"general"},
		})
		assert.Error(t, cfg.Validate())
	})

	t.Run("OllamaWithCostModel", func(t *testing.T) {
		cfg := base()
		cfg.Providers[0].CpmTokensIn = 1.0
		assert.Error(t, cfg.Validate())
	})

	t.Run("DuplicateProviderNames", func(t *testing.T) {
		cfg := base()
		cfg.Providers = append(cfg.Providers, cfg.Providers[0])
		assert.Error(t, cfg.Validate())
	})

	t.Run("QuorumBelowOne", func(t *testing.T) {
		cfg := base()
		cfg.AgentFailureQuorum = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("AgentDeadlineAboveCycleTimeout", func(t *testing.T) {
		cfg := base()
		cfg.CycleTimeout = Duration(time.Second)
		cfg.AgentDeadline = Duration(2 * time.Second)
		assert.Error(t, cfg.Validate())
	})
}

func TestLocalFallback(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	fb := cfg.LocalFallback()
	require.NotNil(t, fb)
	assert.Equal(t, "local-0", fb.Name)

	cfg.Providers = cfg.Providers[:1]
	assert.Nil(t, cfg.LocalFallback())
}
