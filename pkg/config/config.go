// Package config provides configuration loading, validation, and credential
// management for the conductor engine.
//
// Configuration is strictly separated from state: the YAML file holds tunables
// (intervals, budgets, provider declarations) while runtime state (cycles,
// ledger balances, findings) lives in the database. Provider API keys are
// never stored in the config file; each provider names a secret key that is
// resolved through the encrypted secrets store or the environment.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kind constants. Adding a new backend means adding an adapter in
// pkg/provider, not a new case in consumer code.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Latency class constants for provider declarations and task requirements.
const (
	LatencyInteractive = "interactive" // sub-second to a few seconds
	LatencyBatch       = "batch"       // tens of seconds acceptable
)

// Defaults applied by Validate for optional settings.
const (
	DefaultCycleInterval           = 15 * time.Minute
	DefaultCycleTimeout            = 10 * time.Minute
	DefaultAgentDeadline           = 2 * time.Minute
	DefaultGuardianInterval        = 5 * time.Minute
	DefaultGuardianFailureWindow   = 5 // cycles inspected for repeat failures
	DefaultGuardianFailureThresh   = 3 // repeats within window that raise Warning
	DefaultQueueDepthPerSubscriber = 64
	DefaultRetryMaxAttempts        = 3
	DefaultRetryInitialDelay       = 250 * time.Millisecond
	DefaultRetryBackoffFactor      = 2.0
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ProviderCfg declares one inference backend: its capabilities, cost model,
// and initial spending credit.
type ProviderCfg struct {
	Name             string   `yaml:"name"`               // unique provider account id, e.g. "claude-main"
	Kind             string   `yaml:"kind"`               // anthropic | openai | gemini | ollama
	Model            string   `yaml:"model"`              // backend model name
	CapabilityTags   []string `yaml:"capability_tags"`    // task classes this provider serves
	LatencyClass     string   `yaml:"latency_class"`      // interactive | batch
	CpmTokensIn      float64  `yaml:"cpm_tokens_in"`      // USD per million input tokens
	CpmTokensOut     float64  `yaml:"cpm_tokens_out"`     // USD per million output tokens
	InitialCreditUSD float64  `yaml:"initial_credit_usd"` // spending budget for this account
	APIKeySecret     string   `yaml:"api_key_secret"`     // secret name resolved via secrets store/env
	Host             string   `yaml:"host,omitempty"`     // override endpoint (ollama only)
}

// AgentCfg declares one registered agent: the task it submits each cycle.
type AgentCfg struct {
	Name            string `yaml:"name"`                        // unique agent id
	Class           string `yaml:"class"`                       // task class, matched against provider capability_tags
	LatencyClass    string `yaml:"latency_class,omitempty"`     // interactive | batch (default interactive)
	System          string `yaml:"system,omitempty"`            // system prompt
	Prompt          string `yaml:"prompt"`                      // per-cycle task prompt
	MaxOutputTokens int    `yaml:"max_output_tokens,omitempty"` // 0 uses the adapter default
}

// RetryCfg bounds retries of transient provider errors within one agent invocation.
type RetryCfg struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	InitialDelay  Duration `yaml:"initial_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
}

// MetricsCfg configures the Prometheus integration.
type MetricsCfg struct {
	ListenAddr    string `yaml:"listen_addr,omitempty"`    // ":9901" enables the /metrics listener
	PrometheusURL string `yaml:"prometheus_url,omitempty"` // external Prometheus for spend queries
}

// GuardianCfg tunes the health supervision sweep.
type GuardianCfg struct {
	Interval         Duration `yaml:"interval"`
	FailureWindow    int      `yaml:"failure_window"`    // recent cycles inspected
	FailureThreshold int      `yaml:"failure_threshold"` // repeats that escalate Info -> Warning
}

// Config is the root configuration for the conductor engine.
type Config struct {
	CycleInterval           Duration      `yaml:"cycle_interval"`
	CycleTimeout            Duration      `yaml:"cycle_timeout"`
	AgentDeadline           Duration      `yaml:"agent_deadline"`
	AgentFailureQuorum      int           `yaml:"agent_failure_quorum"`
	QueueDepthPerSubscriber int           `yaml:"queue_depth_per_subscriber"`
	StateDir                string        `yaml:"state_dir"`
	Guardian                GuardianCfg   `yaml:"guardian"`
	Retry                   RetryCfg      `yaml:"retry"`
	Metrics                 MetricsCfg    `yaml:"metrics"`
	Providers               []ProviderCfg `yaml:"providers"`
	Agents                  []AgentCfg    `yaml:"agents"`
}

// Validate checks the configuration and fills in defaults. Any error returned
// here is fatal: the engine refuses to start on an invalid config.
func (c *Config) Validate() error {
	if c.CycleInterval <= 0 {
		c.CycleInterval = Duration(DefaultCycleInterval)
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = Duration(DefaultCycleTimeout)
	}
	if c.AgentDeadline <= 0 {
		c.AgentDeadline = Duration(DefaultAgentDeadline)
	}
	if c.AgentDeadline.Std() > c.CycleTimeout.Std() {
		return fmt.Errorf("agent_deadline (%s) exceeds cycle_timeout (%s)",
			c.AgentDeadline.Std(), c.CycleTimeout.Std())
	}
	if c.AgentFailureQuorum < 1 {
		return fmt.Errorf("agent_failure_quorum must be >= 1, got %d", c.AgentFailureQuorum)
	}
	if c.QueueDepthPerSubscriber <= 0 {
		c.QueueDepthPerSubscriber = DefaultQueueDepthPerSubscriber
	}
	if c.StateDir == "" {
		c.StateDir = ".conductor"
	}

	if c.Guardian.Interval <= 0 {
		c.Guardian.Interval = Duration(DefaultGuardianInterval)
	}
	if c.Guardian.FailureWindow <= 0 {
		c.Guardian.FailureWindow = DefaultGuardianFailureWindow
	}
	if c.Guardian.FailureThreshold <= 0 {
		c.Guardian.FailureThreshold = DefaultGuardianFailureThresh
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = Duration(DefaultRetryInitialDelay)
	}
	if c.Retry.BackoffFactor < 1 {
		c.Retry.BackoffFactor = DefaultRetryBackoffFactor
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.validate(); err != nil {
			return fmt.Errorf("provider %d (%s): %w", i, p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seenAgents := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if err := a.validate(); err != nil {
			return fmt.Errorf("agent %d (%s): %w", i, a.Name, err)
		}
		if seenAgents[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seenAgents[a.Name] = true
	}
	return nil
}

func (a *AgentCfg) validate() error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if a.Class == "" {
		return fmt.Errorf("class is required")
	}
	if a.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	switch a.LatencyClass {
	case LatencyInteractive, LatencyBatch:
	case "":
		a.LatencyClass = LatencyInteractive
	default:
		return fmt.Errorf("unknown latency_class %q", a.LatencyClass)
	}
	if a.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be non-negative")
	}
	return nil
}

func (p *ProviderCfg) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch p.Kind {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		if p.APIKeySecret == "" {
			return fmt.Errorf("api_key_secret is required for kind %q", p.Kind)
		}
	case ProviderOllama:
		// Local backend: no key, and credit is forced to zero cost model.
		if p.CpmTokensIn != 0 || p.CpmTokensOut != 0 {
			return fmt.Errorf("ollama providers are zero-cost; cpm settings must be 0")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(p.CapabilityTags) == 0 {
		return fmt.Errorf("capability_tags must not be empty")
	}
	switch p.LatencyClass {
	case LatencyInteractive, LatencyBatch:
	case "":
		p.LatencyClass = LatencyInteractive
	default:
		return fmt.Errorf("unknown latency_class %q", p.LatencyClass)
	}
	if p.CpmTokensIn < 0 || p.CpmTokensOut < 0 || p.InitialCreditUSD < 0 {
		return fmt.Errorf("cost and credit values must be non-negative")
	}
	return nil
}

// LocalFallback returns the first zero-cost local provider, if one is configured.
func (c *Config) LocalFallback() *ProviderCfg {
	for i := range c.Providers {
		if c.Providers[i].Kind == ProviderOllama {
			return &c.Providers[i]
		}
	}
	return nil
}
