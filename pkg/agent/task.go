package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/provider"
)

// TaskAgent is the built-in config-driven agent: each cycle it submits one
// inference task and reports the response as its detail. Routing failures and
// exhausted budgets surface as Degraded, not Failed.
type TaskAgent struct {
	id              string
	class           string
	latencyClass    string
	system          string
	prompt          string
	maxOutputTokens int
}

// NewTaskAgent creates an agent from its configuration entry.
func NewTaskAgent(cfg *config.AgentCfg) *TaskAgent {
	return &TaskAgent{
		id:              cfg.Name,
		class:           cfg.Class,
		latencyClass:    cfg.LatencyClass,
		system:          cfg.System,
		prompt:          cfg.Prompt,
		maxOutputTokens: cfg.MaxOutputTokens,
	}
}

// ID returns the agent id.
func (a *TaskAgent) ID() string { return a.id }

// Run submits the configured task through the router.
func (a *TaskAgent) Run(ctx context.Context, inf Inference) (string, error) {
	task := &provider.Task{
		ID:              uuid.New().String(),
		Class:           a.class,
		LatencyClass:    a.latencyClass,
		System:          a.system,
		Prompt:          a.prompt,
		MaxOutputTokens: a.maxOutputTokens,
	}

	result, err := inf.Invoke(ctx, task)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", result.ProviderID, result.Content), nil
}
