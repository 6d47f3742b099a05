package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conductor/pkg/config"
)

// OpenAIProvider adapts the OpenAI Responses API to the Provider interface.
type OpenAIProvider struct {
	id      string
	tags    []string
	latency string
	cost    CostModel
	client  openai.Client
	model   string
}

// NewOpenAI creates an OpenAI-backed provider from its config entry.
func NewOpenAI(cfg *config.ProviderCfg, apiKey string, counter *TokenCounter) *OpenAIProvider {
	return &OpenAIProvider{
		id:      cfg.Name,
		tags:    cfg.CapabilityTags,
		latency: cfg.LatencyClass,
		cost:    NewCostModel(cfg.CpmTokensIn, cfg.CpmTokensOut, counter),
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   cfg.Model,
	}
}

func (p *OpenAIProvider) ID() string           { return p.id }
func (p *OpenAIProvider) Tags() []string       { return p.tags }
func (p *OpenAIProvider) LatencyClass() string { return p.latency }

func (p *OpenAIProvider) EstimateCost(task *Task) float64 {
	return p.cost.Estimate(task)
}

// Invoke performs a single completion via the Responses API.
func (p *OpenAIProvider) Invoke(ctx context.Context, task *Task) (Result, error) {
	start := time.Now()

	maxTokens := task.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	// The Responses API takes a single input string; fold the system prompt in.
	input := task.Prompt
	if task.System != "" {
		input = fmt.Sprintf("System: %s\n\n%s", task.System, task.Prompt)
	}

	params := responses.ResponseNewParams{
		Model:           p.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return Result{}, classifyError(err)
	}
	if resp == nil {
		return Result{}, &TransientError{Err: fmt.Errorf("empty response from OpenAI API")}
	}

	content := resp.OutputText()
	if content == "" {
		return Result{}, &TransientError{Err: fmt.Errorf("no text output from OpenAI API")}
	}

	tokensIn, tokensOut, cost := p.cost.Actual(task, content)
	return Result{
		ProviderID: p.id,
		Content:    content,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		CostUSD:    cost,
		Duration:   time.Since(start),
	}, nil
}
