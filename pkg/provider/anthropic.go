package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/config"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider interface.
type AnthropicProvider struct {
	id      string
	tags    []string
	latency string
	cost    CostModel
	client  anthropic.Client
	model   anthropic.Model
}

// NewAnthropic creates an Anthropic-backed provider from its config entry.
func NewAnthropic(cfg *config.ProviderCfg, apiKey string, counter *TokenCounter) *AnthropicProvider {
	return &AnthropicProvider{
		id:      cfg.Name,
		tags:    cfg.CapabilityTags,
		latency: cfg.LatencyClass,
		cost:    NewCostModel(cfg.CpmTokensIn, cfg.CpmTokensOut, counter),
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(cfg.Model),
	}
}

func (p *AnthropicProvider) ID() string           { return p.id }
func (p *AnthropicProvider) Tags() []string       { return p.tags }
func (p *AnthropicProvider) LatencyClass() string { return p.latency }

func (p *AnthropicProvider) EstimateCost(task *Task) float64 {
	return p.cost.Estimate(task)
}

// Invoke performs a single non-streaming completion.
func (p *AnthropicProvider) Invoke(ctx context.Context, task *Task) (Result, error) {
	start := time.Now()

	maxTokens := task.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(task.Prompt)),
		},
	}
	if task.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: task.System,
			Type: "text",
		}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		// Empty responses are retryable.
		return Result{}, &TransientError{Err: fmt.Errorf("empty response from Anthropic API")}
	}

	var content string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			content += block.AsText().Text
		}
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
