package provider

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"conductor/pkg/config"
)

// GeminiProvider adapts the Google Gemini API to the Provider interface.
type GeminiProvider struct {
	id      string
	tags    []string
	latency string
	cost    CostModel
	client  *genai.Client
	model   string
}

// NewGemini creates a Gemini-backed provider from its config entry.
// The context is used for client construction only.
func NewGemini(ctx context.Context, cfg *config.ProviderCfg, apiKey string, counter *TokenCounter) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{
		id:      cfg.Name,
		tags:    cfg.CapabilityTags,
		latency: cfg.LatencyClass,
		cost:    NewCostModel(cfg.CpmTokensIn, cfg.CpmTokensOut, counter),
		client:  client,
		model:   cfg.Model,
	}, nil
}

func (p *GeminiProvider) ID() string           { return p.id }
func (p *GeminiProvider) Tags() []string       { return p.tags }
func (p *GeminiProvider) LatencyClass() string { return p.latency }

func (p *GeminiProvider) EstimateCost(task *Task) float64 {
	return p.cost.Estimate(task)
}

// Invoke performs a single non-streaming generation.
func (p *GeminiProvider) Invoke(ctx context.Context, task *Task) (Result, error) {
	start := time.Now()

	maxTokens := task.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: task.Prompt}},
	}}

	genCfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if task.System != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: task.System}},
		}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, genCfg)
	if err != nil {
		return Result{}, classifyError(err)
	}
	if result == nil {
		return Result{}, &TransientError{Err: fmt.Errorf("empty response from Gemini API")}
	}

	content := result.Text()
	if content == "" {
		return Result{}, &TransientError{Err: fmt.Errorf("no text output from Gemini API")}
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
