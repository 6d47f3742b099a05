package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"conductor/pkg/config"
)

// DefaultOllamaHost is used when a local provider omits its host setting.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaProvider adapts a local Ollama runtime to the Provider interface.
// It is the designated zero-cost fallback: invocations never charge credit.
type OllamaProvider struct {
	id      string
	tags    []string
	latency string
	counter *TokenCounter
	client  *api.Client
	model   string
}

// NewOllama creates an Ollama-backed provider from its config entry.
func NewOllama(cfg *config.ProviderCfg, counter *TokenCounter) *OllamaProvider {
	host := cfg.Host
	if host == "" {
		host = DefaultOllamaHost
	}
	parsedURL, err := url.Parse(host)
	if err != nil {
		parsedURL, _ = url.Parse(DefaultOllamaHost)
	}

	return &OllamaProvider{
		id:      cfg.Name,
		tags:    cfg.CapabilityTags,
		latency: cfg.LatencyClass,
		counter: counter,
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   cfg.Model,
	}
}

func (p *OllamaProvider) ID() string           { return p.id }
func (p *OllamaProvider) Tags() []string       { return p.tags }
func (p *OllamaProvider) LatencyClass() string { return p.latency }

// EstimateCost always returns zero: local inference spends no credit.
func (p *OllamaProvider) EstimateCost(_ *Task) float64 { return 0 }

// Invoke performs a single non-streaming chat completion against the local runtime.
func (p *OllamaProvider) Invoke(ctx context.Context, task *Task) (Result, error) {
	start := time.Now()

	maxTokens := task.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	var messages []api.Message
	if task.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: task.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: task.Prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"num_predict": maxTokens,
		},
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return Result{}, classifyError(err)
	}

	content := response.Message.Content
	tokensIn := p.counter.Count(task.System) + p.counter.Count(task.Prompt)
	tokensOut := p.counter.Count(content)

	return Result{
		ProviderID: p.id,
		Content:    content,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		CostUSD:    0,
		Duration:   time.Since(start),
	}, nil
}
