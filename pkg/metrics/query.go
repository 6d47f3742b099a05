package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderMetrics represents aggregated usage for one provider.
type ProviderMetrics struct {
	ProviderID       string  `json:"provider_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalSpend       float64 `json:"total_spend_usd"`
}

// QueryService reads engine aggregates back from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetProviderMetrics aggregates token and spend totals for one provider.
func (q *QueryService) GetProviderMetrics(ctx context.Context, providerID string) (*ProviderMetrics, error) {
	metrics := &ProviderMetrics{
		ProviderID: providerID,
	}

	promptQuery := fmt.Sprintf(`sum(conductor_provider_tokens_total{provider_id=%q, type="prompt"})`, providerID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PromptTokens = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(conductor_provider_tokens_total{provider_id=%q, type="completion"})`, providerID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CompletionTokens = int64(vector[0].Value)
	}

	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	spendQuery := fmt.Sprintf(`sum(conductor_provider_spend_usd_total{provider_id=%q})`, providerID)
	spendResult, _, err := q.queryAPI.Query(ctx, spendQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query spend: %w", err)
	}
	if vector, ok := spendResult.(model.Vector); ok && len(vector) > 0 {
		metrics.TotalSpend = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetAllProviderMetrics aggregates usage per provider across the whole series.
func (q *QueryService) GetAllProviderMetrics(ctx context.Context) (map[string]*ProviderMetrics, error) {
	providersQuery := `group by (provider_id) (conductor_provider_tokens_total)`
	providersResult, _, err := q.queryAPI.Query(ctx, providersQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}

	var providers []string
	if vector, ok := providersResult.(model.Vector); ok {
		for _, sample := range vector {
			if id, ok := sample.Metric["provider_id"]; ok {
				providers = append(providers, string(id))
			}
		}
	}

	result := make(map[string]*ProviderMetrics, len(providers))
	for _, id := range providers {
		m, err := q.GetProviderMetrics(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to query metrics for provider %s: %w", id, err)
		}
		result[id] = m
	}
	return result, nil
}
