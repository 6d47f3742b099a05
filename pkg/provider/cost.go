package provider

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultMaxOutputTokens is used when a task does not set its own limit.
const DefaultMaxOutputTokens = 1024

// TokenCounter counts tokens for cost accounting. All supported backends are
// approximated with the GPT-4 encoding; exact provider-side counts differ
// slightly but the approximation is conservative enough for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		// Character-based fallback (4 chars per token).
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CostModel converts token counts to USD for one provider account.
type CostModel struct {
	CpmTokensIn  float64 // USD per million input tokens
	CpmTokensOut float64 // USD per million output tokens
	counter      *TokenCounter
}

// NewCostModel creates a cost model backed by the shared token counter.
func NewCostModel(cpmIn, cpmOut float64, counter *TokenCounter) CostModel {
	return CostModel{CpmTokensIn: cpmIn, CpmTokensOut: cpmOut, counter: counter}
}

// Zero reports whether this is a zero-cost model (local providers).
func (m CostModel) Zero() bool {
	return m.CpmTokensIn == 0 && m.CpmTokensOut == 0
}

// Cost converts a token pair to USD.
func (m CostModel) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*m.CpmTokensIn + float64(tokensOut)/1e6*m.CpmTokensOut
}

// Estimate projects the cost of a task before invocation, assuming the full
// output token budget is consumed.
func (m CostModel) Estimate(task *Task) float64 {
	if m.Zero() {
		return 0
	}
	tokensIn := m.counter.Count(task.System) + m.counter.Count(task.Prompt)
	maxOut := task.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputTokens
	}
	return m.Cost(tokensIn, maxOut)
}

// Actual computes the realized cost from the request and response text.
func (m CostModel) Actual(task *Task, content string) (tokensIn, tokensOut int, cost float64) {
	tokensIn = m.counter.Count(task.System) + m.counter.Count(task.Prompt)
	tokensOut = m.counter.Count(content)
	return tokensIn, tokensOut, m.Cost(tokensIn, tokensOut)
}
