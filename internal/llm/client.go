// Package llm provides the short-completion clients used for sector triage.
package llm

import (
	"context"
	"fmt"
)

// CompletionRequest is a single-turn prompt with an optional instruction.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	LatencyMs int64
}

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a client for provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	}
	return nil, fmt.Errorf("unknown llm provider %q", provider)
}

// FromKeys builds a client for preferred when its key is set, otherwise for
// whichever key is present, Anthropic first. It returns nil when neither key
// is configured.
func FromKeys(preferred Provider, anthropicKey, openAIKey string) (Client, error) {
	keys := map[Provider]string{ProviderAnthropic: anthropicKey, ProviderOpenAI: openAIKey}
	if key := keys[preferred]; key != "" {
		return NewClient(preferred, key)
	}
	for _, p := range []Provider{ProviderAnthropic, ProviderOpenAI} {
		if keys[p] != "" {
			return NewClient(p, keys[p])
		}
	}
	return nil, nil
}

const defaultMaxTokens = 32
