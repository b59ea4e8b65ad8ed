// Package llm provides the unified text-generation gateway over
// heterogeneous LLM providers: a provider registry with "auto" routing
// by model id, recoverable-error classification, bounded retry, and a
// deterministic in-process mock provider.
package llm

import (
	"context"
	"time"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of the conversation sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains the provider output shape.
type ResponseFormat string

const (
	FormatText       ResponseFormat = "text"
	FormatJSONObject ResponseFormat = "json_object"
)

// Request is a single whole-completion generation request. The gateway
// deals in complete texts; partial-token streaming is not supported.
type Request struct {
	Provider    string // registry key, or "auto" / "mock"
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Format      ResponseFormat // empty = FormatText

	// Metadata is opaque to real providers. The mock provider reads
	// "purpose" and the agent id to produce deterministic output.
	Metadata map[string]string
}

// Usage is provider-reported token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Completion is the whole-text result of a generation call.
type Completion struct {
	Text string
	// Provider is the registry key that actually served the call
	// (resolved from "auto" when routing applied).
	Provider  string
	Model     string
	RequestID string
	Usage     *Usage
	Latency   time.Duration
}

// Gateway is the single operation the orchestrator calls. Cancellation
// is cooperative through ctx; each request is additionally bounded by
// Request.Timeout.
type Gateway interface {
	GenerateText(ctx context.Context, req Request) (*Completion, error)
}

// Provider is one upstream backend behind the registry.
type Provider interface {
	// Complete performs one whole-text generation. Implementations
	// classify upstream failures via *ProviderError.
	Complete(ctx context.Context, req Request) (*Completion, error)
}
