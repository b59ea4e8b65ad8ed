package models

import "time"

// MessageRole identifies the speaker class of a message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// SystemID identifies the producer of a system-role message.
type SystemID string

const (
	SystemFacilitator  SystemID = "facilitator"
	SystemOrchestrator SystemID = "orchestrator"
)

// MaxMessageChars caps persisted message content.
const MaxMessageChars = 50000

// ReplyTarget names another agent whose latest point this message is
// required to address, with an optional short quote for anchoring.
type ReplyTarget struct {
	AgentID string `json:"agent_id"`
	Quote   string `json:"quote,omitempty"` // <= 200 chars
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// MessageMeta carries per-message orchestration context.
type MessageMeta struct {
	Round int `json:"round"`

	// TurnIndex orders messages within a round: speaking order for
	// serial turns, agent-config order for parallel rounds.
	TurnIndex *int `json:"turn_index,omitempty"`

	DiscussionMode DiscussionMode `json:"discussion_mode,omitempty"`
	ReplyTargets   []ReplyTarget  `json:"reply_targets,omitempty"`
	Usage          *TokenUsage    `json:"usage,omitempty"`
	LatencyMS      int64          `json:"latency_ms,omitempty"`

	// ProviderRequestID records provider provenance, including the
	// "fallback:<orig>-><mock>" marker when the mock salvage path ran.
	ProviderRequestID string `json:"provider_request_id,omitempty"`
}

// Message is an immutable append-only transcript record.
type Message struct {
	ID        string      `json:"id"`
	MeetingID string      `json:"meeting_id"`
	CreatedAt time.Time   `json:"created_at"`
	Role      MessageRole `json:"role"`

	// AgentID is set when Role == RoleAgent.
	AgentID string `json:"agent_id,omitempty"`
	// SystemID is set when Role == RoleSystem.
	SystemID SystemID `json:"system_id,omitempty"`

	Content string      `json:"content"`
	Meta    MessageMeta `json:"meta"`
}
