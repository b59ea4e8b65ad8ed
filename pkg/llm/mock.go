package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// Purpose values the orchestrator sets in Request.Metadata["purpose"].
// The mock provider keys its output shape on them.
const (
	PurposeDiscussion    = "discussion"
	PurposeVote          = "vote"
	PurposeFacilitator   = "facilitator"
	PurposeFinalDocument = "final_document"
	PurposeApproval      = "approval"
)

// Mock styles, selected by model id suffix ("mock-optimist", ...).
const (
	mockStyleNeutral    = "neutral"
	mockStyleOptimist   = "optimist"
	mockStyleDissenter  = "dissenter"
	mockStyleBrokenJSON = "broken-json"
	mockStyleTimeout    = "timeout"
)

// MockProvider is the built-in deterministic provider used by the
// fallback salvage path, the demo mode, and the tests. Output depends
// only on (model, purpose, agent id) — same inputs, same completion.
type MockProvider struct{}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates the deterministic mock.
func NewMockProvider() *MockProvider { return &MockProvider{} }

// Complete produces a deterministic completion shaped by the request's
// purpose metadata and the style encoded in the model id.
func (p *MockProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	style := mockStyle(req.Model)

	if style == mockStyleTimeout {
		// Block until the caller's deadline or cancellation fires.
		<-ctx.Done()
		return nil, ctx.Err()
	}

	purpose := req.Metadata["purpose"]
	agentID := req.Metadata["agent_id"]
	topicHint := lastUserLine(req.Messages)

	var text string
	switch purpose {
	case PurposeVote, PurposeApproval:
		text = p.voteJSON(style, agentID)
	case PurposeFacilitator:
		text = p.facilitatorJSON(style)
	case PurposeFinalDocument:
		text = p.finalDocument(topicHint)
	default:
		text = p.discussion(style, agentID, topicHint)
	}

	return &Completion{
		Text:      text,
		Model:     req.Model,
		RequestID: fmt.Sprintf("mock-%08x", contentHash(req.Model, purpose, agentID)),
		Usage:     &Usage{InputTokens: 32, OutputTokens: 48, TotalTokens: 80},
	}, nil
}

func (p *MockProvider) discussion(style, agentID, topicHint string) string {
	switch style {
	case mockStyleOptimist:
		return fmt.Sprintf("[%s] The direction is sound. Core points: (1) the plan addresses %s directly, (2) the remaining risks are manageable with staged rollout, (3) I support moving to a decision this round.", agentID, topicHint)
	case mockStyleDissenter:
		return fmt.Sprintf("[%s] I disagree with the current framing. Alternative: narrow the scope of %s first and validate with a pilot before committing. The cost assumptions are untested.", agentID, topicHint)
	case mockStyleBrokenJSON:
		return "{ this is not json" // discussion output is free text anyway
	default:
		return fmt.Sprintf("[%s] Two observations on %s: the approach is workable but the timeline is tight, and the ownership of follow-up actions needs to be explicit. I propose assigning owners per workstream.", agentID, topicHint)
	}
}

func (p *MockProvider) voteJSON(style, agentID string) string {
	switch style {
	case mockStyleOptimist:
		return `{"score": 90, "pass": true, "rationale": "Proposal addresses the topic and risks are acceptable."}`
	case mockStyleDissenter:
		return `{"score": 40, "pass": false, "rationale": "Scope is too broad; pilot first."}`
	case mockStyleBrokenJSON:
		return `{"score": 90, "pass": true` // deliberately truncated
	default:
		return `{"score": 75, "pass": true, "rationale": "Workable with reservations about the timeline."}`
	}
}

func (p *MockProvider) facilitatorJSON(style string) string {
	if style == mockStyleBrokenJSON {
		return "Summary: the agents mostly agree." // not JSON on purpose
	}
	return `{"round_summary": "Agents converged on a staged rollout with explicit owners; the main friction is the timeline.", "disagreements": ["Timeline feasibility"], "proposed_patch": "Add a two-week buffer to phase one and name an owner per workstream.", "next_focus": ["Confirm owners", "Settle the phase-one date"]}`
}

func (p *MockProvider) finalDocument(topicHint string) string {
	return fmt.Sprintf(`## Decision
Adopt the staged rollout plan for %s.

## Scope & Assumptions
Single team, existing infrastructure, no budget increase.

## Key Evidence & Trade-offs
Staging reduces blast radius at the cost of a longer total timeline.

## Agreed Plan
Phase one ships behind a flag; phase two follows after a one-week soak.

## Action Items
| Owner | Item | Due |
|---|---|---|
| agent-1 | Flag rollout | phase one |

## Risks & Mitigations
Timeline slip — mitigated by the phase-one buffer.

## Open Questions
None blocking.

## Acceptance Criteria
Both phases shipped with no rollback.`, topicHint)
}

// mockStyle extracts the style from a model id like "mock-optimist".
// Unknown suffixes behave as neutral, including "mock-default".
func mockStyle(model string) string {
	suffix := strings.TrimPrefix(strings.ToLower(model), "mock-")
	switch suffix {
	case mockStyleOptimist, mockStyleDissenter, mockStyleBrokenJSON, mockStyleTimeout:
		return suffix
	}
	return mockStyleNeutral
}

// lastUserLine pulls a short hint from the final user message so mock
// output visibly tracks the topic.
func lastUserLine(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		line := strings.TrimSpace(messages[i].Content)
		if idx := strings.IndexByte(line, '\n'); idx > 0 {
			line = line[:idx]
		}
		const max = 80
		if len(line) > max {
			line = line[:max]
		}
		if line != "" {
			return line
		}
	}
	return "the topic"
}

func contentHash(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
	}
	return h.Sum32()
}
