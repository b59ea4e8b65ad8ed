// Package prompt builds every prompt the orchestrator sends through the
// gateway: discussion turns, vote and approval ballots, facilitator
// passes, and final-document drafting. The builder is pure — the same
// input yields a byte-identical prompt.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
)

// Truncation limits. Context sent upstream is bounded for reliability,
// not billing: oversized prompts are the main source of provider
// timeouts.
const (
	// RecentMessageWindow is how many trailing messages a discussion
	// prompt carries.
	RecentMessageWindow = 10
	// MessageContentCap truncates each quoted message.
	MessageContentCap = 800
	// QuoteCap truncates reply-target quotes.
	QuoteCap = 200
	// FacilitatorMessageWindow is how many trailing messages the
	// facilitator sees.
	FacilitatorMessageWindow = 20
	// ProposalCap bounds the base proposal in final-document prompts.
	ProposalCap = 5 * 1024
	// DiscussionCap bounds recent discussion in final-document prompts.
	DiscussionCap = 7 * 1024
	// ProposalMessageCap truncates each message joined into the
	// mechanical proposal text.
	ProposalMessageCap = 1200
	// DissentRationaleCap truncates each objection quoted in a
	// revision prompt.
	DissentRationaleCap = 400
	// MaxDissents bounds how many objections a revision prompt quotes.
	MaxDissents = 12
)

const discussionInstructions = `Instructions:
- Make 1-3 core points. Be concrete and brief.
- If you disagree with another participant, you must propose an alternative, not just object.
- Do not repeat points already settled; move the discussion forward.`

const voteContract = `You are casting a vote on a proposal. Respond with a single JSON object and nothing else:
{"score": <integer 0-100>, "pass": <true|false>, "rationale": "<one or two sentences, optional>"}
Score reflects how close the proposal is to something you would commit to. Pass means you accept it as-is.`

const approvalContract = `You are reviewing the final result document for unanimous approval. Respond with a single JSON object and nothing else:
{"score": <integer 0-100>, "pass": <true|false>, "rationale": "<what must change if pass is false>"}
Pass only if you approve this exact document.`

// Builder constructs prompt message lists. Stateless and safe for
// concurrent use.
type Builder struct{}

// New creates a Builder.
func New() *Builder { return &Builder{} }

// DiscussionInput is the context for one agent's discussion turn.
type DiscussionInput struct {
	Agent          models.AgentConfig
	Topic          string
	Round          int
	RollingSummary string
	// RollingSummaryMaxChars truncates the summary; 0 means the
	// configured default.
	RollingSummaryMaxChars int
	// Messages is the transcript in append order (snapshot or fresh
	// read, depending on discussion mode).
	Messages     []*models.Message
	ReplyTargets []models.ReplyTarget
}

// BuildDiscussion builds the prompt for one discussion turn. Round 0 is
// blind: no transcript, no reply targets, topic only.
func (b *Builder) BuildDiscussion(in DiscussionInput) []llm.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&sb, "Round: %d\n", in.Round)

	if in.Round > 0 {
		if in.RollingSummary != "" {
			maxChars := in.RollingSummaryMaxChars
			if maxChars == 0 {
				maxChars = models.DefaultRollingSummaryChars
			}
			sb.WriteString("\nRolling summary of the discussion so far:\n")
			sb.WriteString(truncate(in.RollingSummary, maxChars))
			sb.WriteString("\n")
		}

		recent := tail(in.Messages, RecentMessageWindow)
		if len(recent) > 0 {
			sb.WriteString("\nRecent discussion:\n")
			for _, m := range recent {
				fmt.Fprintf(&sb, "%s: %s\n", speakerPrefix(m), truncate(m.Content, MessageContentCap))
			}
		}

		if user := userMessagesSince(in.Messages, in.Round-1); len(user) > 0 {
			sb.WriteString("\nMessages from the meeting owner:\n")
			for _, m := range user {
				fmt.Fprintf(&sb, "- %s\n", truncate(m.Content, MessageContentCap))
			}
		}

		if len(in.ReplyTargets) > 0 {
			sb.WriteString("\nYou MUST respond to:\n")
			for _, t := range in.ReplyTargets {
				if t.Quote != "" {
					fmt.Fprintf(&sb, "- %s, who said: %q\n", t.AgentID, truncate(t.Quote, QuoteCap))
				} else {
					fmt.Fprintf(&sb, "- %s\n", t.AgentID)
				}
			}
		}
	}

	sb.WriteString("\n")
	sb.WriteString(discussionInstructions)

	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: in.Agent.SystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// VoteInput is the context for one agent's proposal vote.
type VoteInput struct {
	Agent          models.AgentConfig
	Topic          string
	RollingSummary string
	ProposalText   string
}

// BuildVote builds the structured vote prompt. The JSON contract is
// appended to the agent's own system prompt.
func (b *Builder) BuildVote(in VoteInput) []llm.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", in.Topic)
	if in.RollingSummary != "" {
		sb.WriteString("\nDiscussion summary:\n")
		sb.WriteString(truncate(in.RollingSummary, models.DefaultRollingSummaryChars))
		sb.WriteString("\n")
	}
	sb.WriteString("\nProposal under vote:\n")
	sb.WriteString(in.ProposalText)

	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: in.Agent.SystemPrompt + "\n\n" + voteContract},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// ApprovalInput is the context for one agent's final-document review.
type ApprovalInput struct {
	Agent models.AgentConfig
	Topic string
	Draft string
}

// BuildApproval builds the final-document approval prompt.
func (b *Builder) BuildApproval(in ApprovalInput) []llm.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n\nFinal result document draft:\n\n%s", in.Topic, in.Draft)
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: in.Agent.SystemPrompt + "\n\n" + approvalContract},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// SelectReplyTargets picks up to max other agents this agent must
// address: the most recent message from each distinct other agent,
// scanning the transcript backwards. Round 0 is blind — no targets.
func SelectReplyTargets(messages []*models.Message, selfAgentID string, round, max int) []models.ReplyTarget {
	if round == 0 || max <= 0 {
		return nil
	}
	targets := make([]models.ReplyTarget, 0, max)
	seen := map[string]bool{selfAgentID: true}
	for i := len(messages) - 1; i >= 0 && len(targets) < max; i-- {
		m := messages[i]
		if m.Role != models.RoleAgent || seen[m.AgentID] {
			continue
		}
		seen[m.AgentID] = true
		targets = append(targets, models.ReplyTarget{
			AgentID: m.AgentID,
			Quote:   truncate(m.Content, QuoteCap),
		})
	}
	return targets
}

// BuildProposalText mechanically joins the latest round's agent
// messages into the proposal put to a vote, each prefixed with its
// agent id and truncated.
func BuildProposalText(roundMessages []*models.Message) string {
	var sb strings.Builder
	for _, m := range roundMessages {
		if m.Role != models.RoleAgent {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", m.AgentID, truncate(m.Content, ProposalMessageCap))
	}
	return sb.String()
}

// --- shared helpers ---

// truncate caps s at max bytes, backing off to a rune boundary so the
// cut never produces invalid UTF-8.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func tail(messages []*models.Message, n int) []*models.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// userMessagesSince returns user messages from the given round onwards.
func userMessagesSince(messages []*models.Message, round int) []*models.Message {
	out := make([]*models.Message, 0)
	for _, m := range messages {
		if m.Role == models.RoleUser && m.Meta.Round >= round {
			out = append(out, m)
		}
	}
	return out
}

func speakerPrefix(m *models.Message) string {
	switch m.Role {
	case models.RoleAgent:
		return m.AgentID
	case models.RoleUser:
		return "User"
	default:
		return string(m.SystemID)
	}
}
