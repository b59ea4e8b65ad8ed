package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
)

// FinalDocumentSections is the fixed outline every final result
// document follows, in order.
var FinalDocumentSections = []string{
	"Decision",
	"Scope & Assumptions",
	"Key Evidence & Trade-offs",
	"Agreed Plan",
	"Action Items",
	"Risks & Mitigations",
	"Open Questions",
	"Acceptance Criteria",
}

const finalDocumentSystem = `You are the editor producing the Final Result Document of a multi-agent meeting. Write clean markdown. Use exactly these second-level sections, in this order: Decision, Scope & Assumptions, Key Evidence & Trade-offs, Agreed Plan, Action Items (as a table), Risks & Mitigations, Open Questions, Acceptance Criteria. No preamble before the first section.`

// FinalDocumentInput is the context for drafting the final document.
// The builder truncates the proposal and discussion independently so
// the combined prompt stays near 12 KB.
type FinalDocumentInput struct {
	Topic string
	// ProposalText is the accepted proposal from the vote phase.
	ProposalText string
	// RecentDiscussion is the trailing transcript, newest last.
	RecentDiscussion []*models.Message
}

// BuildFinalDocument builds the drafting prompt for the editor model.
func (b *Builder) BuildFinalDocument(in FinalDocumentInput) []llm.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", in.Topic)
	sb.WriteString("\nAccepted proposal:\n")
	sb.WriteString(truncate(in.ProposalText, ProposalCap))
	sb.WriteString("\n")

	if len(in.RecentDiscussion) > 0 {
		var disc strings.Builder
		for _, m := range in.RecentDiscussion {
			fmt.Fprintf(&disc, "%s: %s\n", speakerPrefix(m), truncate(m.Content, MessageContentCap))
		}
		sb.WriteString("\nRecent discussion:\n")
		sb.WriteString(truncateHead(disc.String(), DiscussionCap))
	}

	sb.WriteString("\nProduce the Final Result Document now.")

	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: finalDocumentSystem},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// RevisionInput is the context for re-drafting after a failed
// unanimity attempt.
type RevisionInput struct {
	Topic string
	Draft string
	// Objections are dissenters' rationales, verbatim. The builder
	// truncates each and caps the list.
	Objections []models.ReviewerApproval
}

// BuildRevision builds the "revise to satisfy objections" prompt.
func (b *Builder) BuildRevision(in RevisionInput) []llm.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", in.Topic)
	sb.WriteString("\nCurrent draft:\n\n")
	sb.WriteString(truncate(in.Draft, ProposalCap+DiscussionCap))
	sb.WriteString("\n\nThe following reviewers did not approve. Revise the document to satisfy their objections while keeping the agreed substance:\n")

	objections := in.Objections
	if len(objections) > MaxDissents {
		objections = objections[:MaxDissents]
	}
	for _, o := range objections {
		fmt.Fprintf(&sb, "- %s (score %d): %s\n", o.AgentID, o.Score, truncate(o.Rationale, DissentRationaleCap))
	}
	sb.WriteString("\nProduce the revised Final Result Document now, same sections, same order.")

	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: finalDocumentSystem},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// truncateHead keeps the newest tail of oversized discussion context;
// the most recent exchanges matter most for drafting. The cut advances
// to a rune boundary so the tail stays valid UTF-8.
func truncateHead(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}
