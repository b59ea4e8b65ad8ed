package prompt

import (
	"fmt"
	"strings"

	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
)

const facilitatorSystem = `You are the facilitator of a structured multi-agent discussion. You never vote and never argue a position. You summarize, surface disagreements, and focus the next round.`

const facilitatorContract = `Respond with a single JSON object and nothing else:
{
  "round_summary": "<summary of the completed round, max 2000 chars>",
  "disagreements": ["<1 to 3 open disagreements>"],
  "proposed_patch": "<a concrete amendment to the current proposal, max 4000 chars>",
  "next_focus": ["<1 or 2 things the next round should settle>"]
}`

// FacilitatorInput is the context for one facilitator pass over a
// completed round.
type FacilitatorInput struct {
	Topic          string
	Round          int // the completed round being summarized
	RollingSummary string
	// Messages are the last messages at or after the completed round,
	// capped at FacilitatorMessageWindow by the builder.
	Messages []*models.Message
	// ProposalDraft is derived from the latest agent messages.
	ProposalDraft string
}

// BuildFacilitator builds the structured facilitator prompt.
func (b *Builder) BuildFacilitator(in FacilitatorInput) []llm.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", in.Topic)
	fmt.Fprintf(&sb, "Completed round: %d\n", in.Round)

	if in.RollingSummary != "" {
		sb.WriteString("\nPrevious rolling summary:\n")
		sb.WriteString(truncate(in.RollingSummary, models.DefaultRollingSummaryChars))
		sb.WriteString("\n")
	}

	recent := tail(in.Messages, FacilitatorMessageWindow)
	if len(recent) > 0 {
		sb.WriteString("\nMessages from this round:\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "%s: %s\n", speakerPrefix(m), truncate(m.Content, MessageContentCap))
		}
	}

	if in.ProposalDraft != "" {
		sb.WriteString("\nCurrent proposal draft:\n")
		sb.WriteString(truncate(in.ProposalDraft, ProposalCap))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(facilitatorContract)

	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: facilitatorSystem},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// FormatFacilitatorMarkdown renders a facilitator output as the
// markdown body of the system message appended to the transcript:
// round summary, disagreements, proposed patch, next focus.
func FormatFacilitatorMarkdown(roundSummary string, disagreements []string, proposedPatch string, nextFocus []string) string {
	var sb strings.Builder
	sb.WriteString("### Round summary\n")
	sb.WriteString(roundSummary)
	if len(disagreements) > 0 {
		sb.WriteString("\n\n### Disagreements\n")
		for _, d := range disagreements {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
	}
	if proposedPatch != "" {
		sb.WriteString("\n### Proposed patch\n")
		sb.WriteString(proposedPatch)
	}
	if len(nextFocus) > 0 {
		sb.WriteString("\n\n### Next focus\n")
		for _, f := range nextFocus {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	return sb.String()
}
