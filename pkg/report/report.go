// Package report renders the terminal result of a meeting: the markdown
// report persisted into the result and the structured summary with the
// final document and per-reviewer approvals.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

// digestMessages caps how many trailing transcript messages the report
// quotes in the discussion digest.
const digestMessages = 20

// digestContentCap truncates each quoted message.
const digestContentCap = 300

// Input is everything the builder needs from the concluded meeting.
type Input struct {
	Meeting  *models.Meeting
	Messages []*models.Message
	Sessions []*models.VoteSession
	Votes    []*models.Vote

	FinalDocument string
	Approvals     []models.ReviewerApproval
}

// Summary derives the structured result summary.
func Summary(in Input) *models.ResultSummary {
	sum := &models.ResultSummary{
		Rounds:        in.Meeting.Round,
		VoteSessions:  len(in.Sessions),
		FinalDocument: in.FinalDocument,
		Approvals:     append([]models.ReviewerApproval(nil), in.Approvals...),
	}
	if last := lastFinalizedSession(in.Sessions); last != nil {
		votes := votesForSession(in.Votes, last.ID)
		if len(votes) > 0 {
			total := 0
			for _, v := range votes {
				total += v.Score
			}
			sum.FinalAvgScore = (total + len(votes)/2) / len(votes)
		}
	}
	return sum
}

// Markdown renders the full report.
func Markdown(in Input) string {
	m := in.Meeting
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Meeting Report: %s\n\n", m.Topic)
	fmt.Fprintf(&sb, "- State: %s\n", m.State)
	fmt.Fprintf(&sb, "- Rounds: %d\n", m.Round)
	if m.EffectiveDiscussionMode != "" {
		fmt.Fprintf(&sb, "- Discussion mode: %s\n", m.EffectiveDiscussionMode)
	}
	fmt.Fprintf(&sb, "- Agents: %s\n", strings.Join(agentNames(m.Config), ", "))
	if m.Result != nil {
		fmt.Fprintf(&sb, "- Outcome: %s\n", m.Result.Reason)
		fmt.Fprintf(&sb, "- Concluded: %s\n", m.Result.ConcludedAt.Format(time.RFC3339))
	}

	if len(in.Sessions) > 0 {
		sb.WriteString("\n## Vote sessions\n\n")
		sb.WriteString("| Round | Kind | Attempt | Status | Votes | Avg |\n")
		sb.WriteString("|---|---|---|---|---|---|\n")
		for _, vs := range in.Sessions {
			votes := votesForSession(in.Votes, vs.ID)
			fmt.Fprintf(&sb, "| %d | %s | %s | %s | %d | %s |\n",
				vs.Round, vs.Kind, attemptCell(vs), vs.Status, len(votes), avgCell(votes))
		}
	}

	if digest := discussionDigest(in.Messages); digest != "" {
		sb.WriteString("\n## Discussion digest\n\n")
		sb.WriteString(digest)
	}

	if in.FinalDocument != "" {
		sb.WriteString("\n## Final result document\n\n")
		sb.WriteString(in.FinalDocument)
		sb.WriteString("\n")
	}

	if len(in.Approvals) > 0 {
		sb.WriteString("\n## Approvals\n\n")
		sb.WriteString("| Agent | Score | Pass | Rationale |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, a := range in.Approvals {
			fmt.Fprintf(&sb, "| %s | %d | %t | %s |\n",
				a.AgentID, a.Score, a.Pass, sanitizeCell(a.Rationale))
		}
	}

	return sb.String()
}

// JSON renders the structured summary plus the final document as one
// JSON object, for output format "json" or "both".
func JSON(in Input) (string, error) {
	payload := struct {
		Topic         string                `json:"topic"`
		State         models.MeetingState   `json:"state"`
		Summary       *models.ResultSummary `json:"summary"`
		FinalDocument string                `json:"final_document,omitempty"`
	}{
		Topic:         in.Meeting.Topic,
		State:         in.Meeting.State,
		Summary:       Summary(in),
		FinalDocument: in.FinalDocument,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering JSON report: %w", err)
	}
	return string(raw), nil
}

func discussionDigest(messages []*models.Message) string {
	start := len(messages) - digestMessages
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, m := range messages[start:] {
		var who string
		switch m.Role {
		case models.RoleAgent:
			who = m.AgentID
		case models.RoleUser:
			who = "user"
		default:
			who = string(m.SystemID)
		}
		content := m.Content
		if len(content) > digestContentCap {
			content = content[:digestContentCap] + "..."
		}
		fmt.Fprintf(&sb, "- **%s** (round %d): %s\n", who, m.Meta.Round, sanitizeCell(content))
	}
	return sb.String()
}

func lastFinalizedSession(sessions []*models.VoteSession) *models.VoteSession {
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == models.VoteSessionFinalized {
			return sessions[i]
		}
	}
	return nil
}

func votesForSession(votes []*models.Vote, sessionID string) []*models.Vote {
	out := make([]*models.Vote, 0)
	for _, v := range votes {
		if v.VoteSessionID == sessionID {
			out = append(out, v)
		}
	}
	return out
}

func agentNames(cfg models.MeetingConfig) []string {
	names := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		name := a.DisplayName
		if name == "" {
			name = a.ID
		}
		if !a.Enabled {
			name += " (disabled)"
		}
		names = append(names, name)
	}
	return names
}

func attemptCell(vs *models.VoteSession) string {
	if vs.Attempt == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", vs.Attempt)
}

func avgCell(votes []*models.Vote) string {
	if len(votes) == 0 {
		return "-"
	}
	total := 0
	for _, v := range votes {
		total += v.Score
	}
	return fmt.Sprintf("%d", (total+len(votes)/2)/len(votes))
}

// sanitizeCell keeps markdown table cells on one line.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
