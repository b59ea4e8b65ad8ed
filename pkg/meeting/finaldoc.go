package meeting

import (
	"context"
	"fmt"
	"time"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
	"github.com/Einzieg/AI-meeting/pkg/store"
	"github.com/Einzieg/AI-meeting/pkg/threshold"
)

// Final-document loop bounds.
const (
	maxEditorPasses     = 3
	maxApprovalAttempts = 3
)

// finalPhase runs Phase 2 while the meeting is still in running_vote:
// draft the final result document, then demand unanimous approval from
// every enabled agent, revising the draft between attempts. It returns
// true when the meeting reached a terminal state here and false when an
// interrupt handed control back to the discussion loop.
func (o *Orchestrator) finalPhase(ctx context.Context, outcome voteOutcome) (bool, error) {
	m, err := o.store.GetMeeting(ctx, o.meetingID)
	if err != nil {
		return false, err
	}
	if m.State.Terminal() {
		return true, nil
	}
	if m.State != models.StateRunningVote {
		return false, nil // interrupted before drafting began
	}

	draft, err := o.draftFinalDocument(ctx, m, outcome.proposalText)
	if err != nil {
		return false, err
	}

	var lastApprovals []models.ReviewerApproval
	for attempt := 1; attempt <= maxApprovalAttempts; attempt++ {
		session, err := o.startApprovalSession(ctx, draft, attempt)
		if err != nil {
			return false, err
		}
		if session == nil {
			return false, nil // interrupt resumed discussion
		}

		if err := o.runBallots(ctx, m.Config, session); err != nil {
			return false, err
		}

		verdict, err := o.settleApprovalSession(ctx, session)
		if err != nil {
			return false, err
		}
		if verdict == nil {
			return false, nil // interrupted mid-approval
		}
		lastApprovals = verdict.approvals

		if verdict.unanimous {
			return true, o.finishAccepted(ctx, draft, lastApprovals)
		}
		if attempt < maxApprovalAttempts {
			draft = o.reviseFinalDocument(ctx, m, draft, verdict.objections())
		}
	}

	reason := fmt.Sprintf(reasonUnanimityPattern, maxApprovalAttempts)
	return true, o.finishAborted(ctx, reason, draft, lastApprovals)
}

// startApprovalSession opens one approval attempt at the current stage
// version. A nil session means the meeting left running_vote meanwhile.
func (o *Orchestrator) startApprovalSession(ctx context.Context, draft string, attempt int) (*models.VoteSession, error) {
	var session *models.VoteSession
	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		current, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if current.State != models.StateRunningVote {
			return nil
		}

		created, err := o.store.CreateVoteSession(ctx, &models.VoteSession{
			MeetingID:             o.meetingID,
			Round:                 current.Round,
			StageVersion:          current.StageVersion,
			Kind:                  models.VoteKindApproval,
			Attempt:               attempt,
			ProposalText:          draft,
			Status:                models.VoteSessionRunning,
			StartedAt:             time.Now().UTC(),
			ExpectedVoterAgentIDs: enabledAgentIDs(current.Config),
		})
		if err != nil {
			return err
		}
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			ActiveVoteSessionID: &created.ID,
		}); err != nil {
			return err
		}
		session = created
		o.sessions = append(o.sessions, created)
		o.publish(ctx, events.TypeVoteSessionStarted, events.VoteSessionStartedPayload{
			VoteSessionID: created.ID,
			StageVersion:  created.StageVersion,
			Kind:          models.VoteKindApproval,
			Attempt:       attempt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// approvalVerdict is the settled outcome of one approval attempt.
type approvalVerdict struct {
	unanimous bool
	approvals []models.ReviewerApproval
}

// objections returns the non-passing reviews, for the revision prompt.
func (v *approvalVerdict) objections() []models.ReviewerApproval {
	out := make([]models.ReviewerApproval, 0)
	for _, a := range v.approvals {
		if !a.Pass {
			out = append(out, a)
		}
	}
	return out
}

// settleApprovalSession evaluates unanimity once all ballots settled. A
// nil verdict means an interrupt invalidated the attempt.
func (o *Orchestrator) settleApprovalSession(ctx context.Context, session *models.VoteSession) (*approvalVerdict, error) {
	var verdict *approvalVerdict
	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		current, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if current.StageVersion != session.StageVersion || current.State != models.StateRunningVote {
			return nil
		}

		votes, err := o.store.ListVotes(ctx, store.ListVotesQuery{MeetingID: o.meetingID, VoteSessionID: session.ID})
		if err != nil {
			return err
		}

		byVoter := make(map[string]*models.Vote, len(votes))
		approvals := make([]models.ReviewerApproval, 0, len(votes))
		for _, v := range votes {
			byVoter[v.VoterAgentID] = v
			approvals = append(approvals, models.ReviewerApproval{
				AgentID:   v.VoterAgentID,
				Score:     v.Score,
				Pass:      v.Pass,
				Rationale: v.Rationale,
			})
		}

		// Unanimity means every expected voter returned pass=true; a
		// missing ballot counts as a failure.
		unanimous := true
		for _, id := range session.ExpectedVoterAgentIDs {
			v, ok := byVoter[id]
			if !ok || !v.Pass {
				unanimous = false
				break
			}
		}

		status := models.VoteSessionIncomplete
		reason := "unanimous approval not reached"
		if unanimous {
			status = models.VoteSessionFinalized
			reason = "unanimous approval"
		}
		if err := o.store.FinalizeVoteSession(ctx, store.FinalizeVoteSessionRequest{
			MeetingID: o.meetingID,
			ID:        session.ID,
			Status:    status,
			EndedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		session.Status = status

		empty := ""
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			ActiveVoteSessionID: &empty,
		}); err != nil {
			return err
		}

		o.publish(ctx, events.TypeVoteSessionFinal, events.VoteSessionFinalPayload{
			VoteSessionID: session.ID,
			StageVersion:  session.StageVersion,
			Accepted:      unanimous,
			AvgScore:      threshold.Aggregate(votes).AvgScore,
			Reason:        reason,
			Kind:          models.VoteKindApproval,
		})
		verdict = &approvalVerdict{unanimous: unanimous, approvals: approvals}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// draftFinalDocument produces the first draft by walking the editor
// chain, with the raw proposal text as the ultimate fallback.
func (o *Orchestrator) draftFinalDocument(ctx context.Context, m *models.Meeting, proposalText string) (string, error) {
	messages, err := o.store.ListMessages(ctx, store.ListMessagesQuery{MeetingID: o.meetingID})
	if err != nil {
		return "", err
	}
	chat := o.prompts.BuildFinalDocument(prompt.FinalDocumentInput{
		Topic:            m.Topic,
		ProposalText:     proposalText,
		RecentDiscussion: messages,
	})

	text, err := o.editorCall(ctx, m.Config, chat)
	if err != nil {
		return "", err
	}
	if text == "" {
		o.logger.Warn("all final-document editors failed, using proposal text")
		return proposalText, nil
	}
	return text, nil
}

// reviseFinalDocument asks the editor chain for a revision satisfying
// the objections. A failing revision keeps the current draft so the
// next attempt still has a document to review.
func (o *Orchestrator) reviseFinalDocument(ctx context.Context, m *models.Meeting, draft string, objections []models.ReviewerApproval) string {
	chat := o.prompts.BuildRevision(prompt.RevisionInput{
		Topic:      m.Topic,
		Draft:      draft,
		Objections: objections,
	})
	text, err := o.editorCall(ctx, m.Config, chat)
	if err != nil || text == "" {
		o.logger.Warn("final-document revision failed, keeping draft", "error", err)
		return draft
	}
	return text
}

// editorCall walks the editor chain (facilitator identity first, then
// each enabled agent's provider) for up to maxEditorPasses calls. An
// empty result with nil error means every pass failed.
func (o *Orchestrator) editorCall(ctx context.Context, cfg models.MeetingConfig, chat []llm.ChatMessage) (string, error) {
	timeout := maxDuration(minEditorCallTimeout, cfg.Facilitator.Timeout())

	passes := 0
	for _, ed := range editorChain(cfg) {
		if passes >= maxEditorPasses {
			break
		}
		passes++

		completion, err := o.gateway.GenerateText(ctx, llm.Request{
			Provider:    ed.provider,
			Model:       ed.model,
			Messages:    chat,
			Temperature: cfg.Facilitator.Temperature,
			MaxTokens:   4096,
			Timeout:     timeout,
			Metadata: map[string]string{
				"purpose":    llm.PurposeFinalDocument,
				"meeting_id": o.meetingID,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			o.logger.Warn("final-document editor failed",
				"provider", ed.provider, "model", ed.model, "error", err)
			continue
		}
		if completion.Text != "" {
			return completion.Text, nil
		}
	}
	return "", nil
}

type editorIdentityPair struct {
	provider string
	model    string
}

// editorChain lists editor candidates in fallback order: the
// facilitator override (or first enabled agent) first, then every other
// enabled agent, deduplicated.
func editorChain(cfg models.MeetingConfig) []editorIdentityPair {
	provider, model := editorIdentity(cfg)
	chain := []editorIdentityPair{{provider: provider, model: model}}
	seen := map[editorIdentityPair]bool{chain[0]: true}
	for _, a := range cfg.EnabledAgents() {
		pair := editorIdentityPair{provider: a.Provider, model: a.Model}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		chain = append(chain, pair)
	}
	return chain
}
