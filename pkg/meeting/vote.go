package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
	"github.com/Einzieg/AI-meeting/pkg/store"
	"github.com/Einzieg/AI-meeting/pkg/threshold"
	"golang.org/x/sync/errgroup"
)

// parseFailureRationale is the substitute ballot's rationale when a
// provider returns unusable JSON.
const parseFailureRationale = "Failed to parse vote response"

// voteOutcome carries the result of a proposal vote phase back to the
// round loop.
type voteOutcome struct {
	accepted     bool
	interrupted  bool
	proposalText string
	round        int
	stageVersion int
}

// votePhase runs Phase 1: transition to running_vote at a fresh stage
// version V, fan out one ballot per enabled agent, and evaluate the
// votes that landed at V. An interrupt that lifted the stage version
// makes the whole phase a no-op.
func (o *Orchestrator) votePhase(ctx context.Context, m *models.Meeting, roundMessages []*models.Message) (voteOutcome, error) {
	proposal := prompt.BuildProposalText(roundMessages)

	var session *models.VoteSession
	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		current, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if current.State != models.StateRunningDiscussion {
			return nil // interrupted or concluded since the round ended
		}

		v := current.StageVersion + 1
		created, err := o.store.CreateVoteSession(ctx, &models.VoteSession{
			MeetingID:             o.meetingID,
			Round:                 current.Round,
			StageVersion:          v,
			Kind:                  models.VoteKindProposal,
			ProposalText:          proposal,
			Status:                models.VoteSessionRunning,
			StartedAt:             time.Now().UTC(),
			ExpectedVoterAgentIDs: enabledAgentIDs(current.Config),
		})
		if err != nil {
			return err
		}
		st := models.StateRunningVote
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			State:               &st,
			StageVersion:        &v,
			ActiveVoteSessionID: &created.ID,
		}); err != nil {
			return err
		}
		session = created
		o.sessions = append(o.sessions, created)
		o.publishStateChanged(ctx, st, current.Round, v, "vote started")
		o.publish(ctx, events.TypeVoteSessionStarted, events.VoteSessionStartedPayload{
			VoteSessionID: created.ID,
			StageVersion:  v,
			Kind:          models.VoteKindProposal,
		})
		return nil
	})
	if err != nil {
		return voteOutcome{}, err
	}
	if session == nil {
		return voteOutcome{interrupted: true}, nil
	}

	if err := o.runBallots(ctx, m.Config, session); err != nil {
		return voteOutcome{}, err
	}

	outcome := voteOutcome{
		proposalText: proposal,
		round:        session.Round,
		stageVersion: session.StageVersion,
	}
	err = o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		current, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if current.StageVersion != session.StageVersion || current.State != models.StateRunningVote {
			// A user interrupt already aborted the session and resumed
			// discussion.
			outcome.interrupted = true
			return nil
		}

		votes, err := o.store.ListVotes(ctx, store.ListVotesQuery{MeetingID: o.meetingID, VoteSessionID: session.ID})
		if err != nil {
			return err
		}
		agg := threshold.Aggregate(votes)
		decision := threshold.Evaluate(current.Config.Threshold, session.Round, agg)

		if err := o.store.FinalizeVoteSession(ctx, store.FinalizeVoteSessionRequest{
			MeetingID: o.meetingID,
			ID:        session.ID,
			Status:    models.VoteSessionFinalized,
			EndedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		session.Status = models.VoteSessionFinalized

		empty := ""
		patch := models.MeetingPatch{ActiveVoteSessionID: &empty}
		if !decision.Accepted {
			sv := current.StageVersion + 1
			st := models.StateRunningDiscussion
			patch.StageVersion = &sv
			patch.State = &st
		}
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, patch); err != nil {
			return err
		}

		o.publish(ctx, events.TypeVoteSessionFinal, events.VoteSessionFinalPayload{
			VoteSessionID: session.ID,
			StageVersion:  session.StageVersion,
			Accepted:      decision.Accepted,
			AvgScore:      agg.AvgScore,
			Reason:        decision.Reason,
			Kind:          models.VoteKindProposal,
		})
		if !decision.Accepted {
			o.publishStateChanged(ctx, models.StateRunningDiscussion, current.Round, current.StageVersion+1, decision.Reason)
		}
		outcome.accepted = decision.Accepted
		return nil
	})
	if err != nil {
		return voteOutcome{}, err
	}
	return outcome, nil
}

// runBallots fans one structured ballot call per expected voter out
// concurrently and persists every response that survives the
// stage-version gate. Individual failures never end the session early;
// only cancellation does.
func (o *Orchestrator) runBallots(ctx context.Context, cfg models.MeetingConfig, session *models.VoteSession) error {
	voteCtx, cancel := context.WithCancel(ctx)
	o.setVoteCancel(cancel)
	defer func() {
		o.setVoteCancel(nil)
		cancel()
	}()

	timeout := maxDuration(minVoteCallTimeout, cfg.Threshold.VoteTimeout())

	var g errgroup.Group
	for _, agentID := range session.ExpectedVoterAgentIDs {
		agent, ok := cfg.AgentByID(agentID)
		if !ok {
			continue
		}
		g.Go(func() error {
			o.castBallot(voteCtx, agent, session, timeout)
			return nil
		})
	}
	_ = g.Wait()

	// Vote-cancel is not a run failure; only outer cancellation is.
	return ctx.Err()
}

// castBallot performs one agent's vote or approval call end to end:
// prompt, gateway call with mock fallback, parse with substitution, and
// the stage-version-gated persist.
func (o *Orchestrator) castBallot(ctx context.Context, agent models.AgentConfig, session *models.VoteSession, timeout time.Duration) {
	var chat []llm.ChatMessage
	purpose := llm.PurposeVote
	if session.Kind == models.VoteKindApproval {
		purpose = llm.PurposeApproval
		chat = o.prompts.BuildApproval(prompt.ApprovalInput{
			Agent: agent,
			Topic: o.topicHint(ctx),
			Draft: session.ProposalText,
		})
	} else {
		chat = o.prompts.BuildVote(prompt.VoteInput{
			Agent:          agent,
			Topic:          o.topicHint(ctx),
			RollingSummary: o.rollingSummary,
			ProposalText:   session.ProposalText,
		})
	}

	completion, err := o.callWithMockFallback(ctx, llm.Request{
		Provider:    agent.Provider,
		Model:       agent.Model,
		Messages:    chat,
		Temperature: voteTemperature,
		MaxTokens:   512,
		Timeout:     timeout,
		Format:      llm.FormatJSONObject,
		Metadata: map[string]string{
			"purpose":    purpose,
			"agent_id":   agent.ID,
			"meeting_id": o.meetingID,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled ballots produce nothing
		}
		o.publishError(ctx, events.CodeAgentError, "agent ballot call failed: "+agent.ID, err.Error())
		return
	}

	ballot := parseBallot(completion.Text)
	vote, err := o.store.AppendVote(ctx, &models.Vote{
		MeetingID:     o.meetingID,
		VoteSessionID: session.ID,
		VoterAgentID:  agent.ID,
		Score:         ballot.Score,
		Pass:          ballot.Pass,
		Rationale:     ballot.Rationale,
		StageVersion:  session.StageVersion,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleStageVersion) {
			o.logger.Info("dropping stale vote", "agent_id", agent.ID, "session_sv", session.StageVersion)
			return
		}
		o.logger.Warn("persisting vote failed", "agent_id", agent.ID, "error", err)
		return
	}
	o.publish(ctx, events.TypeVoteReceived, events.VoteReceivedPayload{Vote: vote, Kind: session.Kind})
}

// ballot is the JSON contract every vote and approval call must return.
type ballot struct {
	Score     int    `json:"score"`
	Pass      bool   `json:"pass"`
	Rationale string `json:"rationale"`
}

// parseBallot decodes a ballot, repairing defective JSON first. An
// unusable response becomes the substitute failed ballot; scores are
// clamped into [0, 100].
func parseBallot(text string) ballot {
	var b ballot
	if err := json.Unmarshal([]byte(text), &b); err != nil {
		repaired, repairErr := jsonrepair.RepairJSON(text)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &b) != nil {
			return ballot{Score: 50, Pass: false, Rationale: parseFailureRationale}
		}
	}
	if b.Score < 0 {
		b.Score = 0
	}
	if b.Score > 100 {
		b.Score = 100
	}
	return b
}

// topicHint reads the current topic; ballots degrade to an empty topic
// on a failed read rather than aborting the session.
func (o *Orchestrator) topicHint(ctx context.Context) string {
	m, err := o.store.GetMeeting(ctx, o.meetingID)
	if err != nil {
		return ""
	}
	return m.Topic
}

func enabledAgentIDs(cfg models.MeetingConfig) []string {
	agents := cfg.EnabledAgents()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids
}
