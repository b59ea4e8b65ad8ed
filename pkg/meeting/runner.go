package meeting

import (
	"context"
	"errors"
	"time"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/report"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

// run is the meeting's goroutine. It owns the round loop and guarantees
// the meeting never stays in a running state: every exit path is either
// a terminal transition already written or a best-effort abort here.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	err := o.loop(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		// Abort already terminalized the meeting; cancellation is not a
		// failure.
		o.logger.Info("meeting run cancelled")
		return
	}

	o.logger.Error("meeting run failed", "error", err)
	// Events and the terminal write are best-effort: the run context may
	// be poisoned, so use a short detached context.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.publishError(cleanupCtx, events.CodeRunnerError, "meeting run failed", err.Error())
	o.terminalize(cleanupCtx, "runner error: "+err.Error())
}

// loop drives rounds until a terminal state is reached. It returns nil
// when the meeting concluded (by this loop or by an interrupt) and an
// error only for cancellation or unexpected failures.
func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return nil
		}

		round := m.Round
		if round > m.Config.Threshold.MaxRounds {
			return o.finishAborted(ctx, ReasonMaxRounds, "", nil)
		}

		if round > 0 && m.Config.Facilitator.IsEnabled() {
			if err := o.facilitatorPass(ctx, m, round); err != nil {
				return err
			}
		}

		agentMessages, err := o.runRound(ctx, m)
		if err != nil {
			return err
		}

		// A concurrent abort may have concluded the meeting mid-round.
		m, err = o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return nil
		}

		if round >= m.Config.Threshold.MinRoundsValue() {
			if len(agentMessages) == 0 {
				o.publishError(ctx, events.CodeDiscussionEmptySkipVote,
					"no agent message produced this round, skipping vote", "")
			} else {
				outcome, err := o.votePhase(ctx, m, agentMessages)
				if err != nil {
					return err
				}
				if outcome.accepted {
					finished, err := o.finalPhase(ctx, outcome)
					if err != nil {
						return err
					}
					if finished {
						return nil
					}
					// Interrupted mid-approval: discussion resumed.
				}
				// Rejected or interrupted: the meeting is back in
				// discussion; fall through to the next round.
			}
		}

		if err := o.advanceRound(ctx, round+1); err != nil {
			return err
		}
	}
}

// advanceRound bumps the round counter under the meeting lock and emits
// the round's state_changed marker. Round advancement is not a state
// transition, so the stage version is untouched.
func (o *Orchestrator) advanceRound(ctx context.Context, next int) error {
	return o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return nil
		}
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{Round: &next}); err != nil {
			return err
		}
		o.publishStateChanged(ctx, m.State, next, m.StageVersion, "")
		return nil
	})
}

// finishAborted concludes the meeting unaccepted with a full result.
func (o *Orchestrator) finishAborted(ctx context.Context, reason, finalDoc string, approvals []models.ReviewerApproval) error {
	return o.conclude(ctx, false, reason, finalDoc, approvals)
}

// finishAccepted concludes the meeting accepted.
func (o *Orchestrator) finishAccepted(ctx context.Context, finalDoc string, approvals []models.ReviewerApproval) error {
	return o.conclude(ctx, true, ReasonAccepted, finalDoc, approvals)
}

func (o *Orchestrator) conclude(ctx context.Context, accepted bool, reason, finalDoc string, approvals []models.ReviewerApproval) error {
	return o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return nil
		}

		result := o.buildResult(ctx, m, accepted, reason, finalDoc, approvals)

		sv := m.StageVersion + 1
		st := models.StateFinishedAborted
		if accepted {
			st = models.StateFinishedAccepted
		}
		empty := ""
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			State:               &st,
			StageVersion:        &sv,
			ActiveVoteSessionID: &empty,
			Result:              result,
		}); err != nil {
			return err
		}
		o.publishStateChanged(ctx, st, m.Round, sv, reason)
		return nil
	})
}

// buildResult assembles the persisted result: reason, report markdown,
// and the structured summary. Report construction is best-effort; a
// failing read never blocks conclusion.
func (o *Orchestrator) buildResult(ctx context.Context, m *models.Meeting, accepted bool, reason, finalDoc string, approvals []models.ReviewerApproval) *models.MeetingResult {
	result := &models.MeetingResult{
		Accepted:    accepted,
		Reason:      reason,
		ConcludedAt: time.Now().UTC(),
	}

	messages, err := o.store.ListMessages(ctx, store.ListMessagesQuery{MeetingID: o.meetingID})
	if err != nil {
		o.logger.Warn("listing messages for report failed", "error", err)
	}
	votes, err := o.store.ListVotes(ctx, store.ListVotesQuery{MeetingID: o.meetingID})
	if err != nil {
		o.logger.Warn("listing votes for report failed", "error", err)
	}

	in := report.Input{
		Meeting:       m,
		Messages:      messages,
		Sessions:      o.sessions,
		Votes:         votes,
		FinalDocument: finalDoc,
		Approvals:     approvals,
	}
	result.Summary = report.Summary(in)

	switch m.Config.Output.Format {
	case models.OutputJSON:
		if rendered, err := report.JSON(in); err == nil {
			result.ReportMarkdown = rendered
		}
	case models.OutputBoth:
		md := report.Markdown(in)
		if rendered, err := report.JSON(in); err == nil {
			md += "\n\n```json\n" + rendered + "\n```\n"
		}
		result.ReportMarkdown = md
	default:
		result.ReportMarkdown = report.Markdown(in)
	}
	return result
}

// terminalize is the last-resort path after a runner error: write a
// terminal state with a bare result so the meeting never stays running.
func (o *Orchestrator) terminalize(ctx context.Context, reason string) {
	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return nil
		}
		sv := m.StageVersion + 1
		st := models.StateFinishedAborted
		empty := ""
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			State:               &st,
			StageVersion:        &sv,
			ActiveVoteSessionID: &empty,
			Result: &models.MeetingResult{
				Accepted:    false,
				Reason:      reason,
				ConcludedAt: time.Now().UTC(),
			},
		}); err != nil {
			return err
		}
		o.publishStateChanged(ctx, st, m.Round, sv, reason)
		return nil
	})
	if err != nil {
		o.logger.Error("terminalizing meeting failed", "error", err)
	}
}
