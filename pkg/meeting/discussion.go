package meeting

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/facilitator"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

// runRound executes one discussion round and returns the agent messages
// that were appended. Round 0 always runs blind-parallel; later rounds
// follow the effective discussion mode.
func (o *Orchestrator) runRound(ctx context.Context, m *models.Meeting) ([]*models.Message, error) {
	if m.Round == 0 || m.EffectiveDiscussionMode == models.ModeParallelRound {
		return o.runParallelRound(ctx, m)
	}
	return o.runSerialRound(ctx, m)
}

// runSerialRound runs agents one at a time in config order. Each agent
// reads fresh messages, so it sees everything the previous one said.
func (o *Orchestrator) runSerialRound(ctx context.Context, m *models.Meeting) ([]*models.Message, error) {
	appended := make([]*models.Message, 0)
	for i, agent := range m.Config.EnabledAgents() {
		if err := ctx.Err(); err != nil {
			return appended, err
		}

		fresh, err := o.store.ListMessages(ctx, store.ListMessagesQuery{MeetingID: o.meetingID})
		if err != nil {
			return appended, err
		}
		targets := prompt.SelectReplyTargets(fresh, agent.ID, m.Round, m.Config.Discussion.CrossReplyTargetsPerAgent)

		completion, err := o.discussionCall(ctx, m, agent, fresh, targets)
		if err != nil {
			if ctx.Err() != nil {
				return appended, ctx.Err()
			}
			o.publishError(ctx, events.CodeAgentError, "agent discussion call failed: "+agent.ID, err.Error())
			continue
		}

		// The gateway call may have overlapped an abort or interrupt;
		// re-check before committing the turn.
		current, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return appended, err
		}
		if current.State.Terminal() || current.StageVersion != m.StageVersion {
			o.logger.Info("dropping serial turn after stage change",
				"round", m.Round, "agent_id", agent.ID,
				"snapshot_sv", m.StageVersion, "current_sv", current.StageVersion)
			return appended, nil
		}

		turn := i
		msg, err := o.appendAgentMessage(ctx, m, agent, completion, &turn, targets)
		if err != nil {
			if errors.Is(err, store.ErrMeetingFinished) {
				return appended, nil
			}
			return appended, err
		}
		appended = append(appended, msg)
	}
	return appended, nil
}

// runParallelRound snapshots the transcript once, fans all agent calls
// out concurrently, and appends results in agent-config order. If the
// stage version moved while the calls were in flight, every result is
// dropped.
func (o *Orchestrator) runParallelRound(ctx context.Context, m *models.Meeting) ([]*models.Message, error) {
	snapshot, err := o.store.ListMessages(ctx, store.ListMessagesQuery{MeetingID: o.meetingID})
	if err != nil {
		return nil, err
	}
	snapshotSV := m.StageVersion
	agents := m.Config.EnabledAgents()

	type slot struct {
		completion *llm.Completion
		targets    []models.ReplyTarget
		err        error
	}
	slots := make([]slot, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		g.Go(func() error {
			targets := prompt.SelectReplyTargets(snapshot, agent.ID, m.Round, m.Config.Discussion.CrossReplyTargetsPerAgent)
			completion, err := o.discussionCall(gctx, m, agent, snapshot, targets)
			slots[i] = slot{completion: completion, targets: targets, err: err}
			// All-settled semantics: per-agent failures never cancel the
			// group. Only outer cancellation ends the round early.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Invalidation check before any append.
	current, err := o.store.GetMeeting(ctx, o.meetingID)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() || current.StageVersion != snapshotSV {
		o.logger.Info("dropping parallel round results after stage change",
			"round", m.Round, "snapshot_sv", snapshotSV, "current_sv", current.StageVersion)
		return nil, nil
	}

	appended := make([]*models.Message, 0, len(agents))
	for i, agent := range agents {
		s := slots[i]
		if s.err != nil {
			o.publishError(ctx, events.CodeAgentError, "agent discussion call failed: "+agent.ID, s.err.Error())
			continue
		}
		turn := i
		msg, err := o.appendAgentMessage(ctx, m, agent, s.completion, &turn, s.targets)
		if err != nil {
			if errors.Is(err, store.ErrMeetingFinished) {
				return appended, nil
			}
			return appended, err
		}
		appended = append(appended, msg)
	}
	return appended, nil
}

// discussionCall builds the prompt and issues the gateway call with the
// mock fallback layered on.
func (o *Orchestrator) discussionCall(ctx context.Context, m *models.Meeting, agent models.AgentConfig, messages []*models.Message, targets []models.ReplyTarget) (*llm.Completion, error) {
	summary := ""
	if m.Config.Discussion.RollingSummaryEnabled {
		summary = o.rollingSummary
	}
	chat := o.prompts.BuildDiscussion(prompt.DiscussionInput{
		Agent:                  agent,
		Topic:                  m.Topic,
		Round:                  m.Round,
		RollingSummary:         summary,
		RollingSummaryMaxChars: m.Config.Discussion.RollingSummaryMaxChars,
		Messages:               messages,
		ReplyTargets:           targets,
	})
	return o.callWithMockFallback(ctx, llm.Request{
		Provider:    agent.Provider,
		Model:       agent.Model,
		Messages:    chat,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxOutputTokens,
		Timeout:     maxDuration(minDiscussionCallTimeout, m.Config.Threshold.VoteTimeout()),
		Metadata: map[string]string{
			"purpose":    llm.PurposeDiscussion,
			"agent_id":   agent.ID,
			"meeting_id": o.meetingID,
		},
	})
}

func (o *Orchestrator) appendAgentMessage(ctx context.Context, m *models.Meeting, agent models.AgentConfig, completion *llm.Completion, turnIndex *int, targets []models.ReplyTarget) (*models.Message, error) {
	meta := models.MessageMeta{
		Round:             m.Round,
		TurnIndex:         turnIndex,
		DiscussionMode:    m.EffectiveDiscussionMode,
		ReplyTargets:      targets,
		LatencyMS:         completion.Latency.Milliseconds(),
		ProviderRequestID: completion.RequestID,
	}
	if completion.Usage != nil {
		meta.Usage = &models.TokenUsage{
			InputTokens:  completion.Usage.InputTokens,
			OutputTokens: completion.Usage.OutputTokens,
			TotalTokens:  completion.Usage.TotalTokens,
		}
	}
	msg, err := o.store.AppendMessage(ctx, &models.Message{
		MeetingID: o.meetingID,
		Role:      models.RoleAgent,
		AgentID:   agent.ID,
		Content:   completion.Text,
		Meta:      meta,
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, events.TypeMessageFinal, events.MessageFinalPayload{Message: msg})
	return msg, nil
}

// facilitatorPass summarizes round-1 before the next round starts. A
// facilitator that cannot produce structured output is skipped; the
// discussion continues without its message.
func (o *Orchestrator) facilitatorPass(ctx context.Context, m *models.Meeting, round int) error {
	messages, err := o.store.ListMessages(ctx, store.ListMessagesQuery{MeetingID: o.meetingID})
	if err != nil {
		return err
	}

	window := make([]*models.Message, 0, len(messages))
	lastRoundAgent := make([]*models.Message, 0)
	for _, msg := range messages {
		if msg.Meta.Round >= round-1 {
			window = append(window, msg)
		}
		if msg.Role == models.RoleAgent && msg.Meta.Round == round-1 {
			lastRoundAgent = append(lastRoundAgent, msg)
		}
	}

	provider, model := editorIdentity(m.Config)
	out, err := o.fac.Run(ctx, facilitator.Input{
		MeetingID:      o.meetingID,
		Topic:          m.Topic,
		Round:          round - 1,
		RollingSummary: o.rollingSummary,
		Messages:       window,
		ProposalDraft:  prompt.BuildProposalText(lastRoundAgent),
		Provider:       provider,
		Model:          model,
		Temperature:    m.Config.Facilitator.Temperature,
		CallTimeout:    m.Config.Facilitator.Timeout(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, facilitator.ErrAllAttemptsFailed) {
			o.logger.Warn("facilitator skipped for round", "round", round, "error", err)
			return nil
		}
		return err
	}

	msg, err := o.store.AppendMessage(ctx, &models.Message{
		MeetingID: o.meetingID,
		Role:      models.RoleSystem,
		SystemID:  models.SystemFacilitator,
		Content:   out.Markdown(),
		Meta:      models.MessageMeta{Round: round},
	})
	if err != nil {
		if errors.Is(err, store.ErrMeetingFinished) {
			return nil
		}
		return err
	}

	o.publish(ctx, events.TypeFacilitatorOutput, events.FacilitatorOutputPayload{
		StageVersion: m.StageVersion,
		Round:        round - 1,
		Output: map[string]any{
			"round_summary":  out.RoundSummary,
			"disagreements":  out.Disagreements,
			"proposed_patch": out.ProposedPatch,
			"next_focus":     out.NextFocus,
		},
	})
	o.publish(ctx, events.TypeMessageFinal, events.MessageFinalPayload{Message: msg})

	if m.Config.Discussion.RollingSummaryEnabled {
		o.rollingSummary = out.RoundSummary
	}
	return nil
}
