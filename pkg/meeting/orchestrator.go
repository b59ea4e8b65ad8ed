// Package meeting implements the per-meeting orchestrator: the state
// machine driving discussion rounds, facilitator passes, stage-versioned
// vote sessions, the final-document approval loop, and the runtime
// binder that owns one orchestrator per meeting.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/facilitator"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

// Abort and conclusion reasons surfaced in the meeting result.
const (
	ReasonMaxRounds        = "Max rounds reached"
	ReasonUserAbort        = "Aborted by user"
	ReasonAccepted         = "Accepted with unanimous final-document approval"
	reasonUnanimityPattern = "Final result document was not approved by all agents after %d attempt(s)"
)

// Phase timeout floors. Each call is additionally bounded by the
// meeting and vote cancellation tokens.
const (
	minDiscussionCallTimeout = 60 * time.Second
	minVoteCallTimeout       = 15 * time.Second
	minEditorCallTimeout     = 90 * time.Second
)

// voteTemperature is the fixed temperature for vote and approval calls.
const voteTemperature = 0.1

// ErrAlreadyRunning is returned by Start when the meeting's run loop is
// already active.
var ErrAlreadyRunning = errors.New("meeting already running")

// ErrNotStartable is returned by Start for meetings not in draft.
var ErrNotStartable = errors.New("meeting is not in draft state")

// Orchestrator drives one meeting from start to a terminal state. All
// mutating transitions go through the store's per-meeting lock; gateway
// calls run outside it.
type Orchestrator struct {
	meetingID string

	store   store.Store
	bus     *events.Bus
	gateway llm.Gateway
	fac     *facilitator.Service
	prompts *prompt.Builder
	logger  *slog.Logger

	mu            sync.Mutex
	running       bool
	meetingCancel context.CancelFunc
	voteCancel    context.CancelFunc
	done          chan struct{}

	// run-scoped state, owned by the runner goroutine
	rollingSummary string
	sessions       []*models.VoteSession
}

// NewOrchestrator creates an orchestrator bound to one meeting id.
func NewOrchestrator(meetingID string, st store.Store, bus *events.Bus, gw llm.Gateway, fac *facilitator.Service, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		meetingID: meetingID,
		store:     st,
		bus:       bus,
		gateway:   gw,
		fac:       fac,
		prompts:   prompt.New(),
		logger:    logger.With("meeting_id", meetingID),
	}
}

// Start transitions the meeting out of draft and launches the run loop.
// baseCtx bounds the whole run; cancelling it behaves like an abort
// without a result reason.
func (o *Orchestrator) Start(ctx, baseCtx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.done = make(chan struct{})
	o.mu.Unlock()

	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State != models.StateDraft {
			return fmt.Errorf("%w: %s", ErrNotStartable, m.State)
		}

		mode := m.Config.ResolveDiscussionMode()
		sv := m.StageVersion + 1
		st := models.StateRunningDiscussion
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			State:                   &st,
			StageVersion:            &sv,
			EffectiveDiscussionMode: &mode,
		}); err != nil {
			return err
		}
		o.publishStateChanged(ctx, st, m.Round, sv, "started")
		return nil
	})
	if err != nil {
		o.mu.Lock()
		o.running = false
		close(o.done)
		o.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(baseCtx)
	o.mu.Lock()
	o.meetingCancel = cancel
	o.mu.Unlock()

	go o.run(runCtx)
	return nil
}

// Done is closed when the run loop exits.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// PostUserMessage appends a user message. Received during a vote it is
// an interrupt: the stage version lifts, the active session aborts, and
// the meeting returns to discussion. Received during discussion it is a
// plain append picked up by the next agent turn.
func (o *Orchestrator) PostUserMessage(ctx context.Context, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message content must not be empty", store.ErrInvalidInput)
	}

	var appended *models.Message
	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return fmt.Errorf("meeting %s: %w", o.meetingID, store.ErrMeetingFinished)
		}

		msg, err := o.store.AppendMessage(ctx, &models.Message{
			MeetingID: o.meetingID,
			Role:      models.RoleUser,
			Content:   content,
			Meta:      models.MessageMeta{Round: m.Round},
		})
		if err != nil {
			return err
		}
		appended = msg
		o.publish(ctx, events.TypeMessageFinal, events.MessageFinalPayload{Message: msg})

		if m.State != models.StateRunningVote {
			return nil
		}

		// Interrupt: lift the stage version so in-flight votes go stale,
		// abort the session, and resume discussion.
		sv := m.StageVersion + 1
		st := models.StateRunningDiscussion
		empty := ""
		if _, err := o.store.UpdateMeeting(ctx, o.meetingID, models.MeetingPatch{
			State:               &st,
			StageVersion:        &sv,
			ActiveVoteSessionID: &empty,
		}); err != nil {
			return err
		}
		if m.ActiveVoteSessionID != "" {
			if err := o.store.FinalizeVoteSession(ctx, store.FinalizeVoteSessionRequest{
				MeetingID: o.meetingID,
				ID:        m.ActiveVoteSessionID,
				Status:    models.VoteSessionAborted,
				EndedAt:   time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		o.publishStateChanged(ctx, st, m.Round, sv, "user interrupt")
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.signalVoteCancel()
	return appended, nil
}

// Abort moves any non-terminal meeting to finished_aborted and cancels
// in-flight work.
func (o *Orchestrator) Abort(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonUserAbort
	}
	err := o.store.WithMeetingLock(ctx, o.meetingID, func(ctx context.Context) error {
		m, err := o.store.GetMeeting(ctx, o.meetingID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return fmt.Errorf("meeting %s: %w", o.meetingID, store.ErrMeetingFinished)
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
		if m.ActiveVoteSessionID != "" {
			if err := o.store.FinalizeVoteSession(ctx, store.FinalizeVoteSessionRequest{
				MeetingID: o.meetingID,
				ID:        m.ActiveVoteSessionID,
				Status:    models.VoteSessionAborted,
				EndedAt:   time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		o.publishStateChanged(ctx, st, m.Round, sv, reason)
		return nil
	})
	if err != nil {
		return err
	}

	o.signalVoteCancel()
	o.mu.Lock()
	cancel := o.meetingCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// setVoteCancel installs the cancel function of the active vote fan-out.
func (o *Orchestrator) setVoteCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	o.voteCancel = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) signalVoteCancel() {
	o.mu.Lock()
	cancel := o.voteCancel
	o.voteCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// publish emits an event; failures are logged, never fatal to the run.
func (o *Orchestrator) publish(ctx context.Context, eventType string, payload any) {
	if _, err := o.bus.Publish(ctx, o.meetingID, eventType, payload); err != nil {
		o.logger.Warn("publishing event failed", "type", eventType, "error", err)
	}
}

func (o *Orchestrator) publishStateChanged(ctx context.Context, st models.MeetingState, round, sv int, reason string) {
	o.publish(ctx, events.TypeMeetingStateChanged, events.MeetingStateChangedPayload{
		State:        st,
		Round:        round,
		StageVersion: sv,
		Reason:       reason,
	})
}

func (o *Orchestrator) publishError(ctx context.Context, code, message, details string) {
	o.publish(ctx, events.TypeError, events.ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// callWithMockFallback issues a gateway call for a discussion, vote, or
// approval purpose. Recoverable failures are retried once against the
// built-in mock provider, recording fallback provenance in the returned
// request id. Cancellation and non-recoverable errors propagate.
func (o *Orchestrator) callWithMockFallback(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	completion, err := o.gateway.GenerateText(ctx, req)
	if err == nil {
		return completion, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !llm.IsRecoverable(err) {
		return nil, err
	}

	o.logger.Warn("provider failed, falling back to mock",
		"provider", req.Provider, "model", req.Model, "error", err)

	mockReq := req
	mockReq.Provider = llm.ProviderMock
	mockReq.Model = llm.MockDefaultModel
	fallback, fbErr := o.gateway.GenerateText(ctx, mockReq)
	if fbErr != nil {
		return nil, fmt.Errorf("mock fallback after %v: %w", err, fbErr)
	}
	fallback.RequestID = fmt.Sprintf("fallback:%s->%s", req.Provider, llm.ProviderMock)
	return fallback, nil
}

// editorIdentity resolves the provider/model pair for facilitator and
// final-document editor calls: the facilitator override when set, else
// the first enabled agent.
func editorIdentity(cfg models.MeetingConfig) (provider, model string) {
	if cfg.Facilitator.Provider != "" && cfg.Facilitator.Model != "" {
		return cfg.Facilitator.Provider, cfg.Facilitator.Model
	}
	enabled := cfg.EnabledAgents()
	if len(enabled) > 0 {
		return enabled[0].Provider, enabled[0].Model
	}
	return llm.ProviderMock, llm.MockDefaultModel
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
