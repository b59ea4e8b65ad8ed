package meeting

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/store"
	"github.com/Einzieg/AI-meeting/pkg/store/memstore"
)

func newTestBinder(t *testing.T) *Binder {
	t.Helper()
	b := NewBinder(Options{
		Store:   memstore.New(),
		Gateway: llm.NewRegistry(nil),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

// mockConfig builds a config whose agents run against the deterministic
// mock provider, one agent per given model.
func mockConfig(mocks ...string) models.MeetingConfig {
	cfg := models.MeetingConfig{}
	for i, model := range mocks {
		cfg.Agents = append(cfg.Agents, models.AgentConfig{
			ID:       fmt.Sprintf("a%d", i+1),
			Provider: llm.ProviderMock,
			Model:    model,
			Enabled:  true,
		})
	}
	cfg.Facilitator = models.FacilitatorConfig{Enabled: boolp(true)}
	cfg.Discussion = models.DiscussionConfig{RollingSummaryEnabled: true}
	return cfg
}

func runMeeting(t *testing.T, b *Binder, topic string, cfg models.MeetingConfig) (*models.Meeting, []*models.Event) {
	t.Helper()
	ctx := context.Background()

	m, err := b.CreateMeeting(ctx, topic, cfg)
	require.NoError(t, err)

	ch, cancel, err := b.Subscribe(ctx, m.ID, 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.StartMeeting(ctx, m.ID))

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	require.NoError(t, b.Wait(waitCtx, m.ID))

	final, err := b.GetMeeting(ctx, m.ID)
	require.NoError(t, err)

	cancel()
	var evs []*models.Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return final, evs
}

func eventTypes(evs []*models.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestMeetingAcceptedEndToEnd(t *testing.T) {
	b := newTestBinder(t)
	// Two optimists (90) and a neutral (75): avg 85 >= 80 accepts the
	// proposal, and all three pass the approval review.
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-default")

	m, evs := runMeeting(t, b, "Decide the caching strategy", cfg)

	assert.Equal(t, models.StateFinishedAccepted, m.State)
	require.NotNil(t, m.Result)
	assert.True(t, m.Result.Accepted)
	assert.Equal(t, ReasonAccepted, m.Result.Reason)
	assert.False(t, m.Result.ConcludedAt.IsZero())
	assert.Contains(t, m.Result.ReportMarkdown, "# Meeting Report: Decide the caching strategy")
	assert.Contains(t, m.Result.ReportMarkdown, "## Final result document")

	require.NotNil(t, m.Result.Summary)
	assert.Equal(t, models.DefaultMinRounds, m.Result.Summary.Rounds)
	assert.NotEmpty(t, m.Result.Summary.FinalDocument, "accepted meeting must persist the result document")
	assert.Len(t, m.Result.Summary.Approvals, 3)
	for _, a := range m.Result.Summary.Approvals {
		assert.True(t, a.Pass, "agent %s", a.AgentID)
	}

	types := eventTypes(evs)
	assert.Contains(t, types, events.TypeMeetingStateChanged)
	assert.Contains(t, types, events.TypeMessageFinal)
	assert.Contains(t, types, events.TypeFacilitatorOutput)
	assert.Contains(t, types, events.TypeVoteSessionStarted)
	assert.Contains(t, types, events.TypeVoteReceived)
	assert.Contains(t, types, events.TypeVoteSessionFinal)

	// Event ids are strictly increasing.
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].ID, evs[i-1].ID)
	}
	// The stream ends on the terminal transition.
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeMeetingStateChanged, last.Type)
	assert.Equal(t, string(models.StateFinishedAccepted), last.Payload["state"])
}

func TestMeetingMaxRoundsAborts(t *testing.T) {
	b := newTestBinder(t)
	// The dissenter (40) drags the average to 73, below the default 80:
	// every vote session rejects until max rounds runs out.
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-dissenter")
	cfg.Threshold = models.ThresholdConfig{MinRounds: intp(1), MaxRounds: 2}

	m, evs := runMeeting(t, b, "Pick a deployment window", cfg)

	assert.Equal(t, models.StateFinishedAborted, m.State)
	require.NotNil(t, m.Result)
	assert.False(t, m.Result.Accepted)
	assert.Equal(t, ReasonMaxRounds, m.Result.Reason)

	// Rounds 1 and 2 each ran a rejected proposal session.
	rejected := 0
	for _, ev := range evs {
		if ev.Type == events.TypeVoteSessionFinal {
			require.Equal(t, false, ev.Payload["accepted"])
			rejected++
		}
	}
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 2, m.Result.Summary.VoteSessions)
}

func TestMeetingUnanimityFailureAborts(t *testing.T) {
	b := newTestBinder(t)
	// Lowering the threshold lets the proposal pass despite the
	// dissenter, who then blocks all three approval attempts.
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-dissenter")
	cfg.Threshold = models.ThresholdConfig{AvgScoreThreshold: intp(70), MinRounds: intp(1), MaxRounds: 4}

	m, evs := runMeeting(t, b, "Approve the migration plan", cfg)

	assert.Equal(t, models.StateFinishedAborted, m.State)
	require.NotNil(t, m.Result)
	assert.False(t, m.Result.Accepted)
	assert.Equal(t, fmt.Sprintf(reasonUnanimityPattern, maxApprovalAttempts), m.Result.Reason)

	// Three approval attempts, all short of unanimity.
	attempts := 0
	for _, ev := range evs {
		if ev.Type == events.TypeVoteSessionStarted && ev.Payload["kind"] == string(models.VoteKindApproval) {
			attempts++
		}
	}
	assert.Equal(t, maxApprovalAttempts, attempts)

	// The last draft and the dissenter's objection land in the result
	// summary even though approval never became unanimous.
	require.NotNil(t, m.Result.Summary)
	assert.NotEmpty(t, m.Result.Summary.FinalDocument)
	dissents := 0
	for _, a := range m.Result.Summary.Approvals {
		if !a.Pass {
			dissents++
		}
	}
	assert.Equal(t, 1, dissents)
}

func TestMeetingBrokenFacilitatorSkipsPassButConcludes(t *testing.T) {
	b := newTestBinder(t)
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-default")
	cfg.Facilitator = models.FacilitatorConfig{
		Enabled:  boolp(true),
		Provider: llm.ProviderMock,
		Model:    "mock-broken-json",
	}

	m, evs := runMeeting(t, b, "Choose the logging stack", cfg)

	// The meeting still accepts; no facilitator output ever appears.
	assert.Equal(t, models.StateFinishedAccepted, m.State)
	for _, ev := range evs {
		assert.NotEqual(t, events.TypeFacilitatorOutput, ev.Type)
	}
}

func TestMeetingParallelModeResolved(t *testing.T) {
	b := newTestBinder(t)
	// Six enabled agents push auto mode over the parallel threshold.
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-optimist",
		"mock-optimist", "mock-default", "mock-default")

	m, _ := runMeeting(t, b, "Scale the ingestion pipeline", cfg)

	assert.Equal(t, models.ModeParallelRound, m.EffectiveDiscussionMode)
	assert.Equal(t, models.StateFinishedAccepted, m.State)

	// Every agent spoke in round 0 with config-order turn indexes.
	msgs, err := b.ListMessages(context.Background(), m.ID)
	require.NoError(t, err)
	round0 := make([]*models.Message, 0)
	for _, msg := range msgs {
		if msg.Role == models.RoleAgent && msg.Meta.Round == 0 {
			round0 = append(round0, msg)
		}
	}
	require.Len(t, round0, 6)
	for i, msg := range round0 {
		require.NotNil(t, msg.Meta.TurnIndex)
		assert.Equal(t, i, *msg.Meta.TurnIndex)
		assert.Equal(t, models.ModeParallelRound, msg.Meta.DiscussionMode)
	}
}

func TestMockFallbackOnRecoverableProviderError(t *testing.T) {
	registry := llm.NewRegistry(nil)
	registry.Register("flaky", failingProvider{})
	b := NewBinder(Options{Store: memstore.New(), Gateway: registry})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-default")
	cfg.Agents[2].Provider = "flaky"
	cfg.Agents[2].Model = "flaky-model"
	cfg.Facilitator.Enabled = boolp(false)

	m, _ := runMeeting(t, b, "Survive a provider outage", cfg)

	assert.Equal(t, models.StateFinishedAccepted, m.State)

	msgs, err := b.ListMessages(context.Background(), m.ID)
	require.NoError(t, err)
	fallbacks := 0
	for _, msg := range msgs {
		if strings.HasPrefix(msg.Meta.ProviderRequestID, "fallback:flaky->") {
			fallbacks++
		}
	}
	assert.Greater(t, fallbacks, 0, "expected at least one fallback-marked message")
}

type failingProvider struct{}

func (failingProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	return nil, &llm.ProviderError{Provider: "flaky", StatusCode: 503, Message: "upstream down", Recoverable: true}
}

func TestAbortDuringRun(t *testing.T) {
	b := newTestBinder(t)
	// Timeout agents block on the call deadline, holding the meeting in
	// its first round long enough to abort deterministically.
	cfg := mockConfig("mock-timeout", "mock-timeout", "mock-timeout")
	cfg.Facilitator.Enabled = boolp(false)
	ctx := context.Background()

	m, err := b.CreateMeeting(ctx, "Abort me", cfg)
	require.NoError(t, err)
	require.NoError(t, b.StartMeeting(ctx, m.ID))

	require.NoError(t, b.AbortMeeting(ctx, m.ID, ""))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(waitCtx, m.ID))

	final, err := b.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinishedAborted, final.State)
	require.NotNil(t, final.Result)
	assert.Equal(t, ReasonUserAbort, final.Result.Reason)

	// A second abort is rejected.
	err = b.AbortMeeting(ctx, m.ID, "")
	assert.ErrorIs(t, err, store.ErrMeetingFinished)
}

func TestStartRejectsNonDraftMeeting(t *testing.T) {
	b := newTestBinder(t)
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-default")
	m, _ := runMeeting(t, b, "Run once", cfg)

	err := b.StartMeeting(context.Background(), m.ID)
	assert.ErrorIs(t, err, ErrNotStartable)
}

func TestPostUserMessageOnTerminalMeeting(t *testing.T) {
	b := newTestBinder(t)
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-default")
	m, _ := runMeeting(t, b, "Done deal", cfg)

	_, err := b.PostUserMessage(context.Background(), m.ID, "too late")
	assert.ErrorIs(t, err, store.ErrMeetingFinished)
}

func TestPostUserMessageRejectsEmptyContent(t *testing.T) {
	b := newTestBinder(t)
	ctx := context.Background()
	m, err := b.CreateMeeting(ctx, "Topic", mockConfig("mock-default", "mock-default", "mock-default"))
	require.NoError(t, err)

	_, err = b.PostUserMessage(ctx, m.ID, "   ")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCreateMeetingValidation(t *testing.T) {
	b := newTestBinder(t)
	ctx := context.Background()

	_, err := b.CreateMeeting(ctx, "  ", mockConfig("mock-default", "mock-default", "mock-default"))
	var ce *models.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "topic", ce.Field)

	_, err = b.CreateMeeting(ctx, strings.Repeat("x", models.MaxTopicChars+1),
		mockConfig("mock-default", "mock-default", "mock-default"))
	require.ErrorAs(t, err, &ce)

	// Too few agents.
	_, err = b.CreateMeeting(ctx, "Topic", mockConfig("mock-default", "mock-default"))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "agents", ce.Field)
}

func TestUserInterruptDuringVote(t *testing.T) {
	// Exercise the interrupt transition directly: put the meeting into
	// running_vote with an active session, then post a user message.
	st := memstore.New()
	registry := llm.NewRegistry(nil)
	b := NewBinder(Options{Store: st, Gateway: registry})
	ctx := context.Background()

	cfg := mockConfig("mock-default", "mock-default", "mock-default")
	cfg.ApplyDefaults()
	m, err := b.CreateMeeting(ctx, "Interrupt me", cfg)
	require.NoError(t, err)

	vs, err := st.CreateVoteSession(ctx, &models.VoteSession{
		MeetingID: m.ID, Round: 2, StageVersion: 2,
		Kind: models.VoteKindProposal, ProposalText: "p",
		ExpectedVoterAgentIDs: []string{"a1", "a2", "a3"},
	})
	require.NoError(t, err)

	sv := 2
	stRunning := models.StateRunningVote
	_, err = st.UpdateMeeting(ctx, m.ID, models.MeetingPatch{
		State: &stRunning, StageVersion: &sv, ActiveVoteSessionID: &vs.ID,
	})
	require.NoError(t, err)

	msg, err := b.PostUserMessage(ctx, m.ID, "Hold on, new constraint")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, msg.Role)

	after, err := b.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunningDiscussion, after.State)
	assert.Equal(t, 3, after.StageVersion, "interrupt must lift the stage version")
	assert.Empty(t, after.ActiveVoteSessionID)

	session, err := st.GetVoteSession(ctx, m.ID, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoteSessionAborted, session.Status)

	// A vote cast at the old stage version is now dropped by the store.
	_, err = st.AppendVote(ctx, &models.Vote{
		MeetingID: m.ID, VoteSessionID: vs.ID, VoterAgentID: "a1",
		Score: 80, Pass: true, StageVersion: 2,
	})
	assert.ErrorIs(t, err, store.ErrStaleStageVersion)
}

func TestSerialModeFreshContextOrdering(t *testing.T) {
	b := newTestBinder(t)
	cfg := mockConfig("mock-optimist", "mock-optimist", "mock-default")
	cfg.Discussion.Mode = models.ModeSerialTurn

	m, _ := runMeeting(t, b, "Order the backlog", cfg)
	require.Equal(t, models.StateFinishedAccepted, m.State)
	assert.Equal(t, models.ModeSerialTurn, m.EffectiveDiscussionMode)

	msgs, err := b.ListMessages(context.Background(), m.ID)
	require.NoError(t, err)

	// Serial turns within a round carry increasing turn indexes, and
	// later speakers in round >= 1 get reply targets.
	for _, msg := range msgs {
		if msg.Role != models.RoleAgent {
			continue
		}
		require.NotNil(t, msg.Meta.TurnIndex)
		if msg.Meta.Round >= 1 {
			assert.NotEmpty(t, msg.Meta.ReplyTargets, "round %d turn %d", msg.Meta.Round, *msg.Meta.TurnIndex)
		}
		if msg.Meta.Round == 0 {
			assert.Empty(t, msg.Meta.ReplyTargets, "round 0 is blind")
		}
	}
}
