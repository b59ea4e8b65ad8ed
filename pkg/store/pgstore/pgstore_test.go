package pgstore

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

var (
	// Shared connection string for all tests in local dev
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// setupTestStore returns a Store backed by a per-test schema so tests
// can run in parallel against the shared database.
// - CI: connects to an external PostgreSQL service via CI_DATABASE_URL
// - Local: uses a shared testcontainer (started once per package)
func setupTestStore(t *testing.T) *Store {
	if testing.Short() {
		t.Skip("skipping container-backed store tests in -short mode")
	}
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()

	// Reconnect with search_path set for all pooled connections so the
	// migrations and every query land in the test schema.
	db, err = stdsql.Open("pgx", addSearchPathToConnString(connStr, schemaName))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	s, err := NewFromDB(db)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = s.Close()
	})
	return s
}

func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// generateSchemaName derives a valid, unique schema identifier from the
// test name plus random bytes.
func generateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 32 {
		name = name[:32]
	}
	buf := make([]byte, 4)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return "test_" + name + "_" + hex.EncodeToString(buf)
}

func addSearchPathToConnString(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return connStr + separator + "search_path=" + schemaName
}

func createTestMeeting(t *testing.T, s *Store) *models.Meeting {
	t.Helper()
	cfg := models.MeetingConfig{
		Agents: []models.AgentConfig{
			{ID: "a1", Provider: "mock", Model: "mock-default", Enabled: true},
			{ID: "a2", Provider: "mock", Model: "mock-default", Enabled: true},
			{ID: "a3", Provider: "mock", Model: "mock-default", Enabled: true},
		},
	}
	cfg.ApplyDefaults()
	m, err := s.CreateMeeting(context.Background(), store.CreateMeetingRequest{
		Topic:  "Evaluate storage backends",
		Config: cfg,
	})
	require.NoError(t, err)
	return m
}

func statep(st models.MeetingState) *models.MeetingState { return &st }
func intp(v int) *int                                    { return &v }

func TestCreateAndGetMeeting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m := createTestMeeting(t, s)
	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "Evaluate storage backends", got.Topic)
	assert.Equal(t, models.StateDraft, got.State)
	assert.Equal(t, 0, got.StageVersion)
	assert.Len(t, got.Config.Agents, 3)
	assert.Nil(t, got.Result)

	_, err = s.GetMeeting(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateMeetingValidatesTopic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateMeeting(ctx, store.CreateMeetingRequest{Topic: "   "})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = s.CreateMeeting(ctx, store.CreateMeetingRequest{
		Topic: strings.Repeat("x", models.MaxTopicChars+1),
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestListMeetingsNewestFirstWithCursor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := createTestMeeting(t, s)
	second := createTestMeeting(t, s)
	third := createTestMeeting(t, s)

	all, err := s.ListMeetings(ctx, store.ListMeetingsQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, first.ID, all[2].ID)

	page, err := s.ListMeetings(ctx, store.ListMeetingsQuery{Cursor: third.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID)
}

func TestUpdateMeetingAppliesPatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	mode := models.ModeSerialTurn
	updated, err := s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{
		State:                   statep(models.StateRunningDiscussion),
		Round:                   intp(1),
		StageVersion:            intp(1),
		EffectiveDiscussionMode: &mode,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateRunningDiscussion, updated.State)
	assert.Equal(t, 1, updated.Round)
	assert.Equal(t, 1, updated.StageVersion)

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeSerialTurn, got.EffectiveDiscussionMode)
}

func TestUpdateMeetingRejectsStageVersionDecrease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	_, err := s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{StageVersion: intp(3)})
	require.NoError(t, err)

	_, err = s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{StageVersion: intp(2)})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestUpdateMeetingTerminalAcceptsResultOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	_, err := s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{
		State: statep(models.StateFinishedAborted),
	})
	require.NoError(t, err)

	// State changes on a finished meeting are refused.
	_, err = s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{
		State: statep(models.StateRunningDiscussion),
	})
	assert.ErrorIs(t, err, store.ErrMeetingFinished)

	// Attaching the result is still allowed.
	updated, err := s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{
		Result: &models.MeetingResult{Accepted: false, Reason: "aborted", ConcludedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Result)
	assert.Equal(t, "aborted", updated.Result.Reason)

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "aborted", got.Result.Reason)
}

func TestAppendAndListMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := s.AppendMessage(ctx, &models.Message{
			MeetingID: m.ID,
			Role:      models.RoleAgent,
			AgentID:   "a1",
			Content:   fmt.Sprintf("point %d", i),
			Meta:      models.MessageMeta{Round: 1},
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	all, err := s.ListMessages(ctx, store.ListMessagesQuery{MeetingID: m.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[0], all[0].ID)
	assert.Equal(t, 1, all[0].Meta.Round)

	tail, err := s.ListMessages(ctx, store.ListMessagesQuery{MeetingID: m.ID, AfterMessageID: ids[0]})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[1], tail[0].ID)

	// Unknown cursor behaves like no cursor.
	fromStart, err := s.ListMessages(ctx, store.ListMessagesQuery{MeetingID: m.ID, AfterMessageID: "unknown"})
	require.NoError(t, err)
	assert.Len(t, fromStart, 3)

	_, err = s.AppendMessage(ctx, &models.Message{MeetingID: "missing", Role: models.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendMessageRejectedAfterTerminalState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	_, err := s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{State: statep(models.StateFinishedAborted)})
	require.NoError(t, err)

	// An in-flight agent turn that completes after the abort must not
	// land in the transcript.
	_, err = s.AppendMessage(ctx, &models.Message{
		MeetingID: m.ID, Role: models.RoleAgent, AgentID: "a1", Content: "late",
	})
	assert.ErrorIs(t, err, store.ErrMeetingFinished)

	msgs, err := s.ListMessages(ctx, store.ListMessagesQuery{MeetingID: m.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestVoteSessionLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	vs, err := s.CreateVoteSession(ctx, &models.VoteSession{
		MeetingID:             m.ID,
		Round:                 2,
		StageVersion:          0,
		Kind:                  models.VoteKindProposal,
		ProposalText:          "Adopt the phased rollout.",
		ExpectedVoterAgentIDs: []string{"a1", "a2", "a3"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.VoteSessionRunning, vs.Status)

	_, err = s.CreateVoteSession(ctx, &models.VoteSession{ID: vs.ID, MeetingID: m.ID, Kind: models.VoteKindProposal})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetVoteSession(ctx, m.ID, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3"}, got.ExpectedVoterAgentIDs)
	assert.Nil(t, got.EndedAt)

	require.NoError(t, s.FinalizeVoteSession(ctx, store.FinalizeVoteSessionRequest{
		MeetingID: m.ID, ID: vs.ID, Status: models.VoteSessionFinalized,
	}))
	got, err = s.GetVoteSession(ctx, m.ID, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoteSessionFinalized, got.Status)
	require.NotNil(t, got.EndedAt)

	err = s.FinalizeVoteSession(ctx, store.FinalizeVoteSessionRequest{
		MeetingID: "other", ID: vs.ID, Status: models.VoteSessionAborted,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendVoteStageVersionGate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	vs, err := s.CreateVoteSession(ctx, &models.VoteSession{
		MeetingID: m.ID, Round: 1, Kind: models.VoteKindProposal,
		ExpectedVoterAgentIDs: []string{"a1", "a2"},
	})
	require.NoError(t, err)

	v, err := s.AppendVote(ctx, &models.Vote{
		MeetingID: m.ID, VoteSessionID: vs.ID, VoterAgentID: "a1",
		Score: 85, Pass: true, Rationale: "solid", StageVersion: 0,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)

	// A user interrupt bumps the stage version; the in-flight ballot
	// recorded against the old version must be dropped.
	_, err = s.UpdateMeeting(ctx, m.ID, models.MeetingPatch{StageVersion: intp(1)})
	require.NoError(t, err)

	_, err = s.AppendVote(ctx, &models.Vote{
		MeetingID: m.ID, VoteSessionID: vs.ID, VoterAgentID: "a2",
		Score: 70, Pass: true, StageVersion: 0,
	})
	assert.ErrorIs(t, err, store.ErrStaleStageVersion)

	votes, err := s.ListVotes(ctx, store.ListVotesQuery{MeetingID: m.ID, VoteSessionID: vs.ID})
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "a1", votes[0].VoterAgentID)

	_, err = s.AppendVote(ctx, &models.Vote{
		MeetingID: m.ID, VoteSessionID: vs.ID, VoterAgentID: "a2", Score: 101, StageVersion: 1,
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestEventsMonotoneIDsAndCursor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	var lastID int64
	for i := 0; i < 4; i++ {
		ev, err := s.AppendEvent(ctx, m.ID, "meeting.state_changed", map[string]any{"round": i})
		require.NoError(t, err)
		assert.Greater(t, ev.ID, lastID)
		lastID = ev.ID
	}

	all, err := s.ListEvents(ctx, store.ListEventsQuery{MeetingID: m.ID})
	require.NoError(t, err)
	require.Len(t, all, 4)

	tail, err := s.ListEvents(ctx, store.ListEventsQuery{MeetingID: m.ID, After: all[1].ID})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, all[2].ID, tail[0].ID)
	assert.Equal(t, float64(2), tail[0].Payload["round"])

	_, err = s.AppendEvent(ctx, "missing", "meeting.state_changed", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithMeetingLockSerializes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := createTestMeeting(t, s)

	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.WithMeetingLock(ctx, m.ID, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, maxInside)
}

func TestWithMeetingLockPropagatesError(t *testing.T) {
	s := setupTestStore(t)
	m := createTestMeeting(t, s)

	sentinel := errors.New("boom")
	err := s.WithMeetingLock(context.Background(), m.ID, func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// The lock must be released for the next holder.
	err = s.WithMeetingLock(context.Background(), m.ID, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}
