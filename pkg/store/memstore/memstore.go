// Package memstore provides an in-memory Store for tests, demo runs,
// and single-process deployments without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

// Store keeps all meeting state in process memory. Every entity is
// deep-copied on the way in and out so callers can never alias internal
// state.
type Store struct {
	mu sync.RWMutex

	meetings     map[string]*models.Meeting
	messages     map[string][]*models.Message   // meetingID -> append order
	votes        map[string][]*models.Vote      // meetingID -> append order
	voteSessions map[string]*models.VoteSession // sessionID
	events       map[string][]*models.Event     // meetingID -> id order
	locks        map[string]*sync.Mutex         // meetingID -> per-meeting lock
	createOrder  []string                       // meetingIDs, creation order

	nextEventID int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		meetings:     make(map[string]*models.Meeting),
		messages:     make(map[string][]*models.Message),
		votes:        make(map[string][]*models.Vote),
		voteSessions: make(map[string]*models.VoteSession),
		events:       make(map[string][]*models.Event),
		locks:        make(map[string]*sync.Mutex),
	}
}

var _ store.Store = (*Store)(nil)

// WithMeetingLock serializes mutating phases per meeting. The lock is
// not reentrant; callers must not nest it for the same meeting.
func (s *Store) WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	l, ok := s.locks[meetingID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[meetingID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *Store) CreateMeeting(ctx context.Context, req store.CreateMeetingRequest) (*models.Meeting, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("%w: topic must not be empty", store.ErrInvalidInput)
	}
	if len(req.Topic) > models.MaxTopicChars {
		return nil, fmt.Errorf("%w: topic exceeds %d chars", store.ErrInvalidInput, models.MaxTopicChars)
	}

	now := time.Now().UTC()
	m := &models.Meeting{
		ID:        uuid.New().String(),
		Topic:     req.Topic,
		State:     models.StateDraft,
		Round:     0,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	s.createOrder = append(s.createOrder, m.ID)
	return copyMeeting(m), nil
}

func (s *Store) GetMeeting(ctx context.Context, id string) (*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, store.ErrNotFound)
	}
	return copyMeeting(m), nil
}

func (s *Store) ListMeetings(ctx context.Context, q store.ListMeetingsQuery) ([]*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first.
	ids := make([]string, len(s.createOrder))
	copy(ids, s.createOrder)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	start := 0
	if q.Cursor != "" {
		for i, id := range ids {
			if id == q.Cursor {
				start = i + 1
				break
			}
		}
	}

	out := make([]*models.Meeting, 0)
	for _, id := range ids[start:] {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, copyMeeting(s.meetings[id]))
	}
	return out, nil
}

func (s *Store) UpdateMeeting(ctx context.Context, id string, patch models.MeetingPatch) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, store.ErrNotFound)
	}
	if m.State.Terminal() && !resultOnlyPatch(patch) {
		return nil, fmt.Errorf("meeting %s: %w", id, store.ErrMeetingFinished)
	}
	if patch.StageVersion != nil && *patch.StageVersion < m.StageVersion {
		return nil, fmt.Errorf("%w: stage_version must not decrease (%d -> %d)",
			store.ErrInvalidInput, m.StageVersion, *patch.StageVersion)
	}

	if patch.State != nil {
		m.State = *patch.State
	}
	if patch.Round != nil {
		m.Round = *patch.Round
	}
	if patch.StageVersion != nil {
		m.StageVersion = *patch.StageVersion
	}
	if patch.EffectiveDiscussionMode != nil {
		m.EffectiveDiscussionMode = *patch.EffectiveDiscussionMode
	}
	if patch.ActiveVoteSessionID != nil {
		m.ActiveVoteSessionID = *patch.ActiveVoteSessionID
	}
	if patch.Result != nil {
		r := *patch.Result
		m.Result = &r
	}
	if !patch.UpdatedAt.IsZero() {
		m.UpdatedAt = patch.UpdatedAt
	} else {
		m.UpdatedAt = time.Now().UTC()
	}
	return copyMeeting(m), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.MeetingID == "" {
		return nil, fmt.Errorf("%w: message meeting_id required", store.ErrInvalidInput)
	}
	if len(msg.Content) > models.MaxMessageChars {
		return nil, fmt.Errorf("%w: message content exceeds %d chars", store.ErrInvalidInput, models.MaxMessageChars)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[msg.MeetingID]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", msg.MeetingID, store.ErrNotFound)
	}
	if m.State.Terminal() {
		return nil, fmt.Errorf("meeting %s: %w", msg.MeetingID, store.ErrMeetingFinished)
	}

	stored := copyMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.MeetingID] = append(s.messages[msg.MeetingID], stored)
	return copyMessage(stored), nil
}

func (s *Store) ListMessages(ctx context.Context, q store.ListMessagesQuery) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.meetings[q.MeetingID]; !ok {
		return nil, fmt.Errorf("meeting %s: %w", q.MeetingID, store.ErrNotFound)
	}

	msgs := s.messages[q.MeetingID]
	start := 0
	if q.AfterMessageID != "" {
		for i, m := range msgs {
			if m.ID == q.AfterMessageID {
				start = i + 1
				break
			}
		}
	}

	out := make([]*models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *Store) CreateVoteSession(ctx context.Context, vs *models.VoteSession) (*models.VoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[vs.MeetingID]; !ok {
		return nil, fmt.Errorf("meeting %s: %w", vs.MeetingID, store.ErrNotFound)
	}

	stored := copyVoteSession(vs)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, exists := s.voteSessions[stored.ID]; exists {
		return nil, fmt.Errorf("vote session %s: %w", stored.ID, store.ErrAlreadyExists)
	}
	if stored.Status == "" {
		stored.Status = models.VoteSessionRunning
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now().UTC()
	}
	s.voteSessions[stored.ID] = stored
	return copyVoteSession(stored), nil
}

func (s *Store) GetVoteSession(ctx context.Context, meetingID, id string) (*models.VoteSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.voteSessions[id]
	if !ok || vs.MeetingID != meetingID {
		return nil, fmt.Errorf("vote session %s: %w", id, store.ErrNotFound)
	}
	return copyVoteSession(vs), nil
}

func (s *Store) FinalizeVoteSession(ctx context.Context, req store.FinalizeVoteSessionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.voteSessions[req.ID]
	if !ok || vs.MeetingID != req.MeetingID {
		return fmt.Errorf("vote session %s: %w", req.ID, store.ErrNotFound)
	}
	vs.Status = req.Status
	ended := req.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	vs.EndedAt = &ended
	return nil
}

func (s *Store) AppendVote(ctx context.Context, v *models.Vote) (*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[v.MeetingID]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", v.MeetingID, store.ErrNotFound)
	}
	if v.Score < 0 || v.Score > 100 {
		return nil, fmt.Errorf("%w: score must be in [0, 100]", store.ErrInvalidInput)
	}
	// The stage-version gate: late votes from an interrupted session
	// never land.
	if m.StageVersion != v.StageVersion {
		return nil, fmt.Errorf("vote at sv=%d, meeting at sv=%d: %w",
			v.StageVersion, m.StageVersion, store.ErrStaleStageVersion)
	}

	stored := copyVote(v)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.votes[v.MeetingID] = append(s.votes[v.MeetingID], stored)
	return copyVote(stored), nil
}

func (s *Store) ListVotes(ctx context.Context, q store.ListVotesQuery) ([]*models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Vote, 0)
	for _, v := range s.votes[q.MeetingID] {
		if q.VoteSessionID != "" && v.VoteSessionID != q.VoteSessionID {
			continue
		}
		out = append(out, copyVote(v))
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, meetingID, eventType string, payload map[string]any) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[meetingID]; !ok {
		return nil, fmt.Errorf("meeting %s: %w", meetingID, store.ErrNotFound)
	}

	s.nextEventID++
	ev := &models.Event{
		ID:        s.nextEventID,
		MeetingID: meetingID,
		At:        time.Now().UTC(),
		Type:      eventType,
		Payload:   copyPayload(payload),
	}
	s.events[meetingID] = append(s.events[meetingID], ev)
	return copyEvent(ev), nil
}

func (s *Store) ListEvents(ctx context.Context, q store.ListEventsQuery) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[q.MeetingID]
	idx := sort.Search(len(evs), func(i int) bool { return evs[i].ID > q.After })

	out := make([]*models.Event, 0, len(evs)-idx)
	for _, ev := range evs[idx:] {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// resultOnlyPatch reports whether the patch touches nothing but Result
// and UpdatedAt. Terminal meetings accept only such patches.
func resultOnlyPatch(p models.MeetingPatch) bool {
	return p.State == nil && p.Round == nil && p.StageVersion == nil &&
		p.EffectiveDiscussionMode == nil && p.ActiveVoteSessionID == nil
}

// --- deep copies ---

func copyMeeting(m *models.Meeting) *models.Meeting {
	out := *m
	out.Config.Agents = append([]models.AgentConfig(nil), m.Config.Agents...)
	if m.Result != nil {
		r := *m.Result
		if m.Result.Summary != nil {
			sum := *m.Result.Summary
			sum.Approvals = append([]models.ReviewerApproval(nil), m.Result.Summary.Approvals...)
			r.Summary = &sum
		}
		out.Result = &r
	}
	return &out
}

func copyMessage(m *models.Message) *models.Message {
	out := *m
	out.Meta.ReplyTargets = append([]models.ReplyTarget(nil), m.Meta.ReplyTargets...)
	if m.Meta.TurnIndex != nil {
		ti := *m.Meta.TurnIndex
		out.Meta.TurnIndex = &ti
	}
	if m.Meta.Usage != nil {
		u := *m.Meta.Usage
		out.Meta.Usage = &u
	}
	return &out
}

func copyVote(v *models.Vote) *models.Vote {
	out := *v
	return &out
}

func copyVoteSession(vs *models.VoteSession) *models.VoteSession {
	out := *vs
	out.ExpectedVoterAgentIDs = append([]string(nil), vs.ExpectedVoterAgentIDs...)
	if vs.EndedAt != nil {
		t := *vs.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func copyEvent(ev *models.Event) *models.Event {
	out := *ev
	out.Payload = copyPayload(ev.Payload)
	return &out
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
