// Package store defines the persistence contract consumed by the
// meeting orchestrator: meeting CRUD under a per-meeting lock, append-only
// messages/votes/events, and vote-session lifecycle.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned on duplicate creation.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when a write fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStaleStageVersion is returned when a vote's stage version no
	// longer matches the meeting's. Callers drop the vote silently.
	ErrStaleStageVersion = errors.New("stale stage version")

	// ErrMeetingFinished is returned when a write targets a meeting in
	// a terminal state.
	ErrMeetingFinished = errors.New("meeting already finished")
)

// CreateMeetingRequest carries the fields for a new meeting. The config
// must already be defaulted and validated.
type CreateMeetingRequest struct {
	Topic  string
	Config models.MeetingConfig
}

// ListMeetingsQuery pages through meetings, newest first. Cursor is the
// id of the last meeting of the previous page (empty for the first).
type ListMeetingsQuery struct {
	Limit  int
	Cursor string
}

// ListMessagesQuery selects a meeting's messages in append order.
type ListMessagesQuery struct {
	MeetingID      string
	Limit          int    // 0 = no limit
	AfterMessageID string // exclusive
}

// ListVotesQuery selects a meeting's votes, optionally scoped to one
// vote session.
type ListVotesQuery struct {
	MeetingID     string
	VoteSessionID string // empty = all sessions
}

// ListEventsQuery replays a meeting's event log after a cursor.
type ListEventsQuery struct {
	MeetingID string
	After     int64 // exclusive; 0 replays everything
	Limit     int   // 0 = no limit
}

// FinalizeVoteSessionRequest moves a vote session to a terminal status.
type FinalizeVoteSessionRequest struct {
	MeetingID string
	ID        string
	Status    models.VoteSessionStatus
	EndedAt   time.Time
}

// Store is the persistence boundary. Implementations must guarantee
// atomic appends, monotone event-id allocation, and a per-meeting mutex
// via WithMeetingLock. Fairness and reentrancy of the lock are not
// required.
type Store interface {
	// WithMeetingLock runs fn while holding the meeting's lock. All
	// state transitions, vote-session lifecycle changes, and
	// user-message interrupts run under this lock.
	WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error

	CreateMeeting(ctx context.Context, req CreateMeetingRequest) (*models.Meeting, error)
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
	ListMeetings(ctx context.Context, q ListMeetingsQuery) ([]*models.Meeting, error)

	// UpdateMeeting applies a restricted patch. Updating a finished
	// meeting returns ErrMeetingFinished unless the patch only writes
	// Result. Applying the same patch twice equals applying it once.
	UpdateMeeting(ctx context.Context, id string, patch models.MeetingPatch) (*models.Meeting, error)

	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, q ListMessagesQuery) ([]*models.Message, error)

	CreateVoteSession(ctx context.Context, vs *models.VoteSession) (*models.VoteSession, error)
	GetVoteSession(ctx context.Context, meetingID, id string) (*models.VoteSession, error)
	FinalizeVoteSession(ctx context.Context, req FinalizeVoteSessionRequest) error

	// AppendVote persists a vote iff the meeting's current stage
	// version equals the vote's; otherwise ErrStaleStageVersion.
	AppendVote(ctx context.Context, v *models.Vote) (*models.Vote, error)
	ListVotes(ctx context.Context, q ListVotesQuery) ([]*models.Vote, error)

	// AppendEvent assigns a monotone id and persists the event.
	AppendEvent(ctx context.Context, meetingID, eventType string, payload map[string]any) (*models.Event, error)
	ListEvents(ctx context.Context, q ListEventsQuery) ([]*models.Event, error)

	Close() error
}
