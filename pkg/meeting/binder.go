package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Einzieg/AI-meeting/pkg/events"
	"github.com/Einzieg/AI-meeting/pkg/facilitator"
	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

// Options wires the binder's process-wide collaborators.
type Options struct {
	Store   store.Store
	Gateway llm.Gateway
	Logger  *slog.Logger
}

// Binder is the composition root for meetings: one store, one gateway,
// one event bus, and a map of per-meeting orchestrators. It is the
// API surface the process exposes.
type Binder struct {
	store   store.Store
	gateway llm.Gateway
	bus     *events.Bus
	fac     *facilitator.Service
	logger  *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
}

// NewBinder creates a binder. The base context it derives bounds every
// meeting run; Shutdown cancels it.
func NewBinder(opts Options) *Binder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Binder{
		store:         opts.Store,
		gateway:       opts.Gateway,
		bus:           events.NewBus(opts.Store, logger),
		fac:           facilitator.New(opts.Gateway, prompt.New(), logger),
		logger:        logger,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		orchestrators: make(map[string]*Orchestrator),
	}
}

var (
	defaultMu     sync.Mutex
	defaultBinder *Binder
)

// Default returns the process-wide binder, constructing it on first
// call. Re-initialization with different options returns the cached
// instance unchanged.
func Default(opts Options) *Binder {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBinder == nil {
		defaultBinder = NewBinder(opts)
	}
	return defaultBinder
}

// Bus exposes the event bus for transports layered on top.
func (b *Binder) Bus() *events.Bus { return b.bus }

// CreateMeeting validates the topic and config, applies defaults, and
// persists a draft meeting. Nothing is created on a validation failure.
func (b *Binder) CreateMeeting(ctx context.Context, topic string, cfg models.MeetingConfig) (*models.Meeting, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, &models.ConfigError{Field: "topic", Message: "must not be empty"}
	}
	if len(topic) > models.MaxTopicChars {
		return nil, &models.ConfigError{
			Field:   "topic",
			Message: fmt.Sprintf("must be at most %d chars", models.MaxTopicChars),
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := b.store.CreateMeeting(ctx, store.CreateMeetingRequest{Topic: topic, Config: cfg})
	if err != nil {
		return nil, err
	}
	b.logger.Info("meeting created", "meeting_id", m.ID, "agents", len(cfg.Agents))
	return m, nil
}

// StartMeeting launches the meeting's run loop.
func (b *Binder) StartMeeting(ctx context.Context, meetingID string) error {
	return b.orchestrator(meetingID).Start(ctx, b.baseCtx)
}

// PostUserMessage appends a user message, interrupting an active vote.
func (b *Binder) PostUserMessage(ctx context.Context, meetingID, content string) (*models.Message, error) {
	return b.orchestrator(meetingID).PostUserMessage(ctx, content)
}

// AbortMeeting terminates a running meeting.
func (b *Binder) AbortMeeting(ctx context.Context, meetingID, reason string) error {
	return b.orchestrator(meetingID).Abort(ctx, reason)
}

// GetMeeting reads one meeting.
func (b *Binder) GetMeeting(ctx context.Context, meetingID string) (*models.Meeting, error) {
	return b.store.GetMeeting(ctx, meetingID)
}

// ListMeetings pages through meetings, newest first.
func (b *Binder) ListMeetings(ctx context.Context, limit int, cursor string) ([]*models.Meeting, error) {
	return b.store.ListMeetings(ctx, store.ListMeetingsQuery{Limit: limit, Cursor: cursor})
}

// ListMessages returns a meeting's transcript in append order.
func (b *Binder) ListMessages(ctx context.Context, meetingID string) ([]*models.Message, error) {
	return b.store.ListMessages(ctx, store.ListMessagesQuery{MeetingID: meetingID})
}

// ListVotes returns a meeting's votes, optionally for one session.
func (b *Binder) ListVotes(ctx context.Context, meetingID, voteSessionID string) ([]*models.Vote, error) {
	return b.store.ListVotes(ctx, store.ListVotesQuery{MeetingID: meetingID, VoteSessionID: voteSessionID})
}

// Subscribe attaches a live event subscriber with Last-Event-ID style
// catchup.
func (b *Binder) Subscribe(ctx context.Context, meetingID string, afterEventID int64) (<-chan *models.Event, func(), error) {
	return b.bus.Subscribe(ctx, meetingID, afterEventID)
}

// Wait blocks until the meeting's run loop exits or ctx fires. Meetings
// that never started return immediately.
func (b *Binder) Wait(ctx context.Context, meetingID string) error {
	b.mu.Lock()
	o, ok := b.orchestrators[meetingID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	done := o.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every meeting run and waits for the loops to drain.
// Running meetings terminalize through their cancellation paths.
func (b *Binder) Shutdown(ctx context.Context) error {
	b.baseCancel()

	b.mu.Lock()
	pending := make([]*Orchestrator, 0, len(b.orchestrators))
	for _, o := range b.orchestrators {
		pending = append(pending, o)
	}
	b.mu.Unlock()

	for _, o := range pending {
		done := o.Done()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.store.Close()
}

// orchestrator returns the meeting's orchestrator, creating it on first
// use.
func (b *Binder) orchestrator(meetingID string) *Orchestrator {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orchestrators[meetingID]
	if !ok {
		o = NewOrchestrator(meetingID, b.store, b.bus, b.gateway, b.fac, b.logger)
		b.orchestrators[meetingID] = o
	}
	return o
}
