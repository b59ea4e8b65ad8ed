package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind than this is disconnected and must
// re-subscribe from its cursor.
const subscriberBuffer = 256

// Bus appends every published event to the store's event log, then fans
// it out to the meeting's live subscribers. Delivery to one subscriber
// never blocks the publisher or other subscribers.
type Bus struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // meetingID -> set
}

type subscriber struct {
	meetingID string
	ch        chan *models.Event
	lastID    int64

	// Until the catchup replay finishes, live events queue in backlog
	// so replayed and live events reach the channel in id order.
	ready   bool
	backlog []*models.Event
	closed  bool
	mu      sync.Mutex
}

// NewBus creates a bus over the given store.
func NewBus(st store.Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:  st,
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Publish persists the typed payload on the meeting's event log and
// delivers the stored event to live subscribers. The append happens
// before fan-out, so a consumer's replay cursor is always covered.
func (b *Bus) Publish(ctx context.Context, meetingID, eventType string, payload any) (*models.Event, error) {
	m, err := toMap(payload)
	if err != nil {
		return nil, err
	}
	ev, err := b.store.AppendEvent(ctx, meetingID, eventType, m)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs[meetingID]))
	for s := range b.subs[meetingID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
	return ev, nil
}

// Subscribe registers a live subscriber for one meeting, replaying
// stored events with id > after first. The channel closes on cancel,
// and also when the consumer falls behind the buffer; a closed channel
// means re-subscribe with the last received event id. The returned
// cancel function must always be called to release the subscription.
func (b *Bus) Subscribe(ctx context.Context, meetingID string, after int64) (<-chan *models.Event, func(), error) {
	s := &subscriber{
		meetingID: meetingID,
		ch:        make(chan *models.Event, subscriberBuffer),
		lastID:    after,
	}

	b.mu.Lock()
	if b.subs[meetingID] == nil {
		b.subs[meetingID] = make(map[*subscriber]struct{})
	}
	b.subs[meetingID][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs[meetingID], s)
		b.mu.Unlock()
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}

	// Catchup replay. Events published while this runs queue in the
	// subscriber backlog and flush afterwards, keeping delivery
	// gap-free and in id order.
	replayed, err := b.store.ListEvents(ctx, store.ListEventsQuery{MeetingID: meetingID, After: after})
	if err != nil {
		cancel()
		return nil, nil, err
	}
	for _, ev := range replayed {
		b.deliver(s, ev)
	}

	// Flip ready and flush the backlog in one critical section, so a
	// concurrent Publish cannot slip a live event between the flip and
	// the flush and advance the cursor past unflushed backlog entries.
	s.mu.Lock()
	s.ready = true
	var overflow *models.Event
	for _, ev := range s.backlog {
		if ev.ID <= s.lastID {
			continue
		}
		if !s.sendLocked(ev) {
			overflow = ev
			break
		}
	}
	s.backlog = nil
	s.mu.Unlock()
	if overflow != nil {
		b.disconnect(s, overflow)
	}

	return s.ch, cancel, nil
}

// SubscriberCount returns the live subscriber count for a meeting.
func (b *Bus) SubscriberCount(meetingID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[meetingID])
}

// deliver sends one event to a subscriber, deduplicating against its
// cursor. An overflowed subscriber is closed and detached.
func (b *Bus) deliver(s *subscriber, ev *models.Event) {
	s.mu.Lock()
	if s.closed || ev.ID <= s.lastID {
		s.mu.Unlock()
		return
	}
	if !s.ready {
		// lastID is not advanced here; the flush after replay dedupes
		// backlog entries the replay already delivered.
		s.backlog = append(s.backlog, ev)
		s.mu.Unlock()
		return
	}
	ok := s.sendLocked(ev)
	s.mu.Unlock()
	if !ok {
		b.disconnect(s, ev)
	}
}

// sendLocked delivers ev on the channel, advancing the cursor. A full
// buffer closes the subscriber instead of skipping the event: the
// channel carries a gap-free prefix of the log or nothing, and the
// close tells the consumer to re-subscribe from its cursor. Callers
// hold s.mu.
func (s *subscriber) sendLocked(ev *models.Event) bool {
	select {
	case s.ch <- ev:
		s.lastID = ev.ID
		return true
	default:
		s.closed = true
		close(s.ch)
		return false
	}
}

// disconnect detaches an overflowed subscriber from the fan-out set.
func (b *Bus) disconnect(s *subscriber, ev *models.Event) {
	b.mu.Lock()
	delete(b.subs[s.meetingID], s)
	b.mu.Unlock()
	b.logger.Warn("disconnecting slow subscriber",
		"meeting_id", s.meetingID, "event_id", ev.ID, "type", ev.Type)
}
