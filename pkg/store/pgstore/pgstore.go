// Package pgstore implements the Store on PostgreSQL via the pgx
// driver, with embedded golang-migrate migrations and advisory locks
// for per-meeting mutual exclusion.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx for database/sql

	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the PostgreSQL-backed Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens the pool, verifies connectivity, and applies pending
// embedded migrations.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing pool, applying migrations. Used by the
// container-backed tests.
func NewFromDB(db *sql.DB) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	// Close only the source driver; closing the migrate instance would
	// also close the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

// WithMeetingLock holds a session advisory lock keyed on the meeting id
// for the duration of fn. The lock lives on a dedicated connection; fn
// itself runs against the pool.
func (s *Store) WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring lock connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, meetingID); err != nil {
		return fmt.Errorf("acquiring meeting lock: %w", err)
	}
	defer func() {
		// Unlock on a background context so a cancelled ctx cannot leak
		// the lock; closing the connection releases it regardless.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, meetingID)
	}()

	return fn(ctx)
}

func (s *Store) CreateMeeting(ctx context.Context, req store.CreateMeetingRequest) (*models.Meeting, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("%w: topic must not be empty", store.ErrInvalidInput)
	}
	if len(req.Topic) > models.MaxTopicChars {
		return nil, fmt.Errorf("%w: topic exceeds %d chars", store.ErrInvalidInput, models.MaxTopicChars)
	}

	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	now := time.Now().UTC()
	m := &models.Meeting{
		ID:        uuid.New().String(),
		Topic:     req.Topic,
		State:     models.StateDraft,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meetings (id, topic, state, round, stage_version, effective_discussion_mode,
			active_vote_session_id, config, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, '', '', $4, $5, $5)`,
		m.ID, m.Topic, string(m.State), configJSON, now)
	if err != nil {
		return nil, fmt.Errorf("inserting meeting: %w", err)
	}
	return m, nil
}

const meetingColumns = `id, topic, state, round, stage_version, effective_discussion_mode,
	active_vote_session_id, result, config, created_at, updated_at`

func (s *Store) GetMeeting(ctx context.Context, id string) (*models.Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	return scanMeeting(row, id)
}

func (s *Store) ListMeetings(ctx context.Context, q store.ListMeetingsQuery) ([]*models.Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings`
	args := []any{}
	if q.Cursor != "" {
		query += ` WHERE seq < (SELECT seq FROM meetings WHERE id = $1)`
		args = append(args, q.Cursor)
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing meetings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*models.Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMeeting(ctx context.Context, id string, patch models.MeetingPatch) (*models.Meeting, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMeeting(row, id)
	if err != nil {
		return nil, err
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

	var resultJSON any
	if m.Result != nil {
		raw, err := json.Marshal(m.Result)
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
		resultJSON = raw
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE meetings SET state = $2, round = $3, stage_version = $4,
			effective_discussion_mode = $5, active_vote_session_id = $6,
			result = $7, updated_at = $8
		WHERE id = $1`,
		id, string(m.State), m.Round, m.StageVersion,
		string(m.EffectiveDiscussionMode), m.ActiveVoteSessionID,
		resultJSON, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating meeting: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing meeting update: %w", err)
	}
	return m, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.MeetingID == "" {
		return nil, fmt.Errorf("%w: message meeting_id required", store.ErrInvalidInput)
	}
	if len(msg.Content) > models.MaxMessageChars {
		return nil, fmt.Errorf("%w: message content exceeds %d chars", store.ErrInvalidInput, models.MaxMessageChars)
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(stored.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling message meta: %w", err)
	}

	// The terminal-state gate runs inside the insert itself, so a
	// concurrent abort can never race a late message in.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, meeting_id, role, agent_id, system_id, content, meta, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE EXISTS (SELECT 1 FROM meetings WHERE id = $2
			AND state NOT IN ('finished_accepted', 'finished_aborted'))`,
		stored.ID, stored.MeetingID, string(stored.Role), stored.AgentID,
		string(stored.SystemID), stored.Content, metaJSON, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	if n == 0 {
		if err := s.requireMeeting(ctx, stored.MeetingID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("meeting %s: %w", stored.MeetingID, store.ErrMeetingFinished)
	}
	return &stored, nil
}

func (s *Store) ListMessages(ctx context.Context, q store.ListMessagesQuery) ([]*models.Message, error) {
	if err := s.requireMeeting(ctx, q.MeetingID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, meeting_id, role, agent_id, system_id, content, meta, created_at
		FROM messages WHERE meeting_id = $1`
	args := []any{q.MeetingID}
	if q.AfterMessageID != "" {
		query += ` AND seq > COALESCE((SELECT seq FROM messages WHERE id = $2), 0)`
		args = append(args, q.AfterMessageID)
	}
	query += ` ORDER BY seq`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*models.Message, 0)
	for rows.Next() {
		var m models.Message
		var role, systemID string
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.MeetingID, &role, &m.AgentID, &systemID,
			&m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.SystemID = models.SystemID(systemID)
		if err := json.Unmarshal(metaJSON, &m.Meta); err != nil {
			return nil, fmt.Errorf("unmarshaling message meta: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) CreateVoteSession(ctx context.Context, vs *models.VoteSession) (*models.VoteSession, error) {
	if err := s.requireMeeting(ctx, vs.MeetingID); err != nil {
		return nil, err
	}

	stored := *vs
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Status == "" {
		stored.Status = models.VoteSessionRunning
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now().UTC()
	}
	votersJSON, err := json.Marshal(stored.ExpectedVoterAgentIDs)
	if err != nil {
		return nil, fmt.Errorf("marshaling expected voters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vote_sessions (id, meeting_id, round, stage_version, kind, attempt,
			proposal_text, status, started_at, expected_voter_agent_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stored.ID, stored.MeetingID, stored.Round, stored.StageVersion,
		string(stored.Kind), stored.Attempt, stored.ProposalText,
		string(stored.Status), stored.StartedAt, votersJSON)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, fmt.Errorf("vote session %s: %w", stored.ID, store.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("inserting vote session: %w", err)
	}
	return &stored, nil
}

func (s *Store) GetVoteSession(ctx context.Context, meetingID, id string) (*models.VoteSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, round, stage_version, kind, attempt, proposal_text,
			status, started_at, ended_at, expected_voter_agent_ids
		FROM vote_sessions WHERE id = $1 AND meeting_id = $2`, id, meetingID)

	var vs models.VoteSession
	var kind, status string
	var endedAt sql.NullTime
	var votersJSON []byte
	err := row.Scan(&vs.ID, &vs.MeetingID, &vs.Round, &vs.StageVersion, &kind,
		&vs.Attempt, &vs.ProposalText, &status, &vs.StartedAt, &endedAt, &votersJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vote session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning vote session: %w", err)
	}
	vs.Kind = models.VoteSessionKind(kind)
	vs.Status = models.VoteSessionStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		vs.EndedAt = &t
	}
	if err := json.Unmarshal(votersJSON, &vs.ExpectedVoterAgentIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling expected voters: %w", err)
	}
	return &vs, nil
}

func (s *Store) FinalizeVoteSession(ctx context.Context, req store.FinalizeVoteSessionRequest) error {
	ended := req.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE vote_sessions SET status = $3, ended_at = $4
		WHERE id = $1 AND meeting_id = $2`,
		req.ID, req.MeetingID, string(req.Status), ended)
	if err != nil {
		return fmt.Errorf("finalizing vote session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalizing vote session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("vote session %s: %w", req.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendVote(ctx context.Context, v *models.Vote) (*models.Vote, error) {
	if v.Score < 0 || v.Score > 100 {
		return nil, fmt.Errorf("%w: score must be in [0, 100]", store.ErrInvalidInput)
	}

	stored := *v
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	// The stage-version gate runs inside the insert itself, so a
	// concurrent interrupt can never race a late vote in.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (id, meeting_id, vote_session_id, voter_agent_id, score,
			pass, rationale, stage_version, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE EXISTS (SELECT 1 FROM meetings WHERE id = $2 AND stage_version = $8)`,
		stored.ID, stored.MeetingID, stored.VoteSessionID, stored.VoterAgentID,
		stored.Score, stored.Pass, stored.Rationale, stored.StageVersion, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("inserting vote: %w", err)
	}
	if n == 0 {
		if err := s.requireMeeting(ctx, stored.MeetingID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("vote at sv=%d: %w", stored.StageVersion, store.ErrStaleStageVersion)
	}
	return &stored, nil
}

func (s *Store) ListVotes(ctx context.Context, q store.ListVotesQuery) ([]*models.Vote, error) {
	query := `
		SELECT id, meeting_id, vote_session_id, voter_agent_id, score, pass,
			rationale, stage_version, created_at
		FROM votes WHERE meeting_id = $1`
	args := []any{q.MeetingID}
	if q.VoteSessionID != "" {
		query += ` AND vote_session_id = $2`
		args = append(args, q.VoteSessionID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*models.Vote, 0)
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.MeetingID, &v.VoteSessionID, &v.VoterAgentID,
			&v.Score, &v.Pass, &v.Rationale, &v.StageVersion, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, meetingID, eventType string, payload map[string]any) (*models.Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}

	ev := &models.Event{
		MeetingID: meetingID,
		At:        time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO meeting_events (meeting_id, at, type, payload)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM meetings WHERE id = $1)
		RETURNING id`,
		meetingID, ev.At, eventType, payloadJSON).Scan(&ev.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %s: %w", meetingID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, q store.ListEventsQuery) ([]*models.Event, error) {
	query := `
		SELECT id, meeting_id, at, type, payload
		FROM meeting_events WHERE meeting_id = $1 AND id > $2 ORDER BY id`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, q.MeetingID, q.After)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*models.Event, 0)
	for rows.Next() {
		var ev models.Event
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.MeetingID, &ev.At, &ev.Type, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling event payload: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// requireMeeting distinguishes "meeting absent" from other empty
// results.
func (s *Store) requireMeeting(ctx context.Context, meetingID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM meetings WHERE id = $1`, meetingID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("meeting %s: %w", meetingID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking meeting: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner, id string) (*models.Meeting, error) {
	var m models.Meeting
	var state, mode string
	var resultJSON, configJSON []byte
	err := row.Scan(&m.ID, &m.Topic, &state, &m.Round, &m.StageVersion, &mode,
		&m.ActiveVoteSessionID, &resultJSON, &configJSON, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning meeting: %w", err)
	}
	m.State = models.MeetingState(state)
	m.EffectiveDiscussionMode = models.DiscussionMode(mode)
	if len(resultJSON) > 0 {
		m.Result = &models.MeetingResult{}
		if err := json.Unmarshal(resultJSON, m.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling meeting result: %w", err)
		}
	}
	if err := json.Unmarshal(configJSON, &m.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling meeting config: %w", err)
	}
	return &m, nil
}

func resultOnlyPatch(p models.MeetingPatch) bool {
	return p.State == nil && p.Round == nil && p.StageVersion == nil &&
		p.EffectiveDiscussionMode == nil && p.ActiveVoteSessionID == nil
}
