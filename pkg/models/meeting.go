// Package models defines the domain entities shared by the store, the
// orchestrator, and the event layer.
package models

import "time"

// MeetingState is the lifecycle state of a meeting.
type MeetingState string

const (
	// StateDraft — created, not yet started.
	StateDraft MeetingState = "draft"
	// StateRunningDiscussion — discussion rounds in progress.
	StateRunningDiscussion MeetingState = "running_discussion"
	// StateRunningVote — a vote session is active.
	StateRunningVote MeetingState = "running_vote"
	// StateFinishedAccepted — concluded with an accepted result.
	StateFinishedAccepted MeetingState = "finished_accepted"
	// StateFinishedAborted — concluded without acceptance.
	StateFinishedAborted MeetingState = "finished_aborted"
)

// Terminal reports whether the state is final. Terminal meetings accept
// no further writes except the result.
func (s MeetingState) Terminal() bool {
	return s == StateFinishedAccepted || s == StateFinishedAborted
}

// DiscussionMode selects how agents take turns within a round.
type DiscussionMode string

const (
	// ModeAuto resolves to serial or parallel at start based on the
	// enabled agent count.
	ModeAuto DiscussionMode = "auto"
	// ModeSerialTurn runs agents one at a time; each sees the previous
	// agent's fresh message.
	ModeSerialTurn DiscussionMode = "serial_turn"
	// ModeParallelRound fans all agents out against the same snapshot.
	ModeParallelRound DiscussionMode = "parallel_round"
)

// ReviewerApproval is one agent's verdict on the final result document.
type ReviewerApproval struct {
	AgentID   string `json:"agent_id"`
	Score     int    `json:"score"`
	Pass      bool   `json:"pass"`
	Rationale string `json:"rationale,omitempty"`
}

// ResultSummary carries the aggregates the report builder derives from
// the concluded meeting. FinalDocument holds the accepted result
// document, or the last draft when unanimity was never reached.
type ResultSummary struct {
	Rounds        int                `json:"rounds"`
	VoteSessions  int                `json:"vote_sessions"`
	FinalAvgScore int                `json:"final_avg_score"`
	FinalDocument string             `json:"final_document,omitempty"`
	Approvals     []ReviewerApproval `json:"approvals,omitempty"`
}

// MeetingResult is written exactly once, when the meeting reaches a
// terminal state.
type MeetingResult struct {
	Accepted       bool           `json:"accepted"`
	Reason         string         `json:"reason"`
	ConcludedAt    time.Time      `json:"concluded_at"`
	ReportMarkdown string         `json:"report_markdown,omitempty"`
	Summary        *ResultSummary `json:"summary,omitempty"`
}

// Meeting is the root aggregate. The config is frozen at creation; the
// stage version is the optimistic-concurrency token lifted on every
// state transition and interrupt, and it never decreases.
type Meeting struct {
	ID    string       `json:"id"`
	Topic string       `json:"topic"`
	State MeetingState `json:"state"`
	Round int          `json:"round"`

	StageVersion int `json:"stage_version"`

	// EffectiveDiscussionMode is resolved from the config at start and
	// never changed afterwards. Empty while in draft.
	EffectiveDiscussionMode DiscussionMode `json:"effective_discussion_mode,omitempty"`

	// ActiveVoteSessionID is set while a vote session is running.
	ActiveVoteSessionID string `json:"active_vote_session_id,omitempty"`

	Result *MeetingResult `json:"result,omitempty"`
	Config MeetingConfig  `json:"config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MeetingPatch is the restricted update applied through the store. Nil
// fields are left untouched. Topic and Config are immutable and have no
// patch fields.
type MeetingPatch struct {
	State                   *MeetingState
	Round                   *int
	StageVersion            *int
	EffectiveDiscussionMode *DiscussionMode
	ActiveVoteSessionID     *string
	Result                  *MeetingResult
	UpdatedAt               time.Time
}
