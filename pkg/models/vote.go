package models

import "time"

// VoteSessionStatus is the lifecycle state of a vote session.
type VoteSessionStatus string

const (
	// VoteSessionRunning — created when the vote stage is entered.
	VoteSessionRunning VoteSessionStatus = "running"
	// VoteSessionFinalized — evaluation completed at the session's
	// stage version.
	VoteSessionFinalized VoteSessionStatus = "finalized"
	// VoteSessionAborted — a user interrupt lifted the stage version
	// while the session was running.
	VoteSessionAborted VoteSessionStatus = "aborted"
	// VoteSessionIncomplete — a final-document approval attempt failed
	// unanimity; a new session follows for the revised draft.
	VoteSessionIncomplete VoteSessionStatus = "incomplete"
)

// VoteSessionKind distinguishes proposal votes from final-document
// approval attempts.
type VoteSessionKind string

const (
	VoteKindProposal VoteSessionKind = "proposal"
	VoteKindApproval VoteSessionKind = "approval"
)

// VoteSession bounds a set of vote calls over one proposal text at one
// stage version.
type VoteSession struct {
	ID           string            `json:"id"`
	MeetingID    string            `json:"meeting_id"`
	Round        int               `json:"round"`
	StageVersion int               `json:"stage_version"`
	Kind         VoteSessionKind   `json:"kind"`
	Attempt      int               `json:"attempt,omitempty"` // approval attempt number, 1-based
	ProposalText string            `json:"proposal_text"`
	Status       VoteSessionStatus `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`

	// ExpectedVoterAgentIDs are the enabled agents at session start.
	ExpectedVoterAgentIDs []string `json:"expected_voter_agent_ids"`
}

// Vote is one agent's verdict inside a vote session. A vote is
// persisted only while the meeting's stage version still equals the
// vote's; stale votes are dropped.
type Vote struct {
	ID            string    `json:"id"`
	MeetingID     string    `json:"meeting_id"`
	VoteSessionID string    `json:"vote_session_id"`
	VoterAgentID  string    `json:"voter_agent_id"`
	Score         int       `json:"score"` // 0..100
	Pass          bool      `json:"pass"`
	Rationale     string    `json:"rationale,omitempty"`
	StageVersion  int       `json:"stage_version"`
	CreatedAt     time.Time `json:"created_at"`
}
