// Package events provides the meeting event layer: typed payloads, an
// in-memory bus that fans events out to live subscribers, and
// Last-Event-ID style catchup backed by the store's event log.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

// Event types emitted by the orchestrator.
const (
	TypeMeetingStateChanged = "meeting.state_changed"
	TypeMessageFinal        = "message.final"
	TypeFacilitatorOutput   = "facilitator.output"
	TypeVoteSessionStarted  = "vote.session_started"
	TypeVoteReceived        = "vote.received"
	TypeVoteSessionFinal    = "vote.session_final"
	TypeError               = "error"
)

// Error codes used in ErrorPayload.
const (
	CodeAgentError              = "AGENT_ERROR"
	CodeRunnerError             = "RUNNER_ERROR"
	CodeDiscussionEmptySkipVote = "DISCUSSION_EMPTY_SKIP_VOTE"
)

// MeetingStateChangedPayload is the payload for meeting.state_changed.
type MeetingStateChangedPayload struct {
	State        models.MeetingState `json:"state"`
	Round        int                 `json:"round"`
	StageVersion int                 `json:"stage_version"`
	Reason       string              `json:"reason,omitempty"`
}

// MessageFinalPayload is the payload for message.final.
type MessageFinalPayload struct {
	Message *models.Message `json:"message"`
}

// FacilitatorOutputPayload is the payload for facilitator.output.
type FacilitatorOutputPayload struct {
	StageVersion int            `json:"stage_version"`
	Round        int            `json:"round"`
	Output       map[string]any `json:"output"`
}

// VoteSessionStartedPayload is the payload for vote.session_started.
type VoteSessionStartedPayload struct {
	VoteSessionID string                 `json:"vote_session_id"`
	StageVersion  int                    `json:"stage_version"`
	Kind          models.VoteSessionKind `json:"kind,omitempty"`
	Attempt       int                    `json:"attempt,omitempty"`
}

// VoteReceivedPayload is the payload for vote.received.
type VoteReceivedPayload struct {
	Vote *models.Vote           `json:"vote"`
	Kind models.VoteSessionKind `json:"kind,omitempty"`
}

// VoteSessionFinalPayload is the payload for vote.session_final.
type VoteSessionFinalPayload struct {
	VoteSessionID string                 `json:"vote_session_id"`
	StageVersion  int                    `json:"stage_version"`
	Accepted      bool                   `json:"accepted"`
	AvgScore      int                    `json:"avg_score"`
	Reason        string                 `json:"reason,omitempty"`
	Kind          models.VoteSessionKind `json:"kind,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// toMap converts a typed payload struct into the opaque map stored on
// the event log, via a JSON round trip.
func toMap(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling event payload: %w", err)
	}
	return m, nil
}
