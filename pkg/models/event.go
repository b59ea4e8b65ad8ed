package models

import "time"

// Event is one entry of a meeting's append-only event log. IDs are
// allocated monotonically by the store (per process); subscribers
// replay with a Last-Event-ID style cursor.
type Event struct {
	ID        int64          `json:"id"`
	MeetingID string         `json:"meeting_id"`
	At        time.Time      `json:"at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}
