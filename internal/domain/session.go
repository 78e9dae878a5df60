package domain

import (
	"encoding/json"
	"time"
)

// SessionRecord is the persisted view of one agent session.
type SessionRecord struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	Mode      Mode            `json:"mode"`
	Transport string          `json:"transport"`
	Model     string          `json:"model"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
}

// Active reports whether the session has not ended yet.
func (s *SessionRecord) Active() bool {
	return s.EndedAt == nil
}

// Duration returns how long the session ran, or has been running.
func (s *SessionRecord) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// StoredEvent is a published status event as recorded in the event log.
type StoredEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
