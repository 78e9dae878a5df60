// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/voice-tutor/internal/domain"
)

// Repository persists agent sessions and their published status events.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, s *domain.SessionRecord) error

	// EndSession stamps the end time and usage summary of a session.
	EndSession(ctx context.Context, id string, endedAt time.Time, usageJSON []byte) error

	// GetSession returns a session by id, or nil when it does not exist.
	GetSession(ctx context.Context, id string) (*domain.SessionRecord, error)

	// ListSessions returns the most recently started sessions first.
	ListSessions(ctx context.Context, limit int) ([]*domain.SessionRecord, error)

	// AppendStatusEvent records a published event and returns its id.
	AppendStatusEvent(ctx context.Context, sessionID, topic string, payload []byte) (int64, error)

	// ListStatusEvents returns a session's events with id greater than afterID, oldest first.
	ListStatusEvents(ctx context.Context, sessionID string, afterID int64) ([]*domain.StoredEvent, error)

	// DeleteEndedBefore removes sessions that ended before t, with their events.
	DeleteEndedBefore(ctx context.Context, t time.Time) (int64, error)

	// CloseDanglingSessions ends sessions left open by a previous process.
	CloseDanglingSessions(ctx context.Context, at time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
