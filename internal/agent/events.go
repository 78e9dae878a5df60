package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/store"
)

// EventSink fans recorded status events out to live subscribers.
type EventSink interface {
	Broadcast(ev *domain.StoredEvent)
}

// eventRecorder appends published events to the store, then hands them to
// the sink with their assigned id so subscribers can resume by id.
type eventRecorder struct {
	repo   store.Repository
	sink   EventSink
	logger *slog.Logger
}

func (r *eventRecorder) ObserveStatus(ctx context.Context, sessionID, topic string, payload []byte) {
	ev := &domain.StoredEvent{
		SessionID: sessionID,
		Topic:     topic,
		Payload:   json.RawMessage(append([]byte(nil), payload...)),
		CreatedAt: time.Now().UTC(),
	}
	if r.repo != nil {
		id, err := r.repo.AppendStatusEvent(context.WithoutCancel(ctx), sessionID, topic, payload)
		if err != nil {
			r.logger.Warn("failed to record status event", "topic", topic, "error", err)
		} else {
			ev.ID = id
		}
	}
	if r.sink != nil {
		r.sink.Broadcast(ev)
	}
}
