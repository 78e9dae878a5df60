// Package status publishes lesson progress and prompt suggestions to the
// presentation layer over the room's data channel.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/voice-tutor/internal/domain"
)

// Result strings returned to the conversational script.
const (
	msgPromptUpdated       = "Prompt updated."
	msgLessonStatusFailure = "Failed to update lesson status."
	msgPromptFailure       = "Failed to update prompt."
)

// DataChannel sends topic-tagged out-of-band messages.
type DataChannel interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// Observer is notified after an event was handed to the data channel.
// Observers must not block.
type Observer interface {
	ObserveStatus(ctx context.Context, sessionID, topic string, payload []byte)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, sessionID, topic string, payload []byte)

// ObserveStatus implements Observer.
func (f ObserverFunc) ObserveStatus(ctx context.Context, sessionID, topic string, payload []byte) {
	f(ctx, sessionID, topic, payload)
}

// Publisher serializes status events for one session. Send failures are
// reported as short result strings, never as errors.
type Publisher struct {
	sessionID string
	channel   DataChannel
	logger    *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewPublisher creates a publisher writing to channel.
func NewPublisher(sessionID string, channel DataChannel, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sessionID: sessionID,
		channel:   channel,
		logger:    logger.With("component", "status", "session_id", sessionID),
	}
}

// AddObserver registers o for every successfully sent event.
func (p *Publisher) AddObserver(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

// Publish sends ev and returns the result string for the script.
func (p *Publisher) Publish(ctx context.Context, ev domain.StatusEvent) string {
	payload, err := domain.EncodeStatusEvent(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode status event", "type", ev.EventType(), "error", err)
		return failureMessage(ev)
	}

	if err := p.channel.PublishData(ctx, ev.Topic(), payload); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish status event",
			"topic", ev.Topic(),
			"payload", string(payload),
			"error", err,
		)
		return failureMessage(ev)
	}

	p.logger.InfoContext(ctx, "published status event", "topic", ev.Topic(), "bytes", len(payload))
	p.notify(ctx, ev.Topic(), payload)
	return successMessage(ev)
}

// Execute validates cmd and publishes the resulting event.
func (p *Publisher) Execute(ctx context.Context, cmd Command) string {
	ev, err := cmd.Event()
	if err != nil {
		p.logger.WarnContext(ctx, "rejected status command", "command", cmd.Name(), "error", err)
		return cmd.failure()
	}
	return p.Publish(ctx, ev)
}

func (p *Publisher) notify(ctx context.Context, topic string, payload []byte) {
	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()
	for _, o := range observers {
		o.ObserveStatus(ctx, p.sessionID, topic, payload)
	}
}

func successMessage(ev domain.StatusEvent) string {
	switch e := ev.(type) {
	case domain.LessonStatus:
		return fmt.Sprintf("Updated lesson %s to %s.", e.ID, e.Status)
	case domain.PromptUpdate:
		return msgPromptUpdated
	default:
		return "Published " + ev.EventType() + "."
	}
}

func failureMessage(ev domain.StatusEvent) string {
	switch ev.(type) {
	case domain.LessonStatus:
		return msgLessonStatusFailure
	case domain.PromptUpdate:
		return msgPromptFailure
	default:
		return "Failed to publish " + ev.EventType() + "."
	}
}
