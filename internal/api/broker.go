package api

import (
	"log/slog"
	"sync"

	"github.com/ashureev/voice-tutor/internal/domain"
)

// subscriberBuffer bounds events queued for one slow SSE client.
const subscriberBuffer = 64

// EventBroker fans recorded status events out to SSE subscribers of the
// same session.
type EventBroker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int64
	subs   map[string]map[int64]chan *domain.StoredEvent
}

// NewEventBroker creates an empty broker.
func NewEventBroker(logger *slog.Logger) *EventBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroker{
		logger: logger.With("component", "event_broker"),
		subs:   make(map[string]map[int64]chan *domain.StoredEvent),
	}
}

// Subscribe returns a channel of the session's future events and a function
// that ends the subscription.
func (b *EventBroker) Subscribe(sessionID string) (<-chan *domain.StoredEvent, func()) {
	ch := make(chan *domain.StoredEvent, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]chan *domain.StoredEvent)
	}
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
		})
	}
}

// Broadcast implements agent.EventSink. Full subscriber queues drop the
// event; those clients recover it by reconnecting with Last-Event-ID.
func (b *EventBroker) Broadcast(ev *domain.StoredEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("SSE subscriber queue full, dropping event",
				"session_id", ev.SessionID,
				"subscriber", id,
				"event_id", ev.ID,
			)
		}
	}
}

// Subscribers returns the number of subscribers of a session.
func (b *EventBroker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
