package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrSessionExists is returned when the room already has an agent.
	ErrSessionExists = errors.New("room already has an active session")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
)

// Manager tracks live sessions, at most one per room.
type Manager struct {
	orch   *Orchestrator
	logger *slog.Logger

	mu     sync.Mutex
	byID   map[string]*Session
	byRoom map[string]string // room -> session id, "" while starting
}

// NewManager wraps orch.
func NewManager(orch *Orchestrator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		orch:   orch,
		logger: logger.With("component", "session_manager"),
		byID:   make(map[string]*Session),
		byRoom: make(map[string]string),
	}
}

// Start runs a new session in roomName.
func (m *Manager) Start(ctx context.Context, roomName string) (*Session, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return nil, ErrEmptyRoom
	}
	m.mu.Lock()
	if _, busy := m.byRoom[roomName]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, roomName)
	}
	m.byRoom[roomName] = ""
	m.mu.Unlock()

	s, err := m.orch.Start(ctx, roomName)
	if err != nil {
		m.mu.Lock()
		delete(m.byRoom, roomName)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.byRoom[s.Room] = s.ID
	m.byID[s.ID] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.forget(s)
	}()
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, s.ID)
	if m.byRoom[s.Room] == s.ID {
		delete(m.byRoom, s.Room)
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Stop closes a live session.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := s.Close(ctx); err != nil {
		return err
	}
	m.forget(s)
	return nil
}

// Shutdown closes every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("failed to close session", "session_id", s.ID, "error", err)
			}
		}(s)
	}
	wg.Wait()
	m.logger.Info("all sessions closed")
}
