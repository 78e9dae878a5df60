// Package api provides HTTP handlers for the tutor API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashureev/voice-tutor/internal/agent"
)

// Sessions is the live-session view the handlers need.
type Sessions interface {
	Start(ctx context.Context, room string) (agent.Info, error)
	Get(id string) (agent.Info, error)
	List() []agent.Info
	Stop(ctx context.Context, id string) error
	Count() int
}

// ManagerSessions adapts an agent.Manager to Sessions.
type ManagerSessions struct {
	Manager *agent.Manager
}

func (m ManagerSessions) Start(ctx context.Context, room string) (agent.Info, error) {
	s, err := m.Manager.Start(ctx, room)
	if err != nil {
		return agent.Info{}, err
	}
	return s.Info(), nil
}

func (m ManagerSessions) Get(id string) (agent.Info, error) {
	s, err := m.Manager.Get(id)
	if err != nil {
		return agent.Info{}, err
	}
	return s.Info(), nil
}

func (m ManagerSessions) List() []agent.Info {
	sessions := m.Manager.List()
	out := make([]agent.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m ManagerSessions) Stop(ctx context.Context, id string) error {
	return m.Manager.Stop(ctx, id)
}

func (m ManagerSessions) Count() int {
	return m.Manager.Count()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
