package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/voice-tutor/internal/agent"
	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/store"
)

const historyLimit = 50

// SessionHandler serves session lifecycle and status event streams.
type SessionHandler struct {
	sessions Sessions
	repo     store.Repository
	broker   *EventBroker
	cfg      config.SSEConfig
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler. repo may be nil.
func NewSessionHandler(sessions Sessions, repo store.Repository, broker *EventBroker, cfg config.SSEConfig, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &SessionHandler{
		sessions: sessions,
		repo:     repo,
		broker:   broker,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes mounts the session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/events", h.Stream)
	})
}

type createSessionRequest struct {
	Room string `json:"room"`
}

// Create starts an agent session in a room.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.sessions.Start(r.Context(), req.Room)
	if err != nil {
		status := sessionErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to start session",
				"room", req.Room,
				"request_id", chiMiddleware.GetReqID(r.Context()),
				"error", err,
			)
		}
		Error(w, status, err.Error())
		return
	}
	JSON(w, http.StatusCreated, info)
}

// List returns live sessions and recent history.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"live": h.sessions.List()}
	if h.repo != nil {
		history, err := h.repo.ListSessions(r.Context(), historyLimit)
		if err != nil {
			h.logger.Error("failed to list sessions", "error", err)
			Error(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		if history == nil {
			history = []*domain.SessionRecord{}
		}
		resp["history"] = history
	}
	JSON(w, http.StatusOK, resp)
}

// Get returns a live session, or its stored record once ended.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if info, err := h.sessions.Get(id); err == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"live": true, "session": info})
		return
	}
	rec, err := h.record(r, id)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"live": false, "session": rec})
}

// Delete ends a live session.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		Error(w, sessionErrorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream mirrors a session's status events over SSE. Clients resume with
// Last-Event-ID (or ?lastEventId=); missed events are replayed from the store.
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, liveErr := h.sessions.Get(id)
	live := liveErr == nil
	if !live {
		rec, err := h.record(r, id)
		if err != nil {
			Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if rec == nil {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before replaying so nothing published in between is lost.
	events, unsubscribe := h.broker.Subscribe(id)
	defer unsubscribe()

	logger := h.logger.With("session_id", id)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		logger.Warn("failed to write SSE retry header", "error", err)
		return
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","session_id":%q,"live":%t}`, id, live)); err != nil {
		return
	}
	flusher.Flush()
	logger.Info("SSE connection established", "last_event_id", lastEventID, "reconnect", lastEventID > 0)

	sent := lastEventID
	if h.repo != nil {
		missed, err := h.repo.ListStatusEvents(r.Context(), id, lastEventID)
		if err != nil {
			logger.Warn("failed to replay status events", "error", err)
		}
		for _, ev := range missed {
			if err := writeEvent(w, ev); err != nil {
				return
			}
			sent = ev.ID
		}
		flusher.Flush()
	}

	if !live {
		_ = writeSSE(w, "ended", fmt.Sprintf(`{"session_id":%q}`, id))
		flusher.Flush()
		return
	}

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("SSE client disconnected")
			return
		case ev := <-events:
			if ev.ID != 0 && ev.ID <= sent {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Warn("failed to write SSE event", "error", err)
				return
			}
			if ev.ID > sent {
				sent = ev.ID
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := h.sessions.Get(id); err != nil {
				_ = writeSSE(w, "ended", fmt.Sprintf(`{"session_id":%q}`, id))
				flusher.Flush()
				return
			}
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				logger.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *SessionHandler) record(r *http.Request, id string) (*domain.SessionRecord, error) {
	if h.repo == nil {
		return nil, nil
	}
	rec, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load session", "session_id", id, "error", err)
		return nil, err
	}
	return rec, nil
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrEmptyRoom):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeEvent(w io.Writer, ev *domain.StoredEvent) error {
	if ev.ID == 0 {
		return writeSSE(w, ev.Topic, string(ev.Payload))
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Topic, ev.Payload)
	return err
}
