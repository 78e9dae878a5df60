package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-tutor/internal/agent"
	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.SessionRecord
	events   []*domain.StoredEvent
	pingErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*domain.SessionRecord)}
}

func (f *fakeRepo) CreateSession(_ context.Context, s *domain.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *s
	f.sessions[s.ID] = &copy
	return nil
}

func (f *fakeRepo) EndSession(_ context.Context, id string, endedAt time.Time, usageJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.sessions[id]; s != nil {
		s.EndedAt = &endedAt
		s.Usage = usageJSON
	}
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	if s == nil {
		return nil, nil
	}
	copy := *s
	return &copy, nil
}

func (f *fakeRepo) ListSessions(_ context.Context, _ int) ([]*domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SessionRecord
	for _, s := range f.sessions {
		copy := *s
		out = append(out, &copy)
	}
	return out, nil
}

func (f *fakeRepo) AppendStatusEvent(_ context.Context, sessionID, topic string, payload []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.events) + 1)
	f.events = append(f.events, &domain.StoredEvent{
		ID:        id,
		SessionID: sessionID,
		Topic:     topic,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	})
	return id, nil
}

func (f *fakeRepo) ListStatusEvents(_ context.Context, sessionID string, afterID int64) ([]*domain.StoredEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StoredEvent
	for _, ev := range f.events {
		if ev.SessionID == sessionID && ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteEndedBefore(context.Context, time.Time) (int64, error)     { return 0, nil }
func (f *fakeRepo) CloseDanglingSessions(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeRepo) Ping(context.Context) error                                      { return f.pingErr }
func (f *fakeRepo) Close() error                                                    { return nil }

type fakeSessions struct {
	mu   sync.Mutex
	live map[string]agent.Info
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]agent.Info)}
}

func (f *fakeSessions) Start(_ context.Context, room string) (agent.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(room) == "" {
		return agent.Info{}, agent.ErrEmptyRoom
	}
	for _, info := range f.live {
		if info.Room == room {
			return agent.Info{}, fmt.Errorf("%w: %s", agent.ErrSessionExists, room)
		}
	}
	info := agent.Info{
		ID:        fmt.Sprintf("sess%d", len(f.live)+1),
		Room:      room,
		Mode:      domain.ModeFromRoom(room),
		StartedAt: time.Now(),
	}
	f.live[info.ID] = info
	return info, nil
}

func (f *fakeSessions) Get(id string) (agent.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.live[id]
	if !ok {
		return agent.Info{}, agent.ErrNotFound
	}
	return info, nil
}

func (f *fakeSessions) List() []agent.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Info, 0, len(f.live))
	for _, info := range f.live {
		out = append(out, info)
	}
	return out
}

func (f *fakeSessions) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return agent.ErrNotFound
	}
	delete(f.live, id)
	return nil
}

func (f *fakeSessions) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func newTestRouter(sessions Sessions, repo *fakeRepo, broker *EventBroker) http.Handler {
	r := chi.NewRouter()
	h := NewSessionHandler(sessions, repo, broker, config.SSEConfig{
		KeepaliveInterval: 50 * time.Millisecond,
		RetryDelay:        time.Second,
	}, nil)
	h.RegisterRoutes(r)
	return r
}

func TestSessionLifecycle(t *testing.T) {
	sessions := newFakeSessions()
	router := newTestRouter(sessions, newFakeRepo(), NewEventBroker(nil))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"create", http.MethodPost, "/api/sessions", `{"room":"lesson_42"}`, http.StatusCreated},
		{"duplicate room", http.MethodPost, "/api/sessions", `{"room":"lesson_42"}`, http.StatusConflict},
		{"empty room", http.MethodPost, "/api/sessions", `{"room":""}`, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/sessions", `{"room":`, http.StatusBadRequest},
		{"get live", http.MethodGet, "/api/sessions/sess1", "", http.StatusOK},
		{"get unknown", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound},
		{"list", http.MethodGet, "/api/sessions", "", http.StatusOK},
		{"delete", http.MethodDelete, "/api/sessions/sess1", "", http.StatusNoContent},
		{"delete again", http.MethodDelete, "/api/sessions/sess1", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d (body %s)", tt.name, w.Code, tt.status, w.Body.String())
		}
	}
}

func TestCreateSessionReturnsInfo(t *testing.T) {
	router := newTestRouter(newFakeSessions(), newFakeRepo(), NewEventBroker(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"room":"copilot_3"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var info agent.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Room != "copilot_3" || info.Mode != domain.ModeCopilot {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestGetEndedSessionFromStore(t *testing.T) {
	repo := newFakeRepo()
	ended := time.Now()
	_ = repo.CreateSession(context.Background(), &domain.SessionRecord{ID: "old", Room: "lesson_1", Mode: domain.ModeLesson, StartedAt: ended.Add(-time.Minute)})
	_ = repo.EndSession(context.Background(), "old", ended, []byte(`{"user_turns":3}`))
	router := newTestRouter(newFakeSessions(), repo, NewEventBroker(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/old", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Live    bool                 `json:"live"`
		Session domain.SessionRecord `json:"session"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Live || body.Session.EndedAt == nil || string(body.Session.Usage) != `{"user_turns":3}` {
		t.Errorf("unexpected body %+v", body)
	}
}

func readSSE(t *testing.T, body io.Reader, want int) []string {
	t.Helper()
	var frames []string
	var cur strings.Builder
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if cur.Len() > 0 {
				frames = append(frames, cur.String())
				cur.Reset()
				if len(frames) == want {
					return frames
				}
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	return frames
}

func TestStreamReplaysEndedSession(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	_ = repo.CreateSession(ctx, &domain.SessionRecord{ID: "done", Room: "lesson_1", StartedAt: time.Now()})
	_, _ = repo.AppendStatusEvent(ctx, "done", domain.TopicLessonStatus, []byte(`{"type":"lesson_status","id":"0","status":"completed"}`))
	_, _ = repo.AppendStatusEvent(ctx, "done", domain.TopicPromptUpdate, []byte(`{"type":"prompt_update","text":"next"}`))

	srv := httptest.NewServer(newTestRouter(newFakeSessions(), repo, NewEventBroker(nil)))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/done/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := readSSE(t, resp.Body, 10)
	if len(frames) != 4 {
		t.Fatalf("frames = %q", frames)
	}
	if !strings.HasPrefix(frames[0], "retry: 1000") {
		t.Errorf("first frame = %q", frames[0])
	}
	if !strings.Contains(frames[1], "event: connected") {
		t.Errorf("second frame = %q", frames[1])
	}
	want := "id: 2\nevent: prompt-update\ndata: {\"type\":\"prompt_update\",\"text\":\"next\"}\n"
	if frames[2] != want {
		t.Errorf("replayed frame = %q, want %q", frames[2], want)
	}
	if !strings.Contains(frames[3], "event: ended") {
		t.Errorf("last frame = %q", frames[3])
	}
}

func TestStreamLiveEvents(t *testing.T) {
	sessions := newFakeSessions()
	info, _ := sessions.Start(context.Background(), "lesson_42")
	broker := NewEventBroker(nil)

	srv := httptest.NewServer(newTestRouter(sessions, newFakeRepo(), broker))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/" + info.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for broker.Subscribers(info.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	broker.Broadcast(&domain.StoredEvent{
		ID:        7,
		SessionID: info.ID,
		Topic:     domain.TopicLessonStatus,
		Payload:   json.RawMessage(`{"type":"lesson_status","id":"1","status":"active"}`),
	})
	broker.Broadcast(&domain.StoredEvent{ID: 8, SessionID: "other", Topic: "x", Payload: json.RawMessage(`{}`)})

	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if sc.Text() == "id: 7" {
			found = true
			break
		}
		if sc.Text() == "id: 8" {
			t.Fatal("received another session's event")
		}
	}
	if !found {
		t.Fatal("live event not delivered")
	}

	_ = sessions.Stop(context.Background(), info.ID)
	var ended bool
	for sc.Scan() {
		if sc.Text() == "event: ended" {
			ended = true
			break
		}
	}
	if !ended {
		t.Fatal("stream did not report the session end")
	}
}

func TestStreamUnknownSession(t *testing.T) {
	router := newTestRouter(newFakeSessions(), newFakeRepo(), NewEventBroker(nil))
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	repo := newFakeRepo()
	sessions := newFakeSessions()
	_, _ = sessions.Start(context.Background(), "lesson_1")
	h := NewHealthHandler(repo, sessions, nil)

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v", body["sessions"])
	}

	repo.pingErr = io.ErrUnexpectedEOF
	w = httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", w.Code)
	}
}
