package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/room"
)

type fakeIssuer struct {
	err  error
	mode domain.Mode
}

func (f *fakeIssuer) ConnectionDetails(mode domain.Mode) (*room.ConnectionDetails, error) {
	f.mode = mode
	if f.err != nil {
		return nil, f.err
	}
	return &room.ConnectionDetails{
		ServerURL:        "wss://example.livekit.cloud",
		RoomName:         mode.RoomPrefix() + "abcd1234",
		ParticipantName:  "user",
		ParticipantToken: "jwt",
	}, nil
}

func TestConnectionDetails(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		status   int
		wantMode domain.Mode
	}{
		{"default lesson", ``, nil, http.StatusOK, domain.ModeLesson},
		{"copilot", `{"mode":"copilot"}`, nil, http.StatusOK, domain.ModeCopilot},
		{"bad mode", `{"mode":"quiz"}`, nil, http.StatusBadRequest, ""},
		{"not configured", `{"mode":"lesson"}`, room.ErrNotConfigured, http.StatusServiceUnavailable, domain.ModeLesson},
		{"issuer failure", `{}`, errors.New("boom"), http.StatusInternalServerError, domain.ModeLesson},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &fakeIssuer{err: tt.err}
			r := chi.NewRouter()
			NewConnectionHandler(issuer, 0).RegisterRoutes(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/connection-details", strings.NewReader(tt.body)))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if issuer.mode != tt.wantMode {
				t.Errorf("issued mode = %q, want %q", issuer.mode, tt.wantMode)
			}
			if tt.status != http.StatusOK {
				return
			}
			var got map[string]string
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.HasPrefix(got["roomName"], tt.wantMode.RoomPrefix()) || got["participantToken"] == "" {
				t.Errorf("unexpected details %v", got)
			}
		})
	}
}

func TestConnectionDetailsWithTokenIssuer(t *testing.T) {
	issuer := room.NewTokenIssuer(config.LiveKitConfig{
		URL:       "wss://example.livekit.cloud",
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
	})
	r := chi.NewRouter()
	NewConnectionHandler(issuer, 0).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/connection-details", strings.NewReader(`{"mode":"copilot"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	var got room.ConnectionDetails
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if domain.ModeFromRoom(got.RoomName) != domain.ModeCopilot {
		t.Errorf("room %q does not classify as copilot", got.RoomName)
	}
}
