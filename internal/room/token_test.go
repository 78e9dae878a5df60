package room

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
)

func TestConnectionDetails(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer(config.LiveKitConfig{
		URL:       "wss://example.livekit.cloud",
		APIKey:    "APIkey",
		APISecret: "secretsecretsecretsecretsecretsecret",
		TokenTTL:  time.Minute,
	})

	for _, mode := range []domain.Mode{domain.ModeLesson, domain.ModeCopilot} {
		details, err := issuer.ConnectionDetails(mode)
		if err != nil {
			t.Fatalf("ConnectionDetails(%s): %v", mode, err)
		}
		if !strings.HasPrefix(details.RoomName, mode.RoomPrefix()) {
			t.Errorf("room %q lacks prefix for %s", details.RoomName, mode)
		}
		if domain.ModeFromRoom(details.RoomName) != mode {
			t.Errorf("room %q classifies as %s", details.RoomName, domain.ModeFromRoom(details.RoomName))
		}
		if details.ServerURL != "wss://example.livekit.cloud" {
			t.Errorf("server url = %q", details.ServerURL)
		}

		v, err := auth.ParseAPIToken(details.ParticipantToken)
		if err != nil {
			t.Fatalf("parse token: %v", err)
		}
		if v.APIKey() != "APIkey" {
			t.Errorf("api key = %q", v.APIKey())
		}
		if !strings.HasPrefix(v.Identity(), "voice_assistant_user_") {
			t.Errorf("identity = %q", v.Identity())
		}
	}
}

func TestTokenRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenIssuer(config.LiveKitConfig{URL: "wss://x"}).Token("r", "i", "n"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewTokenIssuer(config.LiveKitConfig{APIKey: "k", APISecret: "s"}).ConnectionDetails(domain.ModeLesson); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}
