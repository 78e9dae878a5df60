package room

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
)

// ErrNotConfigured is returned when room server credentials are missing.
var ErrNotConfigured = errors.New("room server credentials not configured")

// ConnectionDetails is what a browser needs to join a room.
type ConnectionDetails struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
	ParticipantToken string `json:"participantToken"`
}

// TokenIssuer mints participant access tokens.
type TokenIssuer struct {
	cfg config.LiveKitConfig
}

// NewTokenIssuer creates an issuer for cfg.
func NewTokenIssuer(cfg config.LiveKitConfig) *TokenIssuer {
	return &TokenIssuer{cfg: cfg}
}

// Token returns a JWT allowing identity to join room.
func (t *TokenIssuer) Token(room, identity, name string) (string, error) {
	if t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return "", ErrNotConfigured
	}
	ttl := t.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	grant.SetCanPublish(true)
	grant.SetCanPublishData(true)
	grant.SetCanSubscribe(true)

	at := auth.NewAccessToken(t.cfg.APIKey, t.cfg.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// ConnectionDetails creates a fresh room for mode and a token for a new
// participant in it. Room names carry the mode prefix so the agent can
// classify them.
func (t *TokenIssuer) ConnectionDetails(mode domain.Mode) (*ConnectionDetails, error) {
	if t.cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	roomSuffix, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	userSuffix, err := randomHex(4)
	if err != nil {
		return nil, err
	}

	room := mode.RoomPrefix() + roomSuffix
	identity := "voice_assistant_user_" + userSuffix
	token, err := t.Token(room, identity, "user")
	if err != nil {
		return nil, err
	}
	return &ConnectionDetails{
		ServerURL:        t.cfg.URL,
		RoomName:         room,
		ParticipantName:  "user",
		ParticipantToken: token,
	}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate room suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}
