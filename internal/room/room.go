// Package room connects agent sessions to real-time rooms: LiveKit in
// production and a websocket hub for local development.
package room

import (
	"context"
	"errors"

	"github.com/ashureev/voice-tutor/internal/capture"
)

// ErrRoomClosed is returned when publishing to a disconnected room.
var ErrRoomClosed = errors.New("room closed")

// Room is a joined room.
type Room interface {
	Name() string
	// PublishData sends a reliable data message tagged with topic.
	PublishData(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}

// Callbacks receive room events. Either field may be nil.
type Callbacks struct {
	// OnVideoTrack is called for every subscribed video track. Non-video
	// tracks are never reported.
	OnVideoTrack func(src capture.FrameSource)
	// OnDisconnected is called once when the room connection ends.
	OnDisconnected func()
}

// Connector joins rooms as the agent participant.
type Connector interface {
	Connect(ctx context.Context, name string, cb Callbacks) (Room, error)
}
