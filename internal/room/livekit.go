package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ashureev/voice-tutor/internal/config"
)

// LiveKitConnector joins LiveKit rooms with API key credentials.
type LiveKitConnector struct {
	cfg              config.LiveKitConfig
	keyFrameInterval time.Duration
	logger           *slog.Logger
}

// NewLiveKitConnector creates a connector for cfg. Subscribed video tracks
// are sent a picture loss indication every keyFrameInterval so a fresh key
// frame arrives at about the capture rate; zero disables the requests.
func NewLiveKitConnector(cfg config.LiveKitConfig, keyFrameInterval time.Duration, logger *slog.Logger) *LiveKitConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveKitConnector{cfg: cfg, keyFrameInterval: keyFrameInterval, logger: logger.With("component", "livekit")}
}

// KeyFrameInterval converts a capture rate into a key frame request period.
func KeyFrameInterval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// Connect implements Connector.
func (c *LiveKitConnector) Connect(ctx context.Context, name string, cb Callbacks) (Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &liveKitRoom{name: name, logger: c.logger.With("room", name)}
	callback := &lksdk.RoomCallback{
		OnDisconnected: func() {
			r.logger.Info("disconnected from room")
			r.markClosed()
			if cb.OnDisconnected != nil {
				cb.OnDisconnected()
			}
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.logger.Info("participant connected", "identity", rp.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeVideo {
					return
				}
				r.logger.Info("video track subscribed",
					"track_sid", pub.SID(),
					"participant", rp.Identity(),
					"source", pub.Source().String(),
					"codec", track.Codec().MimeType,
				)
				if cb.OnVideoTrack != nil {
					src := newVP8Source(pub.SID(), track.Codec().MimeType, trackReader(track), r.logger).
						withKeyFrameRequests(func() { rp.WritePLI(track.SSRC()) }, c.keyFrameInterval)
					cb.OnVideoTrack(src)
				}
			},
		},
	}

	info := lksdk.ConnectInfo{
		APIKey:              c.cfg.APIKey,
		APISecret:           c.cfg.APISecret,
		RoomName:            name,
		ParticipantIdentity: c.cfg.AgentIdentity,
		ParticipantName:     c.cfg.AgentIdentity,
	}
	lkRoom, err := lksdk.ConnectToRoom(c.cfg.URL, info, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room %s: %w", name, err)
	}
	r.room = lkRoom
	r.logger.Info("connected to room", "identity", c.cfg.AgentIdentity)
	return r, nil
}

type liveKitRoom struct {
	name   string
	room   *lksdk.Room
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (r *liveKitRoom) Name() string { return r.name }

func (r *liveKitRoom) PublishData(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.isClosed() {
		return ErrRoomClosed
	}
	if err := r.room.LocalParticipant.PublishData(payload,
		lksdk.WithDataPublishTopic(topic),
		lksdk.WithDataPublishReliable(true),
	); err != nil {
		return fmt.Errorf("publish data on %s: %w", topic, err)
	}
	return nil
}

func (r *liveKitRoom) Disconnect() {
	if r.isClosed() {
		return
	}
	r.markClosed()
	r.room.Disconnect()
}

func (r *liveKitRoom) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *liveKitRoom) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var errNilTrack = errors.New("nil track")

func trackReader(track *webrtc.TrackRemote) packetReader {
	return packetReaderFunc(func() (*rtp.Packet, error) {
		if track == nil {
			return nil, errNilTrack
		}
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}
