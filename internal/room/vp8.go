package room

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/ashureev/voice-tutor/internal/capture"
)

// packetReader yields RTP packets of one track. It returns io.EOF when the
// track ends.
type packetReader interface {
	ReadRTP() (*rtp.Packet, error)
}

type packetReaderFunc func() (*rtp.Packet, error)

func (f packetReaderFunc) ReadRTP() (*rtp.Packet, error) { return f() }

const (
	vp8ClockRate = 90000
	// Packets older than this many sequence numbers are dropped.
	vp8MaxLate = 256
	// A track that fails this many reads in a row is treated as ended.
	maxConsecutiveReadErrors = 50
)

// vp8Source reassembles VP8 frames from RTP packets. Only key frames can be
// decoded on their own, so while frames are read it asks the sender for one
// every keyFrameInterval.
type vp8Source struct {
	id               string
	mimeType         string
	reader           packetReader
	requestKeyFrame  func()
	keyFrameInterval time.Duration
	logger           *slog.Logger
}

func newVP8Source(id, mimeType string, reader packetReader, logger *slog.Logger) *vp8Source {
	return &vp8Source{id: id, mimeType: mimeType, reader: reader, logger: logger}
}

// withKeyFrameRequests makes Frames call request immediately and then every
// interval until the sequence ends.
func (s *vp8Source) withKeyFrameRequests(request func(), interval time.Duration) *vp8Source {
	s.requestKeyFrame = request
	s.keyFrameInterval = interval
	return s
}

func (s *vp8Source) requestKeyFrames(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.keyFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.requestKeyFrame()
		}
	}
}

func (s *vp8Source) ID() string { return s.id }

func (s *vp8Source) Frames(ctx context.Context) iter.Seq2[capture.FrameEvent, error] {
	return func(yield func(capture.FrameEvent, error) bool) {
		if !strings.EqualFold(s.mimeType, capture.CodecVP8) {
			yield(capture.FrameEvent{}, errors.New("unsupported video codec "+s.mimeType))
			return
		}

		if s.requestKeyFrame != nil && s.keyFrameInterval > 0 {
			s.requestKeyFrame()
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.requestKeyFrames(ctx, stop)
			}()
			defer func() {
				close(stop)
				wg.Wait()
			}()
		}

		sb := samplebuilder.New(vp8MaxLate, &codecs.VP8Packet{}, vp8ClockRate)
		failures := 0
		for ctx.Err() == nil {
			pkt, err := s.reader.ReadRTP()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				failures++
				if failures >= maxConsecutiveReadErrors {
					s.logger.Warn("video track read failing repeatedly; stopping", "track_id", s.id, "error", err)
					return
				}
				if !yield(capture.FrameEvent{}, err) {
					return
				}
				continue
			}
			failures = 0

			sb.Push(pkt)
			for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
				ev := capture.FrameEvent{
					TrackID:    s.id,
					ReceivedAt: time.Now(),
					Frame: capture.RawFrame{
						Codec:   capture.CodecVP8,
						Payload: sample.Data,
					},
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}
