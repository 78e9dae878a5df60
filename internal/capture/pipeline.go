package capture

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// FrameEvent is one item from a video source. Frame is the payload once any
// transport wrapper is removed.
type FrameEvent struct {
	TrackID    string
	ReceivedAt time.Time
	Frame      RawFrame
}

// FrameSource yields the frames of one subscribed video track. The sequence
// ends when the track is unsubscribed or the session ends.
type FrameSource interface {
	ID() string
	Frames(ctx context.Context) iter.Seq2[FrameEvent, error]
}

// Options configures a Pipeline.
type Options struct {
	Encode EncodeOptions
	// FPS caps encode attempts per second. Zero or less disables throttling.
	FPS float64
}

// Stats counts frames seen by a pipeline.
type Stats struct {
	Received  int64 `json:"frames_received"`
	Skipped   int64 `json:"frames_skipped"`
	Throttled int64 `json:"frames_throttled"`
	Attempts  int64 `json:"encode_attempts"`
	Encoded   int64 `json:"frames_encoded"`
	Failed    int64 `json:"encode_failures"`
}

// Pipeline consumes at most one video source per session and keeps the most
// recent successful encoding in the session's Slot.
type Pipeline struct {
	slot    *Slot
	encoder Encoder
	opts    EncodeOptions
	limiter *rate.Limiter
	logger  *slog.Logger
	wg      sync.WaitGroup

	received  atomic.Int64
	skipped   atomic.Int64
	throttled atomic.Int64
	attempts  atomic.Int64
	encoded   atomic.Int64
	failed    atomic.Int64
}

// NewPipeline creates a pipeline writing into slot.
func NewPipeline(slot *Slot, encoder Encoder, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.FPS > 0 && !math.IsInf(opts.FPS, 1) {
		limit = rate.Limit(opts.FPS)
	}
	return &Pipeline{
		slot:    slot,
		encoder: encoder,
		opts:    opts.Encode,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With("component", "capture"),
	}
}

// Start launches the capture task for src unless one is already running for
// the session. It returns false when the source was ignored.
func (p *Pipeline) Start(ctx context.Context, src FrameSource) bool {
	if !p.slot.ClaimCapture() {
		p.logger.Info("video track subscribed; capture already running, ignoring additional track", "track_id", src.ID())
		return false
	}
	p.logger.Info("video track subscribed; starting frame capture", "track_id", src.ID())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, src)
	}()
	return true
}

// Wait blocks until the capture task, if any, has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Skipped:   p.skipped.Load(),
		Throttled: p.throttled.Load(),
		Attempts:  p.attempts.Load(),
		Encoded:   p.encoded.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pipeline) run(ctx context.Context, src FrameSource) {
	for ev, err := range src.Frames(ctx) {
		if err != nil {
			p.logger.Debug("frame source error; waiting for next frame", "track_id", src.ID(), "error", err)
			continue
		}
		p.handle(ev)
	}
	p.logger.Info("frame capture stopped", "track_id", src.ID(), "frames_encoded", p.encoded.Load())
}

func (p *Pipeline) handle(ev FrameEvent) {
	p.received.Add(1)
	if p.slot.claimDiagnostics() {
		p.logDiagnostics(ev)
	}

	// Interframes cannot be decoded alone and must not spend a token.
	if !Decodable(ev.Frame) {
		p.skipped.Add(1)
		return
	}
	if !p.limiter.Allow() {
		p.throttled.Add(1)
		return
	}

	frame := ev.Frame
	p.attempts.Add(1)
	data, err := p.encoder.Encode(frame, p.opts)
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("frame encode failed", "track_id", ev.TrackID, "error", err)
		return
	}
	if len(data) == 0 {
		p.failed.Add(1)
		p.logger.Debug("frame conversion produced no bytes; waiting for next frame", "track_id", ev.TrackID)
		return
	}

	p.slot.Store(&Frame{
		Data:       data,
		MIMEType:   p.encoder.MIMEType(),
		CapturedAt: time.Now(),
	})
	p.encoded.Add(1)
	p.logger.Info("captured screen frame", "bytes", len(data))
}

// logDiagnostics records the shape of the first frame. It never fails the
// capture loop.
func (p *Pipeline) logDiagnostics(ev FrameEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("failed to log frame capabilities", "panic", r)
		}
	}()

	attrs := []any{
		"event_type", fmt.Sprintf("%T", ev),
		"codec", ev.Frame.Codec,
		"payload_bytes", len(ev.Frame.Payload),
	}
	if ev.Frame.Image != nil {
		b := ev.Frame.Image.Bounds()
		attrs = append(attrs, "frame_type", fmt.Sprintf("%T", ev.Frame.Image), "width", b.Dx(), "height", b.Dy())
	}
	p.logger.Info("video frame capabilities", attrs...)
}
