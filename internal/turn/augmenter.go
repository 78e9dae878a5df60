// Package turn attaches the latest screen frame to each completed user turn.
package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/ashureev/voice-tutor/internal/capture"
	"github.com/ashureev/voice-tutor/internal/llm"
)

// Augmenter reads the session's capture slot when a user turn completes.
type Augmenter struct {
	slot   *capture.Slot
	logger *slog.Logger

	attached atomic.Int64
}

// NewAugmenter binds an augmenter to slot.
func NewAugmenter(slot *capture.Slot, logger *slog.Logger) *Augmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Augmenter{slot: slot, logger: logger.With("component", "turn")}
}

// OnUserTurnCompleted appends the latest frame, if any, to msg. It never
// blocks on capture and never fails the turn.
func (a *Augmenter) OnUserTurnCompleted(ctx context.Context, msg *llm.Message) {
	frame := a.slot.Load()
	if frame == nil {
		return
	}

	url := DataURL(frame)
	err := msg.AppendImage(url, llm.DetailHigh)
	if err == nil {
		a.attached.Add(1)
		return
	}
	if errors.Is(err, llm.ErrImageAttached) {
		return
	}

	a.logger.DebugContext(ctx, "detail hint rejected; attaching frame without it", "error", err)
	if err := msg.AppendImage(url, llm.DetailNone); err != nil {
		a.logger.WarnContext(ctx, "failed to attach screen frame; continuing with text only", "error", err)
		return
	}
	a.attached.Add(1)
}

// Attached returns how many turns carried a frame.
func (a *Augmenter) Attached() int64 {
	return a.attached.Load()
}

// DataURL renders frame as a base64 data URL.
func DataURL(frame *capture.Frame) string {
	mime := frame.MIMEType
	if mime == "" {
		mime = capture.CodecJPEG
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(frame.Data)
}
