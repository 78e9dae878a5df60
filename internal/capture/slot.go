// Package capture turns a live screen-share video track into a single
// most-recent encoded image per session.
package capture

import (
	"sync/atomic"
	"time"
)

// Frame is one successfully encoded screen image.
type Frame struct {
	Data       []byte
	MIMEType   string
	CapturedAt time.Time
}

// Slot is the per-session capture state shared between the capture task
// (sole writer) and the turn hook (sole reader). The frame is replaced as a
// whole, so a reader sees either the previous or the new frame.
type Slot struct {
	latest     atomic.Pointer[Frame]
	started    atomic.Bool
	diagLogged atomic.Bool
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Store overwrites the latest frame. Empty frames are ignored.
func (s *Slot) Store(f *Frame) {
	if f == nil || len(f.Data) == 0 {
		return
	}
	s.latest.Store(f)
}

// Load returns the latest frame or nil. It never blocks.
func (s *Slot) Load() *Frame {
	return s.latest.Load()
}

// ClaimCapture reports whether the caller won the right to start the
// session's capture task. Only the first call returns true.
func (s *Slot) ClaimCapture() bool {
	return s.started.CompareAndSwap(false, true)
}

// CaptureStarted reports whether a capture task was ever started.
func (s *Slot) CaptureStarted() bool {
	return s.started.Load()
}

func (s *Slot) claimDiagnostics() bool {
	return s.diagLogged.CompareAndSwap(false, true)
}
