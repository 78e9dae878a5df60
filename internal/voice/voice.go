// Package voice connects an agent session to the speech pipeline that does
// speech-to-text, turn detection and text-to-speech.
package voice

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ashureev/voice-tutor/internal/domain"
)

// ErrStreamClosed is returned by Say after Close.
var ErrStreamClosed = errors.New("voice stream closed")

// SessionSpec identifies the room and agent a speech stream serves.
type SessionSpec struct {
	SessionID     string
	Room          string
	Mode          domain.Mode
	AgentIdentity string
}

// Turn is one completed user utterance.
type Turn struct {
	Text        string
	Participant string
	EndedAt     time.Time
}

// Utterance is text handed to the pipeline to be spoken.
type Utterance struct {
	Text               string
	AllowInterruptions bool
}

// Pipeline opens speech streams.
type Pipeline interface {
	Open(ctx context.Context, spec SessionSpec) (Stream, error)
}

// Stream is the speech side of one session.
type Stream interface {
	// Turns yields completed user turns until the stream ends.
	Turns(ctx context.Context) iter.Seq2[Turn, error]
	// Say speaks text. Interruptions are honored only when allowed.
	Say(ctx context.Context, text string, allowInterruptions bool) error
	Close() error
}
