package voice

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Scripted is an in-process Pipeline driven by pushed text turns. It backs
// the terminal mode of the join command and tests.
type Scripted struct {
	turns chan Turn
	onSay func(Utterance)

	mu     sync.Mutex
	said   []Utterance
	opened []SessionSpec
	closed bool
	ended  bool
}

// NewScripted returns a pipeline buffering up to buffer pending turns.
// onSay, when non-nil, is called for every spoken utterance.
func NewScripted(buffer int, onSay func(Utterance)) *Scripted {
	return &Scripted{turns: make(chan Turn, buffer), onSay: onSay}
}

// Push queues a completed user turn. It blocks when the buffer is full.
func (s *Scripted) Push(text string) {
	s.turns <- Turn{Text: text, Participant: "user", EndedAt: time.Now()}
}

// End signals that no more turns will be pushed.
func (s *Scripted) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.turns)
	}
}

// Said returns everything spoken so far.
func (s *Scripted) Said() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.said...)
}

// Opened returns the specs passed to Open.
func (s *Scripted) Opened() []SessionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionSpec(nil), s.opened...)
}

// Open implements Pipeline. All streams share the pushed turns.
func (s *Scripted) Open(_ context.Context, spec SessionSpec) (Stream, error) {
	s.mu.Lock()
	s.opened = append(s.opened, spec)
	s.closed = false
	s.mu.Unlock()
	return s, nil
}

// Turns implements Stream.
func (s *Scripted) Turns(ctx context.Context) iter.Seq2[Turn, error] {
	return func(yield func(Turn, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-s.turns:
				if !ok {
					return
				}
				if !yield(t, nil) {
					return
				}
			}
		}
	}
}

// Say implements Stream.
func (s *Scripted) Say(_ context.Context, text string, allowInterruptions bool) error {
	u := Utterance{Text: text, AllowInterruptions: allowInterruptions}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.said = append(s.said, u)
	s.mu.Unlock()
	if s.onSay != nil {
		s.onSay(u)
	}
	return nil
}

// Close implements Stream.
func (s *Scripted) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
