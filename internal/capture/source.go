package capture

import (
	"context"
	"iter"
)

// ChannelSource adapts a channel of frame events to a FrameSource. The
// sequence ends when the channel is closed or ctx is done.
type ChannelSource struct {
	id string
	ch <-chan FrameEvent
}

// NewChannelSource wraps ch.
func NewChannelSource(id string, ch <-chan FrameEvent) *ChannelSource {
	return &ChannelSource{id: id, ch: ch}
}

// ID implements FrameSource.
func (s *ChannelSource) ID() string { return s.id }

// Frames implements FrameSource.
func (s *ChannelSource) Frames(ctx context.Context) iter.Seq2[FrameEvent, error] {
	return func(yield func(FrameEvent, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok {
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}
