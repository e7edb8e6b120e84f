// Package core defines subscriber delivery sinks.
package core

import (
	"context"
)

// Sink delivers events to one connection. Deliver must return once ctx is done.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ChannelSink hands events to an in-process Go channel.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink constructs a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Deliver blocks until the event is accepted or ctx is done.
func (s *ChannelSink) Deliver(ctx context.Context, event Event) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
