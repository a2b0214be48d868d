// Package bus carries normalized messages between the chat channels and the
// agent side of the bridge.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrBusClosed is returned when publishing to a closed MessageBus.
	ErrBusClosed = errors.New("message bus closed")
	// ErrUnroutable is returned for a reply that names no channel or no
	// recipient; no channel could deliver it.
	ErrUnroutable = errors.New("outbound message has no channel or recipient")
)

const defaultBufferSize = 100

var _ Publisher = (*MessageBus)(nil)

// MessageBus is two bounded queues: chat messages flowing to the agent side
// and replies flowing back to the channels. Closing it wakes every blocked
// publisher and consumer; queued messages are abandoned.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
	now      func() time.Time
}

// Option configures a MessageBus.
type Option func(*busOptions)

type busOptions struct {
	bufferSize int
	now        func() time.Time
}

// WithBufferSize sets the capacity of both the inbound and outbound queues.
func WithBufferSize(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithClock sets the clock used to stamp inbound messages that arrive
// without a platform timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *busOptions) { o.now = now }
}

func NewMessageBus(opts ...Option) *MessageBus {
	o := busOptions{bufferSize: defaultBufferSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, o.bufferSize),
		outbound: make(chan OutboundMessage, o.bufferSize),
		done:     make(chan struct{}),
		now:      o.now,
	}
}

// PublishInbound enqueues msg for the agent side, stamping the receive time
// when the platform gave none. It blocks while the queue is full until ctx
// is done or the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = mb.now()
	}
	return enqueue(ctx, mb, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return dequeue(ctx, mb, mb.inbound)
}

// PublishOutbound enqueues a reply. Replies without a channel or recipient
// are rejected here rather than dropped later by the dispatcher.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	if msg.Channel == "" || msg.Recipient == "" {
		return ErrUnroutable
	}
	return enqueue(ctx, mb, mb.outbound, msg)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return dequeue(ctx, mb, mb.outbound)
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}

func enqueue[T any](ctx context.Context, mb *MessageBus, q chan<- T, msg T) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case q <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dequeue[T any](ctx context.Context, mb *MessageBus, q <-chan T) (T, bool) {
	var zero T
	select {
	case msg := <-q:
		return msg, true
	case <-mb.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}
