package data

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("message bus is closed")

const defaultMemoryBusBuffer = 1024

// MemoryBus is an in-process MessageBus over buffered channels, for
// single-node runs and tests. Subscribers of a channel compete for messages.
type MemoryBus struct {
	mu       sync.Mutex
	buffer   int
	channels map[string]chan []byte
	closed   chan struct{}
	once     sync.Once
}

// NewMemoryBus creates a MemoryBus whose channels hold up to buffer messages.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultMemoryBusBuffer
	}
	return &MemoryBus{
		buffer:   buffer,
		channels: make(map[string]chan []byte),
		closed:   make(chan struct{}),
	}
}

func (b *MemoryBus) channel(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = make(chan []byte, b.buffer)
		b.channels[name] = ch
	}
	return ch
}

// Publish enqueues a copy of message, blocking while the channel is full.
func (b *MemoryBus) Publish(ctx context.Context, channel string, message []byte) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}

	msg := make([]byte, len(message))
	copy(msg, message)

	select {
	case b.channel(channel) <- msg:
		return nil
	case <-b.closed:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe hands messages to handler until ctx is cancelled or the bus is closed.
// Handler errors are dropped: the in-process bus has no redelivery.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	ch := b.channel(channel)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		case msg := <-ch:
			_ = handler(ctx, msg)
		}
	}
}

// Len returns the number of undelivered messages on channel.
func (b *MemoryBus) Len(channel string) int {
	return len(b.channel(channel))
}

// Close stops all subscribers and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
