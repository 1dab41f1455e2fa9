package data

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_CompetingSubscribers(t *testing.T) {
	bus := NewMemoryBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	const total = 50
	wg.Add(total)

	handler := func(_ context.Context, msg []byte) error {
		mu.Lock()
		seen[string(msg)]++
		mu.Unlock()
		wg.Done()
		return nil
	}
	for i := 0; i < 3; i++ {
		go func() { _ = bus.Subscribe(ctx, "jobs", handler) }()
	}

	for i := 0; i < total; i++ {
		require.NoError(t, bus.Publish(ctx, "jobs", []byte{byte('a' + i%26), byte(i)}))
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for msg, n := range seen {
		assert.Equal(t, 1, n, "message %q delivered more than once", msg)
	}
}

func TestMemoryBus_PublishCopiesMessage(t *testing.T) {
	bus := NewMemoryBus(4)
	msg := []byte("hello")
	require.NoError(t, bus.Publish(context.Background(), "c", msg))
	msg[0] = 'j'

	got := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = bus.Subscribe(ctx, "c", func(_ context.Context, m []byte) error {
			got <- m
			return nil
		})
	}()

	select {
	case m := <-got:
		assert.Equal(t, "hello", string(m))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBus_PublishRespectsContextWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	require.NoError(t, bus.Publish(context.Background(), "c", []byte("1")))
	assert.Equal(t, 1, bus.Len("c"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, "c", []byte("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(1)

	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(context.Background(), "c", func(context.Context, []byte) error { return nil })
	}()

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop after Close")
	}
	assert.ErrorIs(t, bus.Publish(context.Background(), "c", []byte("x")), ErrBusClosed)
}

func TestMemoryBus_SubscribeStopsOnCancel(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Subscribe(ctx, "c", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
