package data

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStreamBus(t *testing.T) (*RedisStreamBus, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRedisStreamBus(rdb, "test-workers", 50*time.Millisecond, 0, log.DefaultLogger), mr
}

func TestRedisStreamBus_PublishAndSubscribe(t *testing.T) {
	bus, _ := setupStreamBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 3)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, "task_queue", func(_ context.Context, msg []byte) error {
			got <- string(msg)
			return nil
		})
	}()

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, bus.Publish(ctx, "task_queue", []byte(m)))
	}

	var received []string
	for i := 0; i < 3; i++ {
		select {
		case m := <-got:
			received = append(received, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %v", received)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, received)

	assert.Eventually(t, func() bool {
		n, err := bus.Pending(ctx, "task_queue")
		return err == nil && n == 0
	}, time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRedisStreamBus_EachEntryDeliveredOnce(t *testing.T) {
	bus, _ := setupStreamBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 30
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(total)

	handler := func(_ context.Context, msg []byte) error {
		mu.Lock()
		seen[string(msg)]++
		mu.Unlock()
		wg.Done()
		return nil
	}

	// Create the group before publishing so no entry predates a consumer.
	require.NoError(t, bus.ensureGroup(ctx, "jobs"))
	for i := 0; i < 3; i++ {
		go func() { _ = bus.Subscribe(ctx, "jobs", handler) }()
	}
	for i := 0; i < total; i++ {
		require.NoError(t, bus.Publish(ctx, "jobs", []byte{byte(i)}))
	}

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(3 * time.Second):
		t.Fatal("not all entries were delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestRedisStreamBus_FailedHandlerLeavesEntryPending(t *testing.T) {
	bus, _ := setupStreamBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 1)
	go func() {
		_ = bus.Subscribe(ctx, "jobs", func(context.Context, []byte) error {
			select {
			case calls <- struct{}{}:
			default:
			}
			return errors.New("redis down")
		})
	}()

	require.Eventually(t, func() bool {
		return bus.ensureGroup(ctx, "jobs") == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Publish(ctx, "jobs", []byte("x")))

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	n, err := bus.Pending(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStreamBus_HandledEntriesAreRemoved(t *testing.T) {
	bus, _ := setupStreamBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 200
	var processed sync.WaitGroup
	processed.Add(total)

	require.NoError(t, bus.ensureGroup(ctx, "task_queue"))
	go func() {
		_ = bus.Subscribe(ctx, "task_queue", func(context.Context, []byte) error {
			processed.Done()
			return nil
		})
	}()
	for i := 0; i < total; i++ {
		require.NoError(t, bus.Publish(ctx, "task_queue", []byte{byte(i)}))
	}

	waitCh := make(chan struct{})
	go func() { processed.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("not all entries were processed")
	}

	require.Eventually(t, func() bool {
		n, err := bus.client.XLen(ctx, "task_queue").Result()
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
	n, err := bus.Pending(ctx, "task_queue")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisStreamBus_MaxLenCapsBacklog(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := NewRedisStreamBus(rdb, "test-workers", 50*time.Millisecond, 10, log.DefaultLogger)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(ctx, "task_queue", []byte{byte(i)}))
	}

	// Approximate trimming may keep some extra entries, never the full backlog.
	n, err := rdb.XLen(ctx, "task_queue").Result()
	require.NoError(t, err)
	assert.Less(t, n, int64(100))
}

func TestRedisStreamBus_Defaults(t *testing.T) {
	bus := NewRedisStreamBus(nil, "", 0, 0, log.DefaultLogger)
	assert.Equal(t, defaultConsumerGroup, bus.group)
	assert.Equal(t, defaultBlockTimeout, bus.blockTimeout)
	assert.NoError(t, bus.Close())
}
