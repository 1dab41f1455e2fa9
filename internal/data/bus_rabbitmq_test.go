package data

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher records publishes in place of an AMQP channel.
type fakePublisher struct {
	mu         sync.Mutex
	closed     bool
	declared   []string
	published  []amqp.Publishing
	publishErr error
}

func (p *fakePublisher) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declared = append(p.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (p *fakePublisher) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newFakeRabbitBus() (*RabbitMQBus, *[]*fakePublisher) {
	var opened []*fakePublisher
	b := &RabbitMQBus{
		prefetch: 1,
		logger:   log.NewHelper(log.DefaultLogger),
		declared: make(map[string]struct{}),
	}
	b.openPublisher = func() (publisher, error) {
		p := &fakePublisher{}
		opened = append(opened, p)
		return p, nil
	}
	return b, &opened
}

func TestRabbitMQBus_PublishReusesChannel(t *testing.T) {
	bus, opened := newFakeRabbitBus()
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, "task_queue", []byte(m)))
	}

	require.Len(t, *opened, 1)
	pub := (*opened)[0]
	assert.Len(t, pub.published, 3)
	assert.Equal(t, []string{"task_queue"}, pub.declared)
	assert.Equal(t, amqp.Persistent, pub.published[0].DeliveryMode)
	assert.Equal(t, []byte("c"), pub.published[2].Body)
}

func TestRabbitMQBus_PublishReopensClosedChannel(t *testing.T) {
	bus, opened := newFakeRabbitBus()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "task_queue", []byte("a")))
	_ = (*opened)[0].Close()
	require.NoError(t, bus.Publish(ctx, "task_queue", []byte("b")))

	require.Len(t, *opened, 2)
	assert.Len(t, (*opened)[1].published, 1)
}

func TestRabbitMQBus_PublishFailureDropsChannel(t *testing.T) {
	bus, opened := newFakeRabbitBus()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "task_queue", []byte("a")))
	first := (*opened)[0]
	first.mu.Lock()
	first.publishErr = errors.New("channel/connection is not open")
	first.mu.Unlock()

	assert.Error(t, bus.Publish(ctx, "task_queue", []byte("b")))
	assert.True(t, first.IsClosed())

	require.NoError(t, bus.Publish(ctx, "task_queue", []byte("c")))
	require.Len(t, *opened, 2)
	assert.Len(t, (*opened)[1].published, 1)

	require.NoError(t, bus.Close())
	assert.True(t, (*opened)[1].IsClosed())
}
