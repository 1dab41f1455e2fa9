package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitRequeueDelay throttles redelivery of messages whose handler failed.
const rabbitRequeueDelay = time.Second

// queueDeclarer is the part of *amqp.Channel used to declare queues.
type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// publisher is the part of *amqp.Channel used by Publish.
type publisher interface {
	queueDeclarer
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// RabbitMQBus implements MessageBus over RabbitMQ. Each channel is a durable
// queue on the default exchange; consumers share the queue, use manual acks
// and requeue a message when its handler fails. Publishes share one AMQP
// channel, reopened after the broker closes it.
type RabbitMQBus struct {
	uri      string
	prefetch int
	logger   *log.Helper

	conn          *amqp.Connection
	pub           publisher
	openPublisher func() (publisher, error)
	connMu        sync.Mutex

	declared   map[string]struct{}
	declaredMu sync.Mutex
}

// NewRabbitMQBus dials uri and returns a bus using prefetch as consumer QoS.
func NewRabbitMQBus(uri string, prefetch int, logger log.Logger) (*RabbitMQBus, error) {
	if uri == "" {
		return nil, errors.New("rabbitmq uri is required")
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	b := &RabbitMQBus{
		uri:      uri,
		prefetch: prefetch,
		logger:   log.NewHelper(log.With(logger, "module", "data/bus-rabbitmq")),
		declared: make(map[string]struct{}),
	}
	b.openPublisher = func() (publisher, error) {
		ch, err := b.openChannel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	if err := b.ensureConnection(); err != nil {
		return nil, fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	return b, nil
}

func (b *RabbitMQBus) ensureConnection() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	// amqp.Dial accepts both amqp:// and amqps://
	conn, err := amqp.Dial(b.uri)
	if err != nil {
		return err
	}
	b.conn = conn
	b.declaredMu.Lock()
	b.declared = make(map[string]struct{})
	b.declaredMu.Unlock()
	return nil
}

func (b *RabbitMQBus) openChannel() (*amqp.Channel, error) {
	if err := b.ensureConnection(); err != nil {
		return nil, fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	return ch, nil
}

// publisherChannel returns the shared publish channel, opening a new one when
// there is none or the broker closed it.
func (b *RabbitMQBus) publisherChannel() (publisher, error) {
	b.connMu.Lock()
	pub := b.pub
	b.connMu.Unlock()
	if pub != nil && !pub.IsClosed() {
		return pub, nil
	}

	// openChannel takes connMu itself.
	fresh, err := b.openPublisher()
	if err != nil {
		return nil, err
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.pub != nil && b.pub != pub && !b.pub.IsClosed() {
		// Another publisher reopened it first.
		_ = fresh.Close()
		return b.pub, nil
	}
	b.pub = fresh
	return fresh, nil
}

// dropPublisher discards pub after a failed publish so the next call reopens it.
func (b *RabbitMQBus) dropPublisher(pub publisher) {
	b.connMu.Lock()
	if b.pub == pub {
		b.pub = nil
	}
	b.connMu.Unlock()
	_ = pub.Close()
}

func (b *RabbitMQBus) declareQueue(ch queueDeclarer, name string) error {
	b.declaredMu.Lock()
	_, ok := b.declared[name]
	b.declaredMu.Unlock()
	if ok {
		return nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed (queue=%s): %w", name, err)
	}
	b.declaredMu.Lock()
	b.declared[name] = struct{}{}
	b.declaredMu.Unlock()
	return nil
}

// Publish sends a persistent message to the channel queue.
func (b *RabbitMQBus) Publish(ctx context.Context, channel string, message []byte) error {
	pub, err := b.publisherChannel()
	if err != nil {
		return err
	}

	if err := b.declareQueue(pub, channel); err != nil {
		b.dropPublisher(pub)
		return err
	}

	err = pub.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         message,
	})
	if err != nil {
		b.dropPublisher(pub)
		return fmt.Errorf("rabbitmq publish failed (queue=%s): %w", channel, err)
	}
	return nil
}

// Subscribe consumes the channel queue until ctx is cancelled or the broker
// closes the channel.
func (b *RabbitMQBus) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	ch, err := b.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos failed: %w", err)
	}
	if err := b.declareQueue(ch, channel); err != nil {
		return err
	}
	deliveries, err := ch.Consume(channel, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume failed (queue=%s): %w", channel, err)
	}
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.logger.Infow("msg", "rabbitmq consumer started", "queue", channel, "prefetch", b.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeChan:
			if amqpErr == nil {
				return nil
			}
			return fmt.Errorf("rabbitmq channel closed by server (queue=%s): %w", channel, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := handler(ctx, d.Body); err != nil {
				b.logger.Warnw("msg", "rabbitmq handler failed, requeueing",
					"queue", channel,
					"error", err)
				sleepCtx(ctx, rabbitRequeueDelay)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close closes the publish channel and the broker connection.
func (b *RabbitMQBus) Close() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}
