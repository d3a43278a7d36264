// Package broker owns the RabbitMQ connection lifecycle: connect, declare
// topology, consume the work queue, publish events, and recover from
// transport failures.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailer/internal/event"
)

// ErrNotConnected is returned by publish calls issued while no channel is
// established. Publishing never blocks waiting for a reconnect.
var ErrNotConnected = errors.New("broker: not connected")

// defaultReconnectInterval is how long the connection loop sleeps between a
// failed or dropped connection and the next attempt.
const defaultReconnectInterval = 5 * time.Second

// Options holds the broker connection and topology parameters.
type Options struct {
	URI         string
	Queue       string
	ConsumerTag string
	Exchange    string
}

// connection is the subset of *amqp.Connection the broker uses.
type connection interface {
	Channel() (channel, error)
	Close() error
}

// channel is the subset of *amqp.Channel the broker uses. *amqp.Channel
// satisfies it directly.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpConnection adapts *amqp.Connection to the connection interface.
type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

func dialAMQP(uri string) (connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

// Broker manages one connection and one channel to RabbitMQ. Inbound
// deliveries from the work queue are forwarded to the hand-off channel given
// at construction; outbound events are published to the topic exchange.
//
// The connection and channel handles are the only shared mutable state:
// publishers read the current handle concurrently, and the reconnect loop
// takes the write side only for the instant it swaps in a new one.
type Broker struct {
	opts       Options
	log        zerolog.Logger
	deliveries chan<- amqp.Delivery

	// dial and reconnectInterval are fields rather than package globals so
	// tests can drive connection cycles with fakes.
	dial              func(uri string) (connection, error)
	reconnectInterval time.Duration

	handles handleGuard
}

// New creates a Broker. Deliveries consumed from the work queue are sent to
// the given hand-off channel; the receiver owns their acknowledgement.
func New(opts Options, deliveries chan<- amqp.Delivery, log zerolog.Logger) *Broker {
	return &Broker{
		opts:              opts,
		log:               log.With().Str("component", "broker").Logger(),
		deliveries:        deliveries,
		dial:              dialAMQP,
		reconnectInterval: defaultReconnectInterval,
	}
}

// Start runs the connection loop until the context is cancelled. Each cycle
// connects, declares topology, and consumes until the stream fails, then
// sleeps for the reconnect interval and tries again.
func (b *Broker) Start(ctx context.Context) {
	for {
		if err := b.run(ctx); err != nil {
			b.log.Error().Err(err).Msg("connection error")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectInterval):
			b.log.Info().Msg("reconnecting")
		}
	}
}

// run performs one connection cycle: dial, declare, consume, forward. It
// returns when the consume stream fails or the context is cancelled, closing
// whatever handles the cycle established.
func (b *Broker) run(ctx context.Context) error {
	conn, err := b.dial(b.opts.URI)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	b.log.Info().Msg("connected")

	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(conn, b.log)
		return fmt.Errorf("open channel: %w", err)
	}
	b.log.Info().Msg("channel created")

	if err := b.declareTopology(ch); err != nil {
		closeQuietly(conn, b.log)
		return err
	}

	msgs, err := ch.Consume(
		b.opts.Queue,
		b.opts.ConsumerTag,
		false, // autoAck: the router acks after classifying
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		closeQuietly(conn, b.log)
		return fmt.Errorf("consume %s: %w", b.opts.Queue, err)
	}
	b.log.Info().Str("queue", b.opts.Queue).Str("consumer_tag", b.opts.ConsumerTag).Msg("consumer started")

	b.handles.swap(conn, ch)
	defer b.closeHandles()

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("consume stream closed")
			}
			select {
			case b.deliveries <- delivery:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// declareTopology makes sure the topic exchange and the work queue exist.
// Both declarations are durable and idempotent. A declaration failure fails
// this connection cycle, not the process; the next cycle retries it.
func (b *Broker) declareTopology(ch channel) error {
	if err := ch.ExchangeDeclare(
		b.opts.Exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.opts.Exchange, err)
	}
	b.log.Info().Str("exchange", b.opts.Exchange).Msg("events exchange declared")

	if _, err := ch.QueueDeclare(
		b.opts.Queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.opts.Queue, err)
	}
	b.log.Info().Str("queue", b.opts.Queue).Msg("work queue declared")

	return nil
}

// Publish sends a payload to the given exchange with the given routing key
// through the current channel. It fails with ErrNotConnected while no
// channel is established.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, payload []byte, contentType string) error {
	ch := b.handles.channel()
	if ch == nil {
		return ErrNotConnected
	}

	err := ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: contentType,
			Timestamp:   time.Now().UTC(),
			Body:        payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s with key %s: %w", exchange, routingKey, err)
	}
	return nil
}

// PublishEvent serializes an event to JSON and publishes it to the events
// exchange under the event's own routing key.
func (b *Broker) PublishEvent(ctx context.Context, e event.Routable) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	return b.Publish(ctx, b.opts.Exchange, e.RoutingKey(), payload, "application/json")
}

// Shutdown closes the channel then the connection, best effort. Errors are
// logged, never returned. A connection cycle that already closed its own
// handles leaves nothing to do here.
func (b *Broker) Shutdown() {
	b.closeHandles()
}

// closeHandles takes and closes the current channel then the connection.
// Whichever of the cycle's deferred close and Shutdown runs first gets the
// handles; the other finds the guard empty.
func (b *Broker) closeHandles() {
	conn, ch := b.handles.take()

	if ch != nil {
		b.log.Info().Msg("closing channel")
		if err := ch.Close(); err != nil {
			b.log.Error().Err(err).Msg("failed to close channel")
		}
	}
	if conn != nil {
		b.log.Info().Msg("closing connection")
		if err := conn.Close(); err != nil {
			b.log.Error().Err(err).Msg("failed to close connection")
		}
	}
}

func closeQuietly(conn connection, log zerolog.Logger) {
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("close after failed setup")
	}
}
