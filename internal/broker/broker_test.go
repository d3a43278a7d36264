package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailer/internal/event"
)

// fakeChannel records declarations, publishes, and closes, and serves
// deliveries from its own stream.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  int
	queues     int
	published  []amqp.Publishing
	keys       []string
	closes     int
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) ExchangeDeclare(_, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind != "topic" || !durable {
		return errors.New("exchange must be a durable topic exchange")
	}
	c.exchanges++
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	c.queues++
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("consumer must not auto-ack")
	}
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) declaredTopology() (exchanges, queues int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges, c.queues
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeConnection struct {
	mu     sync.Mutex
	ch     *fakeChannel
	closes int
}

func (c *fakeConnection) Channel() (channel, error) {
	return c.ch, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConnection) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeDialer fails the first fail dials, then mints a fresh connection with
// its own delivery stream per dial.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	conns []*fakeConnection
}

func (d *fakeDialer) dial(string) (connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConnection{ch: &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) connAt(t *testing.T, n int) *fakeConnection {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) >= n {
			conn := d.conns[n-1]
			d.mu.Unlock()
			return conn
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection %d never established", n)
	return nil
}

func newTestBroker(deliveries chan<- amqp.Delivery) *Broker {
	opts := Options{
		URI:         "amqp://localhost:5672",
		Queue:       "mailer",
		ConsumerTag: "mailer_service_consumer",
		Exchange:    "email_events",
	}
	return New(opts, deliveries, zerolog.Nop())
}

func TestPublishWhileDisconnected(t *testing.T) {
	b := newTestBroker(nil)

	err := b.Publish(context.Background(), "email_events", "sending.x.started", []byte("{}"), "application/json")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishEventWhileDisconnected(t *testing.T) {
	b := newTestBroker(nil)
	e := event.NewFinished(uuid.New())

	err := b.PublishEvent(context.Background(), e)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishEvent() error = %v, want ErrNotConnected", err)
	}
}

type unserializable struct{}

func (unserializable) RoutingKey() string { return "x" }

func (unserializable) MarshalJSON() ([]byte, error) {
	return nil, errors.New("nope")
}

func TestPublishEventSerializationFailure(t *testing.T) {
	b := newTestBroker(nil)

	err := b.PublishEvent(context.Background(), unserializable{})
	if err == nil {
		t.Fatal("PublishEvent() succeeded with an unserializable event")
	}
	if errors.Is(err, ErrNotConnected) {
		t.Fatal("serialization must fail before the channel is consulted")
	}
}

func TestPublishEventThroughChannel(t *testing.T) {
	ch := &fakeChannel{}
	b := newTestBroker(nil)
	b.handles.swap(&fakeConnection{ch: ch}, ch)

	id := uuid.New()
	if err := b.PublishEvent(context.Background(), event.NewFinished(id)); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("publishes = %d, want 1", len(ch.published))
	}
	if want := "sending." + id.String() + ".finished"; ch.keys[0] != want {
		t.Errorf("routing key = %q, want %q", ch.keys[0], want)
	}
	if ch.published[0].ContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", ch.published[0].ContentType)
	}

	var decoded map[string]any
	if err := json.Unmarshal(ch.published[0].Body, &decoded); err != nil {
		t.Fatalf("published body is not json: %v", err)
	}
	if decoded["status"] != "finished" {
		t.Errorf("published status = %v, want finished", decoded["status"])
	}
}

func TestHandleGuard(t *testing.T) {
	var g handleGuard

	if g.channel() != nil {
		t.Fatal("fresh guard holds a channel")
	}

	ch := &fakeChannel{}
	conn := &fakeConnection{ch: ch}
	g.swap(conn, ch)
	if g.channel() != channel(ch) {
		t.Fatal("swapped channel is not the current one")
	}

	takenConn, takenCh := g.take()
	if takenConn != connection(conn) || takenCh != channel(ch) {
		t.Fatal("take() did not return the swapped handles")
	}
	if g.channel() != nil {
		t.Fatal("guard still holds a channel after take")
	}

	if takenConn, takenCh := g.take(); takenConn != nil || takenCh != nil {
		t.Fatal("take() on an empty guard returned handles")
	}
}

func TestRunClosesHandlesWhenStreamFails(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	conn := &fakeConnection{ch: ch}
	b := newTestBroker(make(chan amqp.Delivery, 1))
	b.dial = func(string) (connection, error) { return conn, nil }

	// A broker-side consumer cancel closes the stream while the TCP
	// connection is still up; the cycle must not abandon it.
	close(ch.deliveries)

	if err := b.run(context.Background()); err == nil {
		t.Fatal("run() returned nil on a closed consume stream")
	}

	if got := ch.closeCount(); got != 1 {
		t.Errorf("channel closes = %d, want 1", got)
	}
	if got := conn.closeCount(); got != 1 {
		t.Errorf("connection closes = %d, want 1", got)
	}

	// The cycle already closed its handles, so the external shutdown path
	// finds nothing left.
	b.Shutdown()
	if got := conn.closeCount(); got != 1 {
		t.Errorf("connection closes after Shutdown = %d, want still 1", got)
	}
}

func TestRunClosesHandlesOnContextCancel(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	conn := &fakeConnection{ch: ch}
	b := newTestBroker(make(chan amqp.Delivery, 1))
	b.dial = func(string) (connection, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if got := ch.closeCount(); got != 1 {
		t.Errorf("channel closes = %d, want 1", got)
	}
	if got := conn.closeCount(); got != 1 {
		t.Errorf("connection closes = %d, want 1", got)
	}
}

func TestStartReconnectsAfterFailure(t *testing.T) {
	dialer := &fakeDialer{fail: 1}
	handOff := make(chan amqp.Delivery, 1)
	b := newTestBroker(handOff)
	b.dial = dialer.dial
	b.reconnectInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	receive := func() amqp.Delivery {
		t.Helper()
		select {
		case delivery := <-handOff:
			return delivery
		case <-time.After(2 * time.Second):
			t.Fatal("no delivery forwarded")
			return amqp.Delivery{}
		}
	}

	// First dial is refused; the loop must establish the second and start
	// consuming within one interval.
	first := dialer.connAt(t, 1)
	first.ch.deliveries <- amqp.Delivery{Body: []byte("one")}
	if got := receive(); string(got.Body) != "one" {
		t.Errorf("forwarded body = %q, want %q", got.Body, "one")
	}

	if exchanges, queues := first.ch.declaredTopology(); exchanges != 1 || queues != 1 {
		t.Errorf("topology declared %d/%d times, want 1/1", exchanges, queues)
	}

	// Drop the stream mid-consumption: the loop must redial, re-declare
	// topology, and resume forwarding deliveries.
	close(first.ch.deliveries)

	second := dialer.connAt(t, 2)
	second.ch.deliveries <- amqp.Delivery{Body: []byte("two")}
	if got := receive(); string(got.Body) != "two" {
		t.Errorf("forwarded body after reconnect = %q, want %q", got.Body, "two")
	}

	if exchanges, queues := second.ch.declaredTopology(); exchanges != 1 || queues != 1 {
		t.Errorf("topology re-declared %d/%d times, want 1/1", exchanges, queues)
	}
	if got := first.closeCount(); got != 1 {
		t.Errorf("dropped connection closes = %d, want 1", got)
	}

	cancel()
	<-done

	if got := second.closeCount(); got != 1 {
		t.Errorf("final connection closes = %d, want 1", got)
	}
}

func TestShutdownWhileDisconnected(t *testing.T) {
	// Shutdown with no live handles must be a no-op, not a panic.
	newTestBroker(nil).Shutdown()
}
