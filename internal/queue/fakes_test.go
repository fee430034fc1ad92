package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   map[string]amqp.Table
	order      []string
	confirmed  bool
	prefetch   int
	publishErr error
	published  []published
	deliveries chan amqp.Delivery
	closed     bool
}

func (c *fakeChannel) Confirm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = true
	return nil
}

func (c *fakeChannel) Qos(prefetch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetch
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declared == nil {
		c.declared = map[string]amqp.Table{}
	}
	c.declared[name] = args
	c.order = append(c.order, name)
	return nil
}

func (c *fakeChannel) PublishConfirmed(_ context.Context, queue string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{queue: queue, msg: msg})
	return nil
}

func (c *fakeChannel) Consume(string, string) (<-chan amqp.Delivery, error) {
	if c.deliveries == nil {
		return nil, errors.New("no deliveries")
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConn struct {
	mu         sync.Mutex
	channels   []*fakeChannel
	deliveries chan amqp.Delivery
	notify     chan *amqp.Error
	closed     bool
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &fakeChannel{deliveries: c.deliveries}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) drop(err *amqp.Error) {
	c.mu.Lock()
	ch := c.notify
	c.mu.Unlock()
	ch <- err
}

func (c *fakeConn) pubChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out conns in order; a nil entry fails the dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) dial(string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// sleeps records backoff delays without waiting.
type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type ackCall struct {
	ack     bool
	requeue bool
}

type fakeAcker struct {
	mu    sync.Mutex
	calls []ackCall
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ackCall{ack: true})
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ackCall{requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func (a *fakeAcker) recorded() []ackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackCall(nil), a.calls...)
}
