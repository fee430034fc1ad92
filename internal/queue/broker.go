package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/seckill/internal/telemetry"
)

// ErrBrokerUnavailable is returned once the broker has given up reconnecting.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrPublishNacked is returned when the broker refuses a published message.
var ErrPublishNacked = errors.New("publish not confirmed by broker")

// State is the broker connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Channel is the subset of an AMQP channel the broker and consumer use.
type Channel interface {
	Confirm() error
	Qos(prefetch int) error
	QueueDeclare(name string, args amqp.Table) error
	PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error
	Consume(queue, consumer string) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection is the subset of an AMQP connection the broker uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// DialAMQP dials a real RabbitMQ server.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct{ *amqp.Channel }

func (c amqpChannel) Confirm() error { return c.Channel.Confirm(false) }

func (c amqpChannel) Qos(prefetch int) error { return c.Channel.Qos(prefetch, 0, false) }

func (c amqpChannel) QueueDeclare(name string, args amqp.Table) error {
	_, err := c.Channel.QueueDeclare(name, true, false, false, false, args)
	return err
}

func (c amqpChannel) PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("channel is not in confirm mode")
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

func (c amqpChannel) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	return c.Channel.Consume(queue, consumer, false, false, false, false, nil)
}

// DeclareTopology declares the settlement quorum queue and its dead-letter
// queue.  Declaring an existing queue with the same arguments is a no-op.
func DeclareTopology(ch Channel) error {
	if err := ch.QueueDeclare(DeadLetterQueue, amqp.Table{
		amqp.QueueTypeArg: amqp.QueueTypeQuorum,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueDeclare(SettlementQueue, amqp.Table{
		amqp.QueueTypeArg:         amqp.QueueTypeQuorum,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", SettlementQueue, err)
	}
	return nil
}

// BrokerConfig controls dialing and reconnects.  Dial and Sleep default to
// DialAMQP and a context-aware timer.
type BrokerConfig struct {
	URL           string
	MaxReconnects int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	Dial          Dialer
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Broker owns the AMQP connection and the confirm-mode publish channel.  A
// background loop dials, watches for connection loss and redials with
// capped exponential backoff.  After MaxReconnects failed dials in a row the
// broker is exhausted and stays that way.
type Broker struct {
	cfg BrokerConfig
	log *slog.Logger

	mu      sync.Mutex
	state   State
	conn    Connection
	pub     Channel
	changed chan struct{} // closed and replaced on every state change

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroker returns a disconnected broker.  Call Start to connect.
func NewBroker(cfg BrokerConfig, log *slog.Logger) *Broker {
	if cfg.Dial == nil {
		cfg.Dial = DialAMQP
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Broker{
		cfg:     cfg,
		log:     log.With(slog.String("component", "broker")),
		changed: make(chan struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the connection loop.  It returns immediately; use State or
// WaitConnected to observe the outcome.
func (b *Broker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.run(ctx)
	}()
}

// Stop ends the connection loop and closes the connection.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State reports the current connection state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) setState(s State, conn Connection, pub Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.conn = conn
	b.pub = pub
	close(b.changed)
	b.changed = make(chan struct{})
	telemetry.BrokerState.Set(float64(s))
}

func (b *Broker) run(ctx context.Context) {
	for {
		conn, err := b.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrBrokerUnavailable) {
				b.log.Error("broker reconnects exhausted", slog.Int("attempts", b.cfg.MaxReconnects))
				return
			}
			b.setState(StateDisconnected, nil, nil)
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			b.setState(StateDisconnected, nil, nil)
			_ = conn.Close()
			return
		case amqpErr := <-closed:
			b.setState(StateDisconnected, nil, nil)
			if amqpErr != nil {
				b.log.Warn("broker connection lost", slog.String("error", amqpErr.Error()))
			} else {
				b.log.Warn("broker connection closed")
			}
		}
	}
}

// connect dials until it succeeds, the attempt budget runs out or ctx ends.
func (b *Broker) connect(ctx context.Context) (Connection, error) {
	delay := b.cfg.Backoff
	for attempt := 1; ; attempt++ {
		b.setState(StateConnecting, nil, nil)
		conn, pub, err := b.open()
		if err == nil {
			b.setState(StateConnected, conn, pub)
			b.log.Info("broker connected", slog.Int("attempt", attempt))
			return conn, nil
		}
		b.log.Warn("broker dial failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt >= b.cfg.MaxReconnects {
			b.setState(StateExhausted, nil, nil)
			return nil, ErrBrokerUnavailable
		}
		if err := b.cfg.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = min(delay*2, b.cfg.MaxBackoff)
	}
}

func (b *Broker) open() (Connection, Channel, error) {
	conn, err := b.cfg.Dial(b.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopology(pub); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := pub.Confirm(); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("confirm mode: %w", err)
	}
	return conn, pub, nil
}

// await blocks until the broker is connected, exhausted or ctx ends.
func (b *Broker) await(ctx context.Context) (Connection, Channel, error) {
	for {
		b.mu.Lock()
		state, conn, pub, changed := b.state, b.conn, b.pub, b.changed
		b.mu.Unlock()

		switch state {
		case StateConnected:
			return conn, pub, nil
		case StateExhausted:
			return nil, nil, ErrBrokerUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, ctx.Err())
		case <-changed:
		}
	}
}

// WaitConnected blocks until the broker is connected.
func (b *Broker) WaitConnected(ctx context.Context) error {
	_, _, err := b.await(ctx)
	return err
}

// PublishSettlement publishes msg as a persistent message and waits for the
// broker's confirm.  While reconnecting it waits up to ctx; once exhausted
// it fails immediately.
func (b *Broker) PublishSettlement(ctx context.Context, msg SettlementMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, pub, err := b.await(ctx)
	if err != nil {
		telemetry.MessagesPublished.WithLabelValues(SettlementQueue, "unavailable").Inc()
		return err
	}
	err = pub.PublishConfirmed(ctx, SettlementQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.OrderID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		telemetry.MessagesPublished.WithLabelValues(SettlementQueue, "failed").Inc()
		return fmt.Errorf("publish settlement %s: %w", msg.OrderID, err)
	}
	telemetry.MessagesPublished.WithLabelValues(SettlementQueue, "confirmed").Inc()
	return nil
}
