package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/seckill/internal/telemetry"
)

var errDeliveriesClosed = errors.New("deliveries channel closed")

// Handler settles one message.  DeadLetter is called once a decodable
// message has run out of attempts and was rejected for good.
type Handler interface {
	Handle(ctx context.Context, msg SettlementMessage) error
	DeadLetter(ctx context.Context, msg SettlementMessage, cause error)
}

// ConsumerConfig controls prefetch and retry bounds.
type ConsumerConfig struct {
	Queue       string
	Tag         string
	Prefetch    int
	MaxAttempts int
	RetryDelay  time.Duration // pause before re-subscribing after a drop
}

// Consumer receives settlement messages with manual acks.  Failed messages
// are requeued until MaxAttempts deliveries, then rejected without requeue,
// which the queue routes to the dead-letter queue.
type Consumer struct {
	broker  *Broker
	handler Handler
	cfg     ConsumerConfig
	log     *slog.Logger
}

// NewConsumer returns a consumer for cfg.Queue, defaulting to SettlementQueue.
func NewConsumer(b *Broker, h Handler, cfg ConsumerConfig, log *slog.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = SettlementQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Consumer{
		broker:  b,
		handler: h,
		cfg:     cfg,
		log:     log.With(slog.String("component", "consumer"), slog.String("queue", cfg.Queue)),
	}
}

// Run consumes until ctx is cancelled (returns nil) or the broker is
// exhausted (returns ErrBrokerUnavailable).  After a connection drop it
// waits for the broker to reconnect and subscribes again.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		conn, _, err := c.broker.await(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = c.consume(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consume loop ended, resubscribing", slog.String("error", err.Error()))
		if err := c.broker.cfg.Sleep(ctx, c.cfg.RetryDelay); err != nil {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag)
	if err != nil {
		return err
	}
	c.log.Info("consuming", slog.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	var msg SettlementMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Error("undecodable settlement message dead-lettered",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, false)
		telemetry.SettlementsTotal.WithLabelValues("dead_lettered").Inc()
		return
	}
	msg.Attempt = deliveryAttempt(d)

	err := c.handler.Handle(ctx, msg)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Warn("ack failed", slog.String("order_id", msg.OrderID), slog.String("error", ackErr.Error()))
		}
		return
	}

	if msg.Attempt < c.cfg.MaxAttempts {
		c.log.Warn("settlement failed, requeued",
			slog.String("order_id", msg.OrderID),
			slog.Int("attempt", msg.Attempt),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, true)
		telemetry.SettlementsTotal.WithLabelValues("retried").Inc()
		return
	}

	_ = d.Nack(false, false)
	telemetry.SettlementsTotal.WithLabelValues("dead_lettered").Inc()
	c.log.Error("settlement dead-lettered",
		slog.String("order_id", msg.OrderID),
		slog.Uint64("buyer_id", msg.BuyerID),
		slog.Uint64("product_id", msg.ProductID),
		slog.Int64("quantity", msg.Quantity),
		slog.Int("attempt", msg.Attempt),
		slog.String("error", err.Error()),
	)
	c.handler.DeadLetter(ctx, msg, err)
}

// deliveryAttempt returns the 1-based attempt number.  Quorum queues count
// prior deliveries in x-delivery-count; the header is absent on the first.
func deliveryAttempt(d amqp.Delivery) int {
	switch n := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	case int16:
		return int(n) + 1
	case int8:
		return int(n) + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
