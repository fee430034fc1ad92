// Package queue carries settlement work from the purchase path to the
// settlement consumer over RabbitMQ.
package queue

import "time"

const (
	// SettlementQueue receives one message per committed pending order.
	SettlementQueue = "seckill.settlement"
	// DeadLetterQueue receives settlement messages that ran out of attempts.
	DeadLetterQueue = "seckill.settlement.dead"
)

// SettlementMessage asks the consumer to settle one order.  It is published
// after the order row is committed, so a consumer can always load it.
type SettlementMessage struct {
	OrderID    string    `json:"order_id"`
	BuyerID    uint64    `json:"buyer_id"`
	ProductID  uint64    `json:"product_id"`
	Quantity   int64     `json:"quantity"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempt is the 1-based delivery attempt, derived from the delivery
	// headers on the consumer side.  It is never serialized.
	Attempt int `json:"-"`
}
