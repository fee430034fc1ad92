package model

import "time"

// Order status values stored in orders.status.
const (
	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderCancelled = "cancelled"
)

// Order records one successful admission.  Orders are written once as
// pending by the purchase path and afterwards only move to confirmed or
// cancelled through settlement.
//
// Fields:
//
//	ID         – UUID assigned before the insert so retries are idempotent.
//	BuyerID    – authenticated buyer.
//	ProductID  – purchased product.
//	Quantity   – units purchased (1–10).
//	PriceCents – seckill price × quantity at purchase time.
//	Status     – pending, confirmed or cancelled.
type Order struct {
	ID         string    // orders.id
	BuyerID    uint64    // orders.buyer_id
	ProductID  uint64    // orders.product_id
	Quantity   int64     // orders.quantity
	PriceCents uint64    // orders.price_cents
	Status     string    // orders.status
	CreatedAt  time.Time // orders.created_at
	UpdatedAt  time.Time // orders.updated_at
}

// OrderView joins an order with the product fields shown on the buyer's
// order list.
type OrderView struct {
	Order
	ProductName        string
	SeckillPriceCents  uint64
	OriginalPriceCents uint64
}
