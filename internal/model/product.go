package model

import "time"

// Product status values stored in products.status.
const (
	ProductPending = "pending"
	ProductActive  = "active"
	ProductEnded   = "ended"
)

// Product is a flash-sale item.  Stock is the configured sale stock and is
// the authority the Redis counter is rebuilt from; it is only changed by
// catalog management, never by the purchase path.
//
// Fields:
//
//	ID                 – primary key identifier.
//	Name               – display name.
//	OriginalPriceCents – list price in cents.
//	SeckillPriceCents  – sale price in cents charged per unit.
//	Stock              – units offered in the sale.
//	StartTime          – sale opens (inclusive).
//	EndTime            – sale closes (exclusive).
//	Status             – pending, active or ended.
type Product struct {
	ID                 uint64    // products.id
	Name               string    // products.name
	OriginalPriceCents uint64    // products.original_price_cents
	SeckillPriceCents  uint64    // products.seckill_price_cents
	Stock              int64     // products.stock
	StartTime          time.Time // products.start_time
	EndTime            time.Time // products.end_time
	Status             string    // products.status
	CreatedAt          time.Time // products.created_at
	UpdatedAt          time.Time // products.updated_at
}

// OnSaleAt reports whether the product accepts purchases at t: it must be
// active and t must fall inside [StartTime, EndTime).
func (p *Product) OnSaleAt(t time.Time) bool {
	return p.Status == ProductActive && !t.Before(p.StartTime) && t.Before(p.EndTime)
}
