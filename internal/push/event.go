// Package push fans out best-effort notifications to connected buyers.
// Nothing is queued for buyers that are offline; the settlement queue and
// the orders table remain the system of record.
package push

import "encoding/json"

// EventType names the kind of push message.
type EventType string

const (
	EventStockUpdate   EventType = "stock_update"
	EventOrderStatus   EventType = "order_status"
	EventSeckillStatus EventType = "seckill_status"
)

// Event is the envelope written to push channels.
type Event struct {
	Type      EventType `json:"type"`
	ProductID uint64    `json:"product_id,omitempty"`
	Data      any       `json:"data"`
}

// StockUpdate builds a stock_update event.
func StockUpdate(productID uint64, stock int64) Event {
	return Event{Type: EventStockUpdate, ProductID: productID, Data: map[string]int64{"stock": stock}}
}

// OrderStatus builds an order_status event for one order.
func OrderStatus(productID uint64, orderID, status string) Event {
	return Event{Type: EventOrderStatus, ProductID: productID, Data: map[string]string{
		"order_id": orderID,
		"status":   status,
	}}
}

// SeckillStatus builds a seckill_status event, e.g. "sold_out".
func SeckillStatus(productID uint64, status string) Event {
	return Event{Type: EventSeckillStatus, ProductID: productID, Data: map[string]string{"status": status}}
}

func (e Event) encode() ([]byte, error) { return json.Marshal(e) }
