package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate is the admission gate.  It holds one Redis key per (product, buyer)
// pair; while the key exists the buyer cannot start another attempt on that
// product.  It is the only component that creates or deletes reservations.
type Gate struct {
	rdb *redis.Client
}

// NewGate returns a Gate backed by rdb.
func NewGate(rdb *redis.Client) *Gate { return &Gate{rdb: rdb} }

func reservationKey(productID, buyerID uint64) string {
	return fmt.Sprintf("seckill:reservation:%d:%d", productID, buyerID)
}

// TryReserve creates the reservation with a single SET NX EX.  It returns
// true only when this call created the key.  A store error returns false
// together with the error; the caller must refuse the purchase.
func (g *Gate) TryReserve(ctx context.Context, productID, buyerID uint64, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, reservationKey(productID, buyerID), time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve product %d buyer %d: %w", productID, buyerID, err)
	}
	return ok, nil
}

// Release deletes the reservation.  Deleting a missing key is not an error.
func (g *Gate) Release(ctx context.Context, productID, buyerID uint64) error {
	if err := g.rdb.Del(ctx, reservationKey(productID, buyerID)).Err(); err != nil {
		return fmt.Errorf("release product %d buyer %d: %w", productID, buyerID, err)
	}
	return nil
}
