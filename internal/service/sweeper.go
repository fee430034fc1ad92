package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/seckill/internal/model"
	"github.com/iliyamo/seckill/internal/queue"
)

// PendingLister finds orders that are still waiting for settlement.
type PendingLister interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Order, error)
}

// Sweeper republishes settlement messages for orders that stayed pending
// longer than MinAge, which covers publishes lost after the order commit.
// Settlement is idempotent, so a republish of an order that is already in
// the queue is harmless.
type Sweeper struct {
	orders   PendingLister
	pub      Publisher
	interval time.Duration
	minAge   time.Duration
	batch    int
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper returns a sweeper that runs every interval.
func NewSweeper(orders PendingLister, pub Publisher, interval, minAge, publishTimeout time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Sweeper{
		orders:   orders,
		pub:      pub,
		interval: interval,
		minAge:   minAge,
		batch:    100,
		timeout:  publishTimeout,
		log:      log.With(slog.String("component", "sweeper")),
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.WarnContext(ctx, "sweep failed", slog.Int("republished", n), slog.String("error", err.Error()))
			} else if n > 0 {
				s.log.InfoContext(ctx, "pending orders republished", slog.Int("republished", n))
			}
		}
	}
}

// SweepOnce republishes one batch and returns how many messages the broker
// confirmed.  It stops at the first publish failure since the broker is
// then likely down for the rest of the batch as well.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.orders.ListStalePending(ctx, s.now().Add(-s.minAge), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}
	sent := 0
	for _, o := range stale {
		msg := queue.SettlementMessage{
			OrderID:    o.ID,
			BuyerID:    o.BuyerID,
			ProductID:  o.ProductID,
			Quantity:   o.Quantity,
			EnqueuedAt: s.now().UTC(),
		}
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.pub.PublishSettlement(pctx, msg)
		cancel()
		if err != nil {
			return sent, fmt.Errorf("republish order %s: %w", o.ID, err)
		}
		sent++
	}
	return sent, nil
}
