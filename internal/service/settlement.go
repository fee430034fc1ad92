package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/seckill/internal/model"
	"github.com/iliyamo/seckill/internal/push"
	"github.com/iliyamo/seckill/internal/queue"
	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/telemetry"
)

// SettlementStore is the order access the settlement side needs.
type SettlementStore interface {
	GetByID(ctx context.Context, id string) (*model.Order, error)
	Transition(ctx context.Context, id, from, to string, at time.Time) (bool, error)
}

// Settler confirms orders delivered through the settlement queue and
// cancels the ones that are dead-lettered.  Both directions are guarded on
// the pending status, so redeliveries are no-ops.
type Settler struct {
	orders SettlementStore
	stock  *StockLedger
	gate   *Gate
	notify Notifier
	log    *slog.Logger
	now    func() time.Time
}

// NewSettler wires a Settler.  notify may be nil.
func NewSettler(orders SettlementStore, stock *StockLedger, gate *Gate, notify Notifier, log *slog.Logger) *Settler {
	return &Settler{
		orders: orders,
		stock:  stock,
		gate:   gate,
		notify: notify,
		log:    log.With(slog.String("component", "settlement")),
		now:    time.Now,
	}
}

// Handle confirms the order in msg.  An order that is no longer pending is
// left untouched and nothing is pushed.
func (s *Settler) Handle(ctx context.Context, msg queue.SettlementMessage) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "settlement.handle", trace.WithAttributes(
		attribute.String("order_id", msg.OrderID),
		attribute.Int("attempt", msg.Attempt),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "settlement failed")
		}
	}()

	o, err := s.orders.GetByID(ctx, msg.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return fmt.Errorf("settle %s: %w", msg.OrderID, err)
		}
		return fmt.Errorf("load order %s: %w", msg.OrderID, err)
	}
	if o.Status != model.OrderPending {
		telemetry.SettlementsTotal.WithLabelValues("duplicate").Inc()
		s.log.DebugContext(ctx, "order already settled", slog.String("order_id", o.ID), slog.String("status", o.Status))
		return nil
	}

	changed, err := s.orders.Transition(ctx, o.ID, model.OrderPending, model.OrderConfirmed, s.now())
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", o.ID, err)
	}
	if !changed {
		telemetry.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	telemetry.SettlementsTotal.WithLabelValues("confirmed").Inc()
	s.log.InfoContext(ctx, "order confirmed",
		slog.String("order_id", o.ID),
		slog.Uint64("buyer_id", o.BuyerID),
		slog.Uint64("product_id", o.ProductID),
	)

	s.pushOutcome(ctx, o, model.OrderConfirmed)
	return nil
}

// DeadLetter runs Abandon for messages that ran out of attempts.
func (s *Settler) DeadLetter(ctx context.Context, msg queue.SettlementMessage, cause error) {
	if msg.OrderID == "" {
		return
	}
	if err := s.Abandon(ctx, msg); err != nil {
		s.log.ErrorContext(ctx, "abandon order failed",
			slog.String("order_id", msg.OrderID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
	}
}

// Abandon cancels a still-pending order and releases the buyer's
// reservation.  The counter is invalidated rather than incremented; the
// next read rebuilds it from the ledger, which no longer holds the order.
func (s *Settler) Abandon(ctx context.Context, msg queue.SettlementMessage) error {
	changed, err := s.orders.Transition(ctx, msg.OrderID, model.OrderPending, model.OrderCancelled, s.now())
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", msg.OrderID, err)
	}
	if !changed {
		return nil
	}
	telemetry.SettlementsTotal.WithLabelValues("cancelled").Inc()
	s.log.WarnContext(ctx, "order cancelled",
		slog.String("order_id", msg.OrderID),
		slog.Uint64("buyer_id", msg.BuyerID),
		slog.Uint64("product_id", msg.ProductID),
		slog.Int64("quantity", msg.Quantity),
	)

	var errs []error
	if err := s.stock.Invalidate(ctx, msg.ProductID); err != nil {
		errs = append(errs, err)
	}
	if err := s.gate.Release(ctx, msg.ProductID, msg.BuyerID); err != nil {
		errs = append(errs, err)
	}
	s.pushOutcome(ctx, &model.Order{ID: msg.OrderID, BuyerID: msg.BuyerID, ProductID: msg.ProductID}, model.OrderCancelled)
	return errors.Join(errs...)
}

func (s *Settler) pushOutcome(ctx context.Context, o *model.Order, status string) {
	if s.notify == nil {
		return
	}
	s.notify.SendToUser(o.BuyerID, push.OrderStatus(o.ProductID, o.ID, status))
	left, err := s.stock.GetStock(ctx, o.ProductID)
	if err != nil {
		s.log.WarnContext(ctx, "stock read for broadcast failed", slog.Uint64("product_id", o.ProductID), slog.String("error", err.Error()))
		return
	}
	s.notify.Broadcast(push.StockUpdate(o.ProductID, left))
}
