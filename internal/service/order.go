package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/seckill/internal/model"
	"github.com/iliyamo/seckill/internal/push"
	"github.com/iliyamo/seckill/internal/queue"
	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/telemetry"
)

// ProductReader loads products from the ledger.
type ProductReader interface {
	GetByID(ctx context.Context, id uint64) (*model.Product, error)
}

// OrderStore persists new orders.
type OrderStore interface {
	Create(ctx context.Context, o *model.Order) error
}

// Publisher enqueues settlement work and waits for the broker to confirm.
type Publisher interface {
	PublishSettlement(ctx context.Context, msg queue.SettlementMessage) error
}

// Notifier pushes best-effort events to buyers.
type Notifier interface {
	SendToUser(buyerID uint64, ev push.Event) bool
	Broadcast(ev push.Event) int
}

// OrderWriterConfig bounds the work done after a successful decrement.
type OrderWriterConfig struct {
	ReservationTTL time.Duration
	InsertAttempts int
	InsertBackoff  time.Duration
	PublishTimeout time.Duration
	WriteTimeout   time.Duration // whole insert-and-publish budget after the decrement
}

// Receipt is returned to the buyer after an admitted purchase.
type Receipt struct {
	OrderID        string `json:"order_id"`
	StockLeft      int64  `json:"stock_left"`
	UnitPriceCents uint64 `json:"unit_price_cents"`
	Quantity       int64  `json:"quantity"`
	TotalCents     uint64 `json:"total_cents"`
}

// OrderWriter runs the purchase path: sale window check, reservation,
// stock decrement, durable pending order and settlement enqueue.
type OrderWriter struct {
	products ProductReader
	orders   OrderStore
	gate     *Gate
	stock    *StockLedger
	pub      Publisher
	notify   Notifier
	cfg      OrderWriterConfig
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewOrderWriter wires an OrderWriter.  notify may be nil.
func NewOrderWriter(products ProductReader, orders OrderStore, gate *Gate, stock *StockLedger,
	pub Publisher, notify Notifier, cfg OrderWriterConfig, log *slog.Logger) *OrderWriter {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 300 * time.Second
	}
	if cfg.InsertAttempts <= 0 {
		cfg.InsertAttempts = 3
	}
	if cfg.InsertBackoff <= 0 {
		cfg.InsertBackoff = 50 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout < cfg.PublishTimeout {
		cfg.WriteTimeout = cfg.PublishTimeout + 5*time.Second
	}
	return &OrderWriter{
		products: products,
		orders:   orders,
		gate:     gate,
		stock:    stock,
		pub:      pub,
		notify:   notify,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// PlaceOrder admits one purchase of qty units.  Policy outcomes are returned
// as the sentinel errors in this package; every infrastructure failure is
// reported as ErrUnavailable.  Once the stock has been decremented the
// remaining steps run on a context detached from the caller, so a client
// disconnect never leaves stock consumed without an order.
func (w *OrderWriter) PlaceOrder(ctx context.Context, buyerID, productID uint64, qty int64) (r *Receipt, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "seckill.place_order", trace.WithAttributes(
		attribute.Int64("buyer_id", int64(buyerID)),
		attribute.Int64("product_id", int64(productID)),
		attribute.Int64("quantity", qty),
	))
	defer span.End()
	defer func() {
		code := Code(err)
		telemetry.PurchasesTotal.WithLabelValues(code).Inc()
		span.SetAttributes(attribute.String("result", code))
		if err != nil && !IsPolicy(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
	}()

	if qty < MinQuantity || qty > MaxQuantity {
		return nil, ErrInvalidQuantity
	}

	p, err := w.products.GetByID(ctx, productID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load product %d: %w", ErrUnavailable, productID, err)
	}
	if err := saleWindow(p, w.now()); err != nil {
		return nil, err
	}

	reserved, err := w.gate.TryReserve(ctx, productID, buyerID, w.cfg.ReservationTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !reserved {
		return nil, ErrAlreadyAttempted
	}

	left, ok, err := w.stock.DecrementBy(ctx, productID, qty)
	if err != nil || !ok {
		w.release(context.WithoutCancel(ctx), productID, buyerID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, ErrSoldOut
	}

	// Stock is consumed: from here on the caller's cancellation must not
	// abort the write.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	now := w.now().UTC()
	order := &model.Order{
		ID:         w.newID(),
		BuyerID:    buyerID,
		ProductID:  productID,
		Quantity:   qty,
		PriceCents: p.SeckillPriceCents * uint64(qty),
		Status:     model.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := w.insert(bg, order); err != nil {
		w.logDebt(bg, order, err)
		if rerr := w.stock.Rollback(bg, productID, qty); rerr != nil {
			w.log.ErrorContext(bg, "stock rollback failed", slog.String("order_id", order.ID), slog.String("error", rerr.Error()))
		}
		w.release(bg, productID, buyerID)
		return nil, fmt.Errorf("%w: persist order: %w", ErrUnavailable, err)
	}

	if err := w.stock.Commit(bg, productID, qty); err != nil {
		// The units stay counted as in-flight: the product under-sells
		// until an operator re-initialises the counter.
		w.log.WarnContext(bg, "stock commit failed",
			slog.String("order_id", order.ID),
			slog.Uint64("product_id", productID),
			slog.String("error", err.Error()),
		)
	}

	msg := queue.SettlementMessage{
		OrderID:    order.ID,
		BuyerID:    buyerID,
		ProductID:  productID,
		Quantity:   qty,
		EnqueuedAt: now,
	}
	pctx, pcancel := context.WithTimeout(bg, w.cfg.PublishTimeout)
	err = w.pub.PublishSettlement(pctx, msg)
	pcancel()
	if err != nil {
		// The order is durable and the reservation stays, so the buyer
		// cannot buy twice.  The sweeper republishes it.
		w.log.WarnContext(bg, "settlement publish failed, left for sweeper",
			slog.String("order_id", order.ID),
			slog.Uint64("product_id", productID),
			slog.Uint64("buyer_id", buyerID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: enqueue order %s: %w", ErrUnavailable, order.ID, err)
	}

	if left == 0 && w.notify != nil {
		w.notify.Broadcast(push.SeckillStatus(productID, "sold_out"))
	}

	return &Receipt{
		OrderID:        order.ID,
		StockLeft:      left,
		UnitPriceCents: p.SeckillPriceCents,
		Quantity:       qty,
		TotalCents:     order.PriceCents,
	}, nil
}

func saleWindow(p *model.Product, now time.Time) error {
	switch {
	case p.OnSaleAt(now):
		return nil
	case p.Status == model.ProductEnded || !now.Before(p.EndTime):
		return ErrEnded
	default:
		return ErrNotStarted
	}
}

// insert writes the order with bounded retries.  The id is fixed before the
// first attempt, so a duplicate key means an earlier attempt committed.
func (w *OrderWriter) insert(ctx context.Context, o *model.Order) error {
	var err error
	for attempt := 1; attempt <= w.cfg.InsertAttempts; attempt++ {
		err = w.orders.Create(ctx, o)
		if err == nil || errors.Is(err, repository.ErrOrderExists) {
			return nil
		}
		if attempt == w.cfg.InsertAttempts {
			break
		}
		w.log.WarnContext(ctx, "order insert failed, retrying",
			slog.String("order_id", o.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(w.cfg.InsertBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// logDebt records a decrement that has no durable order behind it.
func (w *OrderWriter) logDebt(ctx context.Context, o *model.Order, cause error) {
	telemetry.ConsistencyDebt.Inc()
	w.log.ErrorContext(ctx, "order not persisted after stock decrement",
		slog.String("order_id", o.ID),
		slog.Uint64("product_id", o.ProductID),
		slog.Uint64("buyer_id", o.BuyerID),
		slog.Int64("quantity", o.Quantity),
		slog.String("error", cause.Error()),
	)
}

func (w *OrderWriter) release(ctx context.Context, productID, buyerID uint64) {
	if err := w.gate.Release(ctx, productID, buyerID); err != nil {
		w.log.WarnContext(ctx, "reservation release failed",
			slog.Uint64("product_id", productID),
			slog.Uint64("buyer_id", buyerID),
			slog.String("error", err.Error()),
		)
	}
}
