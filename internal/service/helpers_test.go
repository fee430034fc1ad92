package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/seckill/internal/model"
	"github.com/iliyamo/seckill/internal/push"
	"github.com/iliyamo/seckill/internal/queue"
	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/telemetry"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
		PoolSize:    64,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// fakeOrders is an in-memory orders table.
type fakeOrders struct {
	mu        sync.Mutex
	rows      map[string]*model.Order
	createErr []error // consumed one per Create call; nil entries succeed
	failAll   error
}

// lostReply makes fakeOrders commit the row and still report err, like a
// connection that drops after the server applied the insert.
type lostReply struct{ err error }

func (l lostReply) Error() string { return l.err.Error() }

func newFakeOrders() *fakeOrders { return &fakeOrders{rows: map[string]*model.Order{}} }

func (f *fakeOrders) Create(_ context.Context, o *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	if len(f.createErr) > 0 {
		err := f.createErr[0]
		f.createErr = f.createErr[1:]
		var lost lostReply
		if errors.As(err, &lost) {
			cp := *o
			f.rows[o.ID] = &cp
			return lost.err
		}
		if errors.Is(err, repository.ErrOrderExists) {
			// an earlier attempt committed before its reply was lost
			cp := *o
			f.rows[o.ID] = &cp
			return err
		}
		if err != nil {
			return err
		}
	}
	if _, ok := f.rows[o.ID]; ok {
		return repository.ErrOrderExists
	}
	cp := *o
	f.rows[o.ID] = &cp
	return nil
}

func (f *fakeOrders) GetByID(_ context.Context, id string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) Transition(_ context.Context, id, from, to string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	return true, nil
}

func (f *fakeOrders) ListStalePending(_ context.Context, before time.Time, limit int) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Order
	for _, o := range f.rows {
		if o.Status == model.OrderPending && o.CreatedAt.Before(before) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrders) all() []model.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Order, 0, len(f.rows))
	for _, o := range f.rows {
		out = append(out, *o)
	}
	return out
}

// fakeLedger serves products and computes available stock from fakeOrders
// the way the SQL in ProductRepo does.
type fakeLedger struct {
	mu        sync.Mutex
	products  map[uint64]*model.Product
	orders    *fakeOrders
	err       error
	reads     int
	afterRead func(call int) // runs after the value is computed
}

func newFakeLedger(orders *fakeOrders, products ...*model.Product) *fakeLedger {
	l := &fakeLedger{products: map[uint64]*model.Product{}, orders: orders}
	for _, p := range products {
		l.products[p.ID] = p
	}
	return l
}

func (l *fakeLedger) GetByID(_ context.Context, id uint64) (*model.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *fakeLedger) ListIDs(context.Context) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint64, 0, len(l.products))
	for id, p := range l.products {
		if p.Status != model.ProductEnded {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *fakeLedger) AvailableStock(_ context.Context, id uint64) (int64, error) {
	l.mu.Lock()
	l.reads++
	p, ok := l.products[id]
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, repository.ErrProductNotFound
	}
	n := p.Stock
	if l.orders != nil {
		for _, o := range l.orders.all() {
			if o.ProductID == id && o.Status != model.OrderCancelled {
				n -= o.Quantity
			}
		}
	}
	if l.afterRead != nil {
		l.afterRead(l.ledgerReads())
	}
	return max(n, 0), nil
}

func (l *fakeLedger) ledgerReads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// fakePublisher records settlement messages.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []queue.SettlementMessage
	err  error
}

func (p *fakePublisher) PublishSettlement(_ context.Context, msg queue.SettlementMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) sent() []queue.SettlementMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.SettlementMessage(nil), p.msgs...)
}

// fakeNotifier records pushed events.
type fakeNotifier struct {
	mu        sync.Mutex
	direct    map[uint64][]push.Event
	broadcast []push.Event
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{direct: map[uint64][]push.Event{}} }

func (n *fakeNotifier) SendToUser(buyerID uint64, ev push.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.direct[buyerID] = append(n.direct[buyerID], ev)
	return true
}

func (n *fakeNotifier) Broadcast(ev push.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, ev)
	return 1
}

func (n *fakeNotifier) toUser(buyerID uint64) []push.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]push.Event(nil), n.direct[buyerID]...)
}

func (n *fakeNotifier) broadcasts() []push.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]push.Event(nil), n.broadcast...)
}

var saleNow = time.Date(2026, 11, 11, 12, 0, 0, 0, time.UTC)

func activeProduct(id uint64, stock int64) *model.Product {
	return &model.Product{
		ID:                 id,
		Name:               "phone",
		OriginalPriceCents: 99900,
		SeckillPriceCents:  49900,
		Stock:              stock,
		StartTime:          saleNow.Add(-time.Hour),
		EndTime:            saleNow.Add(time.Hour),
		Status:             model.ProductActive,
	}
}

func newTestLedger(rdb *redis.Client, src StockSource) *StockLedger {
	s := NewStockLedger(rdb, src, telemetry.Discard())
	s.lockWait = 300 * time.Millisecond
	s.pollEvery = 5 * time.Millisecond
	return s
}

func pendingOrder(id string, buyerID, productID uint64, qty int64, at time.Time) *model.Order {
	return &model.Order{
		ID:         id,
		BuyerID:    buyerID,
		ProductID:  productID,
		Quantity:   qty,
		PriceCents: 49900 * uint64(qty),
		Status:     model.OrderPending,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}
