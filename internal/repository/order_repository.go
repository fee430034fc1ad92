package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/seckill/internal/model"
)

// OrderRepo provides data access to the orders table.  Timestamps are
// written by the caller in UTC so that updated_at only moves when a status
// transition actually happens.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns a new OrderRepo bound to the provided database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

const orderColumns = `id, buyer_id, product_id, quantity, price_cents, status, created_at, updated_at`

// Create inserts a new order row.  The order must carry its id.  A
// duplicate id yields ErrOrderExists.
func (r *OrderRepo) Create(ctx context.Context, o *model.Order) error {
	const q = `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, o.ID, o.BuyerID, o.ProductID, o.Quantity, o.PriceCents, o.Status,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		if isDuplicateKey(err) {
			return ErrOrderExists
		}
		return err
	}
	return nil
}

// GetByID loads a single order.  It returns ErrOrderNotFound when absent.
func (r *OrderRepo) GetByID(ctx context.Context, id string) (*model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	var o model.Order
	err := r.db.QueryRowContext(ctx, q, id).Scan(&o.ID, &o.BuyerID, &o.ProductID, &o.Quantity,
		&o.PriceCents, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// Transition moves an order from one status to another.  The update is
// guarded on the current status, so it reports false without error when the
// order is no longer in `from` (already settled by an earlier delivery).
func (r *OrderRepo) Transition(ctx context.Context, id, from, to string, at time.Time) (bool, error) {
	const q = `UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, q, to, at.UTC(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListStalePending returns up to limit pending orders created before the
// cutoff, oldest first.
func (r *OrderRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders
	      WHERE status = 'pending' AND created_at < ?
	      ORDER BY created_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.BuyerID, &o.ProductID, &o.Quantity, &o.PriceCents,
			&o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const viewQuery = `SELECT o.id, o.buyer_id, o.product_id, o.quantity, o.price_cents, o.status, o.created_at, o.updated_at,
                          p.name, p.seckill_price_cents, p.original_price_cents
                   FROM orders o
                   JOIN products p ON p.id = o.product_id`

func scanView(row interface{ Scan(...any) error }, v *model.OrderView) error {
	return row.Scan(&v.ID, &v.BuyerID, &v.ProductID, &v.Quantity, &v.PriceCents, &v.Status,
		&v.CreatedAt, &v.UpdatedAt, &v.ProductName, &v.SeckillPriceCents, &v.OriginalPriceCents)
}

// ListByBuyer returns the buyer's orders, newest first, joined with a
// snapshot of the product display fields.  An empty slice is returned when
// the buyer has no orders.
func (r *OrderRepo) ListByBuyer(ctx context.Context, buyerID uint64) ([]model.OrderView, error) {
	rows, err := r.db.QueryContext(ctx, viewQuery+` WHERE o.buyer_id = ? ORDER BY o.created_at DESC`, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OrderView{}
	for rows.Next() {
		var v model.OrderView
		if err := scanView(rows, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetForBuyer returns one order joined with product fields.  Orders owned
// by another buyer are reported as ErrOrderNotFound.
func (r *OrderRepo) GetForBuyer(ctx context.Context, id string, buyerID uint64) (*model.OrderView, error) {
	var v model.OrderView
	err := scanView(r.db.QueryRowContext(ctx, viewQuery+` WHERE o.id = ? AND o.buyer_id = ?`, id, buyerID), &v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &v, nil
}
