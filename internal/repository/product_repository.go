package repository

import (
	"context"      // context for controlling query lifetime
	"database/sql" // sql provides DB abstraction
	"errors"

	"github.com/iliyamo/seckill/internal/model"
)

// ProductRepo reads the products table.  Products are managed by catalog
// tooling outside this service, so the repo is read-only.
type ProductRepo struct {
	db *sql.DB
}

// NewProductRepo constructs a ProductRepo with the given DB handle.
func NewProductRepo(db *sql.DB) *ProductRepo {
	return &ProductRepo{db: db}
}

const productColumns = `id, name, original_price_cents, seckill_price_cents, stock, start_time, end_time, status, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }, p *model.Product) error {
	return row.Scan(&p.ID, &p.Name, &p.OriginalPriceCents, &p.SeckillPriceCents, &p.Stock,
		&p.StartTime, &p.EndTime, &p.Status, &p.CreatedAt, &p.UpdatedAt)
}

// GetByID retrieves a product by its ID.  It returns ErrProductNotFound if
// there is no matching row.
func (r *ProductRepo) GetByID(ctx context.Context, id uint64) (*model.Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE id = ?`
	var p model.Product
	if err := scanProduct(r.db.QueryRowContext(ctx, q, id), &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListIDs returns the ids of every product that has not ended.  It feeds
// the bulk counter sync at startup and from the admin endpoint.
func (r *ProductRepo) ListIDs(ctx context.Context) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM products WHERE status <> 'ended' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AvailableStock returns the authoritative number of units still for sale:
// the configured stock minus every unit held by a pending or confirmed
// order.  This is the value the Redis counter is reconciled to.  The result
// is clamped at zero.
func (r *ProductRepo) AvailableStock(ctx context.Context, id uint64) (int64, error) {
	const q = `SELECT p.stock - COALESCE((
	               SELECT SUM(o.quantity) FROM orders o
	               WHERE o.product_id = p.id AND o.status IN ('pending','confirmed')
	           ), 0)
	           FROM products p WHERE p.id = ?`
	var n int64
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}
