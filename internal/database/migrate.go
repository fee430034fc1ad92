package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL for the durable ledger.  Every statement is
// idempotent so Migrate can run on each boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id                   BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		name                 VARCHAR(200)    NOT NULL,
		original_price_cents BIGINT UNSIGNED NOT NULL DEFAULT 0,
		seckill_price_cents  BIGINT UNSIGNED NOT NULL DEFAULT 0,
		stock                INT             NOT NULL DEFAULT 0,
		start_time           DATETIME        NOT NULL,
		end_time             DATETIME        NOT NULL,
		status               ENUM('pending','active','ended') NOT NULL DEFAULT 'pending',
		created_at           DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at           DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_products_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS orders (
		id          CHAR(36)        NOT NULL,
		buyer_id    BIGINT UNSIGNED NOT NULL,
		product_id  BIGINT UNSIGNED NOT NULL,
		quantity    INT UNSIGNED    NOT NULL,
		price_cents BIGINT UNSIGNED NOT NULL,
		status      ENUM('pending','confirmed','cancelled') NOT NULL DEFAULT 'pending',
		created_at  DATETIME(3)     NOT NULL,
		updated_at  DATETIME(3)     NOT NULL,
		PRIMARY KEY (id),
		KEY idx_orders_buyer (buyer_id, created_at),
		KEY idx_orders_product_status (product_id, status),
		KEY idx_orders_status_created (status, created_at),
		CONSTRAINT fk_orders_product FOREIGN KEY (product_id) REFERENCES products (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the products and orders tables when they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
