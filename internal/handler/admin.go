package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seckill/internal/repository"
)

// StockAdmin rewrites stock counters from the ledger.
type StockAdmin interface {
	InitStock(ctx context.Context, productID uint64) (int64, error)
	SyncAllStock(ctx context.Context) (int, error)
}

// ReservationReleaser drops a buyer's reservation.
type ReservationReleaser interface {
	Release(ctx context.Context, productID, buyerID uint64) error
}

// AdminHandler exposes operator endpoints for drift correction.
type AdminHandler struct {
	Stock StockAdmin
	Gate  ReservationReleaser
	Log   *slog.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(stock StockAdmin, gate ReservationReleaser, log *slog.Logger) *AdminHandler {
	if stock == nil || gate == nil {
		panic("nil dependency passed to NewAdminHandler")
	}
	return &AdminHandler{Stock: stock, Gate: gate, Log: log}
}

// SyncAll handles POST /v1/admin/stock/sync.  Products that failed are
// reported but do not stop the sync.
func (h *AdminHandler) SyncAll(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.Stock.SyncAllStock(ctx)
	if err != nil {
		h.Log.WarnContext(ctx, "stock sync incomplete", slog.Int("synced", n), slog.String("error", err.Error()))
		return c.JSON(http.StatusMultiStatus, echo.Map{"synced": n, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"synced": n})
}

// InitOne handles POST /v1/admin/stock/:id/init.
func (h *AdminHandler) InitOne(c echo.Context) error {
	productID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	n, err := h.Stock.InitStock(c.Request().Context(), productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "product not found"})
		}
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"product_id": productID, "stock": n})
}

// ReleaseReservation handles DELETE /v1/admin/reservations/:product_id/:buyer_id
// and lets a buyer try again before the reservation expires.
func (h *AdminHandler) ReleaseReservation(c echo.Context) error {
	productID, ok := parseID(c, "product_id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	buyerID, ok := parseID(c, "buyer_id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid buyer id"})
	}
	ctx := c.Request().Context()
	if err := h.Gate.Release(ctx, productID, buyerID); err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "unavailable"})
	}
	h.Log.InfoContext(ctx, "reservation released by admin",
		slog.Uint64("product_id", productID),
		slog.Uint64("buyer_id", buyerID),
	)
	return c.NoContent(http.StatusNoContent)
}
