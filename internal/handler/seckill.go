package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/service"
)

// Purchaser places flash-sale orders.
type Purchaser interface {
	PlaceOrder(ctx context.Context, buyerID, productID uint64, qty int64) (*service.Receipt, error)
}

// StockReader reads the display stock of a product.
type StockReader interface {
	GetStock(ctx context.Context, productID uint64) (int64, error)
}

// SeckillHandler serves the purchase endpoint and the public stock view.
type SeckillHandler struct {
	Orders  Purchaser
	Counter StockReader
	Log     *slog.Logger
}

// NewSeckillHandler constructs a SeckillHandler.  All dependencies must be
// non-nil.
func NewSeckillHandler(orders Purchaser, stock StockReader, log *slog.Logger) *SeckillHandler {
	if orders == nil || stock == nil {
		panic("nil dependency passed to NewSeckillHandler")
	}
	return &SeckillHandler{Orders: orders, Counter: stock, Log: log}
}

type purchaseRequest struct {
	ProductID uint64 `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Purchase handles POST /v1/seckill.  The body carries product_id and an
// optional quantity (default 1, at most 10).  It returns 201 with the
// receipt when the buyer was admitted.  Policy outcomes map to 4xx with
// the outcome code in "error"; infrastructure failures return 503 and the
// client should poll its orders before retrying.
func (h *SeckillHandler) Purchase(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body purchaseRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ProductID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "product_id is required"})
	}
	if body.Quantity == 0 {
		body.Quantity = 1
	}

	ctx := c.Request().Context()
	receipt, err := h.Orders.PlaceOrder(ctx, buyerID, body.ProductID, body.Quantity)
	if err != nil {
		status := purchaseStatus(err)
		if status == http.StatusServiceUnavailable {
			h.Log.WarnContext(ctx, "purchase unavailable",
				slog.Uint64("buyer_id", buyerID),
				slog.Uint64("product_id", body.ProductID),
				slog.String("error", err.Error()),
			)
		}
		return c.JSON(status, echo.Map{"error": service.Code(err)})
	}
	return c.JSON(http.StatusCreated, receipt)
}

func purchaseStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotStarted), errors.Is(err, service.ErrEnded):
		return http.StatusForbidden
	case errors.Is(err, service.ErrSoldOut), errors.Is(err, service.ErrAlreadyAttempted):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// Stock handles GET /v1/products/:id/stock.  The value is for display
// only; admission is decided by the purchase path.
func (h *SeckillHandler) Stock(c echo.Context) error {
	productID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	n, err := h.Counter.GetStock(c.Request().Context(), productID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found"})
		}
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"product_id": productID, "stock": n})
}
