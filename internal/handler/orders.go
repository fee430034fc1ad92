package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seckill/internal/model"
	"github.com/iliyamo/seckill/internal/repository"
)

// OrderViewer reads a buyer's orders.
type OrderViewer interface {
	ListByBuyer(ctx context.Context, buyerID uint64) ([]model.OrderView, error)
	GetForBuyer(ctx context.Context, id string, buyerID uint64) (*model.OrderView, error)
}

// OrdersHandler lets buyers poll the outcome of their purchases.
type OrdersHandler struct {
	Orders OrderViewer
}

// NewOrdersHandler constructs an OrdersHandler.
func NewOrdersHandler(orders OrderViewer) *OrdersHandler {
	if orders == nil {
		panic("nil repository passed to NewOrdersHandler")
	}
	return &OrdersHandler{Orders: orders}
}

type orderResponse struct {
	OrderID            string `json:"order_id"`
	ProductID          uint64 `json:"product_id"`
	ProductName        string `json:"product_name"`
	Quantity           int64  `json:"quantity"`
	PriceCents         uint64 `json:"price_cents"`
	SeckillPriceCents  uint64 `json:"seckill_price_cents"`
	OriginalPriceCents uint64 `json:"original_price_cents"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toOrderResponse(v model.OrderView) orderResponse {
	return orderResponse{
		OrderID:            v.ID,
		ProductID:          v.ProductID,
		ProductName:        v.ProductName,
		Quantity:           v.Quantity,
		PriceCents:         v.PriceCents,
		SeckillPriceCents:  v.SeckillPriceCents,
		OriginalPriceCents: v.OriginalPriceCents,
		Status:             v.Status,
		CreatedAt:          v.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          v.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// List handles GET /v1/orders and returns the caller's orders, newest first.
func (h *OrdersHandler) List(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	views, err := h.Orders.ListByBuyer(c.Request().Context(), buyerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	out := make([]orderResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toOrderResponse(v))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": out})
}

// Get handles GET /v1/orders/:id.  Orders of other buyers are reported as
// not found.
func (h *OrdersHandler) Get(c echo.Context) error {
	buyerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid order id"})
	}
	v, err := h.Orders.GetForBuyer(c.Request().Context(), id, buyerID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "order not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, toOrderResponse(*v))
}
