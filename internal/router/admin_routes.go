package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seckill/internal/handler"
	"github.com/iliyamo/seckill/internal/middleware"
)

// RegisterAdmin registers operator endpoints under /v1/admin.  They require
// the ADMIN role and are used to correct counter drift and to let a buyer
// retry before the reservation expires.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleAdmin),
	)
	g.POST("/stock/sync", h.SyncAll)
	g.POST("/stock/:id/init", h.InitOne)
	g.DELETE("/reservations/:product_id/:buyer_id", h.ReleaseReservation)
}
