package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seckill/internal/handler"
	"github.com/iliyamo/seckill/internal/middleware"
)

// RegisterBuyer registers buyer-scoped endpoints under /v1.  All routes
// require a valid JWT with the BUYER role.  Only the purchase endpoint is
// rate limited; polling orders must keep working while a buyer is
// throttled.
func RegisterBuyer(e *echo.Echo, s *handler.SeckillHandler, o *handler.OrdersHandler, p *handler.PushHandler,
	jwtSecret string, rateLimit echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleBuyer),
	)
	g.POST("/seckill", s.Purchase, rateLimit)
	g.GET("/orders", o.List)
	g.GET("/orders/:id", o.Get)
	g.GET("/ws", p.Connect)
}
