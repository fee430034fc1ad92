package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"                             // import the Echo web framework to handle routing
	"github.com/prometheus/client_golang/prometheus/promhttp" // promhttp serves the metrics registry

	"github.com/iliyamo/seckill/internal/handler" // import the handlers that implement business logic
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance: liveness, readiness and the Prometheus scrape
// endpoint.
func RegisterRoutes(e *echo.Echo, probes map[string]handler.Probe) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(probes))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterPublic registers unauthenticated sale endpoints.  The stock
// value shown here is for display; it never decides admission.
func RegisterPublic(e *echo.Echo, h *handler.SeckillHandler) {
	e.GET("/v1/products/:id/stock", h.Stock)
}
