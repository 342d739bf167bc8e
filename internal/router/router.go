package router // package router registers the HTTP routes of the payments API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/booking-payments/internal/handler"
	"github.com/iliyamo/booking-payments/internal/middleware"
)

// RegisterRoutes registers unauthenticated probes.  db may be nil, in which
// case only the liveness probe is exposed.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
}

// RegisterPayments registers the payment endpoints.  The webhook and return
// URL are called by the gateway and the customer's browser, so they carry no
// token and sit behind the rate limiter instead; everything else requires a
// JWT and a permission.
func RegisterPayments(e *echo.Echo, h *handler.PaymentHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	if limiter == nil {
		limiter = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	public := e.Group("/v1/payments", limiter)
	public.POST("/webhook", h.Webhook)
	public.GET("/return", h.Return)

	auth := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	auth.POST("/bookings/:id/payments", h.Initiate, middleware.RequirePermission(middleware.PermProcessPayments))
	auth.POST("/payments/:id/refund", h.Refund, middleware.RequirePermission(middleware.PermRefundPayments))
	auth.GET("/payments/:id", h.Get, middleware.RequirePermission(middleware.PermViewPayments))
}
