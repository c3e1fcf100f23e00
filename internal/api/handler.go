package api

import (
	"context"
	"net/http"
	"time"

	"rental-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the operations exposed over HTTP.
type Services struct {
	Bookings   *service.BookingService
	Orders     *service.OrderService
	Payments   *service.PaymentService
	Reconciler *service.Reconciler
}

// Options tune the HTTP surface.
type Options struct {
	WebhookRateLimit float64
	WebhookRateBurst int
	Readiness        map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	bookings   *service.BookingService
	orders     *service.OrderService
	payments   *service.PaymentService
	reconciler *service.Reconciler
	opts       Options
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, opts Options) *Handler {
	return &Handler{
		bookings:   svc.Bookings,
		orders:     svc.Orders,
		payments:   svc.Payments,
		reconciler: svc.Reconciler,
		opts:       opts,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// Providers authenticate with signatures, not caller headers.
	v1.POST("/payments/callback/:provider",
		rateLimit(h.opts.WebhookRateLimit, h.opts.WebhookRateBurst),
		h.paymentCallback)

	authed := v1.Group("", requireCaller())
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/confirm", h.confirmOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
		authed.POST("/orders/:id/complete", h.completeOrder)
		authed.PATCH("/orders/:id/status", h.updateOrderStatus)

		authed.POST("/payments", h.createPayment)
		authed.GET("/payments/:id", h.getPayment)
		authed.GET("/payments/:id/events", h.listPaymentEvents)
		authed.POST("/payments/:id/refund", h.refundPayment)
		authed.POST("/payments/:id/cancel", h.cancelPayment)
		authed.POST("/payments/:id/simulate-success", h.simulateSuccess)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.opts.Readiness))
	ready := true
	for name, p := range h.opts.Readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}
