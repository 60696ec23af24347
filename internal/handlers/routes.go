package handlers

import (
	"net/http"
	"time"

	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/checkout"
	"github.com/imrishuroy/go-checkout-orderflow/internal/coupons"
	"github.com/imrishuroy/go-checkout-orderflow/internal/identity"
	"github.com/imrishuroy/go-checkout-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
	"github.com/imrishuroy/go-checkout-orderflow/internal/shipping"
	"github.com/imrishuroy/go-checkout-orderflow/internal/validation"
)

const (
	headerCorrelationID  = "X-Correlation-Id"
	headerIdempotencyKey = "Idempotency-Key"
	headerPaymentToken   = "X-Payment-Token"
	correlationKey       = "correlation_id"
)

// HandlerConfig groups dependencies for the HTTP surface.
type HandlerConfig struct {
	Checkout            *checkout.Service
	Orders              *orders.Manager
	Coupons             *coupons.Evaluator
	Shipping            *shipping.Resolver
	Idempotency         *idempotency.Store // optional; without it Idempotency-Key is ignored
	Audit               orders.Auditor
	Identity            *identity.Resolver
	AllowHeaderIdentity bool
	// ExposeErrors adds internal error details to 500 responses. Never set in production.
	ExposeErrors bool
	Logger       *zap.Logger
}

// RegisterRoutes registers the order, promotion and shipping routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &handler{cfg: cfg, v: validation.New()}

	r.Use(requestContext(cfg.Logger))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/", identity.Middleware(cfg.Identity, cfg.AllowHeaderIdentity, cfg.Logger))
	authed.POST("/orders/checkout", h.checkout)
	authed.GET("/orders/:id", h.getOrder)
	authed.GET("/orders/:id/history", h.orderHistory)
	authed.DELETE("/orders/:id", h.cancelOrder)
	authed.POST("/promotions/validate", h.validatePromotion)
	authed.GET("/shipping/rate", h.shippingRate)

	admin := authed.Group("/admin", requireAdmin)
	admin.PATCH("/orders/:id/status", h.updateStatus)
	admin.GET("/shipping-rates", h.getShippingRates)
	admin.PUT("/shipping-rates", h.putShippingRates)
}

type handler struct {
	cfg HandlerConfig
	v   *validatorv10.Validate
}

// requestContext attaches a correlation id and a request-scoped logger.
func requestContext(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		cid := c.GetHeader(headerCorrelationID)
		if cid == "" {
			if gw, ok := core.GetAPIGatewayContextFromContext(ctx); ok {
				cid = gw.RequestID
			}
		}
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Set(correlationKey, cid)
		c.Header(headerCorrelationID, cid)

		l := logger.With(zap.String("correlation_id", cid))
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, l))

		start := time.Now()
		c.Next()
		l.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func requireAdmin(c *gin.Context) {
	p, err := identity.FromGin(c)
	if err != nil || !p.Admin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "admin role required"})
		return
	}
	c.Next()
}

func actorOf(c *gin.Context) (orders.Actor, bool) {
	p, err := identity.FromGin(c)
	if err != nil {
		return orders.Actor{}, false
	}
	return orders.Actor{UserID: p.UserID, Admin: p.Admin}, true
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}
