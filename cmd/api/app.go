package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/audit"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/cart"
	"github.com/imrishuroy/go-checkout-orderflow/internal/checkout"
	"github.com/imrishuroy/go-checkout-orderflow/internal/config"
	"github.com/imrishuroy/go-checkout-orderflow/internal/coupons"
	"github.com/imrishuroy/go-checkout-orderflow/internal/handlers"
	"github.com/imrishuroy/go-checkout-orderflow/internal/identity"
	"github.com/imrishuroy/go-checkout-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-checkout-orderflow/internal/inventory"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
	"github.com/imrishuroy/go-checkout-orderflow/internal/payments"
	"github.com/imrishuroy/go-checkout-orderflow/internal/shipping"
)

// app holds the wired service graph.
type app struct {
	router   *gin.Engine
	checkout *checkout.Service
}

func newApp(cfg config.Config, clients *aws.Clients, logger *zap.Logger) (*app, error) {
	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	t := cfg.Tables
	metrics := aws.NewMetricsRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger)
	auditor := audit.NewAppender(clients.DynamoDB, t.Audit)
	inv := inventory.NewStore(clients.DynamoDB, t.Products)
	orderStore := orders.NewStore(clients.DynamoDB, t.Orders, t.OrderHistory)
	evaluator := coupons.NewEvaluator(coupons.Deps{
		Store:  coupons.NewStore(clients.DynamoDB, t.Promotions, t.PromotionUsage, t.PromotionQuotas),
		Logger: logger,
	})
	resolver := shipping.NewResolver(clients.DynamoDB, t.Settings, logger)

	var notifier checkout.Notifier
	if cfg.OrdersQueueURL != "" {
		notifier = orders.NewQueueNotifier(aws.NewPublisher(clients.SQS, cfg.OrdersQueueURL))
	} else {
		logger.Warn("ORDERS_QUEUE_URL not set, order confirmations disabled")
	}

	svc := checkout.NewService(checkout.Deps{
		DB:          clients.DynamoDB,
		Carts:       cart.NewStore(clients.DynamoDB, t.Carts),
		Inventory:   inv,
		Coupons:     evaluator,
		Shipping:    resolver,
		Payments:    gateway,
		Orders:      orderStore,
		Notifier:    notifier,
		Audit:       auditor,
		Metrics:     metrics,
		Logger:      logger,
		MaxAttempts: cfg.CheckoutMaxAttempts,
		Backoff:     cfg.CheckoutBackoff,
		Currency:    cfg.PaymentCurrency,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterRoutes(r, handlers.HandlerConfig{
		Checkout: svc,
		Orders: orders.NewManager(orders.ManagerDeps{
			Store:     orderStore,
			Inventory: inv,
			Payments:  gateway,
			Audit:     auditor,
			Metrics:   metrics,
			Logger:    logger,
		}),
		Coupons:             evaluator,
		Shipping:            resolver,
		Idempotency:         idempotency.NewStore(clients.DynamoDB, t.Idempotency, cfg.IdempotencyTTL).WithLease(cfg.IdempotencyLease),
		Audit:               auditor,
		Identity:            identity.NewResolver(identity.DefaultChain(identity.NewEmailDirectory(clients.DynamoDB, t.UserEmails))...),
		AllowHeaderIdentity: cfg.AllowHeaderIdentity,
		ExposeErrors:        !cfg.Production(),
		Logger:              logger,
	})

	return &app{router: r, checkout: svc}, nil
}

// newGateway selects the payment processor. "none" leaves orders pending.
func newGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	switch cfg.PaymentProvider {
	case "", "none":
		logger.Warn("no payment provider configured, orders will be left pending")
		return nil, nil
	case "mock":
		return payments.NewMockGateway(), nil
	case "stripe":
		gw, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:   cfg.StripeAPIKey,
			Currency: cfg.PaymentCurrency,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.PaymentProvider)
	}
}
