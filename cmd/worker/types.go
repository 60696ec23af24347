package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
)

// Dispatcher delivers an order confirmation to the customer.
type Dispatcher interface {
	Dispatch(ctx context.Context, o orders.Order, msg orders.ConfirmationMessage) error
}

// LogDispatcher records the confirmation in the log. Delivery channels plug in behind
// Dispatcher.
type LogDispatcher struct {
	Logger *zap.Logger
}

// Dispatch implements Dispatcher.
func (d LogDispatcher) Dispatch(ctx context.Context, o orders.Order, msg orders.ConfirmationMessage) error {
	logging.FromContext(ctx, d.Logger).Info("order confirmation",
		zap.String("order_id", o.OrderID),
		zap.String("user_id", o.UserID),
		zap.Float64("total_amount", o.TotalAmount),
		zap.String("payment_status", o.PaymentStatus),
		zap.Int("items", len(o.Lines)),
	)
	return nil
}
