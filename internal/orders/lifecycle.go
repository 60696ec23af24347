package orders

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/audit"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/inventory"
	"github.com/imrishuroy/go-checkout-orderflow/internal/payments"
)

const maxChangeAttempts = 3

// Actor is the resolved principal acting on an order.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) canAccess(o *Order) bool {
	return a.Admin || (a.UserID != "" && a.UserID == o.UserID)
}

// Auditor records audit entries; failures are ignored.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) error
}

// ManagerDeps wires a Manager.
type ManagerDeps struct {
	Store     *Store
	Inventory *inventory.Store
	Payments  payments.Gateway // nil when no processor is configured
	Audit     Auditor
	Metrics   *aws.MetricsRecorder
	Logger    *zap.Logger
}

// Manager governs order state after checkout.
type Manager struct {
	store     *Store
	inventory *inventory.Store
	payments  payments.Gateway
	audit     Auditor
	metrics   *aws.MetricsRecorder
	logger    *zap.Logger
}

// NewManager creates a Manager.
func NewManager(deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     deps.Store,
		inventory: deps.Inventory,
		payments:  deps.Payments,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Get returns an order visible to actor.
func (m *Manager) Get(ctx context.Context, orderID string, actor Actor) (*Order, error) {
	return m.load(ctx, "orders.get", orderID, actor)
}

// History returns an order's status history, oldest first.
func (m *Manager) History(ctx context.Context, orderID string, actor Actor) ([]HistoryRecord, error) {
	if _, err := m.load(ctx, "orders.history", orderID, actor); err != nil {
		return nil, err
	}
	return m.store.History(ctx, orderID)
}

// Cancel moves a Processing order to Cancelled and returns its stock in one transaction,
// then refunds a paid order best-effort. A refund failure marks the payment RefundFailed
// and does not undo the cancellation.
func (m *Manager) Cancel(ctx context.Context, orderID string, actor Actor) (*Order, error) {
	const op = "orders.cancel"
	for attempt := 1; attempt <= maxChangeAttempts; attempt++ {
		o, err := m.load(ctx, op, orderID, actor)
		if err != nil {
			return nil, err
		}
		if o.OrderStatus != StatusProcessing {
			return nil, apperr.New(op, apperr.KindConflict, apperr.CodeInvalidTransition,
				fmt.Sprintf("order in status %s cannot be cancelled", o.OrderStatus))
		}

		cancelled := StatusCancelled
		change := Change{OrderStatus: &cancelled, Actor: actor.UserID}
		at := m.store.nowFunc().UTC()
		items, err := m.store.ChangeItems(*o, change, at)
		if err != nil {
			return nil, err
		}
		restock, err := m.restockable(ctx, o.Lines)
		if err != nil {
			return nil, err
		}

		tx := aws.NewTransaction()
		tx.Add(TxOwner, items...)
		tx.Add(inventory.TxOwner, m.inventory.RestockItems(restock)...)
		err = m.store.Commit(ctx, tx, "")
		if err == nil {
			next := o.apply(change, at)
			m.logger.Info("order cancelled", zap.String("order_id", orderID), zap.String("actor", actor.UserID))
			if next.PaymentStatus == PaymentPaid {
				next = m.refund(ctx, next, actor)
			}
			m.metrics.Count(ctx, "OrderCancelled", 1, map[string]string{"PaymentStatus": next.PaymentStatus})
			m.record(ctx, actor, "order.cancelled", next)
			return &next, nil
		}
		if _, ok := aws.AsTxError(err); !ok {
			return nil, fmt.Errorf("cancel order: %w", err)
		}
		// the order or a product changed underneath us; re-read and re-check
		m.logger.Debug("cancel lost a race", zap.String("order_id", orderID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, apperr.New(op, apperr.KindConflict, apperr.CodeConcurrentUpdate, "order was modified concurrently, try again")
}

// UpdateStatus applies an administrative status change. Empty arguments are left as
// they are; unknown tokens fail with invalid_status and a request that changes
// nothing fails with no_change.
func (m *Manager) UpdateStatus(ctx context.Context, orderID, orderStatus, paymentStatus string, actor Actor) (*Order, error) {
	const op = "orders.update_status"
	if !actor.Admin {
		return nil, apperr.New(op, apperr.KindForbidden, apperr.CodeForbidden, "admin role required")
	}

	var wantOrder, wantPayment string
	if orderStatus != "" {
		s, ok := ParseStatus(orderStatus)
		if !ok {
			return nil, apperr.New(op, apperr.KindValidation, apperr.CodeInvalidStatus, fmt.Sprintf("unknown order status %q", orderStatus))
		}
		wantOrder = s
	}
	if paymentStatus != "" {
		s, ok := ParsePaymentStatus(paymentStatus)
		if !ok {
			return nil, apperr.New(op, apperr.KindValidation, apperr.CodeInvalidStatus, fmt.Sprintf("unknown payment status %q", paymentStatus))
		}
		wantPayment = s
	}

	for attempt := 1; attempt <= maxChangeAttempts; attempt++ {
		o, err := m.load(ctx, op, orderID, actor)
		if err != nil {
			return nil, err
		}
		change := Change{Actor: actor.UserID}
		if wantOrder != "" && wantOrder != o.OrderStatus {
			change.OrderStatus = &wantOrder
		}
		if wantPayment != "" && wantPayment != o.PaymentStatus {
			change.PaymentStatus = &wantPayment
		}
		if change.OrderStatus == nil && change.PaymentStatus == nil {
			return nil, apperr.New(op, apperr.KindValidation, apperr.CodeNoChange, "nothing to update")
		}

		next, err := m.store.Apply(ctx, *o, change)
		if errors.Is(err, ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.logger.Info("order status updated",
			zap.String("order_id", orderID),
			zap.String("order_status", next.OrderStatus),
			zap.String("payment_status", next.PaymentStatus),
		)
		m.metrics.Count(ctx, "OrderStatusChanged", 1, map[string]string{"OrderStatus": next.OrderStatus})
		m.record(ctx, actor, "order.status_updated", *next)
		return next, nil
	}
	return nil, apperr.New(op, apperr.KindConflict, apperr.CodeConcurrentUpdate, "order was modified concurrently, try again")
}

func (m *Manager) load(ctx context.Context, op, orderID string, actor Actor) (*Order, error) {
	o, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.New(op, apperr.KindNotFound, apperr.CodeOrderNotFound, "order not found")
	}
	if !actor.canAccess(o) {
		return nil, apperr.New(op, apperr.KindForbidden, apperr.CodeForbidden, "not allowed to access this order")
	}
	return o, nil
}

// restockable drops lines whose product no longer exists.
func (m *Manager) restockable(ctx context.Context, lines []Line) ([]inventory.Line, error) {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := m.inventory.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]inventory.Line, 0, len(lines))
	for _, l := range lines {
		if _, ok := products[l.ProductID]; !ok {
			m.logger.Warn("product gone, not restocking", zap.String("product_id", l.ProductID))
			continue
		}
		out = append(out, inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out, nil
}

func (m *Manager) refund(ctx context.Context, o Order, actor Actor) Order {
	outcome := PaymentRefunded
	switch {
	case o.Total().IsZero():
		// nothing was collected
	case m.payments == nil || o.PaymentTransactionID == "":
		outcome = PaymentRefundFailed
		m.logger.Warn("no payment processor to refund through", zap.String("order_id", o.OrderID))
	default:
		err := m.payments.Refund(ctx, payments.RefundRequest{
			TransactionID:  o.PaymentTransactionID,
			Amount:         o.Total(),
			IdempotencyKey: "refund-" + o.OrderID,
		})
		if err != nil {
			outcome = PaymentRefundFailed
			m.logger.Warn("refund failed", zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}

	next, err := m.store.Apply(ctx, o, Change{PaymentStatus: &outcome, Actor: actor.UserID})
	if err != nil {
		m.logger.Error("record refund outcome", zap.String("order_id", o.OrderID), zap.String("outcome", outcome), zap.Error(err))
		return o
	}
	m.metrics.Count(ctx, "Refund", 1, map[string]string{"Outcome": outcome})
	return *next
}

func (m *Manager) record(ctx context.Context, actor Actor, action string, o Order) {
	if m.audit == nil {
		return
	}
	err := m.audit.Append(ctx, audit.Entry{
		Actor:   actor.UserID,
		Action:  action,
		Subject: o.OrderID,
		At:      m.store.nowFunc().UTC(),
		Details: map[string]string{"order_status": o.OrderStatus, "payment_status": o.PaymentStatus},
	})
	if err != nil {
		m.logger.Debug("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
