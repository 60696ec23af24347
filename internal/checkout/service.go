// Package checkout turns a user's cart into a durable order.
//
// DynamoDB has no interactive transactions, so an attempt is a sequence of atomic steps:
// reserve (stock decrements, cart consumption and coupon redemption in one conditional
// TransactWriteItems), charge, then persist the order. A decline or a persistence failure
// runs the compensating release, leaving stock, cart and coupon usage as they were.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/audit"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/cart"
	"github.com/imrishuroy/go-checkout-orderflow/internal/coupons"
	"github.com/imrishuroy/go-checkout-orderflow/internal/inventory"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
	"github.com/imrishuroy/go-checkout-orderflow/internal/payments"
	"github.com/imrishuroy/go-checkout-orderflow/internal/shipping"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 200 * time.Millisecond
	persistTimeout     = 10 * time.Second
	readBackAttempts   = 3
)

// State is the progress of a single checkout attempt.
type State string

const (
	StateStart          State = "start"
	StateStockReserved  State = "stock_reserved"
	StatePaid           State = "paid"
	StatePaymentSkipped State = "payment_skipped"
	StatePersisted      State = "persisted"
	StateCommitted      State = "committed"
	StateAborted        State = "aborted"
)

var (
	errRetry      = errors.New("checkout: concurrent update")
	errCouponLost = errors.New("checkout: coupon redemption lost")

	// errOutcomeUnknown means the order write may or may not have landed.
	errOutcomeUnknown = errors.New("checkout: order outcome unknown")
)

// Request is one checkout call.
type Request struct {
	UserID          string
	PromoCode       string
	Region          string
	ShippingName    string
	ShippingAddress string
	ShippingPhone   string
	PaymentToken    string
	CorrelationID   string
}

// Notifier sends the order confirmation.
type Notifier interface {
	OrderConfirmed(ctx context.Context, o orders.Order, correlationID string) error
}

// Deps wires a Service.
type Deps struct {
	DB        aws.DynamoDBAPI
	Carts     *cart.Store
	Inventory *inventory.Store
	Coupons   *coupons.Evaluator
	Shipping  *shipping.Resolver
	Payments  payments.Gateway // nil when no processor is configured
	Orders    *orders.Store
	Notifier  Notifier
	Audit     orders.Auditor
	Metrics   *aws.MetricsRecorder
	Logger    *zap.Logger

	Clock       func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
	IDGen       func() string
	MaxAttempts int
	Backoff     time.Duration
	Currency    string
}

// Service is the checkout orchestrator.
type Service struct {
	db        aws.DynamoDBAPI
	carts     *cart.Store
	inventory *inventory.Store
	coupons   *coupons.Evaluator
	shipping  *shipping.Resolver
	payments  payments.Gateway
	orders    *orders.Store
	notifier  Notifier
	audit     orders.Auditor
	metrics   *aws.MetricsRecorder
	logger    *zap.Logger

	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	newID       func() string
	maxAttempts int
	backoff     time.Duration
	currency    string

	wg sync.WaitGroup
}

// NewService creates a Service.
func NewService(deps Deps) *Service {
	s := &Service{
		db:          deps.DB,
		carts:       deps.Carts,
		inventory:   deps.Inventory,
		coupons:     deps.Coupons,
		shipping:    deps.Shipping,
		payments:    deps.Payments,
		orders:      deps.Orders,
		notifier:    deps.Notifier,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         deps.Clock,
		sleep:       deps.Sleep,
		newID:       deps.IDGen,
		maxAttempts: deps.MaxAttempts,
		backoff:     deps.Backoff,
		currency:    deps.Currency,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.currency == "" {
		s.currency = "usd"
	}
	return s
}

// Checkout converts the user's cart into an order. Optimistic-concurrency conflicts are
// retried with a linear backoff; exhausting the attempts returns checkout_conflict.
// Coupon problems never fail a checkout: the order proceeds without the discount.
func (s *Service) Checkout(ctx context.Context, req Request) (*orders.Order, error) {
	const op = "checkout"
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.New(op, apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "authentication required")
	}
	checkoutID := s.newID()
	logger := logging.FromContext(ctx, s.logger).With(
		zap.String("user_id", req.UserID),
		zap.String("checkout_id", checkoutID),
	)

	dropCoupon := false
	attempt := 1
	for {
		order, err := s.attempt(ctx, req, checkoutID, attempt, dropCoupon, logger)
		if err == nil {
			s.afterCommit(ctx, *order, req, logger)
			return order, nil
		}
		if errors.Is(err, errCouponLost) && !dropCoupon {
			logger.Info("coupon exhausted concurrently, continuing without discount", zap.String("promo_code", req.PromoCode))
			dropCoupon = true
			continue
		}
		if !errors.Is(err, errRetry) {
			s.metrics.Count(ctx, "CheckoutFailed", 1, map[string]string{"Reason": failureReason(err)})
			return nil, err
		}

		s.metrics.Count(ctx, "CheckoutRetry", 1, nil)
		if attempt >= s.maxAttempts {
			break
		}
		logger.Warn("checkout attempt conflicted, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if err := s.sleep(ctx, s.backoff*time.Duration(attempt)); err != nil {
			return nil, fmt.Errorf("checkout retry: %w", err)
		}
		attempt++
	}

	logger.Warn("checkout retries exhausted", zap.Int("attempts", attempt))
	s.metrics.Count(ctx, "CheckoutFailed", 1, map[string]string{"Reason": string(apperr.CodeCheckoutConflict)})
	return nil, apperr.New(op, apperr.KindConflict, apperr.CodeCheckoutConflict, "checkout conflicted with concurrent updates, please retry")
}

// Wait blocks until post-commit notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// reserved is everything a successful reserve step committed.
type reserved struct {
	lines       []cart.Line
	reservation *inventory.Reservation
	redemption  *coupons.Redemption
	charge      *payments.ChargeResult
}

func (s *Service) attempt(ctx context.Context, req Request, checkoutID string, n int, dropCoupon bool, logger *zap.Logger) (*orders.Order, error) {
	const op = "checkout"
	state := StateStart
	logger = logger.With(zap.Int("attempt", n))
	defer func() {
		logger.Debug("checkout attempt finished", zap.String("state", string(state)))
	}()

	lines, err := s.carts.Lines(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if len(lines) == 0 {
		return nil, apperr.New(op, apperr.KindValidation, apperr.CodeEmptyCart, "cart is empty")
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := s.inventory.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	subtotal := decimal.Zero
	orderLines := make([]orders.Line, 0, len(lines))
	stockLines := make([]inventory.Line, 0, len(lines))
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return nil, apperr.New(op, apperr.KindNotFound, apperr.CodeProductMissing, fmt.Sprintf("product %s is no longer available", l.ProductID))
		}
		if l.Quantity <= 0 {
			return nil, apperr.New(op, apperr.KindValidation, apperr.CodeInvalidInput, fmt.Sprintf("invalid quantity for product %s", l.ProductID))
		}
		price := p.UnitPrice()
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(l.Quantity))))
		orderLines = append(orderLines, orders.Line{ProductID: p.ProductID, Name: p.Name, Quantity: l.Quantity, UnitPrice: price.InexactFloat64()})
		stockLines = append(stockLines, inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	reservation, err := s.inventory.NewReservation(stockLines)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.KindValidation, apperr.CodeInvalidInput, "cart contains an invalid line", err)
	}

	var (
		coupon     coupons.Result
		redemption *coupons.Redemption
	)
	if code := coupons.NormalizeCode(req.PromoCode); code != "" && !dropCoupon {
		coupon, redemption, err = s.coupons.Reserve(ctx, code, req.UserID, subtotal)
		switch {
		case err != nil:
			logger.Warn("coupon evaluation failed, continuing without discount", zap.String("promo_code", code), zap.Error(err))
			coupon, redemption = coupons.Result{}, nil
		case !coupon.Valid:
			logger.Info("coupon not applied", zap.String("promo_code", code), zap.String("reason", string(coupon.Reason)))
		}
	}

	discount := decimal.Zero
	if coupon.Valid {
		discount = coupon.DiscountAmount
	}
	region := shipping.ParseRegion(req.Region)
	shippingCost := s.shipping.GetRate(ctx, string(region), subtotal)
	if coupon.Valid && coupon.FreeShipping {
		shippingCost = decimal.Zero
	}
	total := subtotal.Add(shippingCost).Sub(discount)
	if total.IsNegative() {
		logger.Error("invariant violation: negative total clamped to zero",
			zap.String("subtotal", subtotal.String()),
			zap.String("shipping", shippingCost.String()),
			zap.String("discount", discount.String()),
		)
		total = decimal.Zero
	}

	// reserve
	tx := aws.NewTransaction()
	tx.Add(inventory.TxOwner, reservation.WriteItems()...)
	tx.Add(cart.TxOwner, s.carts.ConsumeItems(lines)...)
	if redemption != nil {
		tx.Add(coupons.TxOwner, redemption.WriteItems()...)
	}
	if err := tx.Commit(ctx, s.db, ""); err != nil {
		state = StateAborted
		return nil, classifyReserve(err, reservation, redemption)
	}
	state = StateStockReserved
	held := reserved{lines: lines, reservation: reservation, redemption: redemption}

	// pay
	paymentStatus := orders.PaymentPending
	switch {
	case s.payments == nil:
		state = StatePaymentSkipped
	case total.IsZero():
		paymentStatus = orders.PaymentPaid
		state = StatePaid
	default:
		res, err := s.payments.Charge(ctx, payments.ChargeRequest{
			Amount:         total,
			Currency:       s.currency,
			Token:          req.PaymentToken,
			IdempotencyKey: checkoutID + "-" + strconv.Itoa(n),
			Metadata:       map[string]string{"user_id": req.UserID, "checkout_id": checkoutID},
		})
		switch {
		case err == nil:
			held.charge = &res
			paymentStatus = orders.PaymentPaid
			state = StatePaid
		case payments.IsDeclined(err):
			state = StateAborted
			s.release(ctx, logger, held, total)
			return nil, apperr.Wrap(op, apperr.KindExternal, apperr.CodePaymentDeclined, "payment was declined", err)
		case ctx.Err() != nil:
			state = StateAborted
			s.release(ctx, logger, held, total)
			return nil, fmt.Errorf("charge: %w", ctx.Err())
		default:
			logger.Warn("payment processor failed, order left pending", zap.Error(err))
			state = StatePaymentSkipped
		}
	}
	if err := ctx.Err(); err != nil {
		state = StateAborted
		s.release(ctx, logger, held, total)
		return nil, fmt.Errorf("checkout aborted: %w", err)
	}

	// persist
	now := s.now().UTC()
	order := orders.Order{
		OrderID:         s.newID(),
		UserID:          req.UserID,
		OrderDate:       now,
		Lines:           orderLines,
		Subtotal:        money(subtotal),
		TotalAmount:     money(total),
		ShippingCost:    money(shippingCost),
		DiscountAmount:  money(discount),
		FreeShipping:    coupon.Valid && coupon.FreeShipping,
		Region:          string(region),
		ShippingName:    strings.TrimSpace(req.ShippingName),
		ShippingAddress: strings.TrimSpace(req.ShippingAddress),
		ShippingPhone:   strings.TrimSpace(req.ShippingPhone),
		PaymentStatus:   paymentStatus,
		OrderStatus:     orders.StatusProcessing,
		CheckoutID:      checkoutID,
		UpdatedAt:       now,
	}
	if coupon.Valid {
		order.PromoCode = coupon.Promotion.Code
		if coupon.DiscountPercent != nil {
			pct := coupon.DiscountPercent.InexactFloat64()
			order.DiscountPercent = &pct
		}
	}
	if held.charge != nil {
		order.PaymentTransactionID = held.charge.TransactionID
	}

	if err := s.persist(ctx, order); err != nil {
		state = StateAborted
		if errors.Is(err, errOutcomeUnknown) {
			// releasing could resell stock that a written order holds
			logger.Error("order outcome unknown, reservation held for reconciliation",
				zap.String("checkout_id", order.CheckoutID),
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("persist order: %w", err)
		}
		s.release(ctx, logger, held, total)
		if aws.IsConflict(err) {
			return nil, fmt.Errorf("%w: persist: %v", errRetry, err)
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}
	state = StatePersisted

	logger.Info("order placed",
		zap.String("order_id", order.OrderID),
		zap.String("total", total.StringFixed(2)),
		zap.String("payment_status", paymentStatus),
	)
	state = StateCommitted
	return &order, nil
}

// persist writes the order on a context that survives request cancellation, so the
// outcome is never left ambiguous by a caller timeout. An error that may hide a
// successful write is resolved by reading the order back; if that keeps failing the
// error wraps errOutcomeUnknown.
func (s *Service) persist(ctx context.Context, order orders.Order) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	items, err := s.orders.CreateItems(order)
	if err != nil {
		return err
	}
	tx := aws.NewTransaction()
	tx.Add(orders.TxOwner, items...)
	err = s.orders.Commit(ctx, tx, "")
	if err == nil {
		return nil
	}
	if _, ok := aws.AsTxError(err); ok {
		return err
	}
	written, readErr := s.readBack(ctx, order)
	if readErr != nil {
		return fmt.Errorf("%w: %v (read back: %v)", errOutcomeUnknown, err, readErr)
	}
	if written {
		return nil
	}
	return err
}

// readBack reports whether this checkout's order is stored, retrying failed reads a
// bounded number of times.
func (s *Service) readBack(ctx context.Context, order orders.Order) (bool, error) {
	for i := 1; ; i++ {
		existing, err := s.orders.Get(ctx, order.OrderID)
		if err == nil {
			return existing != nil && existing.CheckoutID == order.CheckoutID, nil
		}
		if i == readBackAttempts || ctx.Err() != nil {
			return false, err
		}
		_ = s.sleep(ctx, s.backoff*time.Duration(i))
	}
}

func classifyReserve(err error, reservation *inventory.Reservation, redemption *coupons.Redemption) error {
	txErr, ok := aws.AsTxError(err)
	if !ok {
		return fmt.Errorf("reserve: %w", err)
	}
	if failure := reservation.Failure(txErr); failure != nil {
		return failure
	}
	if redemption != nil && redemption.Lost(txErr) {
		return errCouponLost
	}
	if txErr.Conflict() || len(txErr.ConditionFailures(cart.TxOwner)) > 0 {
		return fmt.Errorf("%w: %v", errRetry, txErr)
	}
	return fmt.Errorf("reserve: %w", err)
}

// release undoes a committed reserve step and refunds a captured charge. It runs on a
// detached context: a cancelled request must still roll back.
func (s *Service) release(ctx context.Context, logger *zap.Logger, held reserved, total decimal.Decimal) {
	ctx = context.WithoutCancel(ctx)

	tx := aws.NewTransaction()
	tx.Add(inventory.TxOwner, held.reservation.ReleaseItems()...)
	restore, err := s.carts.RestoreItems(held.lines)
	if err != nil {
		logger.Error("build cart restore", zap.Error(err))
	}
	tx.Add(cart.TxOwner, restore...)
	s.commitRelease(ctx, logger, "stock_and_cart", tx)

	if held.redemption != nil {
		couponTx := aws.NewTransaction()
		couponTx.Add(coupons.TxOwner, held.redemption.ReleaseItems()...)
		s.commitRelease(ctx, logger, "coupon", couponTx)
		if items := held.redemption.GiveBackItems(); len(items) > 0 {
			counterTx := aws.NewTransaction()
			counterTx.Add(coupons.TxOwner, items...)
			s.commitRelease(ctx, logger, "coupon_counter", counterTx)
		}
	}

	if held.charge != nil {
		if err := s.payments.Refund(ctx, payments.RefundRequest{
			TransactionID:  held.charge.TransactionID,
			Amount:         total,
			IdempotencyKey: "release-" + held.charge.TransactionID,
		}); err != nil {
			logger.Error("refund of released checkout failed, manual reconciliation required",
				zap.String("transaction_id", held.charge.TransactionID), zap.Error(err))
		}
	}
	s.metrics.Count(ctx, "CheckoutReleased", 1, nil)
}

func (s *Service) commitRelease(ctx context.Context, logger *zap.Logger, what string, tx *aws.Transaction) {
	for i := 1; i <= s.maxAttempts; i++ {
		err := tx.Commit(ctx, s.db, "")
		if err == nil {
			return
		}
		if !aws.IsConflict(err) || i == s.maxAttempts {
			logger.Error("release failed, manual reconciliation required", zap.String("what", what), zap.Error(err))
			return
		}
		_ = s.sleep(ctx, s.backoff*time.Duration(i))
	}
}

// afterCommit records the checkout and sends the confirmation in the background.
// None of it can fail the checkout.
func (s *Service) afterCommit(ctx context.Context, o orders.Order, req Request, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.metrics.Count(ctx, "CheckoutSucceeded", 1, map[string]string{"PaymentStatus": o.PaymentStatus})
		if s.audit != nil {
			if err := s.audit.Append(ctx, audit.Entry{
				Actor:   req.UserID,
				Action:  "order.created",
				Subject: o.OrderID,
				Details: map[string]string{"total": fmt.Sprintf("%.2f", o.TotalAmount), "payment_status": o.PaymentStatus},
			}); err != nil {
				logger.Debug("audit append failed", zap.Error(err))
			}
		}
		if s.notifier != nil {
			if err := s.notifier.OrderConfirmed(ctx, o, req.CorrelationID); err != nil {
				logger.Warn("order confirmation not sent", zap.String("order_id", o.OrderID), zap.Error(err))
			}
		}
	}()
}

func failureReason(err error) string {
	if code := apperr.CodeOf(err); code != "" {
		return string(code)
	}
	return "internal"
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
