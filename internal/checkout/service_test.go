package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws/awstest"
	"github.com/imrishuroy/go-checkout-orderflow/internal/cart"
	"github.com/imrishuroy/go-checkout-orderflow/internal/coupons"
	"github.com/imrishuroy/go-checkout-orderflow/internal/inventory"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
	"github.com/imrishuroy/go-checkout-orderflow/internal/payments"
	"github.com/imrishuroy/go-checkout-orderflow/internal/shipping"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	fake    *awstest.FakeDynamo
	sqs     *awstest.FakeSQS
	cw      *awstest.FakeCloudWatch
	gateway *payments.MockGateway
	orders  *orders.Store
	deps    Deps

	mu     sync.Mutex
	sleeps []time.Duration
}

func intPtr(n int) *int { return &n }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := awstest.NewFakeDynamo()
	fake.CreateTable("products", "product_id", "")
	fake.CreateTable("carts", "user_id", "product_id")
	fake.CreateTable("promotions", "code", "")
	fake.CreateTable("promotion_usage", "usage_key", "usage_id")
	fake.CreateTable("promotion_quotas", "usage_key", "")
	fake.CreateTable("settings", "setting_key", "")
	fake.CreateTable("orders", "order_id", "")
	fake.CreateTable("order_history", "order_id", "history_id")
	fake.CreateTable("audit", "audit_id", "")

	f := &fixture{
		fake:    fake,
		sqs:     awstest.NewFakeSQS(),
		cw:      &awstest.FakeCloudWatch{},
		gateway: payments.NewMockGateway(),
		orders:  orders.NewStore(fake, "orders", "order_history"),
	}
	f.deps = Deps{
		DB:        fake,
		Carts:     cart.NewStore(fake, "carts"),
		Inventory: inventory.NewStore(fake, "products"),
		Coupons: coupons.NewEvaluator(coupons.Deps{
			Store: coupons.NewStore(fake, "promotions", "promotion_usage", "promotion_quotas"),
			Clock: func() time.Time { return now },
		}),
		Shipping: shipping.NewResolver(fake, "settings", nil),
		Payments: f.gateway,
		Orders:   f.orders,
		Notifier: orders.NewQueueNotifier(aws.NewPublisher(f.sqs, "https://sqs.local/confirmations")),
		Metrics:  aws.NewMetricsRecorder(f.cw, "Checkout", nil),
		Clock:    func() time.Time { return now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
			return nil
		},
	}
	return f
}

func (f *fixture) service() *Service {
	return NewService(f.deps)
}

func (f *fixture) product(t *testing.T, id string, price float64, stock int) {
	t.Helper()
	require.NoError(t, f.fake.Seed("products", inventory.Product{ProductID: id, Name: "Product " + id, Price: price, StockQty: stock, InitialStock: stock}))
}

func (f *fixture) addToCart(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	require.NoError(t, f.fake.Seed("carts", cart.Line{UserID: userID, ProductID: productID, Quantity: qty}))
}

func (f *fixture) promotion(t *testing.T, p coupons.Promotion) {
	t.Helper()
	p.IsActive = true
	if p.ID == "" {
		p.ID = "promo-" + p.Code
	}
	require.NoError(t, f.fake.Seed("promotions", p))
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	var p inventory.Product
	ok, err := f.fake.Load("products", &p, id)
	require.NoError(t, err)
	require.True(t, ok)
	return p.StockQty
}

func (f *fixture) cartLines(t *testing.T, userID string) []cart.Line {
	t.Helper()
	lines, err := f.deps.Carts.Lines(context.Background(), userID)
	require.NoError(t, err)
	return lines
}

func amount(s string) float64 {
	return decimal.RequireFromString(s).InexactFloat64()
}

func TestCheckout_PlacesOrder(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 25, 10)
	f.addToCart(t, "u1", "p1", 2)
	f.promotion(t, coupons.Promotion{Code: "SAVE5", Kind: coupons.KindFixed, FixedAmount: 5, GlobalUsageLimit: intPtr(10), RemainingUses: intPtr(10)})
	svc := f.service()

	order, err := svc.Checkout(context.Background(), Request{
		UserID:          "u1",
		PromoCode:       "save5",
		Region:          "national",
		ShippingName:    "Ada",
		ShippingAddress: "1 Main St",
		PaymentToken:    "tok_visa",
		CorrelationID:   "corr-1",
	})
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, amount("50"), order.Subtotal)
	assert.Equal(t, amount("5"), order.ShippingCost)
	assert.Equal(t, amount("5"), order.DiscountAmount)
	assert.Equal(t, amount("50"), order.TotalAmount)
	assert.Equal(t, "SAVE5", order.PromoCode)
	assert.Equal(t, orders.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, orders.StatusProcessing, order.OrderStatus)
	assert.NotEmpty(t, order.PaymentTransactionID)
	assert.Equal(t, now, order.OrderDate)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, orders.Line{ProductID: "p1", Name: "Product p1", Quantity: 2, UnitPrice: 25}, order.Lines[0])

	stored, err := f.orders.Get(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, order.TotalAmount, stored.TotalAmount)

	history, err := f.orders.History(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	assert.Equal(t, 8, f.stock(t, "p1"))
	assert.Empty(t, f.cartLines(t, "u1"))
	assert.Equal(t, 1, f.fake.Count("promotion_usage"))
	assert.Equal(t, 1, f.gateway.Charged())

	require.Len(t, f.sqs.Messages, 1)
	var msg orders.ConfirmationMessage
	require.NoError(t, json.Unmarshal([]byte(*f.sqs.Messages[0].MessageBody), &msg))
	assert.Equal(t, order.OrderID, msg.OrderID)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Contains(t, f.cw.MetricNames(), "CheckoutSucceeded")
}

func TestCheckout_PercentageCouponEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 25, 10)
	f.addToCart(t, "u1", "p1", 2)
	f.promotion(t, coupons.Promotion{Code: "SAVE10", Kind: coupons.KindPercentage, DiscountPercent: 10})
	svc := f.service()

	order, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: "save10", Region: "national", PaymentToken: "tok_visa"})
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, amount("50"), order.Subtotal)
	assert.Equal(t, amount("5"), order.DiscountAmount)
	assert.Equal(t, amount("5"), order.ShippingCost)
	assert.Equal(t, amount("50"), order.TotalAmount)
	assert.Equal(t, "SAVE10", order.PromoCode)
	require.NotNil(t, order.DiscountPercent)
	assert.Equal(t, 10.0, *order.DiscountPercent)
	assert.Equal(t, 8, f.stock(t, "p1"))
	assert.Equal(t, 1, f.fake.Count("promotion_usage"))
}

func TestCheckout_NoOversell(t *testing.T) {
	const buyers = 10
	f := newFixture(t)
	f.product(t, "hot", 10, 3)
	for i := 0; i < buyers; i++ {
		f.addToCart(t, fmt.Sprintf("u%d", i), "hot", 1)
	}
	svc := f.service()

	var placed, insufficient atomic.Int32
	var g errgroup.Group
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("u%d", i)
		g.Go(func() error {
			_, err := svc.Checkout(context.Background(), Request{UserID: userID, PaymentToken: "tok_visa"})
			switch {
			case err == nil:
				placed.Add(1)
			case apperr.IsCode(err, apperr.CodeInsufficientStock):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	svc.Wait()

	assert.EqualValues(t, 3, placed.Load())
	assert.EqualValues(t, buyers-3, insufficient.Load())
	assert.Equal(t, 0, f.stock(t, "hot"))
	assert.Equal(t, 3, f.fake.Count("orders"))
	assert.Equal(t, buyers-3, f.fake.Count("carts"), "losers keep their carts")
}

func TestCheckout_DeclineLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 40, 5)
	f.addToCart(t, "u1", "p1", 2)
	f.promotion(t, coupons.Promotion{Code: "TEN", Kind: coupons.KindPercentage, DiscountPercent: 10, GlobalUsageLimit: intPtr(5), RemainingUses: intPtr(5), PerUserLimit: intPtr(1)})
	svc := f.service()

	_, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: "TEN", PaymentToken: payments.TokenDecline})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentDeclined))
	assert.Equal(t, "payment was declined", apperr.PublicMessage(err))

	assert.Equal(t, 5, f.stock(t, "p1"))
	lines := f.cartLines(t, "u1")
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, 0, f.fake.Count("promotion_usage"))
	assert.Equal(t, 0, f.fake.Count("orders"))

	var p coupons.Promotion
	_, err = f.fake.Load("promotions", &p, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 5, *p.RemainingUses)

	// the released coupon is still usable
	order, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: "TEN", PaymentToken: "tok_visa"})
	require.NoError(t, err)
	assert.Equal(t, amount("8"), order.DiscountAmount)
	svc.Wait()
}

func TestCheckout_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 10, 5)
	f.addToCart(t, "u1", "p1", 1)
	f.fake.InjectConflicts(2)
	svc := f.service()

	order, err := svc.Checkout(context.Background(), Request{UserID: "u1", PaymentToken: "tok_visa"})
	require.NoError(t, err)
	svc.Wait()

	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, f.sleeps)
	assert.Equal(t, 4, f.stock(t, "p1"))
}

func TestCheckout_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 10, 5)
	f.addToCart(t, "u1", "p1", 1)
	f.fake.InjectConflicts(3)

	_, err := f.service().Checkout(context.Background(), Request{UserID: "u1", PaymentToken: "tok_visa"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeCheckoutConflict))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Len(t, f.sleeps, 2)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Len(t, f.cartLines(t, "u1"), 1)
	assert.Equal(t, 0, f.gateway.Charged())
}

func TestCheckout_RejectsUnusableCarts(t *testing.T) {
	f := newFixture(t)
	svc := f.service()

	_, err := svc.Checkout(context.Background(), Request{UserID: "u1"})
	assert.True(t, apperr.IsCode(err, apperr.CodeEmptyCart))

	f.addToCart(t, "u2", "deleted", 1)
	_, err = svc.Checkout(context.Background(), Request{UserID: "u2"})
	assert.True(t, apperr.IsCode(err, apperr.CodeProductMissing))
	assert.Len(t, f.cartLines(t, "u2"), 1)

	_, err = svc.Checkout(context.Background(), Request{})
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestCheckout_CouponOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		subtotal     float64
		promo        coupons.Promotion
		code         string
		wantShipping string
		wantDiscount string
		wantTotal    string
		wantPromo    string
	}{
		{
			name:         "unknown code degrades to no discount",
			subtotal:     30,
			code:         "NOPE",
			wantShipping: "5",
			wantDiscount: "0",
			wantTotal:    "35",
		},
		{
			name:         "free shipping",
			subtotal:     30,
			promo:        coupons.Promotion{Code: "SHIP", Kind: coupons.KindFreeShipping},
			code:         "SHIP",
			wantShipping: "0",
			wantDiscount: "0",
			wantTotal:    "30",
			wantPromo:    "SHIP",
		},
		{
			name:         "fixed amount clamped to subtotal",
			subtotal:     10,
			promo:        coupons.Promotion{Code: "BIG", Kind: coupons.KindFixed, FixedAmount: 50},
			code:         "BIG",
			wantShipping: "5",
			wantDiscount: "10",
			wantTotal:    "5",
			wantPromo:    "BIG",
		},
		{
			name:         "minimum not met",
			subtotal:     10,
			promo:        coupons.Promotion{Code: "MIN", Kind: coupons.KindFixed, FixedAmount: 5, MinPurchase: func() *float64 { v := 20.0; return &v }()},
			code:         "MIN",
			wantShipping: "5",
			wantDiscount: "0",
			wantTotal:    "15",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.product(t, "p1", tt.subtotal, 1)
			f.addToCart(t, "u1", "p1", 1)
			if tt.promo.Code != "" {
				f.promotion(t, tt.promo)
			}
			svc := f.service()

			order, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: tt.code, PaymentToken: "tok_visa"})
			require.NoError(t, err)
			svc.Wait()

			assert.Equal(t, amount(tt.wantShipping), order.ShippingCost)
			assert.Equal(t, amount(tt.wantDiscount), order.DiscountAmount)
			assert.Equal(t, amount(tt.wantTotal), order.TotalAmount)
			assert.Equal(t, tt.wantPromo, order.PromoCode)
		})
	}
}

func TestCheckout_PerUserLimitAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 20, 10)
	f.promotion(t, coupons.Promotion{Code: "ONCE", Kind: coupons.KindPercentage, DiscountPercent: 50, PerUserLimit: intPtr(1)})
	svc := f.service()

	f.addToCart(t, "u1", "p1", 1)
	first, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: "ONCE", PaymentToken: "tok_visa"})
	require.NoError(t, err)
	assert.Equal(t, amount("10"), first.DiscountAmount)
	require.NotNil(t, first.DiscountPercent)
	assert.Equal(t, 50.0, *first.DiscountPercent)

	f.addToCart(t, "u1", "p1", 1)
	second, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: "ONCE", PaymentToken: "tok_visa"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, second.DiscountAmount)
	assert.Empty(t, second.PromoCode)
	assert.Equal(t, 1, f.fake.Count("promotion_usage"))
	svc.Wait()
}

func TestCheckout_PaymentOutcomes(t *testing.T) {
	t.Run("no processor leaves payment pending", func(t *testing.T) {
		f := newFixture(t)
		f.product(t, "p1", 10, 2)
		f.addToCart(t, "u1", "p1", 1)
		f.deps.Payments = nil
		svc := f.service()

		order, err := svc.Checkout(context.Background(), Request{UserID: "u1"})
		require.NoError(t, err)
		svc.Wait()
		assert.Equal(t, orders.PaymentPending, order.PaymentStatus)
		assert.Empty(t, order.PaymentTransactionID)
		assert.Equal(t, 1, f.stock(t, "p1"))
	})

	t.Run("processor failure leaves payment pending", func(t *testing.T) {
		f := newFixture(t)
		f.product(t, "p1", 10, 2)
		f.addToCart(t, "u1", "p1", 1)
		svc := f.service()

		order, err := svc.Checkout(context.Background(), Request{UserID: "u1", PaymentToken: payments.TokenError})
		require.NoError(t, err)
		svc.Wait()
		assert.Equal(t, orders.PaymentPending, order.PaymentStatus)
		assert.Equal(t, 1, f.stock(t, "p1"))
	})

	t.Run("zero total is not charged", func(t *testing.T) {
		f := newFixture(t)
		f.product(t, "p1", 10, 2)
		f.addToCart(t, "u1", "p1", 1)
		f.promotion(t, coupons.Promotion{Code: "FREE", Kind: coupons.KindPercentage, DiscountPercent: 100})
		require.NoError(t, f.deps.Shipping.Update(context.Background(), shipping.Rates{
			Local:                 decimal.Zero,
			National:              decimal.Zero,
			International:         decimal.Zero,
			FreeShippingThreshold: decimal.NewFromInt(100),
		}))
		svc := f.service()

		order, err := svc.Checkout(context.Background(), Request{UserID: "u1", PromoCode: "FREE", PaymentToken: "tok_visa"})
		require.NoError(t, err)
		svc.Wait()
		assert.Equal(t, 0.0, order.TotalAmount)
		assert.Equal(t, orders.PaymentPaid, order.PaymentStatus)
		assert.Equal(t, 0, f.gateway.Charged())
	})
}

func TestCheckout_PersistFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 10, 2)
	f.addToCart(t, "u1", "p1", 2)
	// orders point at a history table that does not exist
	f.deps.Orders = orders.NewStore(f.fake, "orders", "missing_history")
	svc := f.service()

	_, err := svc.Checkout(context.Background(), Request{UserID: "u1", PaymentToken: "tok_visa"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	assert.Equal(t, 2, f.stock(t, "p1"))
	assert.Len(t, f.cartLines(t, "u1"), 1)
	assert.Equal(t, 0, f.gateway.Charged(), "captured charge is refunded")
	assert.Equal(t, 0, f.fake.Count("orders"))
}

func TestCheckout_UnknownPersistOutcomeHoldsReservation(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 10, 2)
	f.addToCart(t, "u1", "p1", 1)
	outage := errors.New("ServiceUnavailable: try again later")
	f.deps.Payments = storeOutageGateway{MockGateway: f.gateway, outage: func() {
		f.fake.Fail("TransactWriteItems", "", outage)
		f.fake.Fail("GetItem", "orders", outage)
	}}
	svc := f.service()

	_, err := svc.Checkout(context.Background(), Request{UserID: "u1", PaymentToken: "tok_visa"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errOutcomeUnknown)

	assert.Equal(t, 1, f.stock(t, "p1"), "stock stays reserved")
	assert.Equal(t, 1, f.gateway.Charged(), "charge is kept")
	assert.Len(t, f.sleeps, readBackAttempts-1, "read back is retried")
}

func TestCheckout_CancelledContextReleases(t *testing.T) {
	f := newFixture(t)
	f.product(t, "p1", 10, 2)
	f.addToCart(t, "u1", "p1", 1)
	ctx, cancel := context.WithCancel(context.Background())
	f.deps.Payments = cancellingGateway{cancel: cancel}
	svc := f.service()

	_, err := svc.Checkout(ctx, Request{UserID: "u1", PaymentToken: "tok_visa"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, f.stock(t, "p1"))
	assert.Len(t, f.cartLines(t, "u1"), 1)
}

// cancellingGateway cancels the request while the charge is in flight.
type cancellingGateway struct {
	cancel context.CancelFunc
}

func (g cancellingGateway) Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	g.cancel()
	return payments.ChargeResult{}, ctx.Err()
}

func (g cancellingGateway) Refund(ctx context.Context, req payments.RefundRequest) error {
	return nil
}

// storeOutageGateway takes the store down while the charge is in flight.
type storeOutageGateway struct {
	*payments.MockGateway
	outage func()
}

func (g storeOutageGateway) Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	g.outage()
	return g.MockGateway.Charge(ctx, req)
}
