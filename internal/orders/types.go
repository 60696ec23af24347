package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses
const (
	StatusProcessing = "Processing"
	StatusShipped    = "Shipped"
	StatusDelivered  = "Delivered"
	StatusCancelled  = "Cancelled"
)

// Payment statuses
const (
	PaymentPending      = "Pending"
	PaymentPaid         = "Paid"
	PaymentRefunded     = "Refunded"
	PaymentRefundFailed = "RefundFailed"
)

var (
	orderStatuses   = []string{StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}
	paymentStatuses = []string{PaymentPending, PaymentPaid, PaymentRefunded, PaymentRefundFailed}
)

// ParseStatus matches s case-insensitively against the order statuses.
func ParseStatus(s string) (string, bool) {
	return match(s, orderStatuses)
}

// ParsePaymentStatus matches s case-insensitively against the payment statuses.
func ParsePaymentStatus(s string) (string, bool) {
	return match(s, paymentStatuses)
}

func match(s string, known []string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, k := range known {
		if strings.EqualFold(s, k) {
			return k, true
		}
	}
	return "", false
}

// Line is a purchased product. UnitPrice is the price at checkout and never changes.
type Line struct {
	ProductID string  `dynamodbav:"product_id" json:"productId"`
	Name      string  `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Quantity  int     `dynamodbav:"quantity" json:"quantity"`
	UnitPrice float64 `dynamodbav:"unit_price" json:"unitPrice"`
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID              string     `dynamodbav:"order_id" json:"id"` // PK
	UserID               string     `dynamodbav:"user_id" json:"userId"`
	OrderDate            time.Time  `dynamodbav:"order_date" json:"orderDate"`
	Lines                []Line     `dynamodbav:"lines" json:"items"`
	Subtotal             float64    `dynamodbav:"subtotal" json:"subtotal"`
	TotalAmount          float64    `dynamodbav:"total_amount" json:"totalAmount"`
	ShippingCost         float64    `dynamodbav:"shipping_cost" json:"shippingCost"`
	DiscountAmount       float64    `dynamodbav:"discount_amount" json:"discountAmount"`
	DiscountPercent      *float64   `dynamodbav:"discount_percent,omitempty" json:"discountPercent"`
	FreeShipping         bool       `dynamodbav:"free_shipping" json:"freeShipping"`
	PromoCode            string     `dynamodbav:"promo_code,omitempty" json:"promoCode,omitempty"`
	Region               string     `dynamodbav:"region" json:"region"`
	ShippingName         string     `dynamodbav:"shipping_name,omitempty" json:"shippingName,omitempty"`
	ShippingAddress      string     `dynamodbav:"shipping_address,omitempty" json:"shippingAddress,omitempty"`
	ShippingPhone        string     `dynamodbav:"shipping_phone,omitempty" json:"shippingPhone,omitempty"`
	PaymentStatus        string     `dynamodbav:"payment_status" json:"paymentStatus"` // Pending | Paid | Refunded | RefundFailed
	OrderStatus          string     `dynamodbav:"order_status" json:"orderStatus"`     // Processing | Shipped | Delivered | Cancelled
	PaymentTransactionID string     `dynamodbav:"payment_transaction_id,omitempty" json:"paymentTransactionId,omitempty"`
	CheckoutID           string     `dynamodbav:"checkout_id,omitempty" json:"-"`
	UpdatedAt            time.Time  `dynamodbav:"updated_at" json:"updatedAt"`
	DateDelivered        *time.Time `dynamodbav:"date_delivered,omitempty" json:"dateDelivered"`
}

// Total returns TotalAmount as an exact decimal.
func (o Order) Total() decimal.Decimal {
	return decimal.NewFromFloat(o.TotalAmount).Round(2)
}

// HistoryRecord is one immutable status change. HistoryID is a ULID, so records sort by time.
type HistoryRecord struct {
	OrderID   string    `dynamodbav:"order_id" json:"orderId"`     // PK
	HistoryID string    `dynamodbav:"history_id" json:"historyId"` // SK
	Field     string    `dynamodbav:"field" json:"field"`          // order_status | payment_status
	From      string    `dynamodbav:"from,omitempty" json:"from,omitempty"`
	To        string    `dynamodbav:"to" json:"to"`
	Actor     string    `dynamodbav:"actor,omitempty" json:"actor,omitempty"`
	At        time.Time `dynamodbav:"at" json:"at"`
}

// History fields
const (
	FieldOrderStatus   = "order_status"
	FieldPaymentStatus = "payment_status"
)

// Change is a requested status update; nil fields stay as they are.
type Change struct {
	OrderStatus   *string
	PaymentStatus *string
	Actor         string
}

// apply returns o with ch applied at the given time.
func (o Order) apply(ch Change, at time.Time) Order {
	if ch.OrderStatus != nil {
		o.OrderStatus = *ch.OrderStatus
		if o.OrderStatus == StatusDelivered {
			delivered := at
			o.DateDelivered = &delivered
		}
	}
	if ch.PaymentStatus != nil {
		o.PaymentStatus = *ch.PaymentStatus
	}
	o.UpdatedAt = at
	return o
}
