// Package payments adapts payment processors to the checkout's charge and refund needs.
package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrDeclined marks a hard decline: the processor refused the payment and retrying
// with the same instrument will not help. Any other Charge error is a processor failure.
var ErrDeclined = errors.New("payments: declined")

// ChargeRequest asks a gateway to collect Amount.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Token          string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is a successful charge.
type ChargeResult struct {
	TransactionID string
}

// RefundRequest returns Amount of a previous charge.
type RefundRequest struct {
	TransactionID  string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Gateway is a payment processor.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// IsDeclined reports whether err is a hard decline.
func IsDeclined(err error) bool {
	return errors.Is(err, ErrDeclined)
}

// MinorUnits converts amount to the smallest currency unit (cents).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func normalizeCurrency(currency string) string {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return "usd"
	}
	return currency
}
