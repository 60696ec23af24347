package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Test tokens understood by MockGateway.
const (
	TokenDecline = "tok_decline"
	TokenError   = "tok_error"
)

type mockCharge struct {
	amount   decimal.Decimal
	refunded bool
}

// MockGateway is an in-memory processor for local runs and tests. Charges succeed
// unless the token is TokenDecline (hard decline) or TokenError (processor failure).
type MockGateway struct {
	mu      sync.Mutex
	charges map[string]*mockCharge

	// RefundErr, when set, is returned by every Refund.
	RefundErr error
}

// NewMockGateway creates an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{charges: map[string]*mockCharge{}}
}

// Charge implements Gateway.
func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	switch strings.TrimSpace(req.Token) {
	case TokenDecline:
		return ChargeResult{}, fmt.Errorf("%w: card declined", ErrDeclined)
	case TokenError:
		return ChargeResult{}, errors.New("payments: mock processor unavailable")
	}
	if req.Amount.IsNegative() {
		return ChargeResult{}, fmt.Errorf("payments: negative amount %s", req.Amount)
	}

	id := "mock_" + uuid.NewString()
	g.mu.Lock()
	g.charges[id] = &mockCharge{amount: req.Amount}
	g.mu.Unlock()
	return ChargeResult{TransactionID: id}, nil
}

// Refund implements Gateway. Unknown or already refunded charges fail.
func (g *MockGateway) Refund(ctx context.Context, req RefundRequest) error {
	if g.RefundErr != nil {
		return g.RefundErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[req.TransactionID]
	if !ok {
		return fmt.Errorf("payments: unknown transaction %q", req.TransactionID)
	}
	if c.refunded {
		return fmt.Errorf("payments: transaction %q already refunded", req.TransactionID)
	}
	if req.Amount.GreaterThan(c.amount) {
		return fmt.Errorf("payments: refund %s exceeds charge %s", req.Amount, c.amount)
	}
	c.refunded = true
	return nil
}

// Charged returns the number of charges that were not refunded.
func (g *MockGateway) Charged() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.charges {
		if !c.refunded {
			n++
		}
	}
	return n
}

// Refunded reports whether transactionID was refunded.
func (g *MockGateway) Refunded(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[transactionID]
	return ok && c.refunded
}
