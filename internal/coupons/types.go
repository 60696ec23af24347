package coupons

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the discount mechanism of a promotion.
type Kind string

const (
	KindPercentage   Kind = "percentage"
	KindFixed        Kind = "fixed"
	KindFreeShipping Kind = "free_shipping"
)

// Promotion is an admin-managed discount code. Code, upper-cased, is the identity.
type Promotion struct {
	Code             string     `dynamodbav:"code"` // PK
	ID               string     `dynamodbav:"promotion_id"`
	Kind             Kind       `dynamodbav:"kind"`
	DiscountPercent  float64    `dynamodbav:"discount_percent,omitempty"`
	FixedAmount      float64    `dynamodbav:"fixed_amount,omitempty"`
	IsActive         bool       `dynamodbav:"is_active"`
	ExpiryDate       *time.Time `dynamodbav:"expiry_date,omitempty"`
	MinPurchase      *float64   `dynamodbav:"min_purchase,omitempty"`
	GlobalUsageLimit *int       `dynamodbav:"global_usage_limit,omitempty"`
	RemainingUses    *int       `dynamodbav:"remaining_uses,omitempty"`
	PerUserLimit     *int       `dynamodbav:"per_user_limit,omitempty"`
}

// identity returns the id usage records are keyed by.
func (p Promotion) identity() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Code
}

// Usage is one append-only redemption record. The number of records for a
// promotion and user is the per-user usage count.
type Usage struct {
	UsageKey    string    `dynamodbav:"usage_key"` // PK: <promotionId>#<userId>
	UsageID     string    `dynamodbav:"usage_id"`  // SK: ulid
	PromotionID string    `dynamodbav:"promotion_id"`
	Code        string    `dynamodbav:"code"`
	UserID      string    `dynamodbav:"user_id"`
	UsedAt      time.Time `dynamodbav:"used_at"`
}

// Quota caps concurrent redemptions by one user. Uses moves in the same
// transaction as the usage records, so it always equals their count.
type Quota struct {
	UsageKey string `dynamodbav:"usage_key"` // PK: <promotionId>#<userId>
	Uses     int    `dynamodbav:"uses"`
}

func usageKey(promotionID, userID string) string {
	return promotionID + "#" + userID
}

// Reason explains why a code was not applied.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonInvalidCode          Reason = "invalid_code"
	ReasonNotFound             Reason = "not_found"
	ReasonExpired              Reason = "expired"
	ReasonMinimumNotMet        Reason = "minimum_not_met"
	ReasonGlobalLimitExceeded  Reason = "global_limit_exceeded"
	ReasonPerUserLimitExceeded Reason = "per_user_limit_exceeded"
	ReasonConflict             Reason = "conflict"
)

// Result is the outcome of evaluating a code. A failed evaluation is a Result with
// Valid=false, never an error.
type Result struct {
	Valid           bool
	Reason          Reason
	Promotion       *Promotion
	DiscountAmount  decimal.Decimal
	DiscountPercent *decimal.Decimal // percentage promotions only
	FreeShipping    bool
}

func rejected(reason Reason, p *Promotion) Result {
	return Result{Reason: reason, Promotion: p, DiscountAmount: decimal.Zero}
}

// NormalizeCode trims and upper-cases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
