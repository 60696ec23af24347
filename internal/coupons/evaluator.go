package coupons

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// TxOwner tags redemption items inside a shared transaction.
const TxOwner = "coupon"

const defaultRounds = 3

var hundred = decimal.NewFromInt(100)

// Deps wires an Evaluator.
type Deps struct {
	Store  *Store
	Clock  func() time.Time
	IDGen  func() string // usage record ids, ulid by default
	Logger *zap.Logger
	// Rounds bounds the validate-then-commit loop of Apply. Defaults to 3.
	Rounds int
}

// Evaluator validates promotion codes and records their use.
type Evaluator struct {
	store  *Store
	now    func() time.Time
	idGen  func() string
	logger *zap.Logger
	rounds int
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(deps Deps) *Evaluator {
	e := &Evaluator{
		store:  deps.Store,
		now:    deps.Clock,
		idGen:  deps.IDGen,
		logger: deps.Logger,
		rounds: deps.Rounds,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.idGen == nil {
		e.idGen = func() string { return ulid.Make().String() }
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.rounds <= 0 {
		e.rounds = defaultRounds
	}
	return e
}

// Validate evaluates code for userID against subtotal. It never writes.
func (e *Evaluator) Validate(ctx context.Context, code, userID string, subtotal decimal.Decimal) (Result, error) {
	res, _, err := e.evaluate(ctx, code, userID, &subtotal)
	return res, err
}

// Apply validates code and, only if still valid, records one use of it atomically.
// Losing a race against other redemptions yields a failed Result, not an error.
func (e *Evaluator) Apply(ctx context.Context, code, userID string, subtotal decimal.Decimal) (Result, error) {
	return e.redeem(ctx, code, userID, &subtotal)
}

// RecordUsageOnly records a use of code without checking the minimum purchase or
// deriving a discount.
func (e *Evaluator) RecordUsageOnly(ctx context.Context, code, userID string) (Result, error) {
	return e.redeem(ctx, code, userID, nil)
}

// Reserve validates code and prepares, without committing, the writes that record its
// use. The returned Redemption is nil when the code is not valid.
func (e *Evaluator) Reserve(ctx context.Context, code, userID string, subtotal decimal.Decimal) (Result, *Redemption, error) {
	return e.reserve(ctx, code, userID, &subtotal)
}

func (e *Evaluator) redeem(ctx context.Context, code, userID string, subtotal *decimal.Decimal) (Result, error) {
	for round := 1; round <= e.rounds; round++ {
		res, redemption, err := e.reserve(ctx, code, userID, subtotal)
		if err != nil || !res.Valid {
			return res, err
		}

		tx := aws.NewTransaction()
		tx.Add(TxOwner, redemption.WriteItems()...)
		err = tx.Commit(ctx, e.store.client, "")
		if err == nil {
			return res, nil
		}
		if _, ok := aws.AsTxError(err); !ok {
			return Result{}, err
		}
		e.logger.Debug("coupon redemption lost a race",
			zap.String("code", res.Promotion.Code),
			zap.String("user_id", userID),
			zap.Int("round", round),
			zap.Error(err),
		)
	}
	return rejected(ReasonConflict, nil), nil
}

func (e *Evaluator) reserve(ctx context.Context, code, userID string, subtotal *decimal.Decimal) (Result, *Redemption, error) {
	res, usage, err := e.evaluate(ctx, code, userID, subtotal)
	if err != nil || !res.Valid {
		return res, nil, err
	}
	usageID := e.idGen()
	items, err := e.store.redemptionItems(*res.Promotion, userID, usageID, usage, e.now().UTC())
	if err != nil {
		return Result{}, nil, err
	}
	return res, &Redemption{
		items:    items,
		release:  e.store.releaseItems(*res.Promotion, userID, usageID),
		giveBack: e.store.giveBackItems(*res.Promotion),
	}, nil
}

// usageState is what evaluate saw of a user's usage of one promotion.
type usageState struct {
	count int
	quota *Quota // nil without a per-user limit or before the first limited redemption
}

// evaluate runs the validation rules and returns the user's current usage.
// A nil subtotal skips the minimum purchase rule and the discount amount.
func (e *Evaluator) evaluate(ctx context.Context, code, userID string, subtotal *decimal.Decimal) (Result, usageState, error) {
	var usage usageState
	code = NormalizeCode(code)
	if code == "" {
		return rejected(ReasonInvalidCode, nil), usage, nil
	}
	p, err := e.store.Get(ctx, code)
	if err != nil {
		return Result{}, usage, err
	}
	if p == nil || !p.IsActive {
		return rejected(ReasonNotFound, nil), usage, nil
	}
	if p.ExpiryDate != nil && p.ExpiryDate.Before(e.now()) {
		return rejected(ReasonExpired, p), usage, nil
	}
	if subtotal != nil && p.MinPurchase != nil && subtotal.LessThan(decimal.NewFromFloat(*p.MinPurchase)) {
		return rejected(ReasonMinimumNotMet, p), usage, nil
	}
	if p.RemainingUses != nil && *p.RemainingUses <= 0 {
		return rejected(ReasonGlobalLimitExceeded, p), usage, nil
	}

	if usage.count, err = e.store.CountUsage(ctx, p.identity(), userID); err != nil {
		return Result{}, usage, err
	}
	if p.PerUserLimit != nil {
		if usage.count >= *p.PerUserLimit {
			return rejected(ReasonPerUserLimitExceeded, p), usage, nil
		}
		if usage.quota, err = e.store.Quota(ctx, p.identity(), userID); err != nil {
			return Result{}, usage, err
		}
	}

	amount := decimal.Zero
	if subtotal != nil {
		amount = *subtotal
	}
	return discount(*p, amount), usage, nil
}

// discount computes the effect of p on subtotal. The amount never exceeds the subtotal.
func discount(p Promotion, subtotal decimal.Decimal) Result {
	res := Result{Valid: true, Promotion: &p, DiscountAmount: decimal.Zero}
	switch p.Kind {
	case KindPercentage:
		percent := decimal.NewFromFloat(p.DiscountPercent)
		res.DiscountPercent = &percent
		res.DiscountAmount = subtotal.Mul(percent).Div(hundred).Round(2)
	case KindFixed:
		res.DiscountAmount = decimal.Min(subtotal, decimal.NewFromFloat(p.FixedAmount).Round(2))
	case KindFreeShipping:
		res.FreeShipping = true
	}
	if res.DiscountAmount.GreaterThan(subtotal) {
		res.DiscountAmount = subtotal
	}
	if res.DiscountAmount.IsNegative() {
		res.DiscountAmount = decimal.Zero
	}
	return res
}

// Redemption is a validated coupon use whose writes have not been committed.
type Redemption struct {
	items    []types.TransactWriteItem
	release  []types.TransactWriteItem
	giveBack []types.TransactWriteItem
}

// WriteItems returns the conditional writes that record the use.
func (r *Redemption) WriteItems() []types.TransactWriteItem { return r.items }

// ReleaseItems returns the writes that remove a committed use from the user's count.
func (r *Redemption) ReleaseItems() []types.TransactWriteItem { return r.release }

// GiveBackItems returns the write that restores the global remaining uses, or nil for
// unlimited promotions. Commit it separately from ReleaseItems.
func (r *Redemption) GiveBackItems() []types.TransactWriteItem { return r.giveBack }

// Lost reports whether the redemption's own conditions cancelled txErr, meaning the
// code was exhausted or used concurrently.
func (r *Redemption) Lost(txErr *aws.TxError) bool {
	return txErr != nil && len(txErr.ConditionFailures(TxOwner)) > 0
}
