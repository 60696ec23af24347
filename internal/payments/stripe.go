package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripeIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Currency string
	Backends *stripe.Backends
	Logger   *zap.Logger
	clients  *stripeClients
}

// StripeGateway charges cards with confirmed Stripe PaymentIntents.
type StripeGateway struct {
	api      stripeClients
	currency string
	logger   *zap.Logger
}

// NewStripeGateway constructs a StripeGateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeGateway{
		api:      clients,
		currency: normalizeCurrency(cfg.Currency),
		logger:   logger,
	}, nil
}

// Charge implements Gateway. Req.Token is a Stripe PaymentMethod id.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return ChargeResult{}, fmt.Errorf("%w: payment method required", ErrDeclined)
	}
	currency := g.currency
	if req.Currency != "" {
		currency = normalizeCurrency(req.Currency)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(MinorUnits(req.Amount)),
		Currency:           stripe.String(currency),
		PaymentMethod:      stripe.String(token),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return ChargeResult{}, fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
		}
		return ChargeResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	g.logger.Info("stripe payment intent confirmed",
		zap.String("payment_intent", intent.ID),
		zap.String("status", string(intent.Status)),
	)

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeResult{TransactionID: intent.ID}, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return ChargeResult{}, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, intent.ID, intent.Status)
	default:
		return ChargeResult{}, fmt.Errorf("stripe: payment intent %s not completed: %s", intent.ID, intent.Status)
	}
}

// Refund implements Gateway.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) error {
	if strings.TrimSpace(req.TransactionID) == "" {
		return errors.New("stripe: transaction id is required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount.IsPositive() {
		params.Amount = stripe.Int64(MinorUnits(req.Amount))
	}
	if _, err := g.api.refunds.New(params); err != nil {
		return fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	g.logger.Info("stripe payment intent refunded", zap.String("payment_intent", req.TransactionID))
	return nil
}
