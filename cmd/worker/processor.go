package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
)

// errInFlight means another invocation is handling the same order right now.
var errInFlight = errors.New("confirmation already in flight")

// Processor handles order confirmation messages from SQS.
type Processor struct {
	idempStore *idempotency.Store
	orderStore *orders.Store
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(idempStore *idempotency.Store, orderStore *orders.Store, dispatcher Dispatcher, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		idempStore: idempStore,
		orderStore: orderStore,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle processes an SQS batch. Failed messages are reported individually so SQS
// redelivers only those and eventually moves them to the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("worker error", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg orders.ConfirmationMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	logger := p.logger.With(
		zap.String("order_id", msg.OrderID),
		zap.String("correlation_id", msg.CorrelationID),
	)
	ctx = logging.WithLogger(ctx, logger)

	// one confirmation per order, however often SQS delivers the message
	key := idempotency.Key(idempotency.ScopeNotify, msg.OrderID)
	existing, claimed, err := p.idempStore.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		if existing.Done() {
			logger.Info("duplicate confirmation message skipped")
			return nil
		}
		return errInFlight
	}

	if err := p.confirm(ctx, msg); err != nil {
		if ferr := p.idempStore.Fail(context.WithoutCancel(ctx), key, err.Error()); ferr != nil {
			logger.Warn("release idempotency key", zap.Error(ferr))
		}
		return err
	}

	if err := p.idempStore.Complete(ctx, key, msg.OrderID, "", 0); err != nil {
		return fmt.Errorf("failed to update idempotency: %w", err)
	}
	logger.Info("order confirmation sent")
	return nil
}

func (p *Processor) confirm(ctx context.Context, msg orders.ConfirmationMessage) error {
	order, err := p.orderStore.Get(ctx, msg.OrderID)
	if err != nil {
		return fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return fmt.Errorf("order not found: %s", msg.OrderID)
	}
	if order.UserID != msg.UserID {
		return fmt.Errorf("order %s does not belong to user %s", msg.OrderID, msg.UserID)
	}
	return p.dispatcher.Dispatch(ctx, *order, msg)
}
