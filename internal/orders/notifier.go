package orders

import (
	"context"
	"errors"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// MessageTypeConfirmation is the type of order confirmation messages.
const MessageTypeConfirmation = "order.confirmation"

// ConfirmationMessage is published after a successful checkout and consumed by the worker.
type ConfirmationMessage struct {
	Type          string `json:"type"`
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate checks the fields the worker needs.
func (m ConfirmationMessage) Validate() error {
	if m.Type != MessageTypeConfirmation {
		return errors.New("unexpected message type " + m.Type)
	}
	if m.OrderID == "" || m.UserID == "" {
		return errors.New("order_id and user_id are required")
	}
	return nil
}

// QueueNotifier publishes confirmation messages to SQS.
type QueueNotifier struct {
	publisher *aws.Publisher
}

// NewQueueNotifier wraps publisher.
func NewQueueNotifier(publisher *aws.Publisher) *QueueNotifier {
	return &QueueNotifier{publisher: publisher}
}

// OrderConfirmed enqueues a confirmation for o.
func (n *QueueNotifier) OrderConfirmed(ctx context.Context, o Order, correlationID string) error {
	if n == nil {
		return errors.New("order notifier not configured")
	}
	return n.publisher.PublishJSON(ctx, ConfirmationMessage{
		Type:          MessageTypeConfirmation,
		OrderID:       o.OrderID,
		UserID:        o.UserID,
		CorrelationID: correlationID,
	}, map[string]string{
		"type":           MessageTypeConfirmation,
		"correlation_id": correlationID,
	})
}
