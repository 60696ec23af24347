package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws/awstest"
	"github.com/imrishuroy/go-checkout-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
)

type recordingDispatcher struct {
	sent []string
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, o orders.Order, msg orders.ConfirmationMessage) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, o.OrderID)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *recordingDispatcher, *awstest.FakeDynamo) {
	t.Helper()
	fake := awstest.NewFakeDynamo()
	fake.CreateTable("idempotency", "idempotency_key", "")
	fake.CreateTable("orders", "order_id", "")
	fake.CreateTable("order_history", "order_id", "history_id")

	store := orders.NewStore(fake, "orders", "order_history")
	order := orders.Order{
		OrderID:       "o1",
		UserID:        "u1",
		Lines:         []orders.Line{{ProductID: "p1", Quantity: 1, UnitPrice: 10}},
		Subtotal:      10,
		TotalAmount:   15,
		ShippingCost:  5,
		PaymentStatus: orders.PaymentPaid,
		OrderStatus:   orders.StatusProcessing,
	}
	if err := store.Create(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	d := &recordingDispatcher{}
	p := NewProcessor(idempotency.NewStore(fake, "idempotency", time.Hour), store, d, nil)
	return p, d, fake
}

func message(t *testing.T, id string, msg orders.ConfirmationMessage) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func confirmation(orderID, userID string) orders.ConfirmationMessage {
	return orders.ConfirmationMessage{Type: orders.MessageTypeConfirmation, OrderID: orderID, UserID: userID}
}

func TestWorkerProcess_Success(t *testing.T) {
	p, d, _ := newTestProcessor(t)

	resp, err := p.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{message(t, "m1", confirmation("o1", "u1"))},
	})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %+v", resp.BatchItemFailures)
	}
	if len(d.sent) != 1 || d.sent[0] != "o1" {
		t.Fatalf("expected one confirmation for o1, got %v", d.sent)
	}
}

func TestWorkerProcess_DuplicateDeliveryDispatchesOnce(t *testing.T) {
	p, d, _ := newTestProcessor(t)
	ev := events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", confirmation("o1", "u1")),
		message(t, "m2", confirmation("o1", "u1")),
	}}

	resp, err := p.Handle(context.Background(), ev)
	if err != nil || len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected result: %+v %v", resp, err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(d.sent))
	}
}

func TestWorkerProcess_BadMessagesFailIndividually(t *testing.T) {
	p, d, _ := newTestProcessor(t)
	ev := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "garbage", Body: "{not json"},
		message(t, "wrong-type", orders.ConfirmationMessage{Type: "order.shipped", OrderID: "o1", UserID: "u1"}),
		message(t, "missing-order", confirmation("nope", "u1")),
		message(t, "wrong-user", confirmation("o1", "intruder")),
		message(t, "ok", confirmation("o1", "u1")),
	}}

	resp, err := p.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	want := []string{"garbage", "wrong-type", "missing-order", "wrong-user"}
	if len(failed) != len(want) {
		t.Fatalf("expected failures %v, got %v", want, failed)
	}
	for i := range want {
		if failed[i] != want[i] {
			t.Fatalf("expected failures %v, got %v", want, failed)
		}
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected the valid message to be dispatched, got %v", d.sent)
	}
}

func TestWorkerProcess_DispatchFailureIsRetried(t *testing.T) {
	p, d, _ := newTestProcessor(t)
	d.err = errors.New("smtp down")
	ev := events.SQSEvent{Records: []events.SQSMessage{message(t, "m1", confirmation("o1", "u1"))}}

	resp, _ := p.Handle(context.Background(), ev)
	if len(resp.BatchItemFailures) != 1 {
		t.Fatalf("expected failure to be reported, got %+v", resp)
	}

	// redelivery after recovery goes through
	d.err = nil
	resp, _ = p.Handle(context.Background(), ev)
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected redelivery to succeed, got %+v", resp)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected one dispatch after retry, got %v", d.sent)
	}
}
