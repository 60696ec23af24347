package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws/awstest"
)

func newTestStore(t *testing.T) (*awstest.FakeDynamo, *Store, *time.Time) {
	t.Helper()
	fake := awstest.NewFakeDynamo()
	fake.CreateTable("idempotency-table", "idempotency_key", "")
	s := NewStore(fake, "idempotency-table", 48*time.Hour)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	return fake, s, &now
}

func TestClaim_Complete_Replay(t *testing.T) {
	_, s, _ := newTestStore(t)
	ctx := context.Background()
	key := Key(ScopeCheckout, "user-1", "key-1")

	if key != "checkout#user-1#key-1" {
		t.Fatalf("unexpected key %q", key)
	}

	existing, claimed, err := s.Claim(ctx, key)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if !claimed || existing != nil {
		t.Fatalf("expected first claim to succeed, got claimed=%v existing=%+v", claimed, existing)
	}

	// a concurrent duplicate sees the in-flight attempt
	existing, claimed, err = s.Claim(ctx, key)
	if err != nil {
		t.Fatalf("second Claim error: %v", err)
	}
	if claimed {
		t.Fatalf("expected duplicate claim to be rejected")
	}
	if existing == nil || existing.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS record, got %+v", existing)
	}

	if err := s.Complete(ctx, key, "order-123", `{"id":"order-123"}`, 201); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	existing, claimed, err = s.Claim(ctx, key)
	if err != nil {
		t.Fatalf("replay Claim error: %v", err)
	}
	if claimed || !existing.Done() {
		t.Fatalf("expected DONE record for replay, got claimed=%v existing=%+v", claimed, existing)
	}
	if existing.ResourceID != "order-123" || existing.ResponseStatus != 201 || existing.ResponseBody != `{"id":"order-123"}` {
		t.Fatalf("stored response mismatch: %+v", existing)
	}

	// completing twice is rejected
	if err := s.Complete(ctx, key, "order-123", "{}", 201); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
}

func TestClaim_FailedKeyCanBeRetried(t *testing.T) {
	_, s, _ := newTestStore(t)
	ctx := context.Background()
	key := Key(ScopeCheckout, "user-1", "key-2")

	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}
	if err := s.Fail(ctx, key, "payment_declined"); err != nil {
		t.Fatalf("Fail error: %v", err)
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != StatusFailed || rec.Note != "payment_declined" {
		t.Fatalf("expected FAILED with note, got %+v", rec)
	}

	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("expected failed key to be reclaimed: claimed=%v err=%v", claimed, err)
	}
	rec, _ = s.Get(ctx, key)
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS after reclaim, got %s", rec.Status)
	}
}

func TestClaim_ExpiredInProgressIsTakenOver(t *testing.T) {
	_, s, now := newTestStore(t)
	ctx := context.Background()
	key := Key(ScopeNotify, "order-9")

	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}

	*now = now.Add(49 * time.Hour)
	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("expected expired key to be reclaimed: claimed=%v err=%v", claimed, err)
	}
}

func TestClaim_AbandonedInProgressAfterLease(t *testing.T) {
	_, s, now := newTestStore(t)
	ctx := context.Background()
	key := Key(ScopeCheckout, "user-1", "key-3")

	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}

	*now = now.Add(DefaultLease / 2)
	if existing, claimed, err := s.Claim(ctx, key); err != nil || claimed || existing.Status != StatusInProgress {
		t.Fatalf("expected live claim to be honoured: claimed=%v existing=%+v err=%v", claimed, existing, err)
	}

	*now = now.Add(DefaultLease)
	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("expected abandoned claim to be taken over: claimed=%v err=%v", claimed, err)
	}
	rec, _ := s.Get(ctx, key)
	if !rec.UpdatedAt.Equal(*now) {
		t.Fatalf("expected takeover to refresh updated_at, got %v", rec.UpdatedAt)
	}

	// the new owner gets a fresh lease
	if _, claimed, err := s.Claim(ctx, key); err != nil || claimed {
		t.Fatalf("expected fresh claim to be honoured: claimed=%v err=%v", claimed, err)
	}
}

func TestClaim_ZeroLeaseWaitsForExpiry(t *testing.T) {
	_, s, now := newTestStore(t)
	s.WithLease(0)
	ctx := context.Background()
	key := Key(ScopeNotify, "order-10")

	if _, claimed, err := s.Claim(ctx, key); err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}
	*now = now.Add(24 * time.Hour)
	if _, claimed, err := s.Claim(ctx, key); err != nil || claimed {
		t.Fatalf("expected in-progress key to be held until expiry: claimed=%v err=%v", claimed, err)
	}
}

func TestGet_Missing(t *testing.T) {
	_, s, _ := newTestStore(t)
	rec, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
	if err := s.Fail(context.Background(), "nope", "x"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed for missing key, got %v", err)
	}
}

func TestClaim_StoreError(t *testing.T) {
	fake, s, _ := newTestStore(t)
	fake.Fail("PutItem", "idempotency-table", errors.New("throttled"))

	if _, _, err := s.Claim(context.Background(), "k"); err == nil {
		t.Fatalf("expected error")
	}
}
