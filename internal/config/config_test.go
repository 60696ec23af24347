package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "")
	t.Setenv("CHECKOUT_MAX_ATTEMPTS", "")
	t.Setenv("ORDERS_TABLE", "")

	cfg := Load()
	if cfg.PaymentProvider != "none" {
		t.Fatalf("expected payment provider none, got %s", cfg.PaymentProvider)
	}
	if cfg.CheckoutMaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.CheckoutMaxAttempts)
	}
	if cfg.CheckoutBackoff != 200*time.Millisecond {
		t.Fatalf("expected 200ms backoff, got %s", cfg.CheckoutBackoff)
	}
	if cfg.Tables.Orders != "orders" {
		t.Fatalf("expected default orders table, got %s", cfg.Tables.Orders)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "Stripe")
	t.Setenv("CHECKOUT_MAX_ATTEMPTS", "5")
	t.Setenv("CHECKOUT_RETRY_BACKOFF", "50ms")
	t.Setenv("RUN_LOCAL", "true")
	t.Setenv("APP_ENV", "production")

	cfg := Load()
	if cfg.PaymentProvider != "stripe" {
		t.Fatalf("expected stripe, got %s", cfg.PaymentProvider)
	}
	if cfg.CheckoutMaxAttempts != 5 || cfg.CheckoutBackoff != 50*time.Millisecond {
		t.Fatalf("unexpected retry config %d %s", cfg.CheckoutMaxAttempts, cfg.CheckoutBackoff)
	}
	if !cfg.RunLocal || !cfg.Production() {
		t.Fatalf("expected run local in production mode")
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CHECKOUT_MAX_ATTEMPTS", "-1")
	t.Setenv("IDEMPOTENCY_TTL", "soon")
	t.Setenv("IDEMPOTENCY_LEASE", "later")
	t.Setenv("RUN_LOCAL", "maybe")

	cfg := Load()
	if cfg.CheckoutMaxAttempts != 3 || cfg.IdempotencyTTL != 48*time.Hour || cfg.IdempotencyLease != 2*time.Minute || cfg.RunLocal {
		t.Fatalf("invalid values should fall back to defaults: %+v", cfg)
	}
}
