package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Tables lists the DynamoDB table names.
type Tables struct {
	Products        string
	Carts           string
	Promotions      string
	PromotionUsage  string
	PromotionQuotas string
	Orders          string
	OrderHistory    string
	Settings        string
	Idempotency     string
	Audit           string
	UserEmails      string
}

// Config is the runtime configuration shared by the api and worker binaries.
type Config struct {
	AppEnv              string
	LogLevel            string
	RunLocal            bool
	HTTPAddr            string
	AWSRegion           string
	AWSEndpoint         string
	Tables              Tables
	OrdersQueueURL      string
	MetricsNamespace    string
	PaymentProvider     string
	StripeAPIKey        string
	PaymentCurrency     string
	CheckoutMaxAttempts int
	CheckoutBackoff     time.Duration
	IdempotencyTTL      time.Duration
	IdempotencyLease    time.Duration
	AllowHeaderIdentity bool
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		AppEnv:      getEnv("APP_ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RunLocal:    getEnvBool("RUN_LOCAL", false),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
		AWSEndpoint: os.Getenv("AWS_ENDPOINT_OVERRIDE"),
		Tables: Tables{
			Products:        getEnv("PRODUCTS_TABLE", "products"),
			Carts:           getEnv("CARTS_TABLE", "carts"),
			Promotions:      getEnv("PROMOTIONS_TABLE", "promotions"),
			PromotionUsage:  getEnv("PROMOTION_USAGE_TABLE", "promotion_usage"),
			PromotionQuotas: getEnv("PROMOTION_QUOTAS_TABLE", "promotion_quotas"),
			Orders:          getEnv("ORDERS_TABLE", "orders"),
			OrderHistory:    getEnv("ORDER_HISTORY_TABLE", "order_history"),
			Settings:        getEnv("SETTINGS_TABLE", "settings"),
			Idempotency:     getEnv("IDEMPOTENCY_TABLE", "idempotency"),
			Audit:           getEnv("AUDIT_TABLE", "audit_log"),
			UserEmails:      getEnv("USER_EMAILS_TABLE", "user_emails"),
		},
		OrdersQueueURL:      os.Getenv("ORDERS_QUEUE_URL"),
		MetricsNamespace:    getEnv("METRICS_NAMESPACE", "CheckoutOrderflow"),
		PaymentProvider:     strings.ToLower(getEnv("PAYMENT_PROVIDER", "none")),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		PaymentCurrency:     strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
		CheckoutMaxAttempts: getEnvInt("CHECKOUT_MAX_ATTEMPTS", 3),
		CheckoutBackoff:     getEnvDuration("CHECKOUT_RETRY_BACKOFF", 200*time.Millisecond),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", 48*time.Hour),
		IdempotencyLease:    getEnvDuration("IDEMPOTENCY_LEASE", 2*time.Minute),
		AllowHeaderIdentity: getEnvBool("ALLOW_HEADER_IDENTITY", false),
	}
}

// Production reports whether internal error details must be hidden from callers.
func (c Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production") || strings.EqualFold(c.AppEnv, "prod")
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
