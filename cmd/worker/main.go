package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/config"
	"github.com/imrishuroy/go-checkout-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/orders"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, "checkout-worker", cfg.AppEnv)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	clients, err := aws.NewClients(context.Background(), aws.ClientOptions{Region: cfg.AWSRegion, Endpoint: cfg.AWSEndpoint})
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	logger.Info("aws clients ready", zap.String("region", clients.Region), zap.Bool("endpoint_override", cfg.AWSEndpoint != ""))

	p := NewProcessor(
		idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL).WithLease(cfg.IdempotencyLease),
		orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.OrderHistory),
		LogDispatcher{Logger: logger},
		logger,
	)

	// If RUN_LOCAL=true, process a single simulated SQS event for local testing.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"type":"order.confirmation","order_id":"local-order-1","user_id":"local-user-1"}`
		}
		resp, err := p.Handle(context.Background(), events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: testBody}},
		})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local handler error", zap.Error(err), zap.Int("failures", len(resp.BatchItemFailures)))
		}
		return
	}

	lambda.Start(p.Handle)
}
