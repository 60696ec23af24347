package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/config"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, "checkout-api", cfg.AppEnv)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	clients, err := aws.NewClients(context.Background(), aws.ClientOptions{Region: cfg.AWSRegion, Endpoint: cfg.AWSEndpoint})
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}
	logger.Info("aws clients ready", zap.String("region", clients.Region), zap.Bool("endpoint_override", cfg.AWSEndpoint != ""))

	a, err := newApp(cfg, clients, logger)
	if err != nil {
		logger.Fatal("failed to wire application", zap.Error(err))
	}
	defer a.checkout.Wait()

	// if RUN_LOCAL is set, run a local HTTP server for development.
	if cfg.RunLocal {
		logger.Info("running local server", zap.String("addr", cfg.HTTPAddr))
		if err := a.router.Run(cfg.HTTPAddr); err != nil {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(a.router)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		// ProxyWithContext keeps the authorizer claims reachable from the request context
		resp, err := adapter.ProxyWithContext(ctx, req)
		// confirmations must be sent before the execution environment freezes
		a.checkout.Wait()
		return resp, err
	})
}
