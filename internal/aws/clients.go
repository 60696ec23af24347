package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ClientOptions selects the account region and an optional local endpoint.
type ClientOptions struct {
	Region   string
	Endpoint string
}

// Clients holds the service clients shared by the API and the worker. Tests build it
// directly from fakes.
type Clients struct {
	Region     string
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewClients loads the shared config once and builds every client from it.
func NewClients(ctx context.Context, opts ClientOptions) (*Clients, error) {
	cfg, err := LoadAWSConfig(ctx, opts.Region, opts.Endpoint)
	if err != nil {
		return nil, err
	}
	return &Clients{
		Region:     cfg.Region,
		DynamoDB:   dynamodb.NewFromConfig(cfg),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
	}, nil
}
