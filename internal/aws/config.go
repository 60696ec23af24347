package aws

import (
	"context"
	"fmt"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

const defaultRegion = "us-east-1"

// LoadAWSConfig loads the shared AWS configuration. An empty region falls back to us-east-1;
// a non-empty endpoint points every client at it (LocalStack, DynamoDB Local).
func LoadAWSConfig(ctx context.Context, region, endpoint string) (sdkaws.Config, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultRegion // default fallback
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return cfg, nil
}
