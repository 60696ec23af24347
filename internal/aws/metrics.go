package aws

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// MetricsRecorder publishes counters to CloudWatch. Failures are logged and never returned;
// a nil recorder is a no-op.
type MetricsRecorder struct {
	client    CloudWatchAPI
	namespace string
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewMetricsRecorder returns a recorder writing into namespace.
func NewMetricsRecorder(client CloudWatchAPI, namespace string, logger *zap.Logger) *MetricsRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Count records value occurrences of name with the given dimensions.
func (m *MetricsRecorder) Count(ctx context.Context, name string, value float64, dims map[string]string) {
	if m == nil || m.client == nil || m.namespace == "" {
		return
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dimensions := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, cwtypes.Dimension{Name: awsString(k), Value: awsString(dims[k])})
	}

	now := m.nowFunc()
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &m.namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString(name),
				Value:      &value,
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dimensions,
				Timestamp:  &now,
			},
		},
	})
	if err != nil {
		m.logger.Warn("put metric data failed", zap.String("metric", name), zap.Error(err))
	}
}
