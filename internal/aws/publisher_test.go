package aws_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws/awstest"
)

func TestPublisher_PublishJSON(t *testing.T) {
	fake := awstest.NewFakeSQS()
	p := aws.NewPublisher(fake, "https://sqs.local/queue")

	err := p.PublishJSON(context.Background(), map[string]string{"order_id": "o1"}, map[string]string{"order_id": "o1", "correlation_id": ""})
	require.NoError(t, err)
	require.Len(t, fake.Messages, 1)

	msg := fake.Messages[0]
	require.Equal(t, "https://sqs.local/queue", *msg.QueueUrl)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(*msg.MessageBody), &body))
	require.Equal(t, "o1", body["order_id"])
	require.Contains(t, msg.MessageAttributes, "order_id")
	require.NotContains(t, msg.MessageAttributes, "correlation_id")
}

func TestPublisher_Unconfigured(t *testing.T) {
	p := aws.NewPublisher(nil, "")
	require.Error(t, p.SendMessage(context.Background(), "{}", nil))
}

func TestMetricsRecorder_SwallowsErrors(t *testing.T) {
	cw := &awstest.FakeCloudWatch{}
	m := aws.NewMetricsRecorder(cw, "Checkout", zap.NewNop())
	m.Count(context.Background(), "CheckoutSucceeded", 1, map[string]string{"region": "national"})
	require.Equal(t, []string{"CheckoutSucceeded"}, cw.MetricNames())
	require.Equal(t, "region", *cw.Inputs[0].MetricData[0].Dimensions[0].Name)

	cw.Err = errors.New("throttled")
	m.Count(context.Background(), "CheckoutFailed", 1, nil)

	var nilRecorder *aws.MetricsRecorder
	nilRecorder.Count(context.Background(), "ignored", 1, nil)
}
