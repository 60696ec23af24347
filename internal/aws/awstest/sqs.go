package awstest

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// FakeSQS records sent messages.
type FakeSQS struct {
	mu       sync.Mutex
	Err      error
	Messages []*sqs.SendMessageInput
	Sent     chan *sqs.SendMessageInput
}

// NewFakeSQS returns a fake whose Sent channel receives every successfully sent message.
func NewFakeSQS() *FakeSQS {
	return &FakeSQS{Sent: make(chan *sqs.SendMessageInput, 64)}
}

// SendMessage implements SQSAPI.
func (f *FakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	if f.Err != nil {
		err := f.Err
		f.mu.Unlock()
		return nil, err
	}
	f.Messages = append(f.Messages, params)
	f.mu.Unlock()
	select {
	case f.Sent <- params:
	default:
	}
	return &sqs.SendMessageOutput{}, nil
}

// FakeCloudWatch records metric data.
type FakeCloudWatch struct {
	mu     sync.Mutex
	Err    error
	Inputs []*cloudwatch.PutMetricDataInput
}

// PutMetricData implements CloudWatchAPI.
func (f *FakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Inputs = append(f.Inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// MetricNames returns the names of all recorded metrics.
func (f *FakeCloudWatch) MetricNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, in := range f.Inputs {
		for _, d := range in.MetricData {
			if d.MetricName != nil {
				names = append(names, *d.MetricName)
			}
		}
	}
	return names
}
