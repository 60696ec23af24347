package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // TTL window when claiming entries
	lease     time.Duration // in-progress entries older than this are taken over
	nowFunc   func() time.Time
}

// DefaultLease outlives one API Gateway or SQS Lambda invocation.
const DefaultLease = 2 * time.Minute

// NewStore returns a configured Store.
// ttlWindow: how long a claimed key is remembered (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		lease:     DefaultLease,
		nowFunc:   time.Now,
	}
}

// WithLease sets how long an in-progress claim is honoured without progress.
// Zero keeps in-progress entries until they expire.
func (s *Store) WithLease(lease time.Duration) *Store {
	s.lease = lease
	return s
}

// ErrNotClaimed is returned by Complete and Fail when the key is not held in progress.
var ErrNotClaimed = errors.New("idempotency key not in progress")

// Claim takes ownership of key for one attempt.
// Returns (nil, true, nil) when the caller now owns the key.
// Returns (existing, false, nil) when another attempt owns it or already finished;
// inspect existing.Status to replay or reject.
// FAILED, expired and abandoned in-progress entries are taken over.
func (s *Store) Claim(ctx context.Context, key string) (*Record, bool, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	})
	if err == nil {
		return nil, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, fmt.Errorf("put item: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil || !existing.reclaimable(now, s.lease) {
		return existing, false, nil
	}

	// take over a failed, expired or abandoned entry; the previous status and
	// updated_at guard against a concurrent takeover
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(key),
		UpdateExpression:    awsString("SET #s = :in_progress, updated_at = :ua, expires_at = :exp"),
		ConditionExpression: awsString("#s = :prev AND updated_at = :prev_ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":ua":          &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":exp":         &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt, 10)},
			":prev":        &types.AttributeValueMemberS{Value: existing.Status},
			":prev_ua":     &types.AttributeValueMemberS{Value: existing.UpdatedAt.Format(time.RFC3339Nano)},
		},
	})
	if err == nil {
		return nil, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, fmt.Errorf("update item (reclaim): %w", err)
	}
	existing, err = s.Get(ctx, key)
	return existing, false, err
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(key),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Complete moves an in-progress key to DONE and stores a small response for replay.
func (s *Store) Complete(ctx context.Context, key, resourceID, responseBody string, responseStatus int) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(key),
		UpdateExpression:    awsString("SET #s = :done, resource_id = :rid, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ConditionExpression: awsString("#s = :in_progress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":        &types.AttributeValueMemberS{Value: StatusDone},
			":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":rid":         &types.AttributeValueMemberS{Value: resourceID},
			":rb":          &types.AttributeValueMemberS{Value: responseBody},
			":rs":          &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
			":ua":          &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotClaimed
		}
		return fmt.Errorf("update item (complete): %w", err)
	}
	return nil
}

// Fail marks an in-progress key as FAILED so a later attempt can claim it again.
func (s *Store) Fail(ctx context.Context, key, note string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(key),
		UpdateExpression:    awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ConditionExpression: awsString("#s = :in_progress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":      &types.AttributeValueMemberS{Value: StatusFailed},
			":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":n":           &types.AttributeValueMemberS{Value: note},
			":ua":          &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotClaimed
		}
		return fmt.Errorf("update item (fail): %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

// Helpers
func awsString(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
