// Package audit appends fire-and-forget audit entries. Callers ignore its errors.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/oklog/ulid/v2"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// Entry is one audit record.
type Entry struct {
	AuditID string            `dynamodbav:"audit_id"` // PK, ULID
	Actor   string            `dynamodbav:"actor"`
	Action  string            `dynamodbav:"action"`
	Subject string            `dynamodbav:"subject"`
	At      time.Time         `dynamodbav:"at"`
	Details map[string]string `dynamodbav:"details,omitempty"`
}

// Appender writes entries to the audit table.
type Appender struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
	idGen     func() string
}

// NewAppender creates an Appender. A nil Appender discards entries.
func NewAppender(client aws.DynamoDBAPI, tableName string) *Appender {
	return &Appender{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
		idGen:     func() string { return ulid.Make().String() },
	}
}

// Append stores e, filling AuditID and At when empty.
func (a *Appender) Append(ctx context.Context, e Entry) error {
	if a == nil || a.client == nil || a.tableName == "" {
		return nil
	}
	if e.AuditID == "" {
		e.AuditID = a.idGen()
	}
	if e.At.IsZero() {
		e.At = a.nowFunc().UTC()
	}
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := a.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &a.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(audit_id)"),
	}); err != nil {
		return fmt.Errorf("put audit entry: %w", err)
	}
	return nil
}
