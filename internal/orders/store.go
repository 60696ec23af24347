package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// TxOwner tags order items inside a shared transaction.
const TxOwner = "orders"

// ErrStatusMismatch is returned when a guarded change finds the order in another state.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Store encapsulates operations on the orders and order history tables.
type Store struct {
	client       aws.DynamoDBAPI
	tableName    string
	historyTable string
	nowFunc      func() time.Time
	idGen        func() string
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName, historyTable string) *Store {
	return &Store{
		client:       client,
		tableName:    tableName,
		historyTable: historyTable,
		nowFunc:      time.Now,
		idGen:        func() string { return ulid.Make().String() },
	}
}

// CreateItems returns the writes that insert order together with its first history
// record. The insert fails if the order id is already taken.
func (s *Store) CreateItems(order Order) ([]types.TransactWriteItem, error) {
	if order.OrderID == "" {
		return nil, errors.New("order id is required")
	}
	now := s.nowFunc().UTC()
	if order.OrderDate.IsZero() {
		order.OrderDate = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.OrderDate
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order item: %w", err)
	}
	history, err := s.historyItem(HistoryRecord{
		OrderID: order.OrderID,
		Field:   FieldOrderStatus,
		To:      order.OrderStatus,
		Actor:   order.UserID,
		At:      order.OrderDate,
	})
	if err != nil {
		return nil, err
	}
	return []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: aws.String("attribute_not_exists(order_id)"),
			},
		},
		history,
	}, nil
}

// Create inserts order and its first history record atomically.
func (s *Store) Create(ctx context.Context, order Order) error {
	items, err := s.CreateItems(order)
	if err != nil {
		return err
	}
	tx := aws.NewTransaction()
	tx.Add(TxOwner, items...)
	return s.Commit(ctx, tx, "")
}

// Commit issues tx against the store's database.
func (s *Store) Commit(ctx context.Context, tx *aws.Transaction, token string) error {
	return tx.Commit(ctx, s.client, token)
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key,
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// History returns the order's status changes, oldest first.
func (s *Store) History(ctx context.Context, orderID string) ([]HistoryRecord, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.historyTable,
		KeyConditionExpression: aws.String("order_id = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: orderID},
		},
		ScanIndexForward: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	records := []HistoryRecord{}
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("unmarshal order history: %w", err)
	}
	return records, nil
}

// ChangeItems returns the update applying ch to o, guarded by o's current statuses, and
// one history record per changed field.
func (s *Store) ChangeItems(o Order, ch Change, at time.Time) ([]types.TransactWriteItem, error) {
	next := o.apply(ch, at)
	updatedAt, err := attributevalue.Marshal(next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("marshal updated_at: %w", err)
	}

	expr := "SET order_status = :os, payment_status = :ps, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":os":      &types.AttributeValueMemberS{Value: next.OrderStatus},
		":ps":      &types.AttributeValueMemberS{Value: next.PaymentStatus},
		":ua":      updatedAt,
		":prev_os": &types.AttributeValueMemberS{Value: o.OrderStatus},
		":prev_ps": &types.AttributeValueMemberS{Value: o.PaymentStatus},
	}
	if next.DateDelivered != nil && (o.DateDelivered == nil || !next.DateDelivered.Equal(*o.DateDelivered)) {
		dd, err := attributevalue.Marshal(*next.DateDelivered)
		if err != nil {
			return nil, fmt.Errorf("marshal date_delivered: %w", err)
		}
		expr += ", date_delivered = :dd"
		values[":dd"] = dd
	}

	items := []types.TransactWriteItem{{Update: &types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: o.OrderID},
		},
		UpdateExpression:          &expr,
		ConditionExpression:       aws.String("order_status = :prev_os AND payment_status = :prev_ps"),
		ExpressionAttributeValues: values,
	}}}

	if next.OrderStatus != o.OrderStatus {
		h, err := s.historyItem(HistoryRecord{OrderID: o.OrderID, Field: FieldOrderStatus, From: o.OrderStatus, To: next.OrderStatus, Actor: ch.Actor, At: at})
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	if next.PaymentStatus != o.PaymentStatus {
		h, err := s.historyItem(HistoryRecord{OrderID: o.OrderID, Field: FieldPaymentStatus, From: o.PaymentStatus, To: next.PaymentStatus, Actor: ch.Actor, At: at})
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, nil
}

// Apply commits ch against o on its own. Returns the updated order, or
// ErrStatusMismatch if o's statuses changed in the meantime.
func (s *Store) Apply(ctx context.Context, o Order, ch Change) (*Order, error) {
	at := s.nowFunc().UTC()
	items, err := s.ChangeItems(o, ch, at)
	if err != nil {
		return nil, err
	}
	tx := aws.NewTransaction()
	tx.Add(TxOwner, items...)
	if err := s.Commit(ctx, tx, ""); err != nil {
		if txErr, ok := aws.AsTxError(err); ok && len(txErr.ConditionFailures(TxOwner)) > 0 {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("apply order change: %w", err)
	}
	next := o.apply(ch, at)
	return &next, nil
}

func (s *Store) historyItem(rec HistoryRecord) (types.TransactWriteItem, error) {
	if rec.HistoryID == "" {
		rec.HistoryID = s.idGen()
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal history record: %w", err)
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           &s.historyTable,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(history_id)"),
	}}, nil
}

func boolPtr(b bool) *bool { return &b }
