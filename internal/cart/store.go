package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// TxOwner tags cart items inside a shared transaction.
const TxOwner = "cart"

// Line is one product in a user's cart. Carts are edited by the cart collaborator;
// checkout only reads and consumes them.
type Line struct {
	UserID    string    `dynamodbav:"user_id"`    // PK
	ProductID string    `dynamodbav:"product_id"` // SK
	Quantity  int       `dynamodbav:"quantity"`
	AddedAt   time.Time `dynamodbav:"added_at,omitempty"`
}

// Store encapsulates operations on the carts table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewStore creates a new cart Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
	}
}

// Lines returns a consistent snapshot of the user's cart.
func (s *Store) Lines(ctx context.Context, userID string) ([]Line, error) {
	var lines []Line
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			KeyConditionExpression: aws.String("user_id = :u"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":u": &types.AttributeValueMemberS{Value: userID},
			},
			ConsistentRead:    boolPtr(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query cart: %w", err)
		}
		var page []Line
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal cart lines: %w", err)
		}
		lines = append(lines, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return lines, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// ConsumeItems deletes the snapshot lines, each guarded by its snapshot quantity so a
// cart edited (or checked out) concurrently cancels the transaction.
func (s *Store) ConsumeItems(lines []Line) []types.TransactWriteItem {
	items := make([]types.TransactWriteItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName:           &s.tableName,
			Key:                 lineKey(l.UserID, l.ProductID),
			ConditionExpression: aws.String("attribute_exists(product_id) AND quantity = :q"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":q": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", l.Quantity)},
			},
		}})
	}
	return items
}

// RestoreItems puts consumed lines back.
func (s *Store) RestoreItems(lines []Line) ([]types.TransactWriteItem, error) {
	items := make([]types.TransactWriteItem, 0, len(lines))
	for _, l := range lines {
		item, err := attributevalue.MarshalMap(l)
		if err != nil {
			return nil, fmt.Errorf("marshal cart line: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: &s.tableName,
			Item:      item,
		}})
	}
	return items, nil
}

func lineKey(userID, productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":    &types.AttributeValueMemberS{Value: userID},
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

func boolPtr(b bool) *bool { return &b }
