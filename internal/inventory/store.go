package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// Product is the catalog record owned by the catalog collaborator. Only price and stock matter here.
type Product struct {
	ProductID    string  `dynamodbav:"product_id"`
	Name         string  `dynamodbav:"name,omitempty"`
	Price        float64 `dynamodbav:"price"`
	StockQty     int     `dynamodbav:"stock_qty"`
	InitialStock int     `dynamodbav:"initial_stock,omitempty"` // restock high-water mark, not used by checkout
}

// UnitPrice returns the current price as an exact decimal.
func (p Product) UnitPrice() decimal.Decimal {
	return decimal.NewFromFloat(p.Price).Round(2)
}

// Store reads products and builds stock mutations against the products table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewStore creates a new inventory Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
	}
}

// Get fetches a product with a strongly consistent read. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            productKey(productID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// Products returns a fresh snapshot of every listed product keyed by id.
// Missing products are absent from the map.
func (s *Store) Products(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	for _, id := range productIDs {
		if _, done := out[id]; done {
			continue
		}
		p, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out[id] = *p
		}
	}
	return out, nil
}

// Line asks for Quantity units of ProductID.
type Line struct {
	ProductID string
	Quantity  int
}

// NewReservation merges lines per product and prepares the conditional decrements.
func (s *Store) NewReservation(lines []Line) (*Reservation, error) {
	merged := map[string]int{}
	for _, l := range lines {
		id := strings.TrimSpace(l.ProductID)
		if id == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("invalid reservation line %q x%d", l.ProductID, l.Quantity)
		}
		merged[id] += l.Quantity
	}
	out := make([]Line, 0, len(merged))
	for id, q := range merged {
		out = append(out, Line{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return &Reservation{tableName: s.tableName, lines: out}, nil
}

// RestockItems builds increments returning stock for lines. Each requires the product
// to still exist so a deleted product is never recreated as a bare stock row.
func (s *Store) RestockItems(lines []Line) []types.TransactWriteItem {
	items := make([]types.TransactWriteItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           &s.tableName,
			Key:                 productKey(l.ProductID),
			UpdateExpression:    aws.String("SET stock_qty = stock_qty + :q"),
			ConditionExpression: aws.String("attribute_exists(product_id)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":q": quantityAttr(l.Quantity),
			},
		}})
	}
	return items
}

func productKey(productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

func quantityAttr(q int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", q)}
}

func boolPtr(b bool) *bool { return &b }
