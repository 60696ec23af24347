package coupons

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// Store reads promotions and usage records and builds redemption writes.
type Store struct {
	client          aws.DynamoDBAPI
	promotionsTable string
	usageTable      string
	quotaTable      string
}

// NewStore creates a new coupon Store.
func NewStore(client aws.DynamoDBAPI, promotionsTable, usageTable, quotaTable string) *Store {
	return &Store{
		client:          client,
		promotionsTable: promotionsTable,
		usageTable:      usageTable,
		quotaTable:      quotaTable,
	}
}

// Get fetches a promotion by normalized code. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, code string) (*Promotion, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.promotionsTable,
		Key:            promotionKey(code),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get promotion: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Promotion
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal promotion: %w", err)
	}
	return &p, nil
}

// CountUsage counts the usage records of userID against promotionID.
func (s *Store) CountUsage(ctx context.Context, promotionID, userID string) (int, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.usageTable,
		KeyConditionExpression: aws.String("usage_key = :k"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k": &types.AttributeValueMemberS{Value: usageKey(promotionID, userID)},
		},
		Select:         types.SelectCount,
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count promotion usage: %w", err)
	}
	return int(out.Count), nil
}

// Quota returns the per-user quota row, or nil if the user has none yet.
func (s *Store) Quota(ctx context.Context, promotionID, userID string) (*Quota, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.quotaTable,
		Key:            quotaKey(promotionID, userID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get promotion quota: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var q Quota
	if err := attributevalue.UnmarshalMap(out.Item, &q); err != nil {
		return nil, fmt.Errorf("unmarshal promotion quota: %w", err)
	}
	return &q, nil
}

// redemptionItems appends a usage record and, for limited promotions, takes one of
// the remaining uses and one of the user's uses. Every write is conditional so racing
// redemptions cannot overshoot either limit.
func (s *Store) redemptionItems(p Promotion, userID, usageID string, usage usageState, at time.Time) ([]types.TransactWriteItem, error) {
	record, err := attributevalue.MarshalMap(Usage{
		UsageKey:    usageKey(p.identity(), userID),
		UsageID:     usageID,
		PromotionID: p.identity(),
		Code:        p.Code,
		UserID:      userID,
		UsedAt:      at,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal usage: %w", err)
	}
	items := []types.TransactWriteItem{{Put: &types.Put{
		TableName:           &s.usageTable,
		Item:                record,
		ConditionExpression: aws.String("attribute_not_exists(usage_key)"),
	}}}

	if p.PerUserLimit != nil {
		if usage.quota == nil {
			quota, err := attributevalue.MarshalMap(Quota{UsageKey: usageKey(p.identity(), userID), Uses: usage.count + 1})
			if err != nil {
				return nil, fmt.Errorf("marshal promotion quota: %w", err)
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:           &s.quotaTable,
				Item:                quota,
				ConditionExpression: aws.String("attribute_not_exists(usage_key)"),
			}})
		} else {
			items = append(items, types.TransactWriteItem{Update: &types.Update{
				TableName:           &s.quotaTable,
				Key:                 quotaKey(p.identity(), userID),
				UpdateExpression:    aws.String("SET uses = uses + :one"),
				ConditionExpression: aws.String("attribute_exists(usage_key) AND uses < :limit"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one":   numberAttr(1),
					":limit": numberAttr(*p.PerUserLimit),
				},
			}})
		}
	}

	if p.RemainingUses != nil {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           &s.promotionsTable,
			Key:                 promotionKey(p.Code),
			UpdateExpression:    aws.String("SET remaining_uses = remaining_uses - :one"),
			ConditionExpression: aws.String("attribute_exists(code) AND remaining_uses > :zero"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":  numberAttr(1),
				":zero": numberAttr(0),
			},
		}})
	}
	return items, nil
}

// releaseItems removes the usage record and gives the user's use back. The record must
// still exist, so a repeated release changes nothing.
func (s *Store) releaseItems(p Promotion, userID, usageID string) []types.TransactWriteItem {
	items := []types.TransactWriteItem{{Delete: &types.Delete{
		TableName: &s.usageTable,
		Key: map[string]types.AttributeValue{
			"usage_key": &types.AttributeValueMemberS{Value: usageKey(p.identity(), userID)},
			"usage_id":  &types.AttributeValueMemberS{Value: usageID},
		},
		ConditionExpression: aws.String("attribute_exists(usage_key)"),
	}}}
	if p.PerUserLimit != nil {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:           &s.quotaTable,
			Key:                 quotaKey(p.identity(), userID),
			UpdateExpression:    aws.String("SET uses = uses - :one"),
			ConditionExpression: aws.String("attribute_exists(usage_key) AND uses > :zero"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":  numberAttr(1),
				":zero": numberAttr(0),
			},
		}})
	}
	return items
}

// giveBackItems returns the global use taken by a redemption. It is committed on its
// own: the counter is only raised while below the global limit, and a counter an
// admin already reset must not keep the usage record alive.
func (s *Store) giveBackItems(p Promotion) []types.TransactWriteItem {
	if p.RemainingUses == nil {
		return nil
	}
	cond := "attribute_exists(code) AND remaining_uses < global_usage_limit"
	if p.GlobalUsageLimit == nil {
		cond = "attribute_exists(remaining_uses)"
	}
	return []types.TransactWriteItem{{Update: &types.Update{
		TableName:           &s.promotionsTable,
		Key:                 promotionKey(p.Code),
		UpdateExpression:    aws.String("SET remaining_uses = remaining_uses + :one"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numberAttr(1),
		},
	}}}
}

func promotionKey(code string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"code": &types.AttributeValueMemberS{Value: code},
	}
}

func quotaKey(promotionID, userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"usage_key": &types.AttributeValueMemberS{Value: usageKey(promotionID, userID)},
	}
}

func numberAttr(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func boolPtr(b bool) *bool { return &b }
