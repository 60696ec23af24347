// Package shipping resolves shipping cost from the admin-editable rates record.
package shipping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws"
)

// SettingKey identifies the rates record in the settings table.
const SettingKey = "shipping_rates"

// Region is a shipping destination class.
type Region string

const (
	RegionLocal         Region = "local"
	RegionNational      Region = "national"
	RegionInternational Region = "international"
)

// ParseRegion maps a free-form token to a Region. Unknown or empty tokens are national.
func ParseRegion(s string) Region {
	switch Region(strings.ToLower(strings.TrimSpace(s))) {
	case RegionLocal:
		return RegionLocal
	case RegionInternational:
		return RegionInternational
	default:
		return RegionNational
	}
}

// Rates is the per-region price list plus the subtotal at which shipping becomes free.
type Rates struct {
	Local                 decimal.Decimal
	National              decimal.Decimal
	International         decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// DefaultRates are used when no rates record is configured or it cannot be read.
func DefaultRates() Rates {
	return Rates{
		Local:                 decimal.RequireFromString("3.00"),
		National:              decimal.RequireFromString("5.00"),
		International:         decimal.RequireFromString("15.00"),
		FreeShippingThreshold: decimal.RequireFromString("100.00"),
	}
}

// Quote returns the cost of shipping subtotal worth of goods to region.
func (r Rates) Quote(region Region, subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(r.FreeShippingThreshold) {
		return decimal.Zero
	}
	switch region {
	case RegionLocal:
		return r.Local
	case RegionInternational:
		return r.International
	default:
		return r.National
	}
}

func (r Rates) validate() error {
	for name, v := range map[string]decimal.Decimal{
		"local":                   r.Local,
		"national":                r.National,
		"international":           r.International,
		"free_shipping_threshold": r.FreeShippingThreshold,
	} {
		if v.IsNegative() {
			return apperr.New("shipping.update", apperr.KindValidation, apperr.CodeInvalidInput, fmt.Sprintf("%s must not be negative", name))
		}
	}
	return nil
}

type ratesRecord struct {
	SettingKey            string    `dynamodbav:"setting_key"` // PK
	Local                 float64   `dynamodbav:"local"`
	National              float64   `dynamodbav:"national"`
	International         float64   `dynamodbav:"international"`
	FreeShippingThreshold float64   `dynamodbav:"free_shipping_threshold"`
	UpdatedAt             time.Time `dynamodbav:"updated_at"`
}

// Resolver reads the current rates record on every call.
type Resolver struct {
	client    aws.DynamoDBAPI
	tableName string
	logger    *zap.Logger
	now       func() time.Time
}

// NewResolver creates a Resolver backed by the settings table.
func NewResolver(client aws.DynamoDBAPI, tableName string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

// GetRate returns the shipping cost for region and subtotal. It never fails.
func (r *Resolver) GetRate(ctx context.Context, region string, subtotal decimal.Decimal) decimal.Decimal {
	return r.Rates(ctx).Quote(ParseRegion(region), subtotal)
}

// Rates returns the configured rates, or DefaultRates when they are unavailable.
func (r *Resolver) Rates(ctx context.Context) Rates {
	out, err := r.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &r.tableName,
		Key:       settingKey(),
	})
	if err != nil {
		r.logger.Warn("shipping rates unavailable, using defaults", zap.Error(err))
		return DefaultRates()
	}
	if len(out.Item) == 0 {
		return DefaultRates()
	}
	var rec ratesRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		r.logger.Warn("shipping rates unreadable, using defaults", zap.Error(err))
		return DefaultRates()
	}
	return Rates{
		Local:                 money(rec.Local),
		National:              money(rec.National),
		International:         money(rec.International),
		FreeShippingThreshold: money(rec.FreeShippingThreshold),
	}
}

// Update replaces the rates record.
func (r *Resolver) Update(ctx context.Context, rates Rates) error {
	if err := rates.validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(ratesRecord{
		SettingKey:            SettingKey,
		Local:                 rates.Local.InexactFloat64(),
		National:              rates.National.InexactFloat64(),
		International:         rates.International.InexactFloat64(),
		FreeShippingThreshold: rates.FreeShippingThreshold.InexactFloat64(),
		UpdatedAt:             r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal shipping rates: %w", err)
	}
	if _, err := r.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &r.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put shipping rates: %w", err)
	}
	return nil
}

func settingKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"setting_key": &types.AttributeValueMemberS{Value: SettingKey},
	}
}

func money(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}
