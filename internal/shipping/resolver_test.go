package shipping

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/aws/awstest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newResolver(t *testing.T) (*awstest.FakeDynamo, *Resolver) {
	t.Helper()
	fake := awstest.NewFakeDynamo()
	fake.CreateTable("settings", "setting_key", "")
	return fake, NewResolver(fake, "settings", nil)
}

func TestParseRegion(t *testing.T) {
	assert.Equal(t, RegionLocal, ParseRegion(" LOCAL "))
	assert.Equal(t, RegionInternational, ParseRegion("International"))
	assert.Equal(t, RegionNational, ParseRegion("national"))
	assert.Equal(t, RegionNational, ParseRegion(""))
	assert.Equal(t, RegionNational, ParseRegion("mars"))
}

func TestGetRate_Defaults(t *testing.T) {
	_, r := newResolver(t)
	ctx := context.Background()

	assert.True(t, dec("3").Equal(r.GetRate(ctx, "local", dec("10"))))
	assert.True(t, dec("5").Equal(r.GetRate(ctx, "", dec("10"))))
	assert.True(t, dec("15").Equal(r.GetRate(ctx, "international", dec("99.99"))))
	assert.True(t, r.GetRate(ctx, "international", dec("100")).IsZero(), "threshold is inclusive")
}

func TestGetRate_ConfiguredRecord(t *testing.T) {
	_, r := newResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Update(ctx, Rates{
		Local:                 dec("2.50"),
		National:              dec("4.75"),
		International:         dec("20"),
		FreeShippingThreshold: dec("250"),
	}))

	assert.True(t, dec("4.75").Equal(r.GetRate(ctx, "national", dec("120"))))
	assert.True(t, dec("20").Equal(r.GetRate(ctx, "international", dec("249.99"))))
	assert.True(t, r.GetRate(ctx, "local", dec("250")).IsZero())
}

func TestGetRate_FallsBackWhenUnavailable(t *testing.T) {
	fake, r := newResolver(t)
	fake.Fail("GetItem", "settings", errors.New("throttled"))

	assert.Equal(t, DefaultRates(), r.Rates(context.Background()))
	assert.True(t, dec("5").Equal(r.GetRate(context.Background(), "national", dec("1"))))
}

func TestUpdate_RejectsNegative(t *testing.T) {
	fake, r := newResolver(t)
	rates := DefaultRates()
	rates.Local = dec("-1")

	err := r.Update(context.Background(), rates)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, 0, fake.Count("settings"))
}
