package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/audit"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/shipping"
	"github.com/imrishuroy/go-checkout-orderflow/internal/validation"
)

// validatePromotion handles POST /promotions/validate. It previews the discount and
// records nothing.
func (h *handler) validatePromotion(c *gin.Context) {
	actor, _ := actorOf(c)
	var req validation.ValidatePromotionRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	res, err := h.cfg.Coupons.Validate(c.Request.Context(), req.Code, actor.UserID, decimal.NewFromFloat(req.Subtotal))
	if err != nil {
		h.writeError(c, err)
		return
	}
	body := gin.H{
		"code":           req.Code,
		"valid":          res.Valid,
		"discountAmount": res.DiscountAmount.Round(2).InexactFloat64(),
		"freeShipping":   res.FreeShipping,
	}
	if res.Reason != "" {
		body["reason"] = string(res.Reason)
	}
	if res.DiscountPercent != nil {
		body["discountPercent"] = res.DiscountPercent.InexactFloat64()
	}
	c.JSON(http.StatusOK, body)
}

// shippingRate handles GET /shipping/rate?region=&subtotal=.
func (h *handler) shippingRate(c *gin.Context) {
	var q validation.ShippingQuery
	if err := validation.BindQueryAndValidate(c, &q, h.v); err != nil {
		return
	}
	region := shipping.ParseRegion(q.Region)
	cost := h.cfg.Shipping.GetRate(c.Request.Context(), string(region), decimal.NewFromFloat(q.Subtotal))
	c.JSON(http.StatusOK, gin.H{
		"region":       region,
		"subtotal":     q.Subtotal,
		"shippingCost": cost.Round(2).InexactFloat64(),
	})
}

// getShippingRates handles GET /admin/shipping-rates.
func (h *handler) getShippingRates(c *gin.Context) {
	c.JSON(http.StatusOK, ratesBody(h.cfg.Shipping.Rates(c.Request.Context())))
}

// putShippingRates handles PUT /admin/shipping-rates.
func (h *handler) putShippingRates(c *gin.Context) {
	ctx := c.Request.Context()
	actor, _ := actorOf(c)
	var req validation.ShippingRatesRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	rates := shipping.Rates{
		Local:                 decimal.NewFromFloat(*req.Local),
		National:              decimal.NewFromFloat(*req.National),
		International:         decimal.NewFromFloat(*req.International),
		FreeShippingThreshold: decimal.NewFromFloat(*req.FreeShippingThreshold),
	}
	if err := h.cfg.Shipping.Update(ctx, rates); err != nil {
		h.writeError(c, err)
		return
	}
	if h.cfg.Audit != nil {
		if err := h.cfg.Audit.Append(ctx, audit.Entry{
			Actor:   actor.UserID,
			Action:  "shipping_rates.updated",
			Subject: shipping.SettingKey,
			Details: map[string]string{
				"local":                   rates.Local.String(),
				"national":                rates.National.String(),
				"international":           rates.International.String(),
				"free_shipping_threshold": rates.FreeShippingThreshold.String(),
			},
		}); err != nil {
			logging.FromContext(ctx, h.cfg.Logger).Debug("audit append failed", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, ratesBody(rates))
}

func ratesBody(r shipping.Rates) gin.H {
	return gin.H{
		"local":                 r.Local.InexactFloat64(),
		"national":              r.National.InexactFloat64(),
		"international":         r.International.InexactFloat64(),
		"freeShippingThreshold": r.FreeShippingThreshold.InexactFloat64(),
	}
}
