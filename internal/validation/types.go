package validation

// CheckoutRequest is the payload for POST /orders/checkout
type CheckoutRequest struct {
	PromoCode       string `json:"promoCode,omitempty" validate:"omitempty,max=64"`
	Region          string `json:"region,omitempty" validate:"omitempty,max=32"` // local | national | international
	ShippingName    string `json:"shippingName,omitempty" validate:"omitempty,max=200"`
	ShippingAddress string `json:"shippingAddress,omitempty" validate:"omitempty,max=500"`
	ShippingPhone   string `json:"shippingPhone,omitempty" validate:"omitempty,max=32"`
}

// AdminStatusRequest is the payload for PATCH /admin/orders/:id/status.
// At least one of the fields must be set.
type AdminStatusRequest struct {
	OrderStatus   *string `json:"orderStatus,omitempty" validate:"omitempty,min=1,max=32"`
	PaymentStatus *string `json:"paymentStatus,omitempty" validate:"omitempty,min=1,max=32"`
}

// ValidatePromotionRequest is the payload for POST /promotions/validate
type ValidatePromotionRequest struct {
	Code     string  `json:"code" validate:"required,max=64"`
	Subtotal float64 `json:"subtotal" validate:"gte=0"`
}

// ShippingQuery is the query string of GET /shipping/rate
type ShippingQuery struct {
	Region   string  `form:"region" validate:"omitempty,max=32"`
	Subtotal float64 `form:"subtotal" validate:"gte=0"`
}

// ShippingRatesRequest is the payload for PUT /admin/shipping-rates
type ShippingRatesRequest struct {
	Local                 *float64 `json:"local" validate:"required,gte=0"`
	National              *float64 `json:"national" validate:"required,gte=0"`
	International         *float64 `json:"international" validate:"required,gte=0"`
	FreeShippingThreshold *float64 `json:"freeShippingThreshold" validate:"required,gte=0"`
}
