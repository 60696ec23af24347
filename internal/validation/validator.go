package validation

import (
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// a status update must change something
	v.RegisterStructValidation(adminStatusStructValidation, AdminStatusRequest{})

	return v
}

// adminStatusStructValidation requires orderStatus or paymentStatus to be present
func adminStatusStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(AdminStatusRequest)

	if blank(req.OrderStatus) && blank(req.PaymentStatus) {
		sl.ReportError(req.OrderStatus, "orderStatus", "OrderStatus", "status_required", "")
	}
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
