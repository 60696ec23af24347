package validation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate binds JSON body into `out` and runs validation.
// If validation fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "invalid request body",
		})
		return err
	}
	return validate(c, out, v)
}

// BindQueryAndValidate is BindAndValidate for query parameters.
func BindQueryAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindQuery(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "invalid query parameters",
		})
		return err
	}
	return validate(c, out, v)
}

func validate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := v.Struct(out); err != nil {
		// return structured validation errors
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "validation failed",
			"fields":  validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
