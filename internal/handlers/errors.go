package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
)

// statusFor maps an error onto an HTTP status. Business rejections are 400s
// regardless of their kind.
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeEmptyCart,
		apperr.CodeProductMissing,
		apperr.CodeInsufficientStock,
		apperr.CodePaymentDeclined,
		apperr.CodeInvalidTransition,
		apperr.CodeInvalidStatus,
		apperr.CodeNoChange,
		apperr.CodeInvalidInput:
		return http.StatusBadRequest
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {error, message}. Internal failures are logged and
// reported generically.
func (h *handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"message": apperr.PublicMessage(err)}
	if code := apperr.CodeOf(err); code != "" {
		body["error"] = string(code)
	} else {
		body["error"] = "internal"
	}

	logger := logging.FromContext(c.Request.Context(), h.cfg.Logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		if h.cfg.ExposeErrors {
			body["detail"] = err.Error()
		}
	} else {
		logger.Info("request rejected", zap.String("route", c.FullPath()), zap.String("code", string(apperr.CodeOf(err))))
	}
	c.AbortWithStatusJSON(status, body)
}
