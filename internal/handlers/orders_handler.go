package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-checkout-orderflow/internal/apperr"
	"github.com/imrishuroy/go-checkout-orderflow/internal/checkout"
	"github.com/imrishuroy/go-checkout-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-checkout-orderflow/internal/logging"
	"github.com/imrishuroy/go-checkout-orderflow/internal/validation"
)

// checkout handles POST /orders/checkout. With an Idempotency-Key header a replay
// returns the stored response and a duplicate still in flight gets 409.
func (h *handler) checkout(c *gin.Context) {
	ctx := c.Request.Context()
	actor, ok := actorOf(c)
	if !ok {
		h.writeError(c, apperr.New("checkout", apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "authentication required"))
		return
	}

	// the body is optional
	var req validation.CheckoutRequest
	if c.Request.ContentLength != 0 {
		if err := validation.BindAndValidate(c, &req, h.v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}
	}

	idemKey := ""
	if k := strings.TrimSpace(c.GetHeader(headerIdempotencyKey)); k != "" && h.cfg.Idempotency != nil {
		idemKey = idempotency.Key(idempotency.ScopeCheckout, actor.UserID, k)
		existing, claimed, err := h.cfg.Idempotency.Claim(ctx, idemKey)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !claimed {
			if existing.Done() {
				c.Header("Idempotent-Replay", "true")
				c.Data(existing.ResponseStatus, "application/json; charset=utf-8", []byte(existing.ResponseBody))
				return
			}
			h.writeError(c, apperr.New("checkout", apperr.KindConflict, apperr.CodeDuplicateRequest, "a request with this idempotency key is already in progress"))
			return
		}
	}

	order, err := h.cfg.Checkout.Checkout(ctx, checkout.Request{
		UserID:          actor.UserID,
		PromoCode:       req.PromoCode,
		Region:          req.Region,
		ShippingName:    req.ShippingName,
		ShippingAddress: req.ShippingAddress,
		ShippingPhone:   req.ShippingPhone,
		PaymentToken:    c.GetHeader(headerPaymentToken),
		CorrelationID:   correlationID(c),
	})
	logger := logging.FromContext(ctx, h.cfg.Logger)
	if err != nil {
		if idemKey != "" {
			if ferr := h.cfg.Idempotency.Fail(context.WithoutCancel(ctx), idemKey, string(apperr.CodeOf(err))); ferr != nil {
				logger.Warn("release idempotency key", zap.Error(ferr))
			}
		}
		h.writeError(c, err)
		return
	}

	body, err := json.Marshal(order)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if idemKey != "" {
		if err := h.cfg.Idempotency.Complete(context.WithoutCancel(ctx), idemKey, order.OrderID, string(body), http.StatusOK); err != nil {
			logger.Warn("store idempotent response", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// getOrder handles GET /orders/:id.
func (h *handler) getOrder(c *gin.Context) {
	actor, _ := actorOf(c)
	order, err := h.cfg.Orders.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// orderHistory handles GET /orders/:id/history.
func (h *handler) orderHistory(c *gin.Context) {
	actor, _ := actorOf(c)
	history, err := h.cfg.Orders.History(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("id"), "history": history})
}

// cancelOrder handles DELETE /orders/:id.
func (h *handler) cancelOrder(c *gin.Context) {
	actor, _ := actorOf(c)
	order, err := h.cfg.Orders.Cancel(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// updateStatus handles PATCH /admin/orders/:id/status.
func (h *handler) updateStatus(c *gin.Context) {
	actor, _ := actorOf(c)
	var req validation.AdminStatusRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	order, err := h.cfg.Orders.UpdateStatus(c.Request.Context(), c.Param("id"), deref(req.OrderStatus), deref(req.PaymentStatus), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
