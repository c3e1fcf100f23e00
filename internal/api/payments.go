package api

import (
	"io"
	"net/http"

	"rental-service/internal/apperr"
	"rental-service/internal/payment"
	"rental-service/internal/service"
	"rental-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxCallbackBody caps provider notification bodies.
const maxCallbackBody = 1 << 20

// createPayment opens a checkout with a provider for one of the caller's orders
func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = callerID(c)

	result, err := h.payments.CreatePayment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, result)
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.payments.QueryPaymentStatus(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (h *Handler) listPaymentEvents(c *gin.Context) {
	events, err := h.payments.ListPaymentEvents(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, events)
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req service.RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	result, err := h.payments.RefundPayment(c.Request.Context(), c.Param("id"), callerID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *Handler) cancelPayment(c *gin.Context) {
	p, err := h.payments.CancelPayment(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

// simulateSuccess settles a mock payment as if the provider had notified us.
func (h *Handler) simulateSuccess(c *gin.Context) {
	p, err := h.reconciler.SimulateSuccess(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

// paymentCallback hands the raw notification to the reconciler and answers
// in whatever format the provider expects.
func (h *Handler) paymentCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		respondError(c, apperr.Validation("unreadable callback body"))
		return
	}

	ack, err := h.reconciler.HandleCallback(c.Request.Context(), c.Param("provider"), payment.RawCallback{
		Headers: c.Request.Header.Clone(),
		Body:    body,
	})
	if ack.StatusCode == 0 {
		if err == nil {
			err = apperr.Internal(nil, "provider returned no acknowledgement")
		}
		respondError(c, err)
		return
	}
	if err != nil {
		util.GetLogger().Warn("Payment callback not applied",
			zap.String("provider", c.Param("provider")),
			zap.Int("ack_status", ack.StatusCode),
			zap.Error(err))
	}
	c.Data(ack.StatusCode, ack.ContentType, ack.Body)
}
