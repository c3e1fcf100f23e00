package api

import (
	"net/http"
	"strconv"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/service"

	"github.com/gin-gonic/gin"
)

// createOrder books a resource for the caller
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.RenterID = callerID(c)

	order, err := h.bookings.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, order)
}

// listOrders pages through the caller's orders as renter or owner
func (h *Handler) listOrders(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		respondError(c, apperr.Validation("page must be an integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		respondError(c, apperr.Validation("limit must be an integer"))
		return
	}

	result, err := h.orders.ListOrders(c.Request.Context(),
		callerID(c),
		c.DefaultQuery("role", service.RoleRenter),
		page,
		limit,
		models.OrderStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	order, err := h.orders.ConfirmOrder(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

type cancelOrderBody struct {
	Reason string `json:"reason"`
}

// cancelOrder accepts an empty body; the reason is optional.
func (h *Handler) cancelOrder(c *gin.Context) {
	var body cancelOrderBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), callerID(c), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h *Handler) completeOrder(c *gin.Context) {
	order, err := h.orders.CompleteOrder(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

type updateStatusBody struct {
	Status models.OrderStatus `json:"status" binding:"required"`
	Notes  string             `json:"notes"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	var body updateStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.orders.UpdateOrderStatus(c.Request.Context(), c.Param("id"), callerID(c), body.Status, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}
