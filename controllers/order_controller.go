package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/services"
)

func (h *Controller) ListOrders(c *gin.Context) {
	defer h.observe(c, "list_orders")
	var f models.OrderFilter
	if !h.bindQuery(c, &f) {
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		h.badRequest(c, apperrors.Validation("list orders", "unknown status %q", f.Status))
		return
	}
	orders, err := h.admin.ListOrders(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (h *Controller) GetOrder(c *gin.Context) {
	defer h.observe(c, "get_order")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	order, err := h.admin.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CreateOrder answers 201 even when the promo code was refused; the refusal
// is reported next to the committed order.
func (h *Controller) CreateOrder(c *gin.Context) {
	defer h.observe(c, "create_order")
	var req models.CreateOrderRequest
	if !h.bindJSON(c, &req) {
		return
	}
	order, err := h.admin.CreateOrder(c.Request.Context(), req)
	var rejected *services.PromoRejectedError
	switch {
	case errors.As(err, &rejected):
		h.logger.Info("Promo code refused on new order",
			zap.Int64("order_id", rejected.Order.ID),
			zap.String("kind", string(apperrors.KindOf(rejected.Err))))
		c.JSON(http.StatusCreated, gin.H{
			"order":       rejected.Order,
			"promo_error": gin.H{"error": rejected.Err.Error(), "kind": apperrors.KindOf(rejected.Err)},
		})
	case err != nil:
		h.fail(c, err)
	default:
		c.JSON(http.StatusCreated, gin.H{"order": order})
	}
}

func (h *Controller) UpdateOrderItems(c *gin.Context) {
	defer h.observe(c, "update_order_items")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.UpdateOrderItemsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	order, err := h.admin.UpdateOrderItems(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Controller) ApplyPromoCode(c *gin.Context) {
	defer h.observe(c, "apply_promo_code")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.ApplyPromoCodeRequest
	if !h.bindJSON(c, &req) {
		return
	}
	order, err := h.admin.ApplyPromoCode(c.Request.Context(), id, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Controller) SetOrderStatus(c *gin.Context) {
	defer h.observe(c, "set_order_status")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.SetOrderStatusRequest
	if !h.bindJSON(c, &req) {
		return
	}
	order, err := h.admin.SetOrderStatus(c.Request.Context(), id, req.Status, req.ExpectedStatus)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Controller) CancelOrder(c *gin.Context) {
	defer h.observe(c, "cancel_order")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	order, err := h.admin.CancelOrder(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Controller) AssignCourier(c *gin.Context) {
	defer h.observe(c, "assign_courier")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.AssignCourierRequest
	if !h.bindJSON(c, &req) {
		return
	}
	order, err := h.admin.AssignCourier(c.Request.Context(), id, req.CourierID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Controller) ListChatMessages(c *gin.Context) {
	defer h.observe(c, "list_chat_messages")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	msgs, err := h.admin.ListChatMessages(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Controller) SendChatMessage(c *gin.Context) {
	defer h.observe(c, "send_chat_message")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.SendChatMessageRequest
	if !h.bindJSON(c, &req) {
		return
	}
	msg, err := h.admin.SendChatMessage(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Controller) MarkChatRead(c *gin.Context) {
	defer h.observe(c, "mark_chat_read")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.MarkChatReadRequest
	if !h.bindJSON(c, &req) {
		return
	}
	n, err := h.admin.MarkChatRead(c.Request.Context(), id, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (h *Controller) UnreadChatCount(c *gin.Context) {
	defer h.observe(c, "unread_chat_count")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	role := models.ChatRole(c.DefaultQuery("role", string(models.RoleAdmin)))
	n, err := h.admin.UnreadChatCount(c.Request.Context(), id, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *Controller) ListChatThreads(c *gin.Context) {
	defer h.observe(c, "list_chat_threads")
	role := models.ChatRole(c.DefaultQuery("role", string(models.RoleAdmin)))
	threads, err := h.admin.ListChatThreads(c.Request.Context(), role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, threads)
}
