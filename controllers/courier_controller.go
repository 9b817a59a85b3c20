package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/models"
)

func (h *Controller) ListCouriers(c *gin.Context) {
	defer h.observe(c, "list_couriers")
	couriers, err := h.admin.ListCouriers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, couriers)
}

func (h *Controller) RegisterCourier(c *gin.Context) {
	defer h.observe(c, "register_courier")
	var req models.RegisterCourierRequest
	if !h.bindJSON(c, &req) {
		return
	}
	courier, err := h.admin.RegisterCourier(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, courier)
}

func (h *Controller) UpdateCourier(c *gin.Context) {
	defer h.observe(c, "update_courier")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.UpdateCourierRequest
	if !h.bindJSON(c, &req) {
		return
	}
	courier, err := h.admin.UpdateCourier(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, courier)
}

func (h *Controller) SetCourierActive(c *gin.Context) {
	defer h.observe(c, "set_courier_active")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.SetActiveRequest
	if !h.bindJSON(c, &req) {
		return
	}
	courier, err := h.admin.SetCourierActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, courier)
}

func (h *Controller) ListSecurityLog(c *gin.Context) {
	defer h.observe(c, "list_security_log")
	var page models.Page
	if !h.bindQuery(c, &page) {
		return
	}
	entries, err := h.admin.ListSecurityLog(c.Request.Context(), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Controller) ClearSecurityLog(c *gin.Context) {
	defer h.observe(c, "clear_security_log")
	n, err := h.admin.ClearSecurityLog(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}
