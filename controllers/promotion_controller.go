package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/models"
)

func (h *Controller) ListDiscounts(c *gin.Context) {
	defer h.observe(c, "list_discounts")
	discounts, err := h.admin.ListDiscounts(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, discounts)
}

func (h *Controller) CreateDiscount(c *gin.Context) {
	defer h.observe(c, "create_discount")
	var req models.CreateDiscountRequest
	if !h.bindJSON(c, &req) {
		return
	}
	d, err := h.admin.CreateDiscount(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Controller) SetDiscountActive(c *gin.Context) {
	defer h.observe(c, "set_discount_active")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.SetActiveRequest
	if !h.bindJSON(c, &req) {
		return
	}
	d, err := h.admin.SetDiscountActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Controller) ListPromoCodes(c *gin.Context) {
	defer h.observe(c, "list_promo_codes")
	promos, err := h.admin.ListPromoCodes(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, promos)
}

func (h *Controller) CreatePromoCode(c *gin.Context) {
	defer h.observe(c, "create_promo_code")
	var req models.CreatePromoCodeRequest
	if !h.bindJSON(c, &req) {
		return
	}
	p, err := h.admin.CreatePromoCode(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Controller) SetPromoCodeActive(c *gin.Context) {
	defer h.observe(c, "set_promo_code_active")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.SetActiveRequest
	if !h.bindJSON(c, &req) {
		return
	}
	p, err := h.admin.SetPromoCodeActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
