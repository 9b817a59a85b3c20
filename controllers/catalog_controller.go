package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/models"
)

func (h *Controller) ListProducts(c *gin.Context) {
	defer h.observe(c, "list_products")
	var f models.ProductFilter
	if !h.bindQuery(c, &f) {
		return
	}
	products, err := h.admin.ListProducts(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Controller) GetProduct(c *gin.Context) {
	defer h.observe(c, "get_product")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	p, err := h.admin.GetProduct(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Controller) CreateProduct(c *gin.Context) {
	defer h.observe(c, "create_product")
	var req models.CreateProductRequest
	if !h.bindJSON(c, &req) {
		return
	}
	p, err := h.admin.CreateProduct(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Controller) UpdateProduct(c *gin.Context) {
	defer h.observe(c, "update_product")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.UpdateProductRequest
	if !h.bindJSON(c, &req) {
		return
	}
	p, err := h.admin.UpdateProduct(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Controller) DeleteProduct(c *gin.Context) {
	defer h.observe(c, "delete_product")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	if err := h.admin.DeleteProduct(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Controller) GetCategoryTree(c *gin.Context) {
	defer h.observe(c, "get_category_tree")
	var root *int64
	if c.Param("id") != "" {
		id, ok := h.idParam(c)
		if !ok {
			return
		}
		root = &id
	}
	tree, err := h.admin.GetCategoryTree(c.Request.Context(), root)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (h *Controller) CreateCategory(c *gin.Context) {
	defer h.observe(c, "create_category")
	var req models.CreateCategoryRequest
	if !h.bindJSON(c, &req) {
		return
	}
	cat, err := h.admin.CreateCategory(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cat)
}

func (h *Controller) RenameCategory(c *gin.Context) {
	defer h.observe(c, "rename_category")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.RenameCategoryRequest
	if !h.bindJSON(c, &req) {
		return
	}
	cat, err := h.admin.RenameCategory(c.Request.Context(), id, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cat)
}

func (h *Controller) MoveCategory(c *gin.Context) {
	defer h.observe(c, "move_category")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.MoveCategoryRequest
	if !h.bindJSON(c, &req) {
		return
	}
	cat, err := h.admin.MoveCategory(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cat)
}

// DeleteCategory takes its policy from the query: ?reassign_to=<id> or ?cascade=true.
func (h *Controller) DeleteCategory(c *gin.Context) {
	defer h.observe(c, "delete_category")
	id, ok := h.idParam(c)
	if !ok {
		return
	}
	var req models.DeleteCategoryRequest
	if !h.bindQuery(c, &req) {
		return
	}
	if err := h.admin.DeleteCategory(c.Request.Context(), id, req); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
