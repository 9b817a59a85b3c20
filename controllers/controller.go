package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/middlewares"
	"storefront/services"
)

const outcomeKey = "operation_outcome"

// Controller exposes the Admin facade over HTTP.
type Controller struct {
	admin  *services.Admin
	logger *zap.Logger
}

func NewController(admin *services.Admin, logger *zap.Logger) *Controller {
	return &Controller{admin: admin, logger: logger}
}

// Register mounts every admin route on g.
func (h *Controller) Register(g *gin.RouterGroup) {
	g.GET("/orders", h.ListOrders)
	g.POST("/orders", h.CreateOrder)
	g.GET("/orders/:id", h.GetOrder)
	g.PUT("/orders/:id/items", h.UpdateOrderItems)
	g.POST("/orders/:id/promo", h.ApplyPromoCode)
	g.PUT("/orders/:id/status", h.SetOrderStatus)
	g.POST("/orders/:id/cancel", h.CancelOrder)
	g.POST("/orders/:id/courier", h.AssignCourier)
	g.GET("/orders/:id/chat", h.ListChatMessages)
	g.POST("/orders/:id/chat", h.SendChatMessage)
	g.POST("/orders/:id/chat/read", h.MarkChatRead)
	g.GET("/orders/:id/chat/unread", h.UnreadChatCount)
	g.GET("/chat/threads", h.ListChatThreads)

	g.GET("/products", h.ListProducts)
	g.POST("/products", h.CreateProduct)
	g.GET("/products/:id", h.GetProduct)
	g.PATCH("/products/:id", h.UpdateProduct)
	g.DELETE("/products/:id", h.DeleteProduct)

	g.GET("/categories/tree", h.GetCategoryTree)
	g.GET("/categories/tree/:id", h.GetCategoryTree)
	g.POST("/categories", h.CreateCategory)
	g.PUT("/categories/:id/name", h.RenameCategory)
	g.PUT("/categories/:id/parent", h.MoveCategory)
	g.DELETE("/categories/:id", h.DeleteCategory)

	g.GET("/discounts", h.ListDiscounts)
	g.POST("/discounts", h.CreateDiscount)
	g.PUT("/discounts/:id/active", h.SetDiscountActive)

	g.GET("/promo-codes", h.ListPromoCodes)
	g.POST("/promo-codes", h.CreatePromoCode)
	g.PUT("/promo-codes/:id/active", h.SetPromoCodeActive)

	g.GET("/couriers", h.ListCouriers)
	g.POST("/couriers", h.RegisterCourier)
	g.PATCH("/couriers/:id", h.UpdateCourier)
	g.PUT("/couriers/:id/active", h.SetCourierActive)

	g.GET("/security-log", h.ListSecurityLog)
	g.DELETE("/security-log", h.ClearSecurityLog)
}

// observe records the operation outcome once the handler has responded.
func (h *Controller) observe(c *gin.Context, op string) {
	outcome := "success"
	if v := c.GetString(outcomeKey); v != "" {
		outcome = v
	} else if c.Writer.Status() >= http.StatusBadRequest {
		outcome = "error"
	}
	middlewares.RecordOperation(op, outcome)
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case apperrors.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Controller) fail(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	c.Set(outcomeKey, string(kind))
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(middlewares.RequestIDKey)),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error", "request_id": c.GetString(middlewares.RequestIDKey)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func (h *Controller) badRequest(c *gin.Context, err error) {
	c.Set(outcomeKey, string(apperrors.KindValidation))
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperrors.KindValidation})
}

func (h *Controller) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.badRequest(c, err)
		return false
	}
	return true
}

func (h *Controller) bindQuery(c *gin.Context, dst any) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		h.badRequest(c, err)
		return false
	}
	return true
}

var errBadID = errors.New("id must be a positive integer")

func (h *Controller) idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, errBadID)
		return 0, false
	}
	return id, true
}
