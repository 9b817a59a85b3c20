package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateProductRequest struct {
	Name       string `json:"name" binding:"required"`
	Price      int64  `json:"price" binding:"min=0,max=1000000000000"`
	CategoryID *int64 `json:"category_id"`
	Active     *bool  `json:"active"`
}

// UpdateProductRequest changes only the fields that are set.
type UpdateProductRequest struct {
	Name          *string `json:"name"`
	Price         *int64  `json:"price" binding:"omitempty,min=0,max=1000000000000"`
	CategoryID    *int64  `json:"category_id"`
	Uncategorized bool    `json:"uncategorized"`
	Active        *bool   `json:"active"`
}

type CreateCategoryRequest struct {
	Name     string `json:"name" binding:"required"`
	ParentID *int64 `json:"parent_id"`
}

type RenameCategoryRequest struct {
	Name string `json:"name" binding:"required"`
}

// MoveCategoryRequest moves a category under ParentID (nil for the root).
// Position defaults to the end of the new parent's children.
type MoveCategoryRequest struct {
	ParentID *int64 `json:"parent_id"`
	Position *int   `json:"position" binding:"omitempty,min=0"`
}

type DeleteCategoryRequest struct {
	ReassignTo *int64 `json:"reassign_to" form:"reassign_to"`
	Cascade    bool   `json:"cascade" form:"cascade"`
}

type CreateDiscountRequest struct {
	Name       string          `json:"name"`
	ProductID  *int64          `json:"product_id"`
	CategoryID *int64          `json:"category_id"`
	Kind       AdjustmentKind  `json:"kind" binding:"required,oneof=percentage fixed"`
	Value      decimal.Decimal `json:"value"`
	StartsAt   *time.Time      `json:"starts_at"`
	EndsAt     *time.Time      `json:"ends_at"`
}

type CreatePromoCodeRequest struct {
	Code     string          `json:"code" binding:"required"`
	Kind     AdjustmentKind  `json:"kind" binding:"required,oneof=percentage fixed"`
	Value    decimal.Decimal `json:"value"`
	MaxUses  *int            `json:"max_uses" binding:"omitempty,min=1"`
	StartsAt *time.Time      `json:"starts_at"`
	EndsAt   *time.Time      `json:"ends_at"`
}

type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type RegisterCourierRequest struct {
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone"`
}

type UpdateCourierRequest struct {
	Name  *string `json:"name"`
	Phone *string `json:"phone"`
}

type AssignCourierRequest struct {
	CourierID int64 `json:"courier_id" binding:"required"`
}

type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1,max=10000"`
}

type CreateOrderRequest struct {
	CustomerID int64              `json:"customer_id" binding:"required"`
	Items      []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	PromoCode  string             `json:"promo_code"`
}

type UpdateOrderItemsRequest struct {
	Items []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

type ApplyPromoCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// SetOrderStatusRequest carries the status the caller last observed; the
// change is applied only if the order still has it.
type SetOrderStatusRequest struct {
	Status         OrderStatus `json:"status" binding:"required"`
	ExpectedStatus OrderStatus `json:"expected_status" binding:"required"`
}

type SendChatMessageRequest struct {
	Role       ChatRole `json:"role" binding:"required"`
	CustomerID int64    `json:"customer_id"`
	Body       string   `json:"body" binding:"required"`
}

type MarkChatReadRequest struct {
	Role ChatRole `json:"role" binding:"required"`
}

type FailedLogin struct {
	Identity string
	Source   string
	Reason   string
}

type Page struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}
