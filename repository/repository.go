// Package repository is the storage layer. All access goes through a Store
// transaction; the conditional updates (promo redemption, courier
// acquisition, guarded status transitions) are single storage statements so
// concurrent requests cannot both succeed where only one may.
package repository

import (
	"context"
	"time"

	"storefront/models"
)

// Store runs fn inside one transaction. If fn returns an error nothing it
// did is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	ProductRepository
	CategoryRepository
	DiscountRepository
	PromoCodeRepository
	CourierRepository
	OrderRepository
	ChatRepository
	SecurityLogRepository
}

type ProductRepository interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	UpdateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, q models.ProductQuery) ([]models.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	// MoveProducts sets the category of every product in one of from to to.
	MoveProducts(ctx context.Context, from []int64, to *int64, at time.Time) error
}

type CategoryRepository interface {
	CreateCategory(ctx context.Context, c *models.Category) error
	UpdateCategory(ctx context.Context, c *models.Category) error
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
	DeleteCategories(ctx context.Context, ids []int64) error
	// LockCategoryTree serializes tree mutations for the rest of the transaction.
	LockCategoryTree(ctx context.Context) error
}

type DiscountRepository interface {
	CreateDiscount(ctx context.Context, d *models.Discount) error
	GetDiscount(ctx context.Context, id int64) (*models.Discount, error)
	ListDiscounts(ctx context.Context, activeOnly bool) ([]models.Discount, error)
	SetDiscountActive(ctx context.Context, id int64, active bool) error
}

type PromoCodeRepository interface {
	// CreatePromoCode fails with a conflict when the normalized code exists.
	CreatePromoCode(ctx context.Context, p *models.PromoCode) error
	GetPromoCode(ctx context.Context, id int64) (*models.PromoCode, error)
	GetPromoCodeByCode(ctx context.Context, code string) (*models.PromoCode, error)
	ListPromoCodes(ctx context.Context) ([]models.PromoCode, error)
	SetPromoCodeActive(ctx context.Context, id int64, active bool) error
	// RedeemPromoCode increments the used count iff the code is active,
	// inside its window at `at` and below its max uses. It reports whether
	// the increment happened.
	RedeemPromoCode(ctx context.Context, id int64, at time.Time) (bool, error)
}

type CourierRepository interface {
	CreateCourier(ctx context.Context, c *models.Courier) error
	UpdateCourier(ctx context.Context, c *models.Courier) error
	GetCourier(ctx context.Context, id int64) (*models.Courier, error)
	ListCouriers(ctx context.Context) ([]models.Courier, error)
	// SetCourierActive deactivation only succeeds while the courier has no
	// active orders; it reports whether the row changed.
	SetCourierActive(ctx context.Context, id int64, active bool) (bool, error)
	// AcquireCourier takes one delivery slot iff the courier is active and
	// has fewer than capacity active orders.
	AcquireCourier(ctx context.Context, id int64, capacity int) (bool, error)
	// ReleaseCourier gives back one slot iff the courier holds any.
	ReleaseCourier(ctx context.Context, id int64) (bool, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// LockOrder reads the order and holds it for the rest of the transaction.
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error)
	// UpdateOrderPricing replaces items, adjustments and totals iff the
	// order is still pending. It reports whether the row changed.
	UpdateOrderPricing(ctx context.Context, o *models.Order) (bool, error)
	// TransitionOrder applies t iff the stored status equals t.From.
	TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error)
	// AssignOrderCourier sets the courier iff none is set and the order is
	// in a status that allows assignment.
	AssignOrderCourier(ctx context.Context, orderID, courierID int64, at time.Time) (bool, error)
	// OpenOrderIDsWithProduct lists non-terminal orders that have a line for productID.
	OpenOrderIDsWithProduct(ctx context.Context, productID int64) ([]int64, error)
	// AssignedOrderIDs maps courier id to the orders currently assigned to it.
	AssignedOrderIDs(ctx context.Context) (map[int64][]int64, error)
}

type ChatRepository interface {
	AppendChatMessage(ctx context.Context, m *models.ChatMessage) error
	ListChatMessages(ctx context.Context, orderID int64) ([]models.ChatMessage, error)
	// MarkChatRead flips the read flag of unread messages sent by sender.
	MarkChatRead(ctx context.Context, orderID int64, sender models.ChatRole) (int64, error)
	// ListChatThreads counts, per order, messages unread by reader.
	ListChatThreads(ctx context.Context, reader models.ChatRole) ([]models.ChatThread, error)
}

type SecurityLogRepository interface {
	AppendSecurityEntry(ctx context.Context, e *models.SecurityLogEntry) error
	// ListSecurityEntries returns the most recent entries first. limit <= 0 means all.
	ListSecurityEntries(ctx context.Context, limit, offset int) ([]models.SecurityLogEntry, error)
	ClearSecurityEntries(ctx context.Context) (int64, error)
}
