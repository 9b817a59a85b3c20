// Package services holds the storefront core: catalog, promotions, the order
// ledger, dispatch, chat, the security log and the Admin facade that runs
// them inside storage transactions.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

// EventPublisher receives order events after their transaction committed.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, ev models.OrderEvent) error
}

type Options struct {
	CourierCapacity int
	ChatMaxBody     int
	Now             func() time.Time
	Events          EventPublisher
}

// Admin is the operation surface used by the HTTP layer and the bot. It owns
// no state: every call is one storage transaction across the components.
type Admin struct {
	store      repository.Store
	catalog    *Catalog
	promotions *PromotionEngine
	ledger     *Ledger
	dispatch   *Dispatch
	chat       *Chat
	security   *SecurityLog
	events     EventPublisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewAdmin(store repository.Store, logger *zap.Logger, opts Options) *Admin {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ChatMaxBody <= 0 {
		opts.ChatMaxBody = 4000
	}
	promotions := NewPromotionEngine(logger, now)
	return &Admin{
		store:      store,
		catalog:    NewCatalog(logger, now),
		promotions: promotions,
		ledger:     NewLedger(promotions, logger, now),
		dispatch:   NewDispatch(opts.CourierCapacity, logger, now),
		chat:       NewChat(opts.ChatMaxBody, logger, now),
		security:   NewSecurityLog(logger, now),
		events:     opts.Events,
		logger:     logger,
		now:        now,
	}
}

// PromoRejectedError reports that an order was created but its promo code
// could not be applied. Order is the committed order without the promo.
type PromoRejectedError struct {
	Order *models.Order
	Err   error
}

func (e *PromoRejectedError) Error() string {
	return fmt.Sprintf("order %d created without promo code: %v", e.Order.ID, e.Err)
}

func (e *PromoRejectedError) Unwrap() error { return e.Err }

// orders

func (a *Admin) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	var res []models.Order
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = tx.ListOrders(ctx, f)
		return err
	})
	return res, err
}

func (a *Admin) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var res *models.Order
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = tx.GetOrder(ctx, id)
		return err
	})
	return res, err
}

// CreateOrder creates a pending order and, if a promo code is given, tries
// to apply it in the same transaction. A promo that cannot be used does not
// prevent the order: it is committed without the promo and returned together
// with a *PromoRejectedError.
func (a *Admin) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	var (
		order    *models.Order
		promoErr error
	)
	err := a.store.WithTx(ctx, func(tx repository.Tx) error {
		o, err := a.ledger.Create(ctx, tx, req.CustomerID, req.Items)
		if err != nil {
			return err
		}
		order = o
		if req.PromoCode == "" {
			return nil
		}
		applied, err := a.ledger.ApplyPromo(ctx, tx, o.ID, req.PromoCode)
		if apperrors.Is(err, apperrors.KindPreconditionFailed) || apperrors.Is(err, apperrors.KindNotFound) {
			promoErr = err
			return nil
		}
		if err != nil {
			return err
		}
		order = applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, models.EventOrderCreated, order, "")
	if promoErr != nil {
		a.logger.Info("Order created without promo code",
			zap.Int64("order_id", order.ID),
			zap.String("promo_code", req.PromoCode),
			zap.Error(promoErr))
		return order, &PromoRejectedError{Order: order, Err: promoErr}
	}
	return order, nil
}

func (a *Admin) UpdateOrderItems(ctx context.Context, id int64, req models.UpdateOrderItemsRequest) (*models.Order, error) {
	var res *models.Order
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.ledger.UpdateItems(ctx, tx, id, req.Items)
		return err
	})
	return res, err
}

func (a *Admin) ApplyPromoCode(ctx context.Context, id int64, code string) (*models.Order, error) {
	var res *models.Order
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.ledger.ApplyPromo(ctx, tx, id, code)
		return err
	})
	return res, err
}

// SetOrderStatus applies a guarded transition: it succeeds only while the
// order is still in expected.
func (a *Admin) SetOrderStatus(ctx context.Context, id int64, next, expected models.OrderStatus) (*models.Order, error) {
	var change *StatusChange
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		change, err = a.transition(ctx, tx, id, next, expected)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, models.EventOrderStatusChanged, change.Order, change.From)
	return change.Order, nil
}

// CancelOrder cancels from whatever non-terminal status the order is in.
func (a *Admin) CancelOrder(ctx context.Context, id int64) (*models.Order, error) {
	var change *StatusChange
	err := a.store.WithTx(ctx, func(tx repository.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return apperrors.Conflict("cancel order", "order %d is already %s", id, o.Status)
		}
		change, err = a.transition(ctx, tx, id, models.StatusCancelled, o.Status)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, models.EventOrderStatusChanged, change.Order, change.From)
	return change.Order, nil
}

// transition is the only place a courier is released: the order gives up
// its courier in the same transaction as its terminal status change.
func (a *Admin) transition(ctx context.Context, tx repository.Tx, id int64, next, expected models.OrderStatus) (*StatusChange, error) {
	change, err := a.ledger.Transition(ctx, tx, id, next, expected)
	if err != nil {
		return nil, err
	}
	if change.ReleasedCourierID != nil {
		if err := a.dispatch.Release(ctx, tx, *change.ReleasedCourierID); err != nil {
			return nil, err
		}
	}
	return change, nil
}

// catalog

func (a *Admin) CreateProduct(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	var res *models.Product
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.catalog.CreateProduct(ctx, tx, req)
		return err
	})
	return res, err
}

func (a *Admin) UpdateProduct(ctx context.Context, id int64, req models.UpdateProductRequest) (*models.Product, error) {
	var res *models.Product
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.catalog.UpdateProduct(ctx, tx, id, req)
		return err
	})
	return res, err
}

func (a *Admin) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var res *models.Product
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = tx.GetProduct(ctx, id)
		return err
	})
	return res, err
}

func (a *Admin) ListProducts(ctx context.Context, f models.ProductFilter) ([]models.Product, error) {
	var res []models.Product
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.catalog.ListProducts(ctx, tx, f)
		return err
	})
	return res, err
}

func (a *Admin) DeleteProduct(ctx context.Context, id int64) error {
	return a.store.WithTx(ctx, func(tx repository.Tx) error {
		return a.catalog.DeleteProduct(ctx, tx, id)
	})
}

func (a *Admin) CreateCategory(ctx context.Context, req models.CreateCategoryRequest) (*models.Category, error) {
	var res *models.Category
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.catalog.CreateCategory(ctx, tx, req)
		return err
	})
	return res, err
}

func (a *Admin) RenameCategory(ctx context.Context, id int64, name string) (*models.Category, error) {
	var res *models.Category
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.catalog.RenameCategory(ctx, tx, id, name)
		return err
	})
	return res, err
}

// MoveCategory re-parents a category; moves that would make a cycle are
// rejected and leave the tree untouched. Moving changes which
// category-scoped discounts apply, so pending orders are repriced.
func (a *Admin) MoveCategory(ctx context.Context, id int64, req models.MoveCategoryRequest) (*models.Category, error) {
	var res *models.Category
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		if res, err = a.catalog.MoveCategory(ctx, tx, id, req); err != nil {
			return err
		}
		return a.repricePending(ctx, tx)
	})
	return res, err
}

func (a *Admin) DeleteCategory(ctx context.Context, id int64, req models.DeleteCategoryRequest) error {
	return a.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := a.catalog.DeleteCategory(ctx, tx, id, req); err != nil {
			return err
		}
		return a.repricePending(ctx, tx)
	})
}

func (a *Admin) GetCategoryTree(ctx context.Context, rootID *int64) ([]*models.CategoryNode, error) {
	var res []*models.CategoryNode
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.catalog.CategoryTree(ctx, tx, rootID)
		return err
	})
	return res, err
}

// promotions

func (a *Admin) ListDiscounts(ctx context.Context) ([]models.Discount, error) {
	var res []models.Discount
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = tx.ListDiscounts(ctx, false)
		return err
	})
	return res, err
}

func (a *Admin) CreateDiscount(ctx context.Context, req models.CreateDiscountRequest) (*models.Discount, error) {
	var res *models.Discount
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		if res, err = a.promotions.CreateDiscount(ctx, tx, req); err != nil {
			return err
		}
		return a.repricePending(ctx, tx)
	})
	return res, err
}

func (a *Admin) SetDiscountActive(ctx context.Context, id int64, active bool) (*models.Discount, error) {
	var res *models.Discount
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		if res, err = a.promotions.SetDiscountActive(ctx, tx, id, active); err != nil {
			return err
		}
		return a.repricePending(ctx, tx)
	})
	return res, err
}

func (a *Admin) repricePending(ctx context.Context, tx repository.Tx) error {
	n, err := a.ledger.RepricePending(ctx, tx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("Pending orders repriced", zap.Int("orders", n))
	}
	return nil
}

func (a *Admin) ListPromoCodes(ctx context.Context) ([]models.PromoCode, error) {
	var res []models.PromoCode
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = tx.ListPromoCodes(ctx)
		return err
	})
	return res, err
}

func (a *Admin) CreatePromoCode(ctx context.Context, req models.CreatePromoCodeRequest) (*models.PromoCode, error) {
	var res *models.PromoCode
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.promotions.CreatePromoCode(ctx, tx, req)
		return err
	})
	return res, err
}

func (a *Admin) SetPromoCodeActive(ctx context.Context, id int64, active bool) (*models.PromoCode, error) {
	var res *models.PromoCode
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.promotions.SetPromoCodeActive(ctx, tx, id, active)
		return err
	})
	return res, err
}

// dispatch

func (a *Admin) RegisterCourier(ctx context.Context, req models.RegisterCourierRequest) (*models.Courier, error) {
	var res *models.Courier
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.dispatch.Register(ctx, tx, req)
		return err
	})
	return res, err
}

func (a *Admin) UpdateCourier(ctx context.Context, id int64, req models.UpdateCourierRequest) (*models.Courier, error) {
	var res *models.Courier
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.dispatch.Update(ctx, tx, id, req)
		return err
	})
	return res, err
}

func (a *Admin) SetCourierActive(ctx context.Context, id int64, active bool) (*models.Courier, error) {
	var res *models.Courier
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.dispatch.SetActive(ctx, tx, id, active)
		return err
	})
	return res, err
}

func (a *Admin) ListCouriers(ctx context.Context) ([]models.CourierLoad, error) {
	var res []models.CourierLoad
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.dispatch.List(ctx, tx)
		return err
	})
	return res, err
}

func (a *Admin) AssignCourier(ctx context.Context, orderID, courierID int64) (*models.Order, error) {
	var res *models.Order
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.dispatch.Assign(ctx, tx, orderID, courierID)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, models.EventOrderCourierAssigned, res, "")
	return res, nil
}

// chat

func (a *Admin) ListChatMessages(ctx context.Context, orderID int64) ([]models.ChatMessage, error) {
	var res []models.ChatMessage
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.chat.List(ctx, tx, orderID)
		return err
	})
	return res, err
}

func (a *Admin) SendChatMessage(ctx context.Context, orderID int64, req models.SendChatMessageRequest) (*models.ChatMessage, error) {
	var res *models.ChatMessage
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.chat.Send(ctx, tx, orderID, req)
		return err
	})
	return res, err
}

func (a *Admin) MarkChatRead(ctx context.Context, orderID int64, reader models.ChatRole) (int64, error) {
	var n int64
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		n, err = a.chat.MarkRead(ctx, tx, orderID, reader)
		return err
	})
	return n, err
}

func (a *Admin) UnreadChatCount(ctx context.Context, orderID int64, reader models.ChatRole) (int, error) {
	var n int
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		n, err = a.chat.Unread(ctx, tx, orderID, reader)
		return err
	})
	return n, err
}

func (a *Admin) ListChatThreads(ctx context.Context, reader models.ChatRole) ([]models.ChatThread, error) {
	var res []models.ChatThread
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.chat.Threads(ctx, tx, reader)
		return err
	})
	return res, err
}

// security log

func (a *Admin) RecordFailedLogin(ctx context.Context, f models.FailedLogin) error {
	return a.store.WithTx(ctx, func(tx repository.Tx) error {
		_, err := a.security.Record(ctx, tx, f)
		return err
	})
}

func (a *Admin) ListSecurityLog(ctx context.Context, page models.Page) ([]models.SecurityLogEntry, error) {
	var res []models.SecurityLogEntry
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		res, err = a.security.List(ctx, tx, page)
		return err
	})
	return res, err
}

func (a *Admin) ClearSecurityLog(ctx context.Context) (int64, error) {
	var n int64
	err := a.store.WithTx(ctx, func(tx repository.Tx) (err error) {
		n, err = a.security.Clear(ctx, tx)
		return err
	})
	return n, err
}

func (a *Admin) publish(ctx context.Context, eventType string, o *models.Order, prev models.OrderStatus) {
	if a.events == nil || o == nil {
		return
	}
	ev := models.OrderEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Status:     o.Status,
		PrevStatus: prev,
		CourierID:  o.CourierID,
		Total:      o.Total,
		Occurred:   a.now(),
	}
	if err := a.events.PublishOrderEvent(ctx, ev); err != nil {
		a.logger.Error("Failed to publish order event",
			zap.String("type", eventType),
			zap.Int64("order_id", o.ID),
			zap.Error(err))
	}
}
