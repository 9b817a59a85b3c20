package services

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

// Ledger owns orders: creation, pricing while pending, and the status machine.
type Ledger struct {
	promotions *PromotionEngine
	logger     *zap.Logger
	now        func() time.Time
}

func NewLedger(promotions *PromotionEngine, logger *zap.Logger, now func() time.Time) *Ledger {
	return &Ledger{promotions: promotions, logger: logger, now: now}
}

// StatusChange is the outcome of a committed transition. ReleasedCourierID
// is set when the order gave up its courier and the slot must be freed.
type StatusChange struct {
	Order             *models.Order
	From              models.OrderStatus
	To                models.OrderStatus
	ReleasedCourierID *int64
}

// Create stores a pending order with price snapshots of active products and
// automatic discounts applied.
func (l *Ledger) Create(ctx context.Context, tx repository.Tx, customerID int64, req []models.OrderItemRequest) (*models.Order, error) {
	if customerID <= 0 {
		return nil, apperrors.Validation("create order", "customer_id is required")
	}
	items, err := l.snapshot(ctx, tx, "create order", req)
	if err != nil {
		return nil, err
	}
	now := l.now()
	o := &models.Order{
		CustomerID:  customerID,
		Items:       items,
		Adjustments: []models.AppliedAdjustment{},
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.price(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	l.logger.Info("Order created",
		zap.Int64("order_id", o.ID),
		zap.Int64("customer_id", o.CustomerID),
		zap.Int64("subtotal", o.Subtotal),
		zap.Int64("total", o.Total))
	return o, nil
}

// snapshot resolves requested lines into items, merging repeated products.
func (l *Ledger) snapshot(ctx context.Context, tx repository.Tx, op string, req []models.OrderItemRequest) ([]models.OrderItem, error) {
	if len(req) == 0 {
		return nil, apperrors.Validation(op, "order must contain at least one item")
	}
	items := make([]models.OrderItem, 0, len(req))
	pos := make(map[int64]int, len(req))
	for _, r := range req {
		if r.Quantity <= 0 {
			return nil, apperrors.Validation(op, "quantity of product %d must be positive", r.ProductID)
		}
		if r.Quantity > models.MaxQuantity {
			return nil, apperrors.Validation(op, "quantity of product %d exceeds %d", r.ProductID, models.MaxQuantity)
		}
		if i, ok := pos[r.ProductID]; ok {
			if items[i].Quantity+r.Quantity > models.MaxQuantity {
				return nil, apperrors.Validation(op, "quantity of product %d exceeds %d", r.ProductID, models.MaxQuantity)
			}
			items[i].Quantity += r.Quantity
			continue
		}
		p, err := tx.GetProduct(ctx, r.ProductID)
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, apperrors.PreconditionFailed(op, "product %d is not available", p.ID)
		}
		pos[p.ID] = len(items)
		items = append(items, models.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    r.Quantity,
			UnitPrice:   p.Price,
		})
	}
	if _, ok := models.CheckedSubtotal(items); !ok {
		return nil, apperrors.Validation(op, "order total is too large")
	}
	return items, nil
}

// price recomputes automatic discounts and re-evaluates an already applied
// promo against the new base without taking another use.
func (l *Ledger) price(ctx context.Context, tx repository.Tx, o *models.Order) error {
	adjustments, err := l.promotions.AutomaticAdjustments(ctx, tx, o.Items)
	if err != nil {
		return err
	}
	if applied, ok := o.Promo(); ok {
		promo, err := tx.GetPromoCode(ctx, applied.SourceID)
		if err != nil {
			return err
		}
		o.Adjustments = adjustments
		o.Reprice()
		adjustments = append(adjustments, l.promotions.PromoAdjustment(promo, o.Total))
	}
	o.Adjustments = adjustments
	o.Reprice()
	return nil
}

// save writes new pricing; it fails if the order left pending meanwhile.
func (l *Ledger) save(ctx context.Context, tx repository.Tx, op string, o *models.Order) error {
	o.UpdatedAt = l.now()
	ok, err := tx.UpdateOrderPricing(ctx, o)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflict(op, "order %d is no longer pending; items and adjustments are frozen", o.ID)
	}
	return nil
}

func (l *Ledger) lockPending(ctx context.Context, tx repository.Tx, op string, id int64) (*models.Order, error) {
	o, err := tx.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.Frozen() {
		return nil, apperrors.Conflict(op, "order %d is %s; items and adjustments are frozen", id, o.Status)
	}
	return o, nil
}

func (l *Ledger) UpdateItems(ctx context.Context, tx repository.Tx, id int64, req []models.OrderItemRequest) (*models.Order, error) {
	const op = "update order items"
	o, err := l.lockPending(ctx, tx, op, id)
	if err != nil {
		return nil, err
	}
	items, err := l.snapshot(ctx, tx, op, req)
	if err != nil {
		return nil, err
	}
	o.Items = items
	if err := l.price(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := l.save(ctx, tx, op, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ApplyPromo redeems code onto a pending order. The use is taken in the
// same transaction as the pricing update.
func (l *Ledger) ApplyPromo(ctx context.Context, tx repository.Tx, id int64, code string) (*models.Order, error) {
	const op = "apply promo code"
	o, err := l.lockPending(ctx, tx, op, id)
	if err != nil {
		return nil, err
	}
	if applied, ok := o.Promo(); ok {
		return nil, apperrors.Conflict(op, "order %d already has promo code %s", id, applied.Code)
	}
	promo, err := l.promotions.Redeem(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	o.Adjustments = append(o.Adjustments, l.promotions.PromoAdjustment(promo, o.Total))
	o.Reprice()
	if err := l.save(ctx, tx, op, o); err != nil {
		return nil, err
	}
	l.logger.Info("Promo code applied",
		zap.Int64("order_id", o.ID),
		zap.String("promo_code", promo.Code),
		zap.Int64("total", o.Total))
	return o, nil
}

// RepricePending reprices every pending order against the current rules.
func (l *Ledger) RepricePending(ctx context.Context, tx repository.Tx) (int, error) {
	pending, err := tx.ListOrders(ctx, models.OrderFilter{Status: models.StatusPending})
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range pending {
		o := &pending[i]
		total, adjustments := o.Total, slices.Clone(o.Adjustments)
		if err := l.price(ctx, tx, o); err != nil {
			return changed, err
		}
		if o.Total == total && slices.EqualFunc(o.Adjustments, adjustments, models.AppliedAdjustment.Equal) {
			continue
		}
		if err := l.save(ctx, tx, "reprice order", o); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Transition moves order id from expected to next. The stored status must
// still equal expected when the update runs, otherwise it is a conflict.
// Courier release is reported in the result, never performed here.
func (l *Ledger) Transition(ctx context.Context, tx repository.Tx, id int64, next, expected models.OrderStatus) (*StatusChange, error) {
	const op = "set order status"
	if !next.Valid() {
		return nil, apperrors.Validation(op, "unknown status %q", next)
	}
	if !expected.Valid() {
		return nil, apperrors.Validation(op, "unknown expected status %q", expected)
	}
	o, err := tx.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != expected {
		return nil, apperrors.Conflict(op, "order %d is %s, expected %s", id, o.Status, expected)
	}
	if !expected.CanTransitionTo(next) {
		return nil, apperrors.Conflict(op, "order %d cannot move from %s to %s", id, expected, next)
	}

	switch next {
	case models.StatusConfirmed:
		if len(o.Items) == 0 {
			return nil, apperrors.PreconditionFailed(op, "order %d has no items", id)
		}
		if err := l.price(ctx, tx, o); err != nil {
			return nil, err
		}
		if err := l.save(ctx, tx, op, o); err != nil {
			return nil, err
		}
	case models.StatusInDelivery:
		if o.CourierID == nil {
			return nil, apperrors.PreconditionFailed(op, "no courier assigned to order %d", id)
		}
	}

	change := &StatusChange{From: expected, To: next}
	tr := models.OrderTransition{
		OrderID:       id,
		From:          expected,
		To:            next,
		CourierID:     o.CourierID,
		LastCourierID: o.LastCourierID,
		At:            l.now(),
	}
	if next.Terminal() && o.CourierID != nil {
		change.ReleasedCourierID = o.CourierID
		tr.LastCourierID = o.CourierID
		tr.CourierID = nil
	}
	ok, err := tx.TransitionOrder(ctx, tr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Conflict(op, "order %d changed concurrently", id)
	}

	o.Status, o.CourierID, o.LastCourierID, o.UpdatedAt = next, tr.CourierID, tr.LastCourierID, tr.At
	change.Order = o
	l.logger.Info("Order status changed",
		zap.Int64("order_id", id),
		zap.String("from", string(expected)),
		zap.String("to", string(next)))
	return change, nil
}
