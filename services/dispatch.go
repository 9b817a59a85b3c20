package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

// Dispatch is the courier registry. It assigns couriers to orders and
// exposes Release, which only the order status change path calls.
type Dispatch struct {
	capacity int
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatch(capacity int, logger *zap.Logger, now func() time.Time) *Dispatch {
	if capacity < 1 {
		capacity = 1
	}
	return &Dispatch{capacity: capacity, logger: logger, now: now}
}

func (d *Dispatch) Capacity() int { return d.capacity }

func (d *Dispatch) Register(ctx context.Context, tx repository.Tx, req models.RegisterCourierRequest) (*models.Courier, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.Validation("register courier", "name is required")
	}
	now := d.now()
	c := &models.Courier{
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateCourier(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dispatch) Update(ctx context.Context, tx repository.Tx, id int64, req models.UpdateCourierRequest) (*models.Courier, error) {
	c, err := tx.GetCourier(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperrors.Validation("update courier", "name must not be empty")
		}
		c.Name = name
	}
	if req.Phone != nil {
		c.Phone = strings.TrimSpace(*req.Phone)
	}
	c.UpdatedAt = d.now()
	if err := tx.UpdateCourier(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SetActive toggles a courier. Deactivation is refused while deliveries are assigned.
func (d *Dispatch) SetActive(ctx context.Context, tx repository.Tx, id int64, active bool) (*models.Courier, error) {
	ok, err := tx.SetCourierActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Conflict("set courier active", "courier %d still has assigned orders", id)
	}
	return tx.GetCourier(ctx, id)
}

func (d *Dispatch) List(ctx context.Context, tx repository.Tx) ([]models.CourierLoad, error) {
	couriers, err := tx.ListCouriers(ctx)
	if err != nil {
		return nil, err
	}
	assigned, err := tx.AssignedOrderIDs(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]models.CourierLoad, 0, len(couriers))
	for _, c := range couriers {
		ids := assigned[c.ID]
		if ids == nil {
			ids = []int64{}
		}
		res = append(res, models.CourierLoad{
			Courier:   c,
			OrderIDs:  ids,
			Capacity:  d.capacity,
			Available: c.Active && c.ActiveOrders < d.capacity,
		})
	}
	return res, nil
}

// Assign gives the order to the courier. Taking the courier slot and
// setting the order's courier are both conditional updates, so of two
// concurrent assignments competing for the last slot only one succeeds.
func (d *Dispatch) Assign(ctx context.Context, tx repository.Tx, orderID, courierID int64) (*models.Order, error) {
	const op = "assign courier"
	o, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c, err := tx.GetCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if !o.Status.AllowsCourier() {
		return nil, apperrors.PreconditionFailed(op, "order %d is %s; couriers are assigned once it is ready", orderID, o.Status)
	}
	if o.CourierID != nil {
		return nil, apperrors.Conflict(op, "order %d already has courier %d", orderID, *o.CourierID)
	}
	if !c.Active {
		return nil, apperrors.PreconditionFailed(op, "courier %d is inactive", courierID)
	}

	ok, err := tx.AcquireCourier(ctx, courierID, d.capacity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.PreconditionFailed(op, "courier %d is busy", courierID)
	}
	now := d.now()
	ok, err = tx.AssignOrderCourier(ctx, orderID, courierID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Conflict(op, "order %d changed concurrently", orderID)
	}

	o.CourierID = &courierID
	o.UpdatedAt = now
	d.logger.Info("Courier assigned", zap.Int64("order_id", orderID), zap.Int64("courier_id", courierID))
	return o, nil
}

// Release frees one delivery slot of the courier.
func (d *Dispatch) Release(ctx context.Context, tx repository.Tx, courierID int64) error {
	ok, err := tx.ReleaseCourier(ctx, courierID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflict("release courier", "courier %d holds no delivery", courierID)
	}
	d.logger.Info("Courier released", zap.Int64("courier_id", courierID))
	return nil
}
