package models

import (
	"math"
	"time"
)

// Bounds on order lines; with them a line total always fits in int64.
const (
	MaxQuantity       = 10_000
	MaxPrice    int64 = 1_000_000_000_000
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusPreparing  OrderStatus = "preparing"
	StatusReady      OrderStatus = "ready"
	StatusInDelivery OrderStatus = "in_delivery"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

// forward lists the single forward step out of each non-terminal status.
// Cancellation is allowed from every non-terminal status and is not listed.
var forward = map[OrderStatus]OrderStatus{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusPreparing,
	StatusPreparing:  StatusReady,
	StatusReady:      StatusInDelivery,
	StatusInDelivery: StatusDelivered,
}

var allStatuses = []OrderStatus{
	StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
	StatusInDelivery, StatusDelivered, StatusCancelled,
}

// ParseOrderStatus returns the status named by s.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s OrderStatus) Valid() bool {
	_, ok := ParseOrderStatus(string(s))
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Frozen reports whether line items and adjustments can no longer change.
func (s OrderStatus) Frozen() bool {
	return s != StatusPending
}

// AllowsCourier reports whether a courier may be assigned in this status.
func (s OrderStatus) AllowsCourier() bool {
	return s == StatusReady || s == StatusInDelivery
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	return forward[s] == next
}

type Order struct {
	ID            int64               `json:"id"`
	CustomerID    int64               `json:"customer_id"`
	Items         []OrderItem         `json:"items"`
	Subtotal      int64               `json:"subtotal"`
	Adjustments   []AppliedAdjustment `json:"adjustments"`
	Total         int64               `json:"total"`
	Status        OrderStatus         `json:"status"`
	CourierID     *int64              `json:"courier_id"`
	LastCourierID *int64              `json:"last_courier_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// OrderItem is a line item; UnitPrice is the product price captured when the line was added.
type OrderItem struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// CheckedSubtotal sums the line totals, reporting false if any product or
// the sum does not fit in int64.
func CheckedSubtotal(items []OrderItem) (int64, bool) {
	var subtotal int64
	for _, it := range items {
		if it.UnitPrice < 0 || it.Quantity < 0 {
			return 0, false
		}
		if it.Quantity > 0 && it.UnitPrice > math.MaxInt64/int64(it.Quantity) {
			return 0, false
		}
		line := it.LineTotal()
		if subtotal > math.MaxInt64-line {
			return 0, false
		}
		subtotal += line
	}
	return subtotal, true
}

type AdjustmentSource string

const (
	SourceDiscount AdjustmentSource = "discount"
	SourcePromo    AdjustmentSource = "promo"
)

// AppliedAdjustment records one discount or promo effect on an order.
// ProductID is set for automatic discounts, which apply to a single line.
type AppliedAdjustment struct {
	Source    AdjustmentSource `json:"source"`
	SourceID  int64            `json:"source_id"`
	Code      string           `json:"code,omitempty"`
	ProductID *int64           `json:"product_id,omitempty"`
	Amount    int64            `json:"amount"`
}

func (a AppliedAdjustment) Equal(b AppliedAdjustment) bool {
	if a.Source != b.Source || a.SourceID != b.SourceID || a.Code != b.Code || a.Amount != b.Amount {
		return false
	}
	if a.ProductID == nil || b.ProductID == nil {
		return a.ProductID == b.ProductID
	}
	return *a.ProductID == *b.ProductID
}

// Reprice recomputes Subtotal and Total from Items and Adjustments.
func (o *Order) Reprice() {
	var subtotal int64
	for _, it := range o.Items {
		subtotal += it.LineTotal()
	}
	o.Subtotal = subtotal
	o.Total = ComputeTotal(subtotal, o.Adjustments)
}

// Promo returns the applied promo adjustment, if any.
func (o *Order) Promo() (AppliedAdjustment, bool) {
	for _, a := range o.Adjustments {
		if a.Source == SourcePromo {
			return a, true
		}
	}
	return AppliedAdjustment{}, false
}

// HasProduct reports whether any line references productID.
func (o *Order) HasProduct(productID int64) bool {
	for _, it := range o.Items {
		if it.ProductID == productID {
			return true
		}
	}
	return false
}

// ComputeTotal returns subtotal minus all adjustments, floored at zero.
func ComputeTotal(subtotal int64, adjustments []AppliedAdjustment) int64 {
	total := subtotal
	for _, a := range adjustments {
		total -= a.Amount
	}
	if total < 0 {
		return 0
	}
	return total
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.Adjustments = make([]AppliedAdjustment, len(o.Adjustments))
	for i, a := range o.Adjustments {
		c.Adjustments[i] = a
		if a.ProductID != nil {
			id := *a.ProductID
			c.Adjustments[i].ProductID = &id
		}
	}
	c.CourierID = cloneID(o.CourierID)
	c.LastCourierID = cloneID(o.LastCourierID)
	return &c
}

// OrderFilter narrows ListOrders. Zero values mean no restriction.
type OrderFilter struct {
	Status     OrderStatus `form:"status"`
	CustomerID int64       `form:"customer_id"`
	CourierID  int64       `form:"courier_id"`
	Limit      int         `form:"limit"`
	Offset     int         `form:"offset"`
}

// OrderTransition is a guarded status update: it applies only while the
// stored status equals From.
type OrderTransition struct {
	OrderID       int64
	From          OrderStatus
	To            OrderStatus
	CourierID     *int64
	LastCourierID *int64
	At            time.Time
}

// OrderEvent is published after a committed order change.
type OrderEvent struct {
	EventID    string      `json:"event_id"`
	Type       string      `json:"type"`
	OrderID    int64       `json:"order_id"`
	CustomerID int64       `json:"customer_id"`
	Status     OrderStatus `json:"status"`
	PrevStatus OrderStatus `json:"prev_status,omitempty"`
	CourierID  *int64      `json:"courier_id,omitempty"`
	Total      int64       `json:"total"`
	Occurred   time.Time   `json:"occurred"`
}

const (
	EventOrderCreated         = "order.created"
	EventOrderStatusChanged   = "order.status_changed"
	EventOrderCourierAssigned = "order.courier_assigned"
)

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
