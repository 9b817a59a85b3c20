package models

import "time"

type Courier struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Active       bool      `json:"active"`
	ActiveOrders int       `json:"active_orders"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CourierLoad is a courier with the orders currently assigned to it.
type CourierLoad struct {
	Courier
	OrderIDs  []int64 `json:"order_ids"`
	Capacity  int     `json:"capacity"`
	Available bool    `json:"available"`
}
