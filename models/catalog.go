package models

import "time"

// Product prices are in minor currency units.
type Product struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Price      int64     `json:"price"`
	CategoryID *int64    `json:"category_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

type CategoryNode struct {
	Category
	Children []*CategoryNode `json:"children"`
}

type ProductFilter struct {
	CategoryID         *int64 `form:"category_id"`
	ActiveOnly         bool   `form:"active_only"`
	IncludeDescendants bool   `form:"include_descendants"`
}

// ProductQuery is the storage-level product filter. A nil CategoryIDs slice
// means any category.
type ProductQuery struct {
	CategoryIDs []int64
	ActiveOnly  bool
}
