package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AdjustmentKind string

const (
	KindPercentage AdjustmentKind = "percentage"
	KindFixed      AdjustmentKind = "fixed"
)

var hundred = decimal.NewFromInt(100)

// MaxFixedValue is the largest fixed adjustment the value column can hold.
const MaxFixedValue int64 = 9_999_999_999

// Adjustment computes a price reduction from a base amount in minor units.
type Adjustment interface {
	Kind() AdjustmentKind
	Amount(base int64) int64
}

// Percentage takes Rate percent of the base, rounded down to the minor unit.
type Percentage struct {
	Rate decimal.Decimal
}

func (Percentage) Kind() AdjustmentKind { return KindPercentage }

func (p Percentage) Amount(base int64) int64 {
	if base <= 0 {
		return 0
	}
	return clamp(decimal.NewFromInt(base).Mul(p.Rate).Div(hundred).Floor().IntPart(), base)
}

// FixedAmount takes a flat amount, never more than the base.
type FixedAmount struct {
	Value int64
}

func (FixedAmount) Kind() AdjustmentKind { return KindFixed }

func (f FixedAmount) Amount(base int64) int64 {
	if base <= 0 {
		return 0
	}
	return clamp(f.Value, base)
}

// clamp keeps an adjustment amount within [0, base].
func clamp(amount, base int64) int64 {
	return max(0, min(amount, base))
}

// NewAdjustment builds the variant for kind and value. ok is false for an
// unknown kind or a value outside the kind's range.
func NewAdjustment(kind AdjustmentKind, value decimal.Decimal) (Adjustment, bool) {
	switch kind {
	case KindPercentage:
		if !value.IsPositive() || value.GreaterThan(hundred) {
			return nil, false
		}
		return Percentage{Rate: value}, true
	case KindFixed:
		if !value.IsPositive() || !value.IsInteger() || value.GreaterThan(decimal.NewFromInt(MaxFixedValue)) {
			return nil, false
		}
		return FixedAmount{Value: value.IntPart()}, true
	}
	return nil, false
}

// Window is an optional validity interval: StartsAt inclusive, EndsAt exclusive.
type Window struct {
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

func (w Window) Contains(t time.Time) bool {
	if w.StartsAt != nil && t.Before(*w.StartsAt) {
		return false
	}
	if w.EndsAt != nil && !t.Before(*w.EndsAt) {
		return false
	}
	return true
}

func (w Window) Valid() bool {
	return w.StartsAt == nil || w.EndsAt == nil || w.StartsAt.Before(*w.EndsAt)
}

// Discount is an automatic reduction scoped to exactly one product or category.
type Discount struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	ProductID  *int64          `json:"product_id,omitempty"`
	CategoryID *int64          `json:"category_id,omitempty"`
	Kind       AdjustmentKind  `json:"kind"`
	Value      decimal.Decimal `json:"value"`
	Active     bool            `json:"active"`
	Window
	CreatedAt time.Time `json:"created_at"`
}

func (d Discount) Adjustment() Adjustment {
	adj, ok := NewAdjustment(d.Kind, d.Value)
	if !ok {
		return FixedAmount{}
	}
	return adj
}

// LiveAt reports whether d is active and inside its window at t.
func (d Discount) LiveAt(t time.Time) bool {
	return d.Active && d.Contains(t)
}

type PromoCode struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	Kind      AdjustmentKind  `json:"kind"`
	Value     decimal.Decimal `json:"value"`
	MaxUses   *int            `json:"max_uses"`
	UsedCount int             `json:"used_count"`
	Active    bool            `json:"active"`
	Window
	CreatedAt time.Time `json:"created_at"`
}

func (p PromoCode) Adjustment() Adjustment {
	adj, ok := NewAdjustment(p.Kind, p.Value)
	if !ok {
		return FixedAmount{}
	}
	return adj
}

func (p PromoCode) Exhausted() bool {
	return p.MaxUses != nil && p.UsedCount >= *p.MaxUses
}

// NormalizeCode is the canonical form used for promo code lookup and uniqueness.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
