package services

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

const maxPromoCodeLen = 64

// PromotionEngine administers discounts and promo codes and prices line items.
type PromotionEngine struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewPromotionEngine(logger *zap.Logger, now func() time.Time) *PromotionEngine {
	return &PromotionEngine{logger: logger, now: now}
}

func (e *PromotionEngine) CreateDiscount(ctx context.Context, tx repository.Tx, req models.CreateDiscountRequest) (*models.Discount, error) {
	const op = "create discount"
	if (req.ProductID == nil) == (req.CategoryID == nil) {
		return nil, apperrors.Validation(op, "exactly one of product_id or category_id is required")
	}
	if _, ok := models.NewAdjustment(req.Kind, req.Value); !ok {
		return nil, invalidValue(op, req.Kind)
	}
	window := models.Window{StartsAt: req.StartsAt, EndsAt: req.EndsAt}
	if !window.Valid() {
		return nil, apperrors.Validation(op, "starts_at must be before ends_at")
	}
	if req.ProductID != nil {
		if _, err := tx.GetProduct(ctx, *req.ProductID); err != nil {
			return nil, err
		}
	} else if _, err := tx.GetCategory(ctx, *req.CategoryID); err != nil {
		return nil, err
	}

	d := &models.Discount{
		Name:       strings.TrimSpace(req.Name),
		ProductID:  req.ProductID,
		CategoryID: req.CategoryID,
		Kind:       req.Kind,
		Value:      req.Value,
		Active:     true,
		Window:     window,
		CreatedAt:  e.now(),
	}
	if err := tx.CreateDiscount(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *PromotionEngine) SetDiscountActive(ctx context.Context, tx repository.Tx, id int64, active bool) (*models.Discount, error) {
	if err := tx.SetDiscountActive(ctx, id, active); err != nil {
		return nil, err
	}
	return tx.GetDiscount(ctx, id)
}

func (e *PromotionEngine) CreatePromoCode(ctx context.Context, tx repository.Tx, req models.CreatePromoCodeRequest) (*models.PromoCode, error) {
	const op = "create promo code"
	code := models.NormalizeCode(req.Code)
	if err := validateCode(op, code); err != nil {
		return nil, err
	}
	if _, ok := models.NewAdjustment(req.Kind, req.Value); !ok {
		return nil, invalidValue(op, req.Kind)
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		return nil, apperrors.Validation(op, "max_uses must be at least 1")
	}
	window := models.Window{StartsAt: req.StartsAt, EndsAt: req.EndsAt}
	if !window.Valid() {
		return nil, apperrors.Validation(op, "starts_at must be before ends_at")
	}
	p := &models.PromoCode{
		Code:      code,
		Kind:      req.Kind,
		Value:     req.Value,
		MaxUses:   req.MaxUses,
		Active:    true,
		Window:    window,
		CreatedAt: e.now(),
	}
	if err := tx.CreatePromoCode(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *PromotionEngine) SetPromoCodeActive(ctx context.Context, tx repository.Tx, id int64, active bool) (*models.PromoCode, error) {
	if err := tx.SetPromoCodeActive(ctx, id, active); err != nil {
		return nil, err
	}
	return tx.GetPromoCode(ctx, id)
}

// Redeem looks up code, checks it can be used now and takes one use. The
// increment is a single conditional update, so losing a race to the last
// use reports the code as exhausted.
func (e *PromotionEngine) Redeem(ctx context.Context, tx repository.Tx, code string) (*models.PromoCode, error) {
	const op = "redeem promo code"
	p, err := tx.GetPromoCodeByCode(ctx, models.NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := checkRedeemable(op, p, now); err != nil {
		return nil, err
	}
	ok, err := tx.RedeemPromoCode(ctx, p.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.PreconditionFailed(op, "promo exhausted: %s", p.Code)
	}
	p.UsedCount++
	e.logger.Info("Promo code redeemed", zap.String("promo_code", p.Code), zap.Int("used_count", p.UsedCount))
	return p, nil
}

func checkRedeemable(op string, p *models.PromoCode, at time.Time) error {
	switch {
	case !p.Active:
		return apperrors.PreconditionFailed(op, "promo code %s is inactive", p.Code)
	case p.StartsAt != nil && at.Before(*p.StartsAt):
		return apperrors.PreconditionFailed(op, "promo code %s is not valid yet", p.Code)
	case p.EndsAt != nil && !at.Before(*p.EndsAt):
		return apperrors.PreconditionFailed(op, "promo code %s has expired", p.Code)
	case p.Exhausted():
		return apperrors.PreconditionFailed(op, "promo exhausted: %s", p.Code)
	}
	return nil
}

// AutomaticAdjustments picks, per line, the single most valuable live
// discount scoped to the product or to its category chain. Ties prefer the
// product scope, then the nearer category, then the older discount.
func (e *PromotionEngine) AutomaticAdjustments(ctx context.Context, tx repository.Tx, items []models.OrderItem) ([]models.AppliedAdjustment, error) {
	discounts, err := tx.ListDiscounts(ctx, true)
	if err != nil {
		return nil, err
	}
	now := e.now()
	live := discounts[:0]
	for _, d := range discounts {
		if d.LiveAt(now) {
			live = append(live, d)
		}
	}
	res := make([]models.AppliedAdjustment, 0)
	if len(live) == 0 {
		return res, nil
	}
	cats, err := tx.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	idx := newCategoryIndex(cats)

	for _, it := range items {
		p, err := tx.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		// scope distance: 0 for the product itself, n for the n-th category up
		distance := map[int64]int{}
		if p.CategoryID != nil {
			distance[*p.CategoryID] = 1
			for i, anc := range idx.ancestors(*p.CategoryID) {
				distance[anc] = i + 2
			}
		}
		if adj, ok := bestDiscount(it, live, distance); ok {
			res = append(res, adj)
		}
	}
	return res, nil
}

func bestDiscount(it models.OrderItem, discounts []models.Discount, distance map[int64]int) (models.AppliedAdjustment, bool) {
	var (
		best      models.AppliedAdjustment
		bestScope int
		found     bool
	)
	for _, d := range discounts {
		scope := -1
		switch {
		case d.ProductID != nil && *d.ProductID == it.ProductID:
			scope = 0
		case d.CategoryID != nil:
			if n, ok := distance[*d.CategoryID]; ok {
				scope = n
			}
		}
		if scope < 0 {
			continue
		}
		amount := lineDiscount(d.Adjustment(), it)
		if amount <= 0 {
			continue
		}
		better := !found ||
			amount > best.Amount ||
			(amount == best.Amount && scope < bestScope) ||
			(amount == best.Amount && scope == bestScope && d.ID < best.SourceID)
		if better {
			pid := it.ProductID
			best = models.AppliedAdjustment{Source: models.SourceDiscount, SourceID: d.ID, ProductID: &pid, Amount: amount}
			bestScope = scope
			found = true
		}
	}
	return best, found
}

// lineDiscount applies percentages to the line total and fixed amounts per unit.
func lineDiscount(adj models.Adjustment, it models.OrderItem) int64 {
	base := it.LineTotal()
	if f, ok := adj.(models.FixedAmount); ok {
		if qty := int64(it.Quantity); qty > 0 && f.Value > base/qty {
			return base
		}
		return models.FixedAmount{Value: f.Value * int64(it.Quantity)}.Amount(base)
	}
	return adj.Amount(base)
}

// PromoAdjustment computes the promo effect on the amount left after automatic discounts.
func (e *PromotionEngine) PromoAdjustment(p *models.PromoCode, base int64) models.AppliedAdjustment {
	return models.AppliedAdjustment{
		Source:   models.SourcePromo,
		SourceID: p.ID,
		Code:     p.Code,
		Amount:   p.Adjustment().Amount(base),
	}
}

func validateCode(op, code string) error {
	if code == "" {
		return apperrors.Validation(op, "code is required")
	}
	if len(code) > maxPromoCodeLen {
		return apperrors.Validation(op, "code is longer than %d characters", maxPromoCodeLen)
	}
	for _, r := range code {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return apperrors.Validation(op, "code may contain only letters, digits, '-' and '_'")
		}
	}
	return nil
}

func invalidValue(op string, kind models.AdjustmentKind) error {
	switch kind {
	case models.KindPercentage:
		return apperrors.Validation(op, "percentage value must be in (0, 100]")
	case models.KindFixed:
		return apperrors.Validation(op, "fixed value must be a positive whole amount up to %d", models.MaxFixedValue)
	}
	return apperrors.Validation(op, "unknown kind %q", kind)
}
