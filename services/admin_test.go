package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, ev models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		res = append(res, ev.Type)
	}
	return res
}

func newTestAdmin(t *testing.T) (*Admin, *recordingPublisher) {
	t.Helper()
	events := &recordingPublisher{}
	a := NewAdmin(repository.NewMemoryStore(), zap.NewNop(), Options{
		CourierCapacity: 1,
		ChatMaxBody:     200,
		Now:             func() time.Time { return testNow },
		Events:          events,
	})
	return a, events
}

func ptr[T any](v T) *T { return &v }

type fixture struct {
	category *models.Category
	product  *models.Product
}

// seedCatalog creates one category with a 1000-unit product in it.
func seedCatalog(t *testing.T, a *Admin) fixture {
	t.Helper()
	ctx := context.Background()
	cat, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Coffee"})
	require.NoError(t, err)
	p, err := a.CreateProduct(ctx, models.CreateProductRequest{Name: "Espresso beans", Price: 1000, CategoryID: &cat.ID})
	require.NoError(t, err)
	return fixture{category: cat, product: p}
}

func placeOrder(t *testing.T, a *Admin, productID int64, qty int) *models.Order {
	t.Helper()
	o, err := a.CreateOrder(context.Background(), models.CreateOrderRequest{
		CustomerID: 7,
		Items:      []models.OrderItemRequest{{ProductID: productID, Quantity: qty}},
	})
	require.NoError(t, err)
	return o
}

// advance walks the order forward through the given statuses.
func advance(t *testing.T, a *Admin, o *models.Order, statuses ...models.OrderStatus) *models.Order {
	t.Helper()
	for _, next := range statuses {
		var err error
		o, err = a.SetOrderStatus(context.Background(), o.ID, next, o.Status)
		require.NoError(t, err, "move to %s", next)
	}
	return o
}

func TestPromoCodeAppliedOnceThenExhausted(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)

	_, err := a.CreateDiscount(ctx, models.CreateDiscountRequest{
		Name:       "coffee week",
		CategoryID: &fx.category.ID,
		Kind:       models.KindPercentage,
		Value:      decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	promo, err := a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{
		Code:    "save10",
		Kind:    models.KindFixed,
		Value:   decimal.NewFromInt(100),
		MaxUses: ptr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", promo.Code)

	first, err := a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 1,
		Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 2}},
		PromoCode:  "SAVE10",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), first.Subtotal)
	assert.Equal(t, int64(1500), first.Total)
	applied, ok := first.Promo()
	require.True(t, ok)
	assert.Equal(t, int64(100), applied.Amount)

	second, err := a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 2,
		Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 2}},
		PromoCode:  "save10",
	})
	var rejected *PromoRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed))
	require.NotNil(t, second)
	assert.Equal(t, int64(1600), second.Total)
	_, ok = second.Promo()
	assert.False(t, ok)

	stored, err := a.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), stored.Total)

	promos, err := a.ListPromoCodes(ctx)
	require.NoError(t, err)
	require.Len(t, promos, 1)
	assert.Equal(t, 1, promos[0].UsedCount)
}

func TestCreateOrderWithUnknownPromoKeepsOrder(t *testing.T) {
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)

	o, err := a.CreateOrder(context.Background(), models.CreateOrderRequest{
		CustomerID: 1,
		Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 1}},
		PromoCode:  "NOPE",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	require.NotNil(t, o)
	assert.Equal(t, int64(1000), o.Total)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	_, err := a.UpdateProduct(ctx, fx.product.ID, models.UpdateProductRequest{Active: ptr(false)})
	require.NoError(t, err)

	_, err = a.CreateOrder(ctx, models.CreateOrderRequest{CustomerID: 1})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 1,
		Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 1}},
	})
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed))

	_, err = a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 1,
		Items:      []models.OrderItemRequest{{ProductID: 999, Quantity: 1}},
	})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	orders, err := a.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestConcurrentRedemptionNeverExceedsMaxUses(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	_, err := a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{
		Code:    "RUSH",
		Kind:    models.KindPercentage,
		Value:   decimal.NewFromInt(10),
		MaxUses: ptr(3),
	})
	require.NoError(t, err)

	const attempts = 12
	var (
		wg       sync.WaitGroup
		redeemed atomic.Int32
		rejected atomic.Int32
	)
	for i := range attempts {
		wg.Add(1)
		go func(customer int64) {
			defer wg.Done()
			o, err := a.CreateOrder(ctx, models.CreateOrderRequest{
				CustomerID: customer,
				Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 1}},
				PromoCode:  "RUSH",
			})
			var pr *PromoRejectedError
			switch {
			case err == nil:
				assert.Equal(t, int64(900), o.Total)
				redeemed.Add(1)
			case errors.As(err, &pr):
				assert.Equal(t, int64(1000), o.Total)
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(3), redeemed.Load())
	assert.Equal(t, int32(attempts-3), rejected.Load())
	promos, err := a.ListPromoCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, promos[0].UsedCount)
}

func TestApplyPromoCodeRules(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	_, err := a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{Code: "A", Kind: models.KindFixed, Value: decimal.NewFromInt(50)})
	require.NoError(t, err)
	_, err = a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{Code: "B", Kind: models.KindFixed, Value: decimal.NewFromInt(50)})
	require.NoError(t, err)
	_, err = a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{
		Code:     "LATER",
		Kind:     models.KindFixed,
		Value:    decimal.NewFromInt(50),
		StartsAt: ptr(testNow.Add(time.Hour)),
	})
	require.NoError(t, err)

	o := placeOrder(t, a, fx.product.ID, 1)
	_, err = a.ApplyPromoCode(ctx, o.ID, "later")
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed))

	o, err = a.ApplyPromoCode(ctx, o.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(950), o.Total)

	_, err = a.ApplyPromoCode(ctx, o.ID, "B")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	other := advance(t, a, placeOrder(t, a, fx.product.ID, 1), models.StatusConfirmed)
	_, err = a.ApplyPromoCode(ctx, other.ID, "B")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	promos, err := a.ListPromoCodes(ctx)
	require.NoError(t, err)
	for _, p := range promos {
		if p.Code == "B" {
			assert.Zero(t, p.UsedCount)
		}
	}
}

func TestDiscountChangesRepricePendingOrdersOnly(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)

	pending := placeOrder(t, a, fx.product.ID, 2)
	confirmed := advance(t, a, placeOrder(t, a, fx.product.ID, 2), models.StatusConfirmed)
	assert.Equal(t, int64(2000), confirmed.Total)

	d, err := a.CreateDiscount(ctx, models.CreateDiscountRequest{
		ProductID: &fx.product.ID,
		Kind:      models.KindFixed,
		Value:     decimal.NewFromInt(150),
	})
	require.NoError(t, err)

	got, err := a.GetOrder(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), got.Total)
	got, err = a.GetOrder(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Total)

	_, err = a.SetDiscountActive(ctx, d.ID, false)
	require.NoError(t, err)
	got, err = a.GetOrder(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Total)
	assert.Empty(t, got.Adjustments)
}

func TestBestDiscountWinsPerLine(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	child, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Single origin", ParentID: &fx.category.ID})
	require.NoError(t, err)
	p, err := a.CreateProduct(ctx, models.CreateProductRequest{Name: "Kenya AA", Price: 2000, CategoryID: &child.ID})
	require.NoError(t, err)

	// ancestor category discount applies to products in descendants
	_, err = a.CreateDiscount(ctx, models.CreateDiscountRequest{CategoryID: &fx.category.ID, Kind: models.KindPercentage, Value: decimal.NewFromInt(25)})
	require.NoError(t, err)
	_, err = a.CreateDiscount(ctx, models.CreateDiscountRequest{ProductID: &p.ID, Kind: models.KindFixed, Value: decimal.NewFromInt(300)})
	require.NoError(t, err)

	o := placeOrder(t, a, p.ID, 1)
	require.Len(t, o.Adjustments, 1)
	assert.Equal(t, int64(500), o.Adjustments[0].Amount)
	assert.Equal(t, int64(1500), o.Total)
}

func TestItemsFrozenAfterConfirm(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)

	o := placeOrder(t, a, fx.product.ID, 1)
	o, err := a.UpdateOrderItems(ctx, o.ID, models.UpdateOrderItemsRequest{
		Items: []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 2}, {ProductID: fx.product.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 3, o.Items[0].Quantity)
	assert.Equal(t, int64(3000), o.Total)

	o = advance(t, a, o, models.StatusConfirmed)
	_, err = a.UpdateOrderItems(ctx, o.ID, models.UpdateOrderItemsRequest{
		Items: []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 1}},
	})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	// price snapshot is kept when the catalog price changes later
	_, err = a.UpdateProduct(ctx, fx.product.ID, models.UpdateProductRequest{Price: ptr(int64(5000))})
	require.NoError(t, err)
	got, err := a.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Items[0].UnitPrice)
	assert.Equal(t, int64(3000), got.Total)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	a, events := newTestAdmin(t)
	fx := seedCatalog(t, a)
	o := placeOrder(t, a, fx.product.ID, 1)

	_, err := a.SetOrderStatus(ctx, o.ID, models.StatusReady, models.StatusPending)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict), "skipping a step")

	_, err = a.SetOrderStatus(ctx, o.ID, models.StatusPreparing, models.StatusConfirmed)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict), "stale expected status")

	_, err = a.SetOrderStatus(ctx, o.ID, "shipped", models.StatusPending)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	o = advance(t, a, o, models.StatusConfirmed, models.StatusPreparing, models.StatusReady)
	_, err = a.SetOrderStatus(ctx, o.ID, models.StatusInDelivery, models.StatusReady)
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed), "no courier")

	o, err = a.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)

	_, err = a.CancelOrder(ctx, o.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	_, err = a.SetOrderStatus(ctx, o.ID, models.StatusPending, models.StatusCancelled)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	assert.Equal(t, []string{
		models.EventOrderCreated,
		models.EventOrderStatusChanged,
		models.EventOrderStatusChanged,
		models.EventOrderStatusChanged,
		models.EventOrderStatusChanged,
	}, events.types())
	last := events.events[len(events.events)-1]
	assert.Equal(t, models.StatusReady, last.PrevStatus)
	assert.Equal(t, models.StatusCancelled, last.Status)
	assert.NotEmpty(t, last.EventID)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	a, events := newTestAdmin(t)
	events.err = errors.New("broker down")
	fx := seedCatalog(t, a)

	o := placeOrder(t, a, fx.product.ID, 1)
	got, err := a.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func readyOrder(t *testing.T, a *Admin, productID int64) *models.Order {
	t.Helper()
	return advance(t, a, placeOrder(t, a, productID, 1),
		models.StatusConfirmed, models.StatusPreparing, models.StatusReady)
}

func courierLoad(t *testing.T, a *Admin, id int64) models.CourierLoad {
	t.Helper()
	loads, err := a.ListCouriers(context.Background())
	require.NoError(t, err)
	for _, l := range loads {
		if l.ID == id {
			return l
		}
	}
	t.Fatalf("courier %d not listed", id)
	return models.CourierLoad{}
}

func TestCourierLifecycle(t *testing.T) {
	ctx := context.Background()
	a, events := newTestAdmin(t)
	fx := seedCatalog(t, a)
	c, err := a.RegisterCourier(ctx, models.RegisterCourierRequest{Name: "Dana", Phone: "+100"})
	require.NoError(t, err)

	pending := placeOrder(t, a, fx.product.ID, 1)
	_, err = a.AssignCourier(ctx, pending.ID, c.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed))

	first := readyOrder(t, a, fx.product.ID)
	second := readyOrder(t, a, fx.product.ID)

	first, err = a.AssignCourier(ctx, first.ID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, first.CourierID)
	assert.Equal(t, c.ID, *first.CourierID)

	load := courierLoad(t, a, c.ID)
	assert.Equal(t, 1, load.ActiveOrders)
	assert.False(t, load.Available)
	assert.Equal(t, []int64{first.ID}, load.OrderIDs)

	_, err = a.AssignCourier(ctx, second.ID, c.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed), "courier is busy")
	_, err = a.AssignCourier(ctx, first.ID, c.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict), "already assigned")

	_, err = a.SetCourierActive(ctx, c.ID, false)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	first = advance(t, a, first, models.StatusInDelivery, models.StatusDelivered)
	assert.Nil(t, first.CourierID)
	require.NotNil(t, first.LastCourierID)
	assert.Equal(t, c.ID, *first.LastCourierID)

	// a repeated delivery is rejected and does not release the courier twice
	_, err = a.SetOrderStatus(ctx, first.ID, models.StatusDelivered, models.StatusInDelivery)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	load = courierLoad(t, a, c.ID)
	assert.Equal(t, 0, load.ActiveOrders)
	assert.True(t, load.Available)

	_, err = a.AssignCourier(ctx, second.ID, c.ID)
	require.NoError(t, err)
	_, err = a.CancelOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, courierLoad(t, a, c.ID).ActiveOrders)

	c, err = a.SetCourierActive(ctx, c.ID, false)
	require.NoError(t, err)
	assert.False(t, c.Active)
	third := readyOrder(t, a, fx.product.ID)
	_, err = a.AssignCourier(ctx, third.ID, c.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed), "inactive courier")

	assert.Contains(t, events.types(), models.EventOrderCourierAssigned)
}

func TestConcurrentAssignmentSingleWinner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	c, err := a.RegisterCourier(ctx, models.RegisterCourierRequest{Name: "Lee"})
	require.NoError(t, err)

	orders := []*models.Order{readyOrder(t, a, fx.product.ID), readyOrder(t, a, fx.product.ID), readyOrder(t, a, fx.product.ID)}
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, o := range orders {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := a.AssignCourier(ctx, id, c.ID); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed))
			}
		}(o.ID)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	load := courierLoad(t, a, c.ID)
	assert.Equal(t, 1, load.ActiveOrders)
	assert.Len(t, load.OrderIDs, 1)
}

func TestConcurrentStatusChangeSingleWinner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	o := placeOrder(t, a, fx.product.ID, 1)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.SetOrderStatus(ctx, o.ID, models.StatusConfirmed, models.StatusPending); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, apperrors.Is(err, apperrors.KindConflict))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMoveCategoryRejectsCycles(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	root, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Food"})
	require.NoError(t, err)
	mid, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Bakery", ParentID: &root.ID})
	require.NoError(t, err)
	leaf, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Bread", ParentID: &mid.ID})
	require.NoError(t, err)

	_, err = a.MoveCategory(ctx, root.ID, models.MoveCategoryRequest{ParentID: &leaf.ID})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	_, err = a.MoveCategory(ctx, mid.ID, models.MoveCategoryRequest{ParentID: &mid.ID})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	tree, err := a.GetCategoryTree(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, root.ID, tree[0].ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, mid.ID, tree[0].Children[0].ID)
	require.Len(t, tree[0].Children[0].Children, 1)
	assert.Equal(t, leaf.ID, tree[0].Children[0].Children[0].ID)

	moved, err := a.MoveCategory(ctx, leaf.ID, models.MoveCategoryRequest{ParentID: &root.ID, Position: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Position)
	tree, err = a.GetCategoryTree(ctx, &root.ID)
	require.NoError(t, err)
	children := tree[0].Children
	require.Len(t, children, 2)
	assert.Equal(t, leaf.ID, children[0].ID)
	assert.Equal(t, mid.ID, children[1].ID)
	assert.Equal(t, 1, children[1].Position)
}

func TestDeleteCategoryPolicies(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	child, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Decaf", ParentID: &fx.category.ID})
	require.NoError(t, err)
	inChild, err := a.CreateProduct(ctx, models.CreateProductRequest{Name: "Swiss water", Price: 900, CategoryID: &child.ID})
	require.NoError(t, err)
	other, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Tea"})
	require.NoError(t, err)

	err = a.DeleteCategory(ctx, fx.category.ID, models.DeleteCategoryRequest{})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	err = a.DeleteCategory(ctx, fx.category.ID, models.DeleteCategoryRequest{ReassignTo: &child.ID})
	assert.True(t, apperrors.Is(err, apperrors.KindConflict), "target inside the subtree")

	require.NoError(t, a.DeleteCategory(ctx, fx.category.ID, models.DeleteCategoryRequest{ReassignTo: &other.ID}))
	p, err := a.GetProduct(ctx, fx.product.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, *p.CategoryID)
	tree, err := a.GetCategoryTree(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, other.ID, tree[0].ID)
	assert.Equal(t, 0, tree[0].Position)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, child.ID, tree[0].Children[0].ID)

	require.NoError(t, a.DeleteCategory(ctx, other.ID, models.DeleteCategoryRequest{Cascade: true}))
	for _, id := range []int64{fx.product.ID, inChild.ID} {
		p, err := a.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, p.CategoryID)
	}
	tree, err = a.GetCategoryTree(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, tree)
}

func TestListProductsIncludesDescendants(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	child, err := a.CreateCategory(ctx, models.CreateCategoryRequest{Name: "Ground", ParentID: &fx.category.ID})
	require.NoError(t, err)
	_, err = a.CreateProduct(ctx, models.CreateProductRequest{Name: "Filter grind", Price: 800, CategoryID: &child.ID, Active: ptr(false)})
	require.NoError(t, err)

	direct, err := a.ListProducts(ctx, models.ProductFilter{CategoryID: &fx.category.ID})
	require.NoError(t, err)
	assert.Len(t, direct, 1)
	all, err := a.ListProducts(ctx, models.ProductFilter{CategoryID: &fx.category.ID, IncludeDescendants: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := a.ListProducts(ctx, models.ProductFilter{CategoryID: &fx.category.ID, IncludeDescendants: true, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestDeleteProductReferencedByOpenOrder(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	o := placeOrder(t, a, fx.product.ID, 1)

	err := a.DeleteProduct(ctx, fx.product.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	_, err = a.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, a.DeleteProduct(ctx, fx.product.ID))
	_, err = a.GetProduct(ctx, fx.product.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestChat(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	o := placeOrder(t, a, fx.product.ID, 1)

	_, err := a.SendChatMessage(ctx, o.ID, models.SendChatMessageRequest{Role: models.RoleCustomer, CustomerID: 99, Body: "hi"})
	assert.True(t, apperrors.Is(err, apperrors.KindForbidden))
	_, err = a.SendChatMessage(ctx, o.ID, models.SendChatMessageRequest{Role: models.RoleAdmin, Body: "   "})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = a.SendChatMessage(ctx, 404, models.SendChatMessageRequest{Role: models.RoleAdmin, Body: "hi"})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = a.SendChatMessage(ctx, o.ID, models.SendChatMessageRequest{Role: models.RoleCustomer, CustomerID: o.CustomerID, Body: "where is my order?"})
	require.NoError(t, err)
	_, err = a.SendChatMessage(ctx, o.ID, models.SendChatMessageRequest{Role: models.RoleAdmin, Body: "on its way"})
	require.NoError(t, err)

	n, err := a.UnreadChatCount(ctx, o.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	threads, err := a.ListChatThreads(ctx, models.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].Messages)
	assert.Equal(t, 1, threads[0].Unread)

	marked, err := a.MarkChatRead(ctx, o.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	n, err = a.UnreadChatCount(ctx, o.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = a.UnreadChatCount(ctx, o.ID, models.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := a.ListChatMessages(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "where is my order?", msgs[0].Body)

	_, err = a.UnreadChatCount(ctx, o.ID, models.ChatRole("courier"))
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
	assert.Equal(t, "count unread chat", appErr.Op)
}

func TestSecurityLog(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)

	require.NoError(t, a.RecordFailedLogin(ctx, models.FailedLogin{Identity: "root", Source: "10.0.0.1", Reason: "bad signature"}))
	require.NoError(t, a.RecordFailedLogin(ctx, models.FailedLogin{Source: "10.0.0.2", Reason: "missing token"}))

	entries, err := a.ListSecurityLog(ctx, models.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "anonymous", entries[0].Identity)
	assert.Equal(t, "root", entries[1].Identity)
	assert.Equal(t, models.OutcomeFailed, entries[0].Outcome)

	page, err := a.ListSecurityLog(ctx, models.Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "root", page[0].Identity)

	n, err := a.ClearSecurityLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	entries, err = a.ListSecurityLog(ctx, models.Page{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInactiveOrExpiredPromoIsNotRedeemed(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	off, err := a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{Code: "OFF", Kind: models.KindFixed, Value: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = a.SetPromoCodeActive(ctx, off.ID, false)
	require.NoError(t, err)
	_, err = a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{
		Code:     "GONE",
		Kind:     models.KindFixed,
		Value:    decimal.NewFromInt(100),
		StartsAt: ptr(testNow.Add(-48 * time.Hour)),
		EndsAt:   ptr(testNow.Add(-time.Hour)),
	})
	require.NoError(t, err)

	for _, code := range []string{"OFF", "GONE"} {
		o := placeOrder(t, a, fx.product.ID, 1)
		_, err := a.ApplyPromoCode(ctx, o.ID, code)
		assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed), code)

		_, err = a.CreateOrder(ctx, models.CreateOrderRequest{
			CustomerID: 7,
			Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 1}},
			PromoCode:  code,
		})
		var pr *PromoRejectedError
		require.ErrorAs(t, err, &pr, code)
		assert.Equal(t, int64(1000), pr.Order.Total)
		assert.Empty(t, pr.Order.Adjustments)
	}

	promos, err := a.ListPromoCodes(ctx)
	require.NoError(t, err)
	require.Len(t, promos, 2)
	for _, p := range promos {
		assert.Zero(t, p.UsedCount, p.Code)
	}
}

func TestCancelInDeliveryReleasesCourierOnce(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	c, err := a.RegisterCourier(ctx, models.RegisterCourierRequest{Name: "Sam"})
	require.NoError(t, err)

	o, err := a.AssignCourier(ctx, readyOrder(t, a, fx.product.ID).ID, c.ID)
	require.NoError(t, err)
	o = advance(t, a, o, models.StatusInDelivery)
	assert.Equal(t, 1, courierLoad(t, a, c.ID).ActiveOrders)

	o, err = a.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)
	assert.Nil(t, o.CourierID)
	require.NotNil(t, o.LastCourierID)
	assert.Equal(t, c.ID, *o.LastCourierID)

	_, err = a.CancelOrder(ctx, o.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	load := courierLoad(t, a, c.ID)
	assert.Equal(t, 0, load.ActiveOrders)
	assert.True(t, load.Available)

	// capacity is back to exactly one slot
	next, err := a.AssignCourier(ctx, readyOrder(t, a, fx.product.ID).ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, courierLoad(t, a, c.ID).ActiveOrders)
	_, err = a.AssignCourier(ctx, readyOrder(t, a, fx.product.ID).ID, c.ID)
	assert.True(t, apperrors.Is(err, apperrors.KindPreconditionFailed), "order %d holds the only slot", next.ID)
}

func TestOversizedAmountsAreRejected(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)

	huge := decimal.RequireFromString("10000000000000000000")
	_, err := a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{Code: "BIG", Kind: models.KindFixed, Value: huge})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = a.CreateDiscount(ctx, models.CreateDiscountRequest{ProductID: &fx.product.ID, Kind: models.KindFixed, Value: huge})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = a.CreateProduct(ctx, models.CreateProductRequest{Name: "Gold", Price: 1 << 62})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = a.UpdateProduct(ctx, fx.product.ID, models.UpdateProductRequest{Price: ptr(models.MaxPrice + 1)})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 7,
		Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: models.MaxQuantity + 1}},
	})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 7,
		Items: []models.OrderItemRequest{
			{ProductID: fx.product.ID, Quantity: models.MaxQuantity},
			{ProductID: fx.product.ID, Quantity: 1},
		},
	})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation), "merged lines exceed the quantity bound")

	// the largest fixed promo still cannot take the total below zero
	_, err = a.CreatePromoCode(ctx, models.CreatePromoCodeRequest{
		Code:  "MAX",
		Kind:  models.KindFixed,
		Value: decimal.NewFromInt(models.MaxFixedValue),
	})
	require.NoError(t, err)
	o, err := a.CreateOrder(ctx, models.CreateOrderRequest{
		CustomerID: 7,
		Items:      []models.OrderItemRequest{{ProductID: fx.product.ID, Quantity: 1}},
		PromoCode:  "max",
	})
	require.NoError(t, err)
	require.Len(t, o.Adjustments, 1)
	assert.Equal(t, int64(1000), o.Adjustments[0].Amount)
	assert.Equal(t, int64(0), o.Total)
}

func TestRepriceRecordsReplacementDiscount(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)
	fx := seedCatalog(t, a)
	byCategory, err := a.CreateDiscount(ctx, models.CreateDiscountRequest{CategoryID: &fx.category.ID, Kind: models.KindPercentage, Value: decimal.NewFromInt(20)})
	require.NoError(t, err)

	o := placeOrder(t, a, fx.product.ID, 1)
	require.Len(t, o.Adjustments, 1)
	assert.Equal(t, byCategory.ID, o.Adjustments[0].SourceID)

	// same amount, but product scope wins the tie
	byProduct, err := a.CreateDiscount(ctx, models.CreateDiscountRequest{ProductID: &fx.product.ID, Kind: models.KindPercentage, Value: decimal.NewFromInt(20)})
	require.NoError(t, err)
	got, err := a.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Adjustments, 1)
	assert.Equal(t, byProduct.ID, got.Adjustments[0].SourceID)
	assert.Equal(t, int64(800), got.Total)

	_, err = a.SetDiscountActive(ctx, byProduct.ID, false)
	require.NoError(t, err)
	got, err = a.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Adjustments, 1)
	assert.Equal(t, byCategory.ID, got.Adjustments[0].SourceID)
	assert.Equal(t, int64(800), got.Total)
}

func TestSecurityLogTruncatesOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdmin(t)

	identity := strings.Repeat("a", 254) + "é"
	require.NoError(t, a.RecordFailedLogin(ctx, models.FailedLogin{Identity: identity, Source: "10.0.0.9", Reason: "bad signature"}))

	entries, err := a.ListSecurityLog(ctx, models.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, utf8.ValidString(entries[0].Identity))
	assert.Equal(t, strings.Repeat("a", 254), entries[0].Identity)
}
