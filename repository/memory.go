package repository

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"storefront/apperrors"
	"storefront/models"
)

// MemoryStore keeps everything in process. A transaction works on a copy of
// the state under the store mutex and swaps it in on success, so
// transactions are serial and a failed one leaves nothing behind.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	products   map[int64]models.Product
	categories map[int64]models.Category
	discounts  map[int64]models.Discount
	promos     map[int64]models.PromoCode
	couriers   map[int64]models.Courier
	orders     map[int64]*models.Order
	chat       []models.ChatMessage
	security   []models.SecurityLogEntry

	nextProductID  int64
	nextCategoryID int64
	nextDiscountID int64
	nextPromoID    int64
	nextCourierID  int64
	nextOrderID    int64
	nextMessageID  int64
	nextEntryID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		products:   make(map[int64]models.Product),
		categories: make(map[int64]models.Category),
		discounts:  make(map[int64]models.Discount),
		promos:     make(map[int64]models.PromoCode),
		couriers:   make(map[int64]models.Courier),
		orders:     make(map[int64]*models.Order),
	}}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (st *memState) clone() *memState {
	c := *st
	c.products = maps.Clone(st.products)
	c.categories = maps.Clone(st.categories)
	c.discounts = maps.Clone(st.discounts)
	c.promos = maps.Clone(st.promos)
	c.couriers = maps.Clone(st.couriers)
	c.orders = make(map[int64]*models.Order, len(st.orders))
	for id, o := range st.orders {
		c.orders[id] = o.Clone()
	}
	c.chat = slices.Clone(st.chat)
	c.security = slices.Clone(st.security)
	return &c
}

type memTx struct {
	st *memState
}

// products

func (t *memTx) CreateProduct(_ context.Context, p *models.Product) error {
	t.st.nextProductID++
	p.ID = t.st.nextProductID
	t.st.products[p.ID] = *p
	return nil
}

func (t *memTx) UpdateProduct(_ context.Context, p *models.Product) error {
	if _, ok := t.st.products[p.ID]; !ok {
		return apperrors.NotFound("update product", "product %d not found", p.ID)
	}
	t.st.products[p.ID] = *p
	return nil
}

func (t *memTx) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return nil, apperrors.NotFound("get product", "product %d not found", id)
	}
	return &p, nil
}

func (t *memTx) ListProducts(_ context.Context, q models.ProductQuery) ([]models.Product, error) {
	res := make([]models.Product, 0, len(t.st.products))
	for _, p := range t.st.products {
		if q.ActiveOnly && !p.Active {
			continue
		}
		if q.CategoryIDs != nil && (p.CategoryID == nil || !slices.Contains(q.CategoryIDs, *p.CategoryID)) {
			continue
		}
		res = append(res, p)
	}
	slices.SortFunc(res, func(a, b models.Product) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

func (t *memTx) DeleteProduct(_ context.Context, id int64) error {
	if _, ok := t.st.products[id]; !ok {
		return apperrors.NotFound("delete product", "product %d not found", id)
	}
	delete(t.st.products, id)
	return nil
}

func (t *memTx) MoveProducts(_ context.Context, from []int64, to *int64, at time.Time) error {
	for id, p := range t.st.products {
		if p.CategoryID == nil || !slices.Contains(from, *p.CategoryID) {
			continue
		}
		p.CategoryID = copyID(to)
		p.UpdatedAt = at
		t.st.products[id] = p
	}
	return nil
}

// categories

func (t *memTx) CreateCategory(_ context.Context, c *models.Category) error {
	t.st.nextCategoryID++
	c.ID = t.st.nextCategoryID
	t.st.categories[c.ID] = *c
	return nil
}

func (t *memTx) UpdateCategory(_ context.Context, c *models.Category) error {
	if _, ok := t.st.categories[c.ID]; !ok {
		return apperrors.NotFound("update category", "category %d not found", c.ID)
	}
	t.st.categories[c.ID] = *c
	return nil
}

func (t *memTx) GetCategory(_ context.Context, id int64) (*models.Category, error) {
	c, ok := t.st.categories[id]
	if !ok {
		return nil, apperrors.NotFound("get category", "category %d not found", id)
	}
	return &c, nil
}

func (t *memTx) ListCategories(_ context.Context) ([]models.Category, error) {
	res := slices.Collect(maps.Values(t.st.categories))
	slices.SortFunc(res, func(a, b models.Category) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

func (t *memTx) DeleteCategories(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(t.st.categories, id)
	}
	return nil
}

func (t *memTx) LockCategoryTree(context.Context) error { return nil }

// discounts

func (t *memTx) CreateDiscount(_ context.Context, d *models.Discount) error {
	t.st.nextDiscountID++
	d.ID = t.st.nextDiscountID
	t.st.discounts[d.ID] = *d
	return nil
}

func (t *memTx) GetDiscount(_ context.Context, id int64) (*models.Discount, error) {
	d, ok := t.st.discounts[id]
	if !ok {
		return nil, apperrors.NotFound("get discount", "discount %d not found", id)
	}
	return &d, nil
}

func (t *memTx) ListDiscounts(_ context.Context, activeOnly bool) ([]models.Discount, error) {
	res := make([]models.Discount, 0, len(t.st.discounts))
	for _, d := range t.st.discounts {
		if activeOnly && !d.Active {
			continue
		}
		res = append(res, d)
	}
	slices.SortFunc(res, func(a, b models.Discount) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

func (t *memTx) SetDiscountActive(_ context.Context, id int64, active bool) error {
	d, ok := t.st.discounts[id]
	if !ok {
		return apperrors.NotFound("set discount active", "discount %d not found", id)
	}
	d.Active = active
	t.st.discounts[id] = d
	return nil
}

// promo codes

func (t *memTx) CreatePromoCode(_ context.Context, p *models.PromoCode) error {
	for _, existing := range t.st.promos {
		if existing.Code == p.Code {
			return apperrors.Conflict("create promo code", "promo code %q already exists", p.Code)
		}
	}
	t.st.nextPromoID++
	p.ID = t.st.nextPromoID
	t.st.promos[p.ID] = *p
	return nil
}

func (t *memTx) GetPromoCode(_ context.Context, id int64) (*models.PromoCode, error) {
	p, ok := t.st.promos[id]
	if !ok {
		return nil, apperrors.NotFound("get promo code", "promo code %d not found", id)
	}
	return &p, nil
}

func (t *memTx) GetPromoCodeByCode(_ context.Context, code string) (*models.PromoCode, error) {
	for _, p := range t.st.promos {
		if p.Code == code {
			return &p, nil
		}
	}
	return nil, apperrors.NotFound("get promo code", "promo code %q not found", code)
}

func (t *memTx) ListPromoCodes(_ context.Context) ([]models.PromoCode, error) {
	res := slices.Collect(maps.Values(t.st.promos))
	slices.SortFunc(res, func(a, b models.PromoCode) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

func (t *memTx) SetPromoCodeActive(_ context.Context, id int64, active bool) error {
	p, ok := t.st.promos[id]
	if !ok {
		return apperrors.NotFound("set promo code active", "promo code %d not found", id)
	}
	p.Active = active
	t.st.promos[id] = p
	return nil
}

func (t *memTx) RedeemPromoCode(_ context.Context, id int64, at time.Time) (bool, error) {
	p, ok := t.st.promos[id]
	if !ok || !p.Active || !p.Contains(at) || p.Exhausted() {
		return false, nil
	}
	p.UsedCount++
	t.st.promos[id] = p
	return true, nil
}

// couriers

func (t *memTx) CreateCourier(_ context.Context, c *models.Courier) error {
	t.st.nextCourierID++
	c.ID = t.st.nextCourierID
	t.st.couriers[c.ID] = *c
	return nil
}

func (t *memTx) UpdateCourier(_ context.Context, c *models.Courier) error {
	old, ok := t.st.couriers[c.ID]
	if !ok {
		return apperrors.NotFound("update courier", "courier %d not found", c.ID)
	}
	old.Name, old.Phone, old.UpdatedAt = c.Name, c.Phone, c.UpdatedAt
	t.st.couriers[c.ID] = old
	return nil
}

func (t *memTx) GetCourier(_ context.Context, id int64) (*models.Courier, error) {
	c, ok := t.st.couriers[id]
	if !ok {
		return nil, apperrors.NotFound("get courier", "courier %d not found", id)
	}
	return &c, nil
}

func (t *memTx) ListCouriers(_ context.Context) ([]models.Courier, error) {
	res := slices.Collect(maps.Values(t.st.couriers))
	slices.SortFunc(res, func(a, b models.Courier) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

func (t *memTx) SetCourierActive(_ context.Context, id int64, active bool) (bool, error) {
	c, ok := t.st.couriers[id]
	if !ok {
		return false, apperrors.NotFound("set courier active", "courier %d not found", id)
	}
	if !active && c.ActiveOrders > 0 {
		return false, nil
	}
	c.Active = active
	t.st.couriers[id] = c
	return true, nil
}

func (t *memTx) AcquireCourier(_ context.Context, id int64, capacity int) (bool, error) {
	c, ok := t.st.couriers[id]
	if !ok || !c.Active || c.ActiveOrders >= capacity {
		return false, nil
	}
	c.ActiveOrders++
	t.st.couriers[id] = c
	return true, nil
}

func (t *memTx) ReleaseCourier(_ context.Context, id int64) (bool, error) {
	c, ok := t.st.couriers[id]
	if !ok || c.ActiveOrders == 0 {
		return false, nil
	}
	c.ActiveOrders--
	t.st.couriers[id] = c
	return true, nil
}

// orders

func (t *memTx) CreateOrder(_ context.Context, o *models.Order) error {
	t.st.nextOrderID++
	o.ID = t.st.nextOrderID
	t.st.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, apperrors.NotFound("get order", "order %d not found", id)
	}
	return o.Clone(), nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) ListOrders(_ context.Context, f models.OrderFilter) ([]models.Order, error) {
	res := make([]models.Order, 0)
	for _, o := range t.st.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.CustomerID != 0 && o.CustomerID != f.CustomerID {
			continue
		}
		if f.CourierID != 0 && (o.CourierID == nil || *o.CourierID != f.CourierID) {
			continue
		}
		res = append(res, *o.Clone())
	}
	// newest first, like the MySQL listing
	slices.SortFunc(res, func(a, b models.Order) int { return cmp.Compare(b.ID, a.ID) })
	return paginate(res, f.Limit, f.Offset), nil
}

func (t *memTx) UpdateOrderPricing(_ context.Context, o *models.Order) (bool, error) {
	cur, ok := t.st.orders[o.ID]
	if !ok || cur.Status != models.StatusPending {
		return false, nil
	}
	next := cur.Clone()
	upd := o.Clone()
	next.Items, next.Adjustments = upd.Items, upd.Adjustments
	next.Subtotal, next.Total, next.UpdatedAt = o.Subtotal, o.Total, o.UpdatedAt
	t.st.orders[o.ID] = next
	return true, nil
}

func (t *memTx) TransitionOrder(_ context.Context, tr models.OrderTransition) (bool, error) {
	cur, ok := t.st.orders[tr.OrderID]
	if !ok || cur.Status != tr.From {
		return false, nil
	}
	cur.Status = tr.To
	cur.CourierID = copyID(tr.CourierID)
	cur.LastCourierID = copyID(tr.LastCourierID)
	cur.UpdatedAt = tr.At
	return true, nil
}

func (t *memTx) AssignOrderCourier(_ context.Context, orderID, courierID int64, at time.Time) (bool, error) {
	cur, ok := t.st.orders[orderID]
	if !ok || cur.CourierID != nil || !cur.Status.AllowsCourier() {
		return false, nil
	}
	cur.CourierID = &courierID
	cur.UpdatedAt = at
	return true, nil
}

func (t *memTx) OpenOrderIDsWithProduct(_ context.Context, productID int64) ([]int64, error) {
	var ids []int64
	for id, o := range t.st.orders {
		if !o.Status.Terminal() && o.HasProduct(productID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memTx) AssignedOrderIDs(context.Context) (map[int64][]int64, error) {
	res := make(map[int64][]int64)
	for id, o := range t.st.orders {
		if o.CourierID != nil {
			res[*o.CourierID] = append(res[*o.CourierID], id)
		}
	}
	for _, ids := range res {
		slices.Sort(ids)
	}
	return res, nil
}

// chat

func (t *memTx) AppendChatMessage(_ context.Context, m *models.ChatMessage) error {
	t.st.nextMessageID++
	m.ID = t.st.nextMessageID
	t.st.chat = append(t.st.chat, *m)
	return nil
}

func (t *memTx) ListChatMessages(_ context.Context, orderID int64) ([]models.ChatMessage, error) {
	res := make([]models.ChatMessage, 0)
	for _, m := range t.st.chat {
		if m.OrderID == orderID {
			res = append(res, m)
		}
	}
	slices.SortStableFunc(res, compareMessages)
	return res, nil
}

func (t *memTx) MarkChatRead(_ context.Context, orderID int64, sender models.ChatRole) (int64, error) {
	var n int64
	for i := range t.st.chat {
		m := &t.st.chat[i]
		if m.OrderID == orderID && m.SenderRole == sender && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListChatThreads(_ context.Context, reader models.ChatRole) ([]models.ChatThread, error) {
	byOrder := make(map[int64]*models.ChatThread)
	for _, m := range t.st.chat {
		th, ok := byOrder[m.OrderID]
		if !ok {
			th = &models.ChatThread{OrderID: m.OrderID}
			byOrder[m.OrderID] = th
		}
		th.Messages++
		if m.SenderRole != reader && !m.Read {
			th.Unread++
		}
		if m.CreatedAt.After(th.LastMessageAt) {
			th.LastMessageAt = m.CreatedAt
		}
	}
	res := make([]models.ChatThread, 0, len(byOrder))
	for _, th := range byOrder {
		res = append(res, *th)
	}
	slices.SortFunc(res, func(a, b models.ChatThread) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.OrderID, b.OrderID)
	})
	return res, nil
}

// security log

func (t *memTx) AppendSecurityEntry(_ context.Context, e *models.SecurityLogEntry) error {
	t.st.nextEntryID++
	e.ID = t.st.nextEntryID
	t.st.security = append(t.st.security, *e)
	return nil
}

func (t *memTx) ListSecurityEntries(_ context.Context, limit, offset int) ([]models.SecurityLogEntry, error) {
	res := slices.Clone(t.st.security)
	slices.SortFunc(res, func(a, b models.SecurityLogEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return paginate(res, limit, offset), nil
}

func (t *memTx) ClearSecurityEntries(context.Context) (int64, error) {
	n := int64(len(t.st.security))
	t.st.security = nil
	return n, nil
}

func compareMessages(a, b models.ChatMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
