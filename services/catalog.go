package services

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

// Catalog manages products and the category tree.
type Catalog struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewCatalog(logger *zap.Logger, now func() time.Time) *Catalog {
	return &Catalog{logger: logger, now: now}
}

func (c *Catalog) CreateProduct(ctx context.Context, tx repository.Tx, req models.CreateProductRequest) (*models.Product, error) {
	const op = "create product"
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.Validation(op, "name is required")
	}
	if err := validatePrice(op, req.Price); err != nil {
		return nil, err
	}
	if req.CategoryID != nil {
		if _, err := tx.GetCategory(ctx, *req.CategoryID); err != nil {
			return nil, err
		}
	}
	now := c.now()
	p := &models.Product{
		Name:       name,
		Price:      req.Price,
		CategoryID: req.CategoryID,
		Active:     req.Active == nil || *req.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Catalog) UpdateProduct(ctx context.Context, tx repository.Tx, id int64, req models.UpdateProductRequest) (*models.Product, error) {
	const op = "update product"
	p, err := tx.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperrors.Validation(op, "name must not be empty")
		}
		p.Name = name
	}
	if req.Price != nil {
		if err := validatePrice(op, *req.Price); err != nil {
			return nil, err
		}
		p.Price = *req.Price
	}
	switch {
	case req.Uncategorized && req.CategoryID != nil:
		return nil, apperrors.Validation(op, "category_id and uncategorized are mutually exclusive")
	case req.Uncategorized:
		p.CategoryID = nil
	case req.CategoryID != nil:
		if _, err := tx.GetCategory(ctx, *req.CategoryID); err != nil {
			return nil, err
		}
		p.CategoryID = req.CategoryID
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	p.UpdatedAt = c.now()
	if err := tx.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProducts filters by category, optionally including every descendant category.
func (c *Catalog) ListProducts(ctx context.Context, tx repository.Tx, f models.ProductFilter) ([]models.Product, error) {
	q := models.ProductQuery{ActiveOnly: f.ActiveOnly}
	if f.CategoryID != nil {
		q.CategoryIDs = []int64{*f.CategoryID}
		if f.IncludeDescendants {
			idx, err := c.index(ctx, tx)
			if err != nil {
				return nil, err
			}
			if _, ok := idx.byID[*f.CategoryID]; !ok {
				return nil, apperrors.NotFound("list products", "category %d not found", *f.CategoryID)
			}
			q.CategoryIDs = idx.subtree(*f.CategoryID)
		}
	}
	return tx.ListProducts(ctx, q)
}

// DeleteProduct refuses while any open order has a line for the product.
func (c *Catalog) DeleteProduct(ctx context.Context, tx repository.Tx, id int64) error {
	if _, err := tx.GetProduct(ctx, id); err != nil {
		return err
	}
	open, err := tx.OpenOrderIDsWithProduct(ctx, id)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return apperrors.Conflict("delete product", "product %d is referenced by open orders %v", id, open)
	}
	return tx.DeleteProduct(ctx, id)
}

func (c *Catalog) CreateCategory(ctx context.Context, tx repository.Tx, req models.CreateCategoryRequest) (*models.Category, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.Validation("create category", "name is required")
	}
	if err := tx.LockCategoryTree(ctx); err != nil {
		return nil, err
	}
	idx, err := c.index(ctx, tx)
	if err != nil {
		return nil, err
	}
	if req.ParentID != nil {
		if _, ok := idx.byID[*req.ParentID]; !ok {
			return nil, apperrors.NotFound("create category", "parent category %d not found", *req.ParentID)
		}
	}
	cat := &models.Category{
		Name:      name,
		ParentID:  req.ParentID,
		Position:  len(idx.childrenOf(req.ParentID)),
		CreatedAt: c.now(),
	}
	if err := tx.CreateCategory(ctx, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func (c *Catalog) RenameCategory(ctx context.Context, tx repository.Tx, id int64, name string) (*models.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Validation("rename category", "name is required")
	}
	cat, err := tx.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	cat.Name = name
	if err := tx.UpdateCategory(ctx, cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// MoveCategory re-parents a category. The parent chain of the destination is
// walked first; reaching the moved category means the move would close a cycle.
func (c *Catalog) MoveCategory(ctx context.Context, tx repository.Tx, id int64, req models.MoveCategoryRequest) (*models.Category, error) {
	const op = "move category"
	if req.Position != nil && *req.Position < 0 {
		return nil, apperrors.Validation(op, "position must not be negative")
	}
	if err := tx.LockCategoryTree(ctx); err != nil {
		return nil, err
	}
	idx, err := c.index(ctx, tx)
	if err != nil {
		return nil, err
	}
	cat, ok := idx.byID[id]
	if !ok {
		return nil, apperrors.NotFound(op, "category %d not found", id)
	}
	if req.ParentID != nil {
		if _, ok := idx.byID[*req.ParentID]; !ok {
			return nil, apperrors.NotFound(op, "parent category %d not found", *req.ParentID)
		}
		if idx.isAncestorOrSelf(id, *req.ParentID) {
			return nil, apperrors.Conflict(op, "moving category %d under %d would create a cycle", id, *req.ParentID)
		}
	}

	oldParent := cat.ParentID
	oldSiblings := slices.DeleteFunc(idx.childrenOf(oldParent), func(v int64) bool { return v == id })
	newSiblings := slices.DeleteFunc(idx.childrenOf(req.ParentID), func(v int64) bool { return v == id })
	pos := len(newSiblings)
	if req.Position != nil && *req.Position < pos {
		pos = *req.Position
	}
	newSiblings = slices.Insert(newSiblings, pos, id)

	cat.ParentID = req.ParentID
	cat.Position = pos
	if err := tx.UpdateCategory(ctx, &cat); err != nil {
		return nil, err
	}
	idx.byID[id] = cat
	if !sameParent(oldParent, req.ParentID) {
		if err := c.renumber(ctx, tx, idx, oldSiblings); err != nil {
			return nil, err
		}
	}
	if err := c.renumber(ctx, tx, idx, newSiblings); err != nil {
		return nil, err
	}
	moved := idx.byID[id]
	c.logger.Info("Category moved", zap.Int64("category_id", id), zap.Int64p("parent_id", req.ParentID))
	return &moved, nil
}

// DeleteCategory removes a category. A category with children needs either
// a reassignment target outside its subtree or an explicit cascade.
func (c *Catalog) DeleteCategory(ctx context.Context, tx repository.Tx, id int64, req models.DeleteCategoryRequest) error {
	const op = "delete category"
	if req.Cascade && req.ReassignTo != nil {
		return apperrors.Validation(op, "reassign_to and cascade are mutually exclusive")
	}
	if err := tx.LockCategoryTree(ctx); err != nil {
		return err
	}
	idx, err := c.index(ctx, tx)
	if err != nil {
		return err
	}
	cat, ok := idx.byID[id]
	if !ok {
		return apperrors.NotFound(op, "category %d not found", id)
	}
	children := idx.childrenOf(&id)
	now := c.now()

	switch {
	case req.Cascade:
		subtree := idx.subtree(id)
		if err := tx.MoveProducts(ctx, subtree, nil, now); err != nil {
			return err
		}
		if err := tx.DeleteCategories(ctx, subtree); err != nil {
			return err
		}
	case req.ReassignTo != nil:
		target := *req.ReassignTo
		if _, ok := idx.byID[target]; !ok {
			return apperrors.NotFound(op, "target category %d not found", target)
		}
		if idx.isAncestorOrSelf(id, target) {
			return apperrors.Conflict(op, "cannot reassign category %d into its own subtree (%d)", id, target)
		}
		siblings := idx.childrenOf(&target)
		for _, child := range children {
			ch := idx.byID[child]
			ch.ParentID = &target
			ch.Position = len(siblings)
			siblings = append(siblings, child)
			if err := tx.UpdateCategory(ctx, &ch); err != nil {
				return err
			}
		}
		if err := tx.MoveProducts(ctx, []int64{id}, &target, now); err != nil {
			return err
		}
		if err := tx.DeleteCategories(ctx, []int64{id}); err != nil {
			return err
		}
	default:
		if len(children) > 0 {
			return apperrors.Conflict(op, "category %d has %d children; choose reassign_to or cascade", id, len(children))
		}
		if err := tx.MoveProducts(ctx, []int64{id}, nil, now); err != nil {
			return err
		}
		if err := tx.DeleteCategories(ctx, []int64{id}); err != nil {
			return err
		}
	}

	siblings := slices.DeleteFunc(idx.childrenOf(cat.ParentID), func(v int64) bool { return v == id })
	delete(idx.byID, id)
	if err := c.renumber(ctx, tx, idx, siblings); err != nil {
		return err
	}
	c.logger.Info("Category deleted",
		zap.Int64("category_id", id),
		zap.Bool("cascade", req.Cascade),
		zap.Int64p("reassign_to", req.ReassignTo))
	return nil
}

// CategoryTree returns the forest, or the subtree rooted at rootID.
func (c *Catalog) CategoryTree(ctx context.Context, tx repository.Tx, rootID *int64) ([]*models.CategoryNode, error) {
	idx, err := c.index(ctx, tx)
	if err != nil {
		return nil, err
	}
	if rootID == nil {
		roots := idx.childrenOf(nil)
		res := make([]*models.CategoryNode, 0, len(roots))
		for _, id := range roots {
			res = append(res, idx.node(id))
		}
		return res, nil
	}
	if _, ok := idx.byID[*rootID]; !ok {
		return nil, apperrors.NotFound("category tree", "category %d not found", *rootID)
	}
	return []*models.CategoryNode{idx.node(*rootID)}, nil
}

func (c *Catalog) index(ctx context.Context, tx repository.Tx) (*categoryIndex, error) {
	cats, err := tx.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	return newCategoryIndex(cats), nil
}

// renumber writes positions 0..n-1 for ids, skipping rows already in place.
func (c *Catalog) renumber(ctx context.Context, tx repository.Tx, idx *categoryIndex, ids []int64) error {
	for pos, id := range ids {
		cat := idx.byID[id]
		if cat.Position == pos {
			continue
		}
		cat.Position = pos
		if err := tx.UpdateCategory(ctx, &cat); err != nil {
			return err
		}
		idx.byID[id] = cat
	}
	return nil
}

// categoryIndex is an in-memory view of the category forest.
type categoryIndex struct {
	byID map[int64]models.Category
}

func newCategoryIndex(cats []models.Category) *categoryIndex {
	idx := &categoryIndex{byID: make(map[int64]models.Category, len(cats))}
	for _, cat := range cats {
		idx.byID[cat.ID] = cat
	}
	return idx
}

// childrenOf returns the ids under parent (nil for roots) in display order.
func (idx *categoryIndex) childrenOf(parent *int64) []int64 {
	var kids []models.Category
	for _, cat := range idx.byID {
		if sameParent(cat.ParentID, parent) {
			kids = append(kids, cat)
		}
	}
	slices.SortFunc(kids, func(a, b models.Category) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	ids := make([]int64, len(kids))
	for i, k := range kids {
		ids[i] = k.ID
	}
	return ids
}

// isAncestorOrSelf reports whether ancestor lies on the parent chain of id.
func (idx *categoryIndex) isAncestorOrSelf(ancestor, id int64) bool {
	seen := make(map[int64]bool)
	for cur := &id; cur != nil; {
		if *cur == ancestor {
			return true
		}
		if seen[*cur] {
			return false
		}
		seen[*cur] = true
		cat, ok := idx.byID[*cur]
		if !ok {
			return false
		}
		cur = cat.ParentID
	}
	return false
}

// ancestors returns the parent chain of id, nearest first.
func (idx *categoryIndex) ancestors(id int64) []int64 {
	var chain []int64
	seen := map[int64]bool{id: true}
	cat, ok := idx.byID[id]
	for ok && cat.ParentID != nil && !seen[*cat.ParentID] {
		chain = append(chain, *cat.ParentID)
		seen[*cat.ParentID] = true
		cat, ok = idx.byID[*cat.ParentID]
	}
	return chain
}

func (idx *categoryIndex) subtree(id int64) []int64 {
	ids := []int64{id}
	for i := 0; i < len(ids); i++ {
		cur := ids[i]
		ids = append(ids, idx.childrenOf(&cur)...)
	}
	return ids
}

func (idx *categoryIndex) node(id int64) *models.CategoryNode {
	n := &models.CategoryNode{Category: idx.byID[id], Children: []*models.CategoryNode{}}
	for _, child := range idx.childrenOf(&id) {
		n.Children = append(n.Children, idx.node(child))
	}
	return n
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func validatePrice(op string, price int64) error {
	if price < 0 {
		return apperrors.Validation(op, "price must not be negative")
	}
	if price > models.MaxPrice {
		return apperrors.Validation(op, "price must not exceed %d", models.MaxPrice)
	}
	return nil
}
