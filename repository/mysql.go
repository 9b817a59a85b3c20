package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"storefront/apperrors"
	"storefront/models"
)

const (
	errDuplicateEntry = 1062
	errLockWait       = 1205
	errDeadlock       = 1213
	errOutOfRange     = 1264
)

// MySQLStore runs transactions against a MySQL pool opened by package database.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&mysqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type mysqlTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

// translate maps driver errors onto error kinds: duplicate keys and lock
// failures are conflicts, a missing row is not-found.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(op, "not found")
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDuplicateEntry:
			return &apperrors.Error{Kind: apperrors.KindConflict, Op: op, Message: "duplicate entry", Err: err}
		case errDeadlock, errLockWait:
			return &apperrors.Error{Kind: apperrors.KindConflict, Op: op, Message: "concurrent update, retry", Err: err}
		case errOutOfRange:
			return &apperrors.Error{Kind: apperrors.KindValidation, Op: op, Message: "value out of range", Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (t *mysqlTx) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	return res, nil
}

// changed runs a conditional update and reports whether it matched a row.
func (t *mysqlTx) changed(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := t.exec(ctx, op, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

func (t *mysqlTx) insert(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := t.exec(ctx, op, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: last insert id: %w", op, err)
	}
	return id, nil
}

func (t *mysqlTx) mustChange(ctx context.Context, op, what string, id int64, query string, args ...any) error {
	ok, err := t.changed(ctx, op, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound(op, "%s %d not found", what, id)
	}
	return nil
}

// products

const productColumns = "id, name, price, category_id, active, created_at, updated_at"

func scanProduct(r rowScanner) (*models.Product, error) {
	var (
		p   models.Product
		cat sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.Name, &p.Price, &cat, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CategoryID = idPtr(cat)
	return &p, nil
}

func (t *mysqlTx) CreateProduct(ctx context.Context, p *models.Product) error {
	id, err := t.insert(ctx, "create product",
		"INSERT INTO products (name, price, category_id, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		p.Name, p.Price, nullID(p.CategoryID), p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (t *mysqlTx) UpdateProduct(ctx context.Context, p *models.Product) error {
	return t.mustChange(ctx, "update product", "product", p.ID,
		"UPDATE products SET name = ?, price = ?, category_id = ?, active = ?, updated_at = ? WHERE id = ?",
		p.Name, p.Price, nullID(p.CategoryID), p.Active, p.UpdatedAt, p.ID)
}

func (t *mysqlTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get product", "product %d not found", id)
	}
	if err != nil {
		return nil, translate("get product", err)
	}
	return p, nil
}

func (t *mysqlTx) ListProducts(ctx context.Context, q models.ProductQuery) ([]models.Product, error) {
	var (
		where []string
		args  []any
	)
	if q.ActiveOnly {
		where = append(where, "active = 1")
	}
	if q.CategoryIDs != nil {
		if len(q.CategoryIDs) == 0 {
			return []models.Product{}, nil
		}
		where = append(where, "category_id IN ("+placeholders(len(q.CategoryIDs))+")")
		for _, id := range q.CategoryIDs {
			args = append(args, id)
		}
	}
	query := "SELECT " + productColumns + " FROM products"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("list products", err)
	}
	defer rows.Close()

	res := make([]models.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, translate("list products", err)
		}
		res = append(res, *p)
	}
	return res, translate("list products", rows.Err())
}

func (t *mysqlTx) DeleteProduct(ctx context.Context, id int64) error {
	return t.mustChange(ctx, "delete product", "product", id, "DELETE FROM products WHERE id = ?", id)
}

func (t *mysqlTx) MoveProducts(ctx context.Context, from []int64, to *int64, at time.Time) error {
	if len(from) == 0 {
		return nil
	}
	args := []any{nullID(to), at}
	for _, id := range from {
		args = append(args, id)
	}
	_, err := t.exec(ctx, "move products",
		"UPDATE products SET category_id = ?, updated_at = ? WHERE category_id IN ("+placeholders(len(from))+")",
		args...)
	return err
}

// categories

const categoryColumns = "id, name, parent_id, position, created_at"

func scanCategory(r rowScanner) (*models.Category, error) {
	var (
		c      models.Category
		parent sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.Name, &parent, &c.Position, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ParentID = idPtr(parent)
	return &c, nil
}

func (t *mysqlTx) CreateCategory(ctx context.Context, c *models.Category) error {
	id, err := t.insert(ctx, "create category",
		"INSERT INTO categories (name, parent_id, position, created_at) VALUES (?, ?, ?, ?)",
		c.Name, nullID(c.ParentID), c.Position, c.CreatedAt)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (t *mysqlTx) UpdateCategory(ctx context.Context, c *models.Category) error {
	return t.mustChange(ctx, "update category", "category", c.ID,
		"UPDATE categories SET name = ?, parent_id = ?, position = ? WHERE id = ?",
		c.Name, nullID(c.ParentID), c.Position, c.ID)
}

func (t *mysqlTx) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	c, err := scanCategory(t.tx.QueryRowContext(ctx,
		"SELECT "+categoryColumns+" FROM categories WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get category", "category %d not found", id)
	}
	if err != nil {
		return nil, translate("get category", err)
	}
	return c, nil
}

func (t *mysqlTx) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+categoryColumns+" FROM categories ORDER BY id")
	if err != nil {
		return nil, translate("list categories", err)
	}
	defer rows.Close()

	res := make([]models.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, translate("list categories", err)
		}
		res = append(res, *c)
	}
	return res, translate("list categories", rows.Err())
}

func (t *mysqlTx) DeleteCategories(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := t.exec(ctx, "delete categories",
		"DELETE FROM categories WHERE id IN ("+placeholders(len(ids))+")", args...)
	return err
}

func (t *mysqlTx) LockCategoryTree(ctx context.Context) error {
	rows, err := t.tx.QueryContext(ctx, "SELECT id FROM categories FOR UPDATE")
	if err != nil {
		return translate("lock category tree", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	return translate("lock category tree", rows.Err())
}

// discounts

const discountColumns = "id, name, product_id, category_id, kind, value, active, starts_at, ends_at, created_at"

func scanDiscount(r rowScanner) (*models.Discount, error) {
	var (
		d              models.Discount
		product, cat   sql.NullInt64
		starts, endsAt sql.NullTime
	)
	if err := r.Scan(&d.ID, &d.Name, &product, &cat, &d.Kind, &d.Value, &d.Active, &starts, &endsAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.ProductID, d.CategoryID = idPtr(product), idPtr(cat)
	d.StartsAt, d.EndsAt = timePtr(starts), timePtr(endsAt)
	return &d, nil
}

func (t *mysqlTx) CreateDiscount(ctx context.Context, d *models.Discount) error {
	id, err := t.insert(ctx, "create discount",
		"INSERT INTO discounts (name, product_id, category_id, kind, value, active, starts_at, ends_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		d.Name, nullID(d.ProductID), nullID(d.CategoryID), d.Kind, d.Value, d.Active,
		nullTime(d.StartsAt), nullTime(d.EndsAt), d.CreatedAt)
	if err != nil {
		return err
	}
	d.ID = id
	return nil
}

func (t *mysqlTx) GetDiscount(ctx context.Context, id int64) (*models.Discount, error) {
	d, err := scanDiscount(t.tx.QueryRowContext(ctx,
		"SELECT "+discountColumns+" FROM discounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get discount", "discount %d not found", id)
	}
	if err != nil {
		return nil, translate("get discount", err)
	}
	return d, nil
}

func (t *mysqlTx) ListDiscounts(ctx context.Context, activeOnly bool) ([]models.Discount, error) {
	query := "SELECT " + discountColumns + " FROM discounts"
	if activeOnly {
		query += " WHERE active = 1"
	}
	rows, err := t.tx.QueryContext(ctx, query+" ORDER BY id")
	if err != nil {
		return nil, translate("list discounts", err)
	}
	defer rows.Close()

	res := make([]models.Discount, 0)
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, translate("list discounts", err)
		}
		res = append(res, *d)
	}
	return res, translate("list discounts", rows.Err())
}

func (t *mysqlTx) SetDiscountActive(ctx context.Context, id int64, active bool) error {
	return t.mustChange(ctx, "set discount active", "discount", id,
		"UPDATE discounts SET active = ? WHERE id = ?", active, id)
}

// promo codes

const promoColumns = "id, code, kind, value, max_uses, used_count, active, starts_at, ends_at, created_at"

func scanPromo(r rowScanner) (*models.PromoCode, error) {
	var (
		p              models.PromoCode
		maxUses        sql.NullInt64
		starts, endsAt sql.NullTime
	)
	if err := r.Scan(&p.ID, &p.Code, &p.Kind, &p.Value, &maxUses, &p.UsedCount, &p.Active, &starts, &endsAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	if maxUses.Valid {
		n := int(maxUses.Int64)
		p.MaxUses = &n
	}
	p.StartsAt, p.EndsAt = timePtr(starts), timePtr(endsAt)
	return &p, nil
}

func (t *mysqlTx) CreatePromoCode(ctx context.Context, p *models.PromoCode) error {
	var maxUses sql.NullInt64
	if p.MaxUses != nil {
		maxUses = sql.NullInt64{Int64: int64(*p.MaxUses), Valid: true}
	}
	id, err := t.insert(ctx, "create promo code",
		"INSERT INTO promo_codes (code, kind, value, max_uses, used_count, active, starts_at, ends_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		p.Code, p.Kind, p.Value, maxUses, p.UsedCount, p.Active, nullTime(p.StartsAt), nullTime(p.EndsAt), p.CreatedAt)
	if apperrors.Is(err, apperrors.KindConflict) {
		return apperrors.Conflict("create promo code", "promo code %q already exists", p.Code)
	}
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (t *mysqlTx) GetPromoCode(ctx context.Context, id int64) (*models.PromoCode, error) {
	p, err := scanPromo(t.tx.QueryRowContext(ctx,
		"SELECT "+promoColumns+" FROM promo_codes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get promo code", "promo code %d not found", id)
	}
	if err != nil {
		return nil, translate("get promo code", err)
	}
	return p, nil
}

func (t *mysqlTx) GetPromoCodeByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	p, err := scanPromo(t.tx.QueryRowContext(ctx,
		"SELECT "+promoColumns+" FROM promo_codes WHERE code = ?", code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get promo code", "promo code %q not found", code)
	}
	if err != nil {
		return nil, translate("get promo code", err)
	}
	return p, nil
}

func (t *mysqlTx) ListPromoCodes(ctx context.Context) ([]models.PromoCode, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+promoColumns+" FROM promo_codes ORDER BY id")
	if err != nil {
		return nil, translate("list promo codes", err)
	}
	defer rows.Close()

	res := make([]models.PromoCode, 0)
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, translate("list promo codes", err)
		}
		res = append(res, *p)
	}
	return res, translate("list promo codes", rows.Err())
}

func (t *mysqlTx) SetPromoCodeActive(ctx context.Context, id int64, active bool) error {
	return t.mustChange(ctx, "set promo code active", "promo code", id,
		"UPDATE promo_codes SET active = ? WHERE id = ?", active, id)
}

func (t *mysqlTx) RedeemPromoCode(ctx context.Context, id int64, at time.Time) (bool, error) {
	return t.changed(ctx, "redeem promo code",
		`UPDATE promo_codes SET used_count = used_count + 1
		WHERE id = ? AND active = 1
		  AND (max_uses IS NULL OR used_count < max_uses)
		  AND (starts_at IS NULL OR starts_at <= ?)
		  AND (ends_at IS NULL OR ends_at > ?)`,
		id, at, at)
}

// couriers

const courierColumns = "id, name, phone, active, active_orders, created_at, updated_at"

func scanCourier(r rowScanner) (*models.Courier, error) {
	var c models.Courier
	if err := r.Scan(&c.ID, &c.Name, &c.Phone, &c.Active, &c.ActiveOrders, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *mysqlTx) CreateCourier(ctx context.Context, c *models.Courier) error {
	id, err := t.insert(ctx, "create courier",
		"INSERT INTO couriers (name, phone, active, active_orders, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)",
		c.Name, c.Phone, c.Active, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (t *mysqlTx) UpdateCourier(ctx context.Context, c *models.Courier) error {
	return t.mustChange(ctx, "update courier", "courier", c.ID,
		"UPDATE couriers SET name = ?, phone = ?, updated_at = ? WHERE id = ?",
		c.Name, c.Phone, c.UpdatedAt, c.ID)
}

func (t *mysqlTx) GetCourier(ctx context.Context, id int64) (*models.Courier, error) {
	c, err := scanCourier(t.tx.QueryRowContext(ctx,
		"SELECT "+courierColumns+" FROM couriers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get courier", "courier %d not found", id)
	}
	if err != nil {
		return nil, translate("get courier", err)
	}
	return c, nil
}

func (t *mysqlTx) ListCouriers(ctx context.Context) ([]models.Courier, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+courierColumns+" FROM couriers ORDER BY id")
	if err != nil {
		return nil, translate("list couriers", err)
	}
	defer rows.Close()

	res := make([]models.Courier, 0)
	for rows.Next() {
		c, err := scanCourier(rows)
		if err != nil {
			return nil, translate("list couriers", err)
		}
		res = append(res, *c)
	}
	return res, translate("list couriers", rows.Err())
}

func (t *mysqlTx) SetCourierActive(ctx context.Context, id int64, active bool) (bool, error) {
	if _, err := t.GetCourier(ctx, id); err != nil {
		return false, err
	}
	if active {
		return t.changed(ctx, "set courier active",
			"UPDATE couriers SET active = 1 WHERE id = ?", id)
	}
	return t.changed(ctx, "set courier active",
		"UPDATE couriers SET active = 0 WHERE id = ? AND active_orders = 0", id)
}

func (t *mysqlTx) AcquireCourier(ctx context.Context, id int64, capacity int) (bool, error) {
	return t.changed(ctx, "acquire courier",
		"UPDATE couriers SET active_orders = active_orders + 1 WHERE id = ? AND active = 1 AND active_orders < ?",
		id, capacity)
}

func (t *mysqlTx) ReleaseCourier(ctx context.Context, id int64) (bool, error) {
	return t.changed(ctx, "release courier",
		"UPDATE couriers SET active_orders = active_orders - 1 WHERE id = ? AND active_orders > 0", id)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}
