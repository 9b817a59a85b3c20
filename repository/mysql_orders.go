package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/apperrors"
	"storefront/models"
)

const orderColumns = "id, customer_id, subtotal, total, adjustments, status, courier_id, last_courier_id, created_at, updated_at"

func scanOrder(r rowScanner) (*models.Order, error) {
	var (
		o                    models.Order
		adjustments          []byte
		courier, lastCourier sql.NullInt64
	)
	if err := r.Scan(&o.ID, &o.CustomerID, &o.Subtotal, &o.Total, &adjustments, &o.Status,
		&courier, &lastCourier, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(adjustments, &o.Adjustments); err != nil {
		return nil, fmt.Errorf("decode adjustments of order %d: %w", o.ID, err)
	}
	if o.Adjustments == nil {
		o.Adjustments = []models.AppliedAdjustment{}
	}
	o.CourierID, o.LastCourierID = idPtr(courier), idPtr(lastCourier)
	return &o, nil
}

func encodeAdjustments(adj []models.AppliedAdjustment) ([]byte, error) {
	if adj == nil {
		adj = []models.AppliedAdjustment{}
	}
	return json.Marshal(adj)
}

func (t *mysqlTx) CreateOrder(ctx context.Context, o *models.Order) error {
	adj, err := encodeAdjustments(o.Adjustments)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	id, err := t.insert(ctx, "create order",
		"INSERT INTO orders (customer_id, subtotal, total, adjustments, status, courier_id, last_courier_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		o.CustomerID, o.Subtotal, o.Total, adj, o.Status, nullID(o.CourierID), nullID(o.LastCourierID), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if err := t.insertItems(ctx, id, o.Items); err != nil {
		return err
	}
	o.ID = id
	return nil
}

func (t *mysqlTx) insertItems(ctx context.Context, orderID int64, items []models.OrderItem) error {
	for i, it := range items {
		if _, err := t.exec(ctx, "add order item",
			"INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, unit_price) VALUES (?, ?, ?, ?, ?, ?)",
			orderID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}

func (t *mysqlTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
}

func (t *mysqlTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ? FOR UPDATE", id)
}

func (t *mysqlTx) getOrder(ctx context.Context, query string, id int64) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("get order", "order %d not found", id)
	}
	if err != nil {
		return nil, translate("get order", err)
	}
	items, err := t.loadItems(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	o.Items = items[id]
	if o.Items == nil {
		o.Items = []models.OrderItem{}
	}
	return o, nil
}

func (t *mysqlTx) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]models.OrderItem, error) {
	res := make(map[int64][]models.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return res, nil
	}
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}
	rows, err := t.tx.QueryContext(ctx,
		"SELECT order_id, product_id, product_name, quantity, unit_price FROM order_items WHERE order_id IN ("+
			placeholders(len(orderIDs))+") ORDER BY order_id, line_no", args...)
	if err != nil {
		return nil, translate("load order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID int64
			it      models.OrderItem
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, translate("load order items", err)
		}
		res[orderID] = append(res[orderID], it)
	}
	return res, translate("load order items", rows.Err())
}

func (t *mysqlTx) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CustomerID != 0 {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.CourierID != 0 {
		where = append(where, "courier_id = ?")
		args = append(args, f.CourierID)
	}
	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("list orders", err)
	}
	orders := make([]models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, translate("list orders", err)
		}
		orders = append(orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translate("list orders", err)
	}
	if f.Limit <= 0 && f.Offset > 0 {
		orders = paginate(orders, 0, f.Offset)
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := t.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
		if orders[i].Items == nil {
			orders[i].Items = []models.OrderItem{}
		}
	}
	return orders, nil
}

func (t *mysqlTx) UpdateOrderPricing(ctx context.Context, o *models.Order) (bool, error) {
	adj, err := encodeAdjustments(o.Adjustments)
	if err != nil {
		return false, fmt.Errorf("update order pricing: %w", err)
	}
	ok, err := t.changed(ctx, "update order pricing",
		"UPDATE orders SET subtotal = ?, total = ?, adjustments = ?, updated_at = ? WHERE id = ? AND status = ?",
		o.Subtotal, o.Total, adj, o.UpdatedAt, o.ID, models.StatusPending)
	if err != nil || !ok {
		return false, err
	}
	if _, err := t.exec(ctx, "update order pricing", "DELETE FROM order_items WHERE order_id = ?", o.ID); err != nil {
		return false, err
	}
	if err := t.insertItems(ctx, o.ID, o.Items); err != nil {
		return false, err
	}
	return true, nil
}

func (t *mysqlTx) TransitionOrder(ctx context.Context, tr models.OrderTransition) (bool, error) {
	return t.changed(ctx, "transition order",
		"UPDATE orders SET status = ?, courier_id = ?, last_courier_id = ?, updated_at = ? WHERE id = ? AND status = ?",
		tr.To, nullID(tr.CourierID), nullID(tr.LastCourierID), tr.At, tr.OrderID, tr.From)
}

func (t *mysqlTx) AssignOrderCourier(ctx context.Context, orderID, courierID int64, at time.Time) (bool, error) {
	return t.changed(ctx, "assign order courier",
		"UPDATE orders SET courier_id = ?, updated_at = ? WHERE id = ? AND courier_id IS NULL AND status IN (?, ?)",
		courierID, at, orderID, models.StatusReady, models.StatusInDelivery)
}

func (t *mysqlTx) OpenOrderIDsWithProduct(ctx context.Context, productID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT DISTINCT o.id FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE oi.product_id = ? AND o.status NOT IN (?, ?)
		ORDER BY o.id`,
		productID, models.StatusDelivered, models.StatusCancelled)
	if err != nil {
		return nil, translate("open orders with product", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, translate("open orders with product", err)
		}
		ids = append(ids, id)
	}
	return ids, translate("open orders with product", rows.Err())
}

func (t *mysqlTx) AssignedOrderIDs(ctx context.Context) (map[int64][]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT courier_id, id FROM orders WHERE courier_id IS NOT NULL ORDER BY id")
	if err != nil {
		return nil, translate("assigned orders", err)
	}
	defer rows.Close()

	res := make(map[int64][]int64)
	for rows.Next() {
		var courierID, orderID int64
		if err := rows.Scan(&courierID, &orderID); err != nil {
			return nil, translate("assigned orders", err)
		}
		res[courierID] = append(res[courierID], orderID)
	}
	return res, translate("assigned orders", rows.Err())
}

// chat

func (t *mysqlTx) AppendChatMessage(ctx context.Context, m *models.ChatMessage) error {
	id, err := t.insert(ctx, "append chat message",
		"INSERT INTO chat_messages (order_id, sender_role, body, is_read, created_at) VALUES (?, ?, ?, ?, ?)",
		m.OrderID, m.SenderRole, m.Body, m.Read, m.CreatedAt)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

func (t *mysqlTx) ListChatMessages(ctx context.Context, orderID int64) ([]models.ChatMessage, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, order_id, sender_role, body, is_read, created_at FROM chat_messages WHERE order_id = ? ORDER BY created_at, id",
		orderID)
	if err != nil {
		return nil, translate("list chat messages", err)
	}
	defer rows.Close()

	res := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderRole, &m.Body, &m.Read, &m.CreatedAt); err != nil {
			return nil, translate("list chat messages", err)
		}
		res = append(res, m)
	}
	return res, translate("list chat messages", rows.Err())
}

func (t *mysqlTx) MarkChatRead(ctx context.Context, orderID int64, sender models.ChatRole) (int64, error) {
	res, err := t.exec(ctx, "mark chat read",
		"UPDATE chat_messages SET is_read = 1 WHERE order_id = ? AND sender_role = ? AND is_read = 0",
		orderID, sender)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *mysqlTx) ListChatThreads(ctx context.Context, reader models.ChatRole) ([]models.ChatThread, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT order_id, COUNT(*), COALESCE(SUM(sender_role <> ? AND is_read = 0), 0), MAX(created_at)
		FROM chat_messages
		GROUP BY order_id
		ORDER BY MAX(created_at) DESC, order_id`,
		reader)
	if err != nil {
		return nil, translate("list chat threads", err)
	}
	defer rows.Close()

	res := make([]models.ChatThread, 0)
	for rows.Next() {
		var th models.ChatThread
		if err := rows.Scan(&th.OrderID, &th.Messages, &th.Unread, &th.LastMessageAt); err != nil {
			return nil, translate("list chat threads", err)
		}
		res = append(res, th)
	}
	return res, translate("list chat threads", rows.Err())
}

// security log

func (t *mysqlTx) AppendSecurityEntry(ctx context.Context, e *models.SecurityLogEntry) error {
	id, err := t.insert(ctx, "append security entry",
		"INSERT INTO security_log (identity, source, outcome, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Identity, e.Source, e.Outcome, e.Reason, e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (t *mysqlTx) ListSecurityEntries(ctx context.Context, limit, offset int) ([]models.SecurityLogEntry, error) {
	query := "SELECT id, identity, source, outcome, reason, created_at FROM security_log ORDER BY created_at DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("list security log", err)
	}
	defer rows.Close()

	res := make([]models.SecurityLogEntry, 0)
	for rows.Next() {
		var e models.SecurityLogEntry
		if err := rows.Scan(&e.ID, &e.Identity, &e.Source, &e.Outcome, &e.Reason, &e.CreatedAt); err != nil {
			return nil, translate("list security log", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list security log", err)
	}
	if limit <= 0 {
		res = paginate(res, 0, offset)
	}
	return res, nil
}

func (t *mysqlTx) ClearSecurityEntries(ctx context.Context) (int64, error) {
	res, err := t.exec(ctx, "clear security log", "DELETE FROM security_log")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
