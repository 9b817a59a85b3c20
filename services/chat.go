package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"storefront/apperrors"
	"storefront/models"
	"storefront/repository"
)

// Chat is the per-order message log shared by the admin and the ordering customer.
type Chat struct {
	maxBody int
	logger  *zap.Logger
	now     func() time.Time
}

func NewChat(maxBody int, logger *zap.Logger, now func() time.Time) *Chat {
	return &Chat{maxBody: maxBody, logger: logger, now: now}
}

func (c *Chat) Send(ctx context.Context, tx repository.Tx, orderID int64, req models.SendChatMessageRequest) (*models.ChatMessage, error) {
	const op = "send chat message"
	if !req.Role.Valid() {
		return nil, apperrors.Validation(op, "unknown role %q", req.Role)
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, apperrors.Validation(op, "body is required")
	}
	if n := utf8.RuneCountInString(body); n > c.maxBody {
		return nil, apperrors.Validation(op, "body is %d characters, limit is %d", n, c.maxBody)
	}
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if req.Role == models.RoleCustomer && req.CustomerID != o.CustomerID {
		return nil, apperrors.Forbidden(op, "customer %d is not the owner of order %d", req.CustomerID, orderID)
	}
	m := &models.ChatMessage{
		OrderID:    orderID,
		SenderRole: req.Role,
		Body:       body,
		CreatedAt:  c.now(),
	}
	if err := tx.AppendChatMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Chat) List(ctx context.Context, tx repository.Tx, orderID int64) ([]models.ChatMessage, error) {
	if _, err := tx.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return tx.ListChatMessages(ctx, orderID)
}

// MarkRead marks as read everything the counterpart of reader sent on the order.
func (c *Chat) MarkRead(ctx context.Context, tx repository.Tx, orderID int64, reader models.ChatRole) (int64, error) {
	if !reader.Valid() {
		return 0, apperrors.Validation("mark chat read", "unknown role %q", reader)
	}
	if _, err := tx.GetOrder(ctx, orderID); err != nil {
		return 0, err
	}
	return tx.MarkChatRead(ctx, orderID, reader.Counterpart())
}

// Unread counts messages on the order not yet read by reader.
func (c *Chat) Unread(ctx context.Context, tx repository.Tx, orderID int64, reader models.ChatRole) (int, error) {
	if !reader.Valid() {
		return 0, apperrors.Validation("count unread chat", "unknown role %q", reader)
	}
	msgs, err := c.List(ctx, tx, orderID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.SenderRole != reader && !m.Read {
			n++
		}
	}
	return n, nil
}

func (c *Chat) Threads(ctx context.Context, tx repository.Tx, reader models.ChatRole) ([]models.ChatThread, error) {
	if !reader.Valid() {
		return nil, apperrors.Validation("list chat threads", "unknown role %q", reader)
	}
	return tx.ListChatThreads(ctx, reader)
}
