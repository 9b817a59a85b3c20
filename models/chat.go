package models

import "time"

type ChatRole string

const (
	RoleAdmin    ChatRole = "admin"
	RoleCustomer ChatRole = "customer"
)

func (r ChatRole) Valid() bool {
	return r == RoleAdmin || r == RoleCustomer
}

// Counterpart is the role that reads messages sent by r.
func (r ChatRole) Counterpart() ChatRole {
	if r == RoleAdmin {
		return RoleCustomer
	}
	return RoleAdmin
}

// ChatMessage is append-only; only Read flips, when the counterpart reads it.
type ChatMessage struct {
	ID         int64     `json:"id"`
	OrderID    int64     `json:"order_id"`
	SenderRole ChatRole  `json:"sender_role"`
	Body       string    `json:"body"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatThread summarizes one order's conversation for a reader role.
type ChatThread struct {
	OrderID       int64     `json:"order_id"`
	Messages      int       `json:"messages"`
	Unread        int       `json:"unread"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type SecurityLogEntry struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	Source    string    `json:"source"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const OutcomeFailed = "failed"
