// Package shop holds the entities the saga definitions mutate and the
// repositories they use to do it.
package shop

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderPreparing OrderStatus = "preparing"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// Cancellable reports whether an order in this status may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderPending || s == OrderConfirmed
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type PromotionType string

const (
	PromotionPercentage PromotionType = "percentage"
	PromotionFixed      PromotionType = "fixed"
)

// Owner identifies a cart: a signed-in user or an anonymous session.
type Owner struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Valid reports whether the owner names a user or a session.
func (o Owner) Valid() bool {
	return o.UserID != "" || o.SessionID != ""
}

// Owns reports whether o matches the owner recorded on a row.
func (o Owner) Owns(userID, sessionID string) bool {
	if o.UserID != "" {
		return o.UserID == userID
	}
	return o.SessionID != "" && o.SessionID == sessionID
}

type MenuCategory struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SortOrder   int       `json:"sort_order"`
	CreatedAt   time.Time `json:"created_at"`
}

// MenuItem prices are in cents.
type MenuItem struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"category_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Available   bool      `json:"available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CartItem struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	MenuItemID string    `json:"menu_item_id"`
	Name       string    `json:"name,omitempty"`
	Quantity   int       `json:"quantity"`
	UnitPrice  int64     `json:"unit_price"`
	CreatedAt  time.Time `json:"created_at"`
}

// Owner returns the owner of the cart row.
func (c CartItem) Owner() Owner {
	return Owner{UserID: c.UserID, SessionID: c.SessionID}
}

type OrderItem struct {
	MenuItemID string `json:"menu_item_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
}

type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	Status          OrderStatus `json:"status"`
	Subtotal        int64       `json:"subtotal"`
	Discount        int64       `json:"discount"`
	TotalAmount     int64       `json:"total_amount"`
	PromotionID     string      `json:"promotion_id,omitempty"`
	DeliveryAddress string      `json:"delivery_address,omitempty"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Promotion values are a percentage (1..100) or an amount in cents.
type Promotion struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	Description    string        `json:"description,omitempty"`
	Type           PromotionType `json:"type"`
	Value          int64         `json:"value"`
	MinOrderAmount int64         `json:"min_order_amount"`
	// UsageLimit of zero means unlimited.
	UsageLimit int        `json:"usage_limit"`
	UsageCount int        `json:"usage_count"`
	Active     bool       `json:"active"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Discount computes the discount the promotion grants on subtotal, or an
// error explaining why it does not apply.
func (p *Promotion) Discount(subtotal int64, now time.Time) (int64, error) {
	switch {
	case !p.Active:
		return 0, errors.New("promotion is not active")
	case p.StartsAt != nil && now.Before(*p.StartsAt):
		return 0, errors.New("promotion has not started yet")
	case p.EndsAt != nil && now.After(*p.EndsAt):
		return 0, errors.New("promotion has expired")
	case p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit:
		return 0, errors.New("promotion usage limit reached")
	case subtotal < p.MinOrderAmount:
		return 0, errors.New("order does not meet the promotion minimum amount")
	}
	var d int64
	if p.Type == PromotionPercentage {
		d = subtotal * p.Value / 100
	} else {
		d = p.Value
	}
	if d > subtotal {
		d = subtotal
	}
	return d, nil
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Payment struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	Amount        int64         `json:"amount"`
	Method        string        `json:"method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
