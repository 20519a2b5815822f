package shop

import "context"

type MenuRepository interface {
	CreateCategory(ctx context.Context, c *MenuCategory) error
	GetCategory(ctx context.Context, id string) (*MenuCategory, error)
	DeleteCategory(ctx context.Context, id string) error

	// CreateMenuItem inserts item, keeping item.ID when set so a deleted
	// item can be put back.
	CreateMenuItem(ctx context.Context, item *MenuItem) error
	GetMenuItem(ctx context.Context, id string) (*MenuItem, error)
	UpdateMenuItem(ctx context.Context, item *MenuItem) error
	DeleteMenuItem(ctx context.Context, id string) error
}

type CartRepository interface {
	ListCart(ctx context.Context, owner Owner) ([]CartItem, error)
	GetCartItem(ctx context.Context, id string) (*CartItem, error)
	// FindCartItem returns the owner's row for a menu item, or ErrNotFound.
	FindCartItem(ctx context.Context, owner Owner, menuItemID string) (*CartItem, error)
	InsertCartItem(ctx context.Context, item *CartItem) error
	SetCartQuantity(ctx context.Context, id string, quantity int) error
	DeleteCartItem(ctx context.Context, id string) error
	ClearCart(ctx context.Context, owner Owner) error
	// RestoreCart re-inserts rows with their original ids in one transaction.
	RestoreCart(ctx context.Context, items []CartItem) error
}

type OrderRepository interface {
	// CreateOrder inserts the order and its items in one transaction.
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	SetOrderStatus(ctx context.Context, id string, status OrderStatus) error
	DeleteOrder(ctx context.Context, id string) error
}

type PromotionRepository interface {
	CreatePromotion(ctx context.Context, p *Promotion) error
	GetPromotion(ctx context.Context, id string) (*Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*Promotion, error)
	UpdatePromotion(ctx context.Context, p *Promotion) error
	DeletePromotion(ctx context.Context, id string) error
	// AdjustUsage adds delta to the usage count, never going below zero.
	AdjustUsage(ctx context.Context, id string, delta int) error
}

type UserRepository interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	SetPaymentStatus(ctx context.Context, id string, status PaymentStatus) error
}

// Store is every repository the saga definitions use.
type Store interface {
	MenuRepository
	CartRepository
	OrderRepository
	PromotionRepository
	UserRepository
	PaymentRepository
}
