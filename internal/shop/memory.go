package shop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and the memory driver.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	categories map[string]MenuCategory
	items      map[string]MenuItem
	cart       map[string]CartItem
	orders     map[string]Order
	promotions map[string]Promotion
	users      map[string]User
	payments   map[string]Payment
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		categories: make(map[string]MenuCategory),
		items:      make(map[string]MenuItem),
		cart:       make(map[string]CartItem),
		orders:     make(map[string]Order),
		promotions: make(map[string]Promotion),
		users:      make(map[string]User),
		payments:   make(map[string]Payment),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (m *MemoryStore) CreateCategory(_ context.Context, c *MenuCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = newID(c.ID)
	if _, ok := m.categories[c.ID]; ok {
		return fmt.Errorf("category %s: %w", c.ID, ErrConflict)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.categories[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetCategory(_ context.Context, id string) (*MenuCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, notFound("category", id)
	}
	return &c, nil
}

func (m *MemoryStore) DeleteCategory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[id]; !ok {
		return notFound("category", id)
	}
	delete(m.categories, id)
	return nil
}

func (m *MemoryStore) CreateMenuItem(_ context.Context, item *MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = newID(item.ID)
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("menu item %s: %w", item.ID, ErrConflict)
	}
	now := m.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryStore) GetMenuItem(_ context.Context, id string) (*MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, notFound("menu item", id)
	}
	return &item, nil
}

func (m *MemoryStore) UpdateMenuItem(_ context.Context, item *MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return notFound("menu item", item.ID)
	}
	item.UpdatedAt = m.now()
	m.items[item.ID] = *item
	return nil
}

func (m *MemoryStore) DeleteMenuItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return notFound("menu item", id)
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) ListCart(_ context.Context, owner Owner) ([]CartItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []CartItem{}
	for _, c := range m.cart {
		if owner.Owns(c.UserID, c.SessionID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetCartItem(_ context.Context, id string) (*CartItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cart[id]
	if !ok {
		return nil, notFound("cart item", id)
	}
	return &c, nil
}

func (m *MemoryStore) FindCartItem(_ context.Context, owner Owner, menuItemID string) (*CartItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cart {
		if c.MenuItemID == menuItemID && owner.Owns(c.UserID, c.SessionID) {
			return &c, nil
		}
	}
	return nil, notFound("cart item for menu item", menuItemID)
}

func (m *MemoryStore) InsertCartItem(_ context.Context, item *CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = newID(item.ID)
	if _, ok := m.cart[item.ID]; ok {
		return fmt.Errorf("cart item %s: %w", item.ID, ErrConflict)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	m.cart[item.ID] = *item
	return nil
}

func (m *MemoryStore) SetCartQuantity(_ context.Context, id string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cart[id]
	if !ok {
		return notFound("cart item", id)
	}
	c.Quantity = quantity
	m.cart[id] = c
	return nil
}

func (m *MemoryStore) DeleteCartItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cart[id]; !ok {
		return notFound("cart item", id)
	}
	delete(m.cart, id)
	return nil
}

func (m *MemoryStore) ClearCart(_ context.Context, owner Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.cart {
		if owner.Owns(c.UserID, c.SessionID) {
			delete(m.cart, id)
		}
	}
	return nil
}

func (m *MemoryStore) RestoreCart(_ context.Context, items []CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range items {
		if _, ok := m.cart[c.ID]; ok {
			return fmt.Errorf("cart item %s: %w", c.ID, ErrConflict)
		}
	}
	for _, c := range items {
		m.cart[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = newID(o.ID)
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	now := m.now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = copyOrder(*o)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	o = copyOrder(o)
	return &o, nil
}

func (m *MemoryStore) SetOrderStatus(_ context.Context, id string, status OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return notFound("order", id)
	}
	o.Status = status
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return nil
}

func (m *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return notFound("order", id)
	}
	delete(m.orders, id)
	return nil
}

// Orders lists every order, oldest first.
func (m *MemoryStore) Orders() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyOrder(o Order) Order {
	o.Items = append([]OrderItem(nil), o.Items...)
	return o
}

func (m *MemoryStore) CreatePromotion(_ context.Context, p *Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = newID(p.ID)
	if _, ok := m.promotions[p.ID]; ok {
		return fmt.Errorf("promotion %s: %w", p.ID, ErrConflict)
	}
	for _, other := range m.promotions {
		if strings.EqualFold(other.Code, p.Code) {
			return fmt.Errorf("promotion code %s: %w", p.Code, ErrConflict)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.promotions[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPromotion(_ context.Context, id string) (*Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.promotions[id]
	if !ok {
		return nil, notFound("promotion", id)
	}
	return &p, nil
}

func (m *MemoryStore) GetPromotionByCode(_ context.Context, code string) (*Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.promotions {
		if strings.EqualFold(p.Code, code) {
			return &p, nil
		}
	}
	return nil, notFound("promotion code", code)
}

func (m *MemoryStore) UpdatePromotion(_ context.Context, p *Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.promotions[p.ID]; !ok {
		return notFound("promotion", p.ID)
	}
	for id, other := range m.promotions {
		if id != p.ID && strings.EqualFold(other.Code, p.Code) {
			return fmt.Errorf("promotion code %s: %w", p.Code, ErrConflict)
		}
	}
	m.promotions[p.ID] = *p
	return nil
}

func (m *MemoryStore) DeletePromotion(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.promotions[id]; !ok {
		return notFound("promotion", id)
	}
	delete(m.promotions, id)
	return nil
}

func (m *MemoryStore) AdjustUsage(_ context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promotions[id]
	if !ok {
		return notFound("promotion", id)
	}
	p.UsageCount = max(p.UsageCount+delta, 0)
	m.promotions[id] = p
	return nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = newID(u.ID)
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	for _, other := range m.users {
		if strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
		}
	}
	now := m.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, notFound("user with email", email)
}

func (m *MemoryStore) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return notFound("user", u.ID)
	}
	for id, other := range m.users {
		if id != u.ID && strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
		}
	}
	u.UpdatedAt = m.now()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return notFound("user", id)
	}
	delete(m.users, id)
	return nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPaymentByOrder(_ context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Payment
	for _, p := range m.payments {
		if p.OrderID == orderID && (found == nil || p.CreatedAt.After(found.CreatedAt)) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, notFound("payment for order", orderID)
	}
	return found, nil
}

func (m *MemoryStore) SetPaymentStatus(_ context.Context, id string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return notFound("payment", id)
	}
	p.Status = status
	m.payments[id] = p
	return nil
}
