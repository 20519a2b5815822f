package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint.
const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS menu_categories (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		sort_order  INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS menu_items (
		id          TEXT PRIMARY KEY,
		category_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price       BIGINT NOT NULL,
		available   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		menu_item_id TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		quantity     INTEGER NOT NULL,
		unit_price   BIGINT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL DEFAULT '',
		session_id       TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		subtotal         BIGINT NOT NULL,
		discount         BIGINT NOT NULL DEFAULT 0,
		total_amount     BIGINT NOT NULL,
		promotion_id     TEXT NOT NULL DEFAULT '',
		delivery_address TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id     TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
		menu_item_id TEXT NOT NULL,
		name         TEXT NOT NULL,
		quantity     INTEGER NOT NULL,
		unit_price   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS promotions (
		id               TEXT PRIMARY KEY,
		code             TEXT NOT NULL UNIQUE,
		description      TEXT NOT NULL DEFAULT '',
		type             TEXT NOT NULL,
		value            BIGINT NOT NULL,
		min_order_amount BIGINT NOT NULL DEFAULT 0,
		usage_limit      INTEGER NOT NULL DEFAULT 0,
		usage_count      INTEGER NOT NULL DEFAULT 0,
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		starts_at        TIMESTAMPTZ,
		ends_at          TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		phone         TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id             TEXT PRIMARY KEY,
		order_id       TEXT NOT NULL,
		amount         BIGINT NOT NULL,
		method         TEXT NOT NULL,
		status         TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// PostgresStore is a Store on PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the shop tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate shop: %w", err)
		}
	}
	return nil
}

// mapErr converts driver errors into the package's sentinel errors.
func mapErr(kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(kind, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", kind, id, ErrConflict)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

// expectRow turns a zero-row UPDATE or DELETE into ErrNotFound.
func expectRow(kind, id string, res sql.Result, err error) error {
	if err != nil {
		return mapErr(kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCategory(ctx context.Context, c *MenuCategory) error {
	c.ID = newID(c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO menu_categories (id, name, description, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Name, c.Description, c.SortOrder, c.CreatedAt)
	return mapErr("category", c.ID, err)
}

func (s *PostgresStore) GetCategory(ctx context.Context, id string) (*MenuCategory, error) {
	var c MenuCategory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, sort_order, created_at FROM menu_categories WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Description, &c.SortOrder, &c.CreatedAt)
	if err != nil {
		return nil, mapErr("category", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM menu_categories WHERE id = $1`, id)
	return expectRow("category", id, res, err)
}

const menuItemColumns = `id, category_id, name, description, price, available, created_at, updated_at`

func (s *PostgresStore) CreateMenuItem(ctx context.Context, item *MenuItem) error {
	item.ID = newID(item.ID)
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO menu_items (`+menuItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.CategoryID, item.Name, item.Description, item.Price, item.Available, item.CreatedAt, item.UpdatedAt)
	return mapErr("menu item", item.ID, err)
}

func (s *PostgresStore) GetMenuItem(ctx context.Context, id string) (*MenuItem, error) {
	var item MenuItem
	err := s.db.QueryRowContext(ctx, `SELECT `+menuItemColumns+` FROM menu_items WHERE id = $1`, id).
		Scan(&item.ID, &item.CategoryID, &item.Name, &item.Description, &item.Price, &item.Available, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, mapErr("menu item", id, err)
	}
	return &item, nil
}

func (s *PostgresStore) UpdateMenuItem(ctx context.Context, item *MenuItem) error {
	item.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE menu_items
		SET category_id = $2, name = $3, description = $4, price = $5, available = $6, updated_at = $7
		WHERE id = $1
	`, item.ID, item.CategoryID, item.Name, item.Description, item.Price, item.Available, item.UpdatedAt)
	return expectRow("menu item", item.ID, res, err)
}

func (s *PostgresStore) DeleteMenuItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM menu_items WHERE id = $1`, id)
	return expectRow("menu item", id, res, err)
}

const cartColumns = `id, user_id, session_id, menu_item_id, name, quantity, unit_price, created_at`

func scanCartItems(rows *sql.Rows) ([]CartItem, error) {
	defer rows.Close()
	out := []CartItem{}
	for rows.Next() {
		var c CartItem
		if err := rows.Scan(&c.ID, &c.UserID, &c.SessionID, &c.MenuItemID, &c.Name, &c.Quantity, &c.UnitPrice, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ownerClause matches cart rows of a user, or of a session when no user is set.
const ownerClause = `(($1 <> '' AND user_id = $1) OR ($1 = '' AND $2 <> '' AND session_id = $2))`

func (s *PostgresStore) ListCart(ctx context.Context, owner Owner) ([]CartItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cartColumns+` FROM cart_items
		WHERE `+ownerClause+`
		ORDER BY created_at ASC, id ASC
	`, owner.UserID, owner.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	return scanCartItems(rows)
}

func (s *PostgresStore) GetCartItem(ctx context.Context, id string) (*CartItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cartColumns+` FROM cart_items WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get cart item: %w", err)
	}
	items, err := scanCartItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, notFound("cart item", id)
	}
	return &items[0], nil
}

func (s *PostgresStore) FindCartItem(ctx context.Context, owner Owner, menuItemID string) (*CartItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cartColumns+` FROM cart_items
		WHERE `+ownerClause+` AND menu_item_id = $3
		LIMIT 1
	`, owner.UserID, owner.SessionID, menuItemID)
	if err != nil {
		return nil, fmt.Errorf("find cart item: %w", err)
	}
	items, err := scanCartItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, notFound("cart item for menu item", menuItemID)
	}
	return &items[0], nil
}

func insertCartItem(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, c *CartItem) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO cart_items (`+cartColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.UserID, c.SessionID, c.MenuItemID, c.Name, c.Quantity, c.UnitPrice, c.CreatedAt)
	return mapErr("cart item", c.ID, err)
}

func (s *PostgresStore) InsertCartItem(ctx context.Context, item *CartItem) error {
	item.ID = newID(item.ID)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	return insertCartItem(ctx, s.db, item)
}

func (s *PostgresStore) SetCartQuantity(ctx context.Context, id string, quantity int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cart_items SET quantity = $2 WHERE id = $1`, id, quantity)
	return expectRow("cart item", id, res, err)
}

func (s *PostgresStore) DeleteCartItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, id)
	return expectRow("cart item", id, res, err)
}

func (s *PostgresStore) ClearCart(ctx context.Context, owner Owner) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE `+ownerClause, owner.UserID, owner.SessionID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (s *PostgresStore) RestoreCart(ctx context.Context, items []CartItem) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range items {
			if err := insertCartItem(ctx, tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	o.ID = newID(o.ID)
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, user_id, session_id, status, subtotal, discount, total_amount,
				promotion_id, delivery_address, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, o.ID, o.UserID, o.SessionID, string(o.Status), o.Subtotal, o.Discount, o.TotalAmount,
			o.PromotionID, o.DeliveryAddress, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return mapErr("order", o.ID, err)
		}
		for _, item := range o.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, menu_item_id, name, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)
			`, o.ID, item.MenuItemID, item.Name, item.Quantity, item.UnitPrice)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	var (
		o      Order
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, status, subtotal, discount, total_amount,
			promotion_id, delivery_address, created_at, updated_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.UserID, &o.SessionID, &status, &o.Subtotal, &o.Discount, &o.TotalAmount,
		&o.PromotionID, &o.DeliveryAddress, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr("order", id, err)
	}
	o.Status = OrderStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT menu_item_id, name, quantity, unit_price FROM order_items WHERE order_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()
	o.Items = []OrderItem{}
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.MenuItemID, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}

func (s *PostgresStore) SetOrderStatus(ctx context.Context, id string, status OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), s.now())
	return expectRow("order", id, res, err)
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return expectRow("order", id, res, err)
}

const promotionColumns = `id, code, description, type, value, min_order_amount, usage_limit, usage_count, active, starts_at, ends_at, created_at`

func (s *PostgresStore) scanPromotion(row *sql.Row, key string) (*Promotion, error) {
	var (
		p              Promotion
		typ            string
		startsAt, ends sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Code, &p.Description, &typ, &p.Value, &p.MinOrderAmount,
		&p.UsageLimit, &p.UsageCount, &p.Active, &startsAt, &ends, &p.CreatedAt)
	if err != nil {
		return nil, mapErr("promotion", key, err)
	}
	p.Type = PromotionType(typ)
	if startsAt.Valid {
		p.StartsAt = &startsAt.Time
	}
	if ends.Valid {
		p.EndsAt = &ends.Time
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) CreatePromotion(ctx context.Context, p *Promotion) error {
	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (`+promotionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.Code, p.Description, string(p.Type), p.Value, p.MinOrderAmount,
		p.UsageLimit, p.UsageCount, p.Active, nullTime(p.StartsAt), nullTime(p.EndsAt), p.CreatedAt)
	return mapErr("promotion", p.Code, err)
}

func (s *PostgresStore) GetPromotion(ctx context.Context, id string) (*Promotion, error) {
	return s.scanPromotion(s.db.QueryRowContext(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetPromotionByCode(ctx context.Context, code string) (*Promotion, error) {
	return s.scanPromotion(s.db.QueryRowContext(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE LOWER(code) = LOWER($1)`, code), code)
}

func (s *PostgresStore) UpdatePromotion(ctx context.Context, p *Promotion) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotions
		SET code = $2, description = $3, type = $4, value = $5, min_order_amount = $6,
			usage_limit = $7, usage_count = $8, active = $9, starts_at = $10, ends_at = $11
		WHERE id = $1
	`, p.ID, p.Code, p.Description, string(p.Type), p.Value, p.MinOrderAmount,
		p.UsageLimit, p.UsageCount, p.Active, nullTime(p.StartsAt), nullTime(p.EndsAt))
	return expectRow("promotion", p.ID, res, err)
}

func (s *PostgresStore) DeletePromotion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM promotions WHERE id = $1`, id)
	return expectRow("promotion", id, res, err)
}

func (s *PostgresStore) AdjustUsage(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotions SET usage_count = GREATEST(usage_count + $2, 0) WHERE id = $1
	`, id, delta)
	return expectRow("promotion", id, res, err)
}

const userColumns = `id, email, name, phone, password_hash, created_at, updated_at`

func (s *PostgresStore) scanUser(row *sql.Row, key string) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr("user", key, err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	u.ID = newID(u.ID)
	now := s.now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Email, u.Name, u.Phone, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	return mapErr("user", u.Email, err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email), email)
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = $2, name = $3, phone = $4, password_hash = $5, updated_at = $6
		WHERE id = $1
	`, u.ID, u.Email, u.Name, u.Phone, u.PasswordHash, u.UpdatedAt)
	return expectRow("user", u.ID, res, err)
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return expectRow("user", id, res, err)
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	p.ID = newID(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, method, status, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.OrderID, p.Amount, p.Method, string(p.Status), p.TransactionID, p.CreatedAt)
	return mapErr("payment", p.ID, err)
}

func (s *PostgresStore) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	var (
		p      Payment
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount, method, status, transaction_id, created_at
		FROM payments WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID).Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &status, &p.TransactionID, &p.CreatedAt)
	if err != nil {
		return nil, mapErr("payment for order", orderID, err)
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}

func (s *PostgresStore) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, id, string(status))
	return expectRow("payment", id, res, err)
}
