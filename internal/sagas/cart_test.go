package sagas

import (
	"context"
	"errors"
	"testing"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddToCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	guest := shop.Owner{SessionID: "sess-1"}

	run, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: guest, MenuItemID: f.pizza.ID, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, run.Value.Items, 1)
	assert.Equal(t, 2, run.Value.ItemCount)
	assert.Equal(t, int64(200), run.Value.Total)
	assert.Equal(t, "Pizza", run.Value.Items[0].Name)

	run, err = f.svc.AddToCart(ctx, AddToCartRequest{Owner: guest, MenuItemID: f.pizza.ID, Quantity: 3})
	require.NoError(t, err)
	require.Len(t, run.Value.Items, 1, "adding the same item again merges into one row")
	assert.Equal(t, 5, run.Value.Items[0].Quantity)
}

func TestAddToCartCapsQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	run, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 150})
	require.NoError(t, err)
	require.Len(t, run.Value.Items, 1)
	assert.Equal(t, 99, run.Value.Items[0].Quantity)

	row, err := f.store.FindCartItem(ctx, alice, f.pizza.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, row.Quantity)

	small := newFixture(t, WithMaxQuantity(3))
	run, err = small.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: small.pizza.ID, Quantity: 2})
	require.NoError(t, err)
	run, err = small.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: small.pizza.ID, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Value.Items[0].Quantity)
}

func TestAddToCartRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: "missing", Quantity: 1})
	assert.ErrorIs(t, err, ErrMenuItemNotFound)

	_, err = f.svc.AddToCart(ctx, AddToCartRequest{MenuItemID: f.pizza.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAddToCartLaterFailureRemovesRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	def, err := f.svc.Definition(CartAdd)
	require.NoError(t, err)
	boom := errors.New("boom")
	def.AddStep("explode", func(context.Context, saga.Data) (saga.Outcome, error) {
		return saga.Outcome{}, boom
	}, nil, nil)

	_, err = executeDefinition[CartSummary](ctx, def, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 2})
	require.ErrorIs(t, err, boom)

	cart, err := f.store.ListCart(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, cart, "compensation deletes the inserted row")
	assert.Equal(t, saga.SagaCompensated, f.lastInstance(t).State)
}

func TestAddToCartLaterFailureRestoresQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 1})
	require.NoError(t, err)

	def, err := f.svc.Definition(CartAdd)
	require.NoError(t, err)
	def.AddStep("explode", func(context.Context, saga.Data) (saga.Outcome, error) {
		return saga.Outcome{}, errors.New("boom")
	}, nil, nil)
	_, err = executeDefinition[CartSummary](ctx, def, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 4})
	require.Error(t, err)

	row, err := f.store.FindCartItem(ctx, alice, f.pizza.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, row.Quantity)
}

func TestUpdateCartItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	added, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 1})
	require.NoError(t, err)
	id := added.Value.Items[0].ID

	run, err := f.svc.UpdateCartItem(ctx, UpdateCartRequest{Owner: alice, CartItemID: id, Quantity: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, run.Value.ItemCount)
	assert.Equal(t, int64(700), run.Value.Total)

	run, err = f.svc.UpdateCartItem(ctx, UpdateCartRequest{Owner: alice, CartItemID: id, Quantity: 1000})
	require.NoError(t, err)
	assert.Equal(t, 99, run.Value.ItemCount)

	_, err = f.svc.UpdateCartItem(ctx, UpdateCartRequest{Owner: alice, CartItemID: id, Quantity: -1})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.svc.UpdateCartItem(ctx, UpdateCartRequest{Owner: shop.Owner{UserID: "bob"}, CartItemID: id, Quantity: 2})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateCartItem(ctx, UpdateCartRequest{Owner: alice, CartItemID: "missing", Quantity: 2})
	assert.ErrorIs(t, err, ErrCartItemNotFound)
}

func TestRemoveAndClearCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	soda := &shop.MenuItem{CategoryID: f.pizza.CategoryID, Name: "Soda", Price: 30, Available: true}
	require.NoError(t, f.store.CreateMenuItem(ctx, soda))

	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 1})
	require.NoError(t, err)
	added, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: soda.ID, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, added.Value.Items, 2)

	sodaRow, err := f.store.FindCartItem(ctx, alice, soda.ID)
	require.NoError(t, err)

	run, err := f.svc.RemoveFromCart(ctx, alice, sodaRow.ID)
	require.NoError(t, err)
	require.Len(t, run.Value.Items, 1)
	assert.Equal(t, f.pizza.ID, run.Value.Items[0].MenuItemID)

	run, err = f.svc.ClearCart(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, run.Value.Items)
	assert.Zero(t, run.Value.Total)
}

func TestClearCartFailureRestoresCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 3})
	require.NoError(t, err)

	def, err := f.svc.Definition(CartClear)
	require.NoError(t, err)
	def.AddStep("explode", func(context.Context, saga.Data) (saga.Outcome, error) {
		return saga.Outcome{}, errors.New("boom")
	}, nil, nil)
	_, err = executeDefinition[CartSummary](ctx, def, alice)
	require.Error(t, err)

	row, err := f.store.FindCartItem(ctx, alice, f.pizza.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, row.Quantity)
}
