package sagas

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
)

// AddToCartRequest adds quantity units of a menu item to the owner's cart.
type AddToCartRequest struct {
	shop.Owner
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

// UpdateCartRequest sets the quantity of one cart row.
type UpdateCartRequest struct {
	shop.Owner
	CartItemID string `json:"cart_item_id"`
	Quantity   int    `json:"quantity"`
}

type cartItemRequest struct {
	shop.Owner
	CartItemID string `json:"cart_item_id"`
}

// CartSummary is the owner's cart after a cart saga.
type CartSummary struct {
	Items     []shop.CartItem `json:"items"`
	ItemCount int             `json:"item_count"`
	Total     int64           `json:"total"`
}

type cartLine struct {
	MenuItemID string `json:"menu_item_id"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unit_price"`
	Quantity   int    `json:"quantity"`
}

type upsertInput struct {
	shop.Owner
	cartLine
}

type cartChange struct {
	CartItemID string `json:"cart_item_id"`
	Quantity   int    `json:"quantity"`
}

// cartUndo restores a cart row: a created row is deleted, otherwise its
// previous quantity is put back.
type cartUndo struct {
	CartItemID       string `json:"cart_item_id"`
	Created          bool   `json:"created"`
	PreviousQuantity int    `json:"previous_quantity"`
}

type cartSnapshot struct {
	Items []shop.CartItem `json:"items"`
}

func (s *Service) AddToCart(ctx context.Context, req AddToCartRequest) (*Run[CartSummary], error) {
	return execute[CartSummary](ctx, s, CartAdd, req)
}

func (s *Service) UpdateCartItem(ctx context.Context, req UpdateCartRequest) (*Run[CartSummary], error) {
	return execute[CartSummary](ctx, s, CartUpdate, req)
}

func (s *Service) RemoveFromCart(ctx context.Context, owner shop.Owner, cartItemID string) (*Run[CartSummary], error) {
	return execute[CartSummary](ctx, s, CartRemove, cartItemRequest{Owner: owner, CartItemID: cartItemID})
}

func (s *Service) ClearCart(ctx context.Context, owner shop.Owner) (*Run[CartSummary], error) {
	return execute[CartSummary](ctx, s, CartClear, owner)
}

func (s *Service) cartAdd() *saga.Orchestrator {
	return s.newSaga(CartAdd).
		AddStep("validate_item", saga.Action(s.validateCartItem), saga.NoCompensation, nil).
		AddStep("upsert_cart_item", saga.ActionWithUndo(s.upsertCartItem), saga.Undo(s.undoCartChange), nil,
			saga.DependsOn("validate_item")).
		AddStep("summarize_cart", saga.Action(s.summarizeCart), saga.NoCompensation, nil)
}

func (s *Service) cartUpdate() *saga.Orchestrator {
	return s.newSaga(CartUpdate).
		AddStep("validate_update", saga.Action(s.validateCartUpdate), saga.NoCompensation, nil).
		AddStep("set_quantity", saga.ActionWithUndo(s.setCartQuantity), saga.Undo(s.undoCartChange), nil,
			saga.DependsOn("validate_update")).
		AddStep("summarize_cart", saga.Action(s.summarizeCart), saga.NoCompensation, nil)
}

func (s *Service) cartRemove() *saga.Orchestrator {
	return s.newSaga(CartRemove).
		AddStep("load_cart_item", saga.Action(s.loadOwnedCartItem), saga.NoCompensation, nil).
		AddStep("delete_cart_item", saga.Action(s.deleteCartItem), saga.Undo(s.restoreCartSnapshot), nil,
			saga.DependsOn("load_cart_item")).
		AddStep("summarize_cart", saga.Action(s.summarizeCart), saga.NoCompensation, nil)
}

func (s *Service) cartClear() *saga.Orchestrator {
	return s.newSaga(CartClear).
		AddStep("snapshot_cart", saga.Action(s.snapshotCart), saga.NoCompensation, nil).
		AddStep("clear_cart", saga.Action(s.clearCart), saga.Undo(s.restoreCartSnapshot), nil,
			saga.DependsOn("snapshot_cart")).
		AddStep("summarize_cart", saga.Action(s.summarizeCart), saga.NoCompensation, nil)
}

func (s *Service) capQuantity(n int) int {
	return min(n, s.maxQuantity)
}

func (s *Service) validateCartItem(ctx context.Context, req AddToCartRequest) (cartLine, error) {
	if !req.Owner.Valid() {
		return cartLine{}, invalid("user_id or session_id is required")
	}
	if req.Quantity <= 0 {
		return cartLine{}, ErrInvalidQuantity
	}
	item, err := s.store.GetMenuItem(ctx, req.MenuItemID)
	if err != nil {
		return cartLine{}, lookup(err, ErrMenuItemNotFound)
	}
	if !item.Available {
		return cartLine{}, fmt.Errorf("%w: %s", ErrMenuItemUnavailable, item.Name)
	}
	return cartLine{MenuItemID: item.ID, Name: item.Name, UnitPrice: item.Price, Quantity: req.Quantity}, nil
}

func (s *Service) upsertCartItem(ctx context.Context, in upsertInput) (cartChange, cartUndo, error) {
	existing, err := s.store.FindCartItem(ctx, in.Owner, in.MenuItemID)
	switch {
	case err == nil:
		qty := s.capQuantity(existing.Quantity + in.Quantity)
		if err := s.store.SetCartQuantity(ctx, existing.ID, qty); err != nil {
			return cartChange{}, cartUndo{}, err
		}
		return cartChange{CartItemID: existing.ID, Quantity: qty},
			cartUndo{CartItemID: existing.ID, PreviousQuantity: existing.Quantity}, nil
	case errors.Is(err, shop.ErrNotFound):
		row := shop.CartItem{
			UserID:     in.UserID,
			SessionID:  in.SessionID,
			MenuItemID: in.MenuItemID,
			Name:       in.Name,
			Quantity:   s.capQuantity(in.Quantity),
			UnitPrice:  in.UnitPrice,
		}
		if err := s.store.InsertCartItem(ctx, &row); err != nil {
			return cartChange{}, cartUndo{}, err
		}
		return cartChange{CartItemID: row.ID, Quantity: row.Quantity},
			cartUndo{CartItemID: row.ID, Created: true}, nil
	default:
		return cartChange{}, cartUndo{}, err
	}
}

func (s *Service) undoCartChange(ctx context.Context, u cartUndo) error {
	if u.Created {
		err := s.store.DeleteCartItem(ctx, u.CartItemID)
		if errors.Is(err, shop.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.store.SetCartQuantity(ctx, u.CartItemID, u.PreviousQuantity)
}

func (s *Service) ownedCartItem(ctx context.Context, owner shop.Owner, id string) (*shop.CartItem, error) {
	if !owner.Valid() {
		return nil, invalid("user_id or session_id is required")
	}
	item, err := s.store.GetCartItem(ctx, id)
	if err != nil {
		return nil, lookup(err, ErrCartItemNotFound)
	}
	if !owner.Owns(item.UserID, item.SessionID) {
		return nil, fmt.Errorf("cart item %s: %w", id, ErrForbidden)
	}
	return item, nil
}

func (s *Service) validateCartUpdate(ctx context.Context, req UpdateCartRequest) (cartUndo, error) {
	if req.Quantity <= 0 {
		return cartUndo{}, ErrInvalidQuantity
	}
	item, err := s.ownedCartItem(ctx, req.Owner, req.CartItemID)
	if err != nil {
		return cartUndo{}, err
	}
	return cartUndo{CartItemID: item.ID, PreviousQuantity: item.Quantity}, nil
}

type quantityInput struct {
	cartUndo
	Quantity int `json:"quantity"`
}

func (s *Service) setCartQuantity(ctx context.Context, in quantityInput) (cartChange, cartUndo, error) {
	qty := s.capQuantity(in.Quantity)
	if err := s.store.SetCartQuantity(ctx, in.CartItemID, qty); err != nil {
		return cartChange{}, cartUndo{}, err
	}
	return cartChange{CartItemID: in.CartItemID, Quantity: qty}, in.cartUndo, nil
}

func (s *Service) loadOwnedCartItem(ctx context.Context, req cartItemRequest) (cartSnapshot, error) {
	item, err := s.ownedCartItem(ctx, req.Owner, req.CartItemID)
	if err != nil {
		return cartSnapshot{}, err
	}
	return cartSnapshot{Items: []shop.CartItem{*item}}, nil
}

func (s *Service) deleteCartItem(ctx context.Context, snap cartSnapshot) (cartSnapshot, error) {
	for _, item := range snap.Items {
		if err := s.store.DeleteCartItem(ctx, item.ID); err != nil {
			return cartSnapshot{}, err
		}
	}
	return snap, nil
}

func (s *Service) snapshotCart(ctx context.Context, owner shop.Owner) (cartSnapshot, error) {
	if !owner.Valid() {
		return cartSnapshot{}, invalid("user_id or session_id is required")
	}
	items, err := s.store.ListCart(ctx, owner)
	if err != nil {
		return cartSnapshot{}, err
	}
	return cartSnapshot{Items: items}, nil
}

type clearInput struct {
	shop.Owner
	cartSnapshot
}

func (s *Service) clearCart(ctx context.Context, in clearInput) (cartSnapshot, error) {
	if err := s.store.ClearCart(ctx, in.Owner); err != nil {
		return cartSnapshot{}, err
	}
	return in.cartSnapshot, nil
}

func (s *Service) restoreCartSnapshot(ctx context.Context, snap cartSnapshot) error {
	return s.store.RestoreCart(ctx, snap.Items)
}

func (s *Service) summarizeCart(ctx context.Context, owner shop.Owner) (CartSummary, error) {
	items, err := s.store.ListCart(ctx, owner)
	if err != nil {
		return CartSummary{}, err
	}
	out := CartSummary{Items: items}
	for _, item := range items {
		out.ItemCount += item.Quantity
		out.Total += item.UnitPrice * int64(item.Quantity)
	}
	return out, nil
}
