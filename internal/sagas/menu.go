package sagas

import (
	"context"
	"errors"
	"strings"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
)

type CategoryRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

type MenuItemRequest struct {
	CategoryID  string `json:"category_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	Available   *bool  `json:"available,omitempty"`
}

// MenuItemPatch changes the fields that are set.
type MenuItemPatch struct {
	CategoryID  *string `json:"category_id,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Price       *int64  `json:"price,omitempty"`
	Available   *bool   `json:"available,omitempty"`
}

type menuItemRef struct {
	ID string `json:"id"`
}

type menuItemPatchRequest struct {
	ID string `json:"id"`
	MenuItemPatch
}

// menuItemState is a menu item as it was before a saga changed it.
type menuItemState struct {
	Previous shop.MenuItem `json:"previous"`
}

type menuItemUpdateInput struct {
	menuItemState
	MenuItemPatch
}

type menuCategoryUndo struct {
	CategoryID string `json:"category_id"`
}

func (s *Service) CreateCategory(ctx context.Context, req CategoryRequest) (*Run[shop.MenuCategory], error) {
	return execute[shop.MenuCategory](ctx, s, MenuCategoryNew, req)
}

func (s *Service) CreateMenuItem(ctx context.Context, req MenuItemRequest) (*Run[shop.MenuItem], error) {
	return execute[shop.MenuItem](ctx, s, MenuItemCreate, req)
}

func (s *Service) UpdateMenuItem(ctx context.Context, id string, patch MenuItemPatch) (*Run[shop.MenuItem], error) {
	return execute[shop.MenuItem](ctx, s, MenuItemUpdate, menuItemPatchRequest{ID: id, MenuItemPatch: patch})
}

func (s *Service) DeleteMenuItem(ctx context.Context, id string) (*Run[shop.MenuItem], error) {
	return execute[shop.MenuItem](ctx, s, MenuItemDelete, menuItemRef{ID: id})
}

// ToggleAvailability flips whether a menu item can be ordered.
func (s *Service) ToggleAvailability(ctx context.Context, id string) (*Run[shop.MenuItem], error) {
	return execute[shop.MenuItem](ctx, s, MenuItemToggle, menuItemRef{ID: id})
}

func (s *Service) menuCategoryCreate() *saga.Orchestrator {
	return s.newSaga(MenuCategoryNew).
		AddStep("validate_category", saga.Action(validateCategory), saga.NoCompensation, nil).
		AddStep("create_category", saga.ActionWithUndo(s.createCategory), saga.Undo(s.deleteCategory), nil)
}

func (s *Service) menuItemCreate() *saga.Orchestrator {
	return s.newSaga(MenuItemCreate).
		AddStep("validate_menu_item", saga.Action(s.validateMenuItem), saga.NoCompensation, nil).
		AddStep("create_menu_item", saga.ActionWithUndo(s.createMenuItem), saga.Undo(s.removeMenuItem), nil)
}

func (s *Service) menuItemUpdate() *saga.Orchestrator {
	return s.newSaga(MenuItemUpdate).
		AddStep("load_menu_item", saga.Action(s.loadMenuItem), saga.NoCompensation, nil).
		AddStep("update_menu_item", saga.ActionWithUndo(s.updateMenuItem), saga.Undo(s.restoreMenuItem), nil,
			saga.DependsOn("load_menu_item"))
}

func (s *Service) menuItemDelete() *saga.Orchestrator {
	return s.newSaga(MenuItemDelete).
		AddStep("load_menu_item", saga.Action(s.loadMenuItem), saga.NoCompensation, nil).
		AddStep("delete_menu_item", saga.ActionWithUndo(s.deleteMenuItem), saga.Undo(s.recreateMenuItem), nil,
			saga.DependsOn("load_menu_item"))
}

func (s *Service) menuItemToggle() *saga.Orchestrator {
	return s.newSaga(MenuItemToggle).
		AddStep("load_menu_item", saga.Action(s.loadMenuItem), saga.NoCompensation, nil).
		AddStep("toggle_availability", saga.ActionWithUndo(s.toggleMenuItem), saga.Undo(s.restoreMenuItem), nil,
			saga.DependsOn("load_menu_item"))
}

func validateCategory(_ context.Context, req CategoryRequest) (CategoryRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return CategoryRequest{}, invalid("category name is required")
	}
	return req, nil
}

func (s *Service) createCategory(ctx context.Context, req CategoryRequest) (shop.MenuCategory, menuCategoryUndo, error) {
	c := shop.MenuCategory{Name: strings.TrimSpace(req.Name), Description: req.Description, SortOrder: req.SortOrder}
	if err := s.store.CreateCategory(ctx, &c); err != nil {
		return shop.MenuCategory{}, menuCategoryUndo{}, err
	}
	return c, menuCategoryUndo{CategoryID: c.ID}, nil
}

func (s *Service) deleteCategory(ctx context.Context, u menuCategoryUndo) error {
	return ignoreNotFound(s.store.DeleteCategory(ctx, u.CategoryID))
}

func checkMenuItem(item shop.MenuItem) error {
	switch {
	case strings.TrimSpace(item.Name) == "":
		return invalid("menu item name is required")
	case item.Price <= 0:
		return invalid("menu item price must be positive")
	case item.CategoryID == "":
		return invalid("category_id is required")
	}
	return nil
}

func (s *Service) validateMenuItem(ctx context.Context, req MenuItemRequest) (MenuItemRequest, error) {
	if err := checkMenuItem(shop.MenuItem{Name: req.Name, Price: req.Price, CategoryID: req.CategoryID}); err != nil {
		return MenuItemRequest{}, err
	}
	if _, err := s.store.GetCategory(ctx, req.CategoryID); err != nil {
		return MenuItemRequest{}, lookup(err, ErrCategoryNotFound)
	}
	return req, nil
}

func (s *Service) createMenuItem(ctx context.Context, req MenuItemRequest) (shop.MenuItem, menuItemRef, error) {
	item := shop.MenuItem{
		CategoryID:  req.CategoryID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Price:       req.Price,
		Available:   req.Available == nil || *req.Available,
	}
	if err := s.store.CreateMenuItem(ctx, &item); err != nil {
		return shop.MenuItem{}, menuItemRef{}, err
	}
	return item, menuItemRef{ID: item.ID}, nil
}

func (s *Service) removeMenuItem(ctx context.Context, ref menuItemRef) error {
	return ignoreNotFound(s.store.DeleteMenuItem(ctx, ref.ID))
}

func (s *Service) loadMenuItem(ctx context.Context, ref menuItemRef) (menuItemState, error) {
	item, err := s.store.GetMenuItem(ctx, ref.ID)
	if err != nil {
		return menuItemState{}, lookup(err, ErrMenuItemNotFound)
	}
	return menuItemState{Previous: *item}, nil
}

func (s *Service) updateMenuItem(ctx context.Context, in menuItemUpdateInput) (shop.MenuItem, menuItemState, error) {
	item := in.Previous
	p := in.MenuItemPatch
	if p.CategoryID != nil {
		if _, err := s.store.GetCategory(ctx, *p.CategoryID); err != nil {
			return shop.MenuItem{}, menuItemState{}, lookup(err, ErrCategoryNotFound)
		}
		item.CategoryID = *p.CategoryID
	}
	if p.Name != nil {
		item.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		item.Description = *p.Description
	}
	if p.Price != nil {
		item.Price = *p.Price
	}
	if p.Available != nil {
		item.Available = *p.Available
	}
	if err := checkMenuItem(item); err != nil {
		return shop.MenuItem{}, menuItemState{}, err
	}
	if err := s.store.UpdateMenuItem(ctx, &item); err != nil {
		return shop.MenuItem{}, menuItemState{}, err
	}
	return item, in.menuItemState, nil
}

func (s *Service) restoreMenuItem(ctx context.Context, st menuItemState) error {
	return s.store.UpdateMenuItem(ctx, &st.Previous)
}

func (s *Service) deleteMenuItem(ctx context.Context, st menuItemState) (shop.MenuItem, menuItemState, error) {
	if err := s.store.DeleteMenuItem(ctx, st.Previous.ID); err != nil {
		return shop.MenuItem{}, menuItemState{}, err
	}
	return st.Previous, st, nil
}

func (s *Service) recreateMenuItem(ctx context.Context, st menuItemState) error {
	err := s.store.CreateMenuItem(ctx, &st.Previous)
	if errors.Is(err, shop.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) toggleMenuItem(ctx context.Context, st menuItemState) (shop.MenuItem, menuItemState, error) {
	item := st.Previous
	item.Available = !item.Available
	if err := s.store.UpdateMenuItem(ctx, &item); err != nil {
		return shop.MenuItem{}, menuItemState{}, err
	}
	return item, st, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, shop.ErrNotFound) {
		return nil
	}
	return err
}
