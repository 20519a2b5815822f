package sagas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
)

type PromotionRequest struct {
	Code           string             `json:"code"`
	Description    string             `json:"description,omitempty"`
	Type           shop.PromotionType `json:"type"`
	Value          int64              `json:"value"`
	MinOrderAmount int64              `json:"min_order_amount"`
	UsageLimit     int                `json:"usage_limit"`
	Active         *bool              `json:"active,omitempty"`
	StartsAt       *time.Time         `json:"starts_at,omitempty"`
	EndsAt         *time.Time         `json:"ends_at,omitempty"`
}

// PromotionPatch changes the fields that are set.
type PromotionPatch struct {
	Code           *string             `json:"code,omitempty"`
	Description    *string             `json:"description,omitempty"`
	Type           *shop.PromotionType `json:"type,omitempty"`
	Value          *int64              `json:"value,omitempty"`
	MinOrderAmount *int64              `json:"min_order_amount,omitempty"`
	UsageLimit     *int                `json:"usage_limit,omitempty"`
	Active         *bool               `json:"active,omitempty"`
	StartsAt       *time.Time          `json:"starts_at,omitempty"`
	EndsAt         *time.Time          `json:"ends_at,omitempty"`
}

type promotionRef struct {
	ID string `json:"id"`
}

type promotionPatchRequest struct {
	ID string `json:"id"`
	PromotionPatch
}

type promotionState struct {
	Previous shop.Promotion `json:"previous"`
}

type promotionUpdateInput struct {
	promotionState
	PromotionPatch
}

func (s *Service) CreatePromotion(ctx context.Context, req PromotionRequest) (*Run[shop.Promotion], error) {
	return execute[shop.Promotion](ctx, s, PromotionCreate, req)
}

func (s *Service) UpdatePromotion(ctx context.Context, id string, patch PromotionPatch) (*Run[shop.Promotion], error) {
	return execute[shop.Promotion](ctx, s, PromotionUpdate, promotionPatchRequest{ID: id, PromotionPatch: patch})
}

func (s *Service) DeletePromotion(ctx context.Context, id string) (*Run[shop.Promotion], error) {
	return execute[shop.Promotion](ctx, s, PromotionDelete, promotionRef{ID: id})
}

// ToggleStatus flips whether a promotion can be applied.
func (s *Service) ToggleStatus(ctx context.Context, id string) (*Run[shop.Promotion], error) {
	return execute[shop.Promotion](ctx, s, PromotionToggle, promotionRef{ID: id})
}

func (s *Service) promotionCreate() *saga.Orchestrator {
	return s.newSaga(PromotionCreate).
		AddStep("validate_promotion", saga.Action(s.validatePromotion), saga.NoCompensation, nil).
		AddStep("create_promotion", saga.ActionWithUndo(s.createPromotion), saga.Undo(s.removePromotion), nil,
			saga.DependsOn("validate_promotion"))
}

func (s *Service) promotionUpdate() *saga.Orchestrator {
	return s.newSaga(PromotionUpdate).
		AddStep("load_promotion", saga.Action(s.loadPromotion), saga.NoCompensation, nil).
		AddStep("update_promotion", saga.ActionWithUndo(s.updatePromotion), saga.Undo(s.restorePromotion), nil,
			saga.DependsOn("load_promotion"))
}

func (s *Service) promotionDelete() *saga.Orchestrator {
	return s.newSaga(PromotionDelete).
		AddStep("load_promotion", saga.Action(s.loadPromotion), saga.NoCompensation, nil).
		AddStep("delete_promotion", saga.ActionWithUndo(s.deletePromotion), saga.Undo(s.recreatePromotion), nil,
			saga.DependsOn("load_promotion"))
}

func (s *Service) promotionToggle() *saga.Orchestrator {
	return s.newSaga(PromotionToggle).
		AddStep("load_promotion", saga.Action(s.loadPromotion), saga.NoCompensation, nil).
		AddStep("toggle_promotion", saga.ActionWithUndo(s.togglePromotion), saga.Undo(s.restorePromotion), nil,
			saga.DependsOn("load_promotion"))
}

func checkPromotion(p shop.Promotion) error {
	switch {
	case p.Code == "":
		return invalid("promotion code is required")
	case p.Type != shop.PromotionPercentage && p.Type != shop.PromotionFixed:
		return invalid("promotion type must be %q or %q", shop.PromotionPercentage, shop.PromotionFixed)
	case p.Value <= 0:
		return invalid("promotion value must be positive")
	case p.Type == shop.PromotionPercentage && p.Value > 100:
		return invalid("percentage promotions cannot exceed 100")
	case p.MinOrderAmount < 0:
		return invalid("min_order_amount cannot be negative")
	case p.UsageLimit < 0:
		return invalid("usage_limit cannot be negative")
	case p.StartsAt != nil && p.EndsAt != nil && !p.EndsAt.After(*p.StartsAt):
		return invalid("ends_at must be after starts_at")
	}
	return nil
}

// codeFree fails when another promotion already uses code.
func (s *Service) codeFree(ctx context.Context, code, selfID string) error {
	existing, err := s.store.GetPromotionByCode(ctx, code)
	switch {
	case errors.Is(err, shop.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != selfID:
		return fmt.Errorf("%w: %s", ErrPromotionCodeTaken, code)
	}
	return nil
}

func (req PromotionRequest) promotion() shop.Promotion {
	return shop.Promotion{
		Code:           strings.ToUpper(strings.TrimSpace(req.Code)),
		Description:    req.Description,
		Type:           req.Type,
		Value:          req.Value,
		MinOrderAmount: req.MinOrderAmount,
		UsageLimit:     req.UsageLimit,
		Active:         req.Active == nil || *req.Active,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
	}
}

func (s *Service) validatePromotion(ctx context.Context, req PromotionRequest) (shop.Promotion, error) {
	p := req.promotion()
	if err := checkPromotion(p); err != nil {
		return shop.Promotion{}, err
	}
	if err := s.codeFree(ctx, p.Code, ""); err != nil {
		return shop.Promotion{}, err
	}
	return p, nil
}

func (s *Service) createPromotion(ctx context.Context, p shop.Promotion) (shop.Promotion, promotionRef, error) {
	p.ID = ""
	if err := s.store.CreatePromotion(ctx, &p); err != nil {
		if errors.Is(err, shop.ErrConflict) {
			return shop.Promotion{}, promotionRef{}, fmt.Errorf("%w: %s", ErrPromotionCodeTaken, p.Code)
		}
		return shop.Promotion{}, promotionRef{}, err
	}
	return p, promotionRef{ID: p.ID}, nil
}

func (s *Service) removePromotion(ctx context.Context, ref promotionRef) error {
	return ignoreNotFound(s.store.DeletePromotion(ctx, ref.ID))
}

func (s *Service) loadPromotion(ctx context.Context, ref promotionRef) (promotionState, error) {
	p, err := s.store.GetPromotion(ctx, ref.ID)
	if err != nil {
		return promotionState{}, lookup(err, ErrPromotionNotFound)
	}
	return promotionState{Previous: *p}, nil
}

func (s *Service) updatePromotion(ctx context.Context, in promotionUpdateInput) (shop.Promotion, promotionState, error) {
	p := in.Previous
	patch := in.PromotionPatch
	if patch.Code != nil {
		p.Code = strings.ToUpper(strings.TrimSpace(*patch.Code))
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Type != nil {
		p.Type = *patch.Type
	}
	if patch.Value != nil {
		p.Value = *patch.Value
	}
	if patch.MinOrderAmount != nil {
		p.MinOrderAmount = *patch.MinOrderAmount
	}
	if patch.UsageLimit != nil {
		p.UsageLimit = *patch.UsageLimit
	}
	if patch.Active != nil {
		p.Active = *patch.Active
	}
	if patch.StartsAt != nil {
		p.StartsAt = patch.StartsAt
	}
	if patch.EndsAt != nil {
		p.EndsAt = patch.EndsAt
	}
	if err := checkPromotion(p); err != nil {
		return shop.Promotion{}, promotionState{}, err
	}
	if err := s.codeFree(ctx, p.Code, p.ID); err != nil {
		return shop.Promotion{}, promotionState{}, err
	}
	if err := s.store.UpdatePromotion(ctx, &p); err != nil {
		return shop.Promotion{}, promotionState{}, err
	}
	return p, in.promotionState, nil
}

// restorePromotion puts back the previous definition but keeps the usage
// count, which orders may have moved in the meantime.
func (s *Service) restorePromotion(ctx context.Context, st promotionState) error {
	current, err := s.store.GetPromotion(ctx, st.Previous.ID)
	if err != nil {
		return err
	}
	prev := st.Previous
	prev.UsageCount = current.UsageCount
	return s.store.UpdatePromotion(ctx, &prev)
}

func (s *Service) deletePromotion(ctx context.Context, st promotionState) (shop.Promotion, promotionState, error) {
	if err := s.store.DeletePromotion(ctx, st.Previous.ID); err != nil {
		return shop.Promotion{}, promotionState{}, err
	}
	return st.Previous, st, nil
}

func (s *Service) recreatePromotion(ctx context.Context, st promotionState) error {
	err := s.store.CreatePromotion(ctx, &st.Previous)
	if errors.Is(err, shop.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service) togglePromotion(ctx context.Context, st promotionState) (shop.Promotion, promotionState, error) {
	p := st.Previous
	p.Active = !p.Active
	if err := s.store.UpdatePromotion(ctx, &p); err != nil {
		return shop.Promotion{}, promotionState{}, err
	}
	return p, st, nil
}
