package sagas

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// RegisterRequest creates an account. The password never reaches the log:
// Register hashes it before the saga starts.
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"-"`
}

type registration struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	PasswordHash string `json:"password_hash"`
}

// ProfilePatch changes the fields that are set.
type ProfilePatch struct {
	Email *string `json:"email,omitempty"`
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

type profileRequest struct {
	UserID string `json:"user_id"`
	ProfilePatch
}

// profile is the part of a user the profile saga can change.
type profile struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

type userRef struct {
	UserID string `json:"user_id"`
}

// Register hashes the password with bcrypt and runs the registration saga.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Run[shop.User], error) {
	if len(req.Password) < minPasswordLength {
		return nil, invalid("password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return execute[shop.User](ctx, s, AuthRegister, registration{
		Email:        req.Email,
		Name:         req.Name,
		Phone:        req.Phone,
		PasswordHash: string(hash),
	})
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*Run[shop.User], error) {
	return execute[shop.User](ctx, s, AuthUpdateProfile, profileRequest{UserID: userID, ProfilePatch: patch})
}

func (s *Service) authRegister() *saga.Orchestrator {
	return s.newSaga(AuthRegister).
		AddStep("validate_registration", saga.Action(s.validateRegistration), saga.NoCompensation, nil).
		AddStep("create_user", saga.ActionWithUndo(s.createUser), saga.Undo(s.deleteUser), nil)
}

func (s *Service) authUpdateProfile() *saga.Orchestrator {
	return s.newSaga(AuthUpdateProfile).
		AddStep("load_profile", saga.Action(s.loadProfile), saga.NoCompensation, nil).
		AddStep("update_profile", saga.ActionWithUndo(s.updateProfile), saga.Undo(s.restoreProfile), nil)
}

func normalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", invalid("email %q is not valid", email)
	}
	return strings.ToLower(addr.Address), nil
}

func (s *Service) emailFree(ctx context.Context, email, selfID string) error {
	existing, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, shop.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != selfID:
		return fmt.Errorf("%w: %s", ErrEmailTaken, email)
	}
	return nil
}

func (s *Service) validateRegistration(ctx context.Context, r registration) (registration, error) {
	email, err := normalizeEmail(r.Email)
	if err != nil {
		return registration{}, err
	}
	if strings.TrimSpace(r.Name) == "" {
		return registration{}, invalid("name is required")
	}
	if r.PasswordHash == "" {
		return registration{}, invalid("password is required")
	}
	if err := s.emailFree(ctx, email, ""); err != nil {
		return registration{}, err
	}
	return registration{Email: email, Name: strings.TrimSpace(r.Name), Phone: r.Phone}, nil
}

func (s *Service) createUser(ctx context.Context, r registration) (shop.User, userRef, error) {
	email, err := normalizeEmail(r.Email)
	if err != nil {
		return shop.User{}, userRef{}, err
	}
	u := shop.User{
		Email:        email,
		Name:         strings.TrimSpace(r.Name),
		Phone:        r.Phone,
		PasswordHash: r.PasswordHash,
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		if errors.Is(err, shop.ErrConflict) {
			return shop.User{}, userRef{}, fmt.Errorf("%w: %s", ErrEmailTaken, email)
		}
		return shop.User{}, userRef{}, err
	}
	return u, userRef{UserID: u.ID}, nil
}

func (s *Service) deleteUser(ctx context.Context, ref userRef) error {
	return ignoreNotFound(s.store.DeleteUser(ctx, ref.UserID))
}

func (s *Service) loadProfile(ctx context.Context, ref userRef) (shop.User, error) {
	u, err := s.store.GetUser(ctx, ref.UserID)
	if err != nil {
		return shop.User{}, lookup(err, ErrUserNotFound)
	}
	return *u, nil
}

// updateProfile reads the user again rather than trusting the payload, which
// never carries the password hash.
func (s *Service) updateProfile(ctx context.Context, req profileRequest) (shop.User, profile, error) {
	u, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return shop.User{}, profile{}, lookup(err, ErrUserNotFound)
	}
	before := profile{UserID: u.ID, Email: u.Email, Name: u.Name, Phone: u.Phone}

	if req.Email != nil {
		email, err := normalizeEmail(*req.Email)
		if err != nil {
			return shop.User{}, profile{}, err
		}
		if err := s.emailFree(ctx, email, u.ID); err != nil {
			return shop.User{}, profile{}, err
		}
		u.Email = email
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return shop.User{}, profile{}, invalid("name cannot be empty")
		}
		u.Name = strings.TrimSpace(*req.Name)
	}
	if req.Phone != nil {
		u.Phone = *req.Phone
	}
	if err := s.store.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, shop.ErrConflict) {
			return shop.User{}, profile{}, fmt.Errorf("%w: %s", ErrEmailTaken, u.Email)
		}
		return shop.User{}, profile{}, err
	}
	return *u, before, nil
}

func (s *Service) restoreProfile(ctx context.Context, p profile) error {
	u, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	u.Email, u.Name, u.Phone = p.Email, p.Name, p.Phone
	return s.store.UpdateUser(ctx, u)
}
