// Package sagas defines the food-ordering workflows (orders, carts, menu,
// promotions and accounts) as sagas over the shop repositories.
package sagas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
	"github.com/rs/zerolog"
)

// Saga type names, as persisted in the durable log.
const (
	OrderCreation     = "order_creation"
	OrderCancellation = "order_cancellation"
	CartAdd           = "cart_add"
	CartUpdate        = "cart_update"
	CartRemove        = "cart_remove"
	CartClear         = "cart_clear"
	MenuCategoryNew   = "menu_category_create"
	MenuItemCreate    = "menu_item_create"
	MenuItemUpdate    = "menu_item_update"
	MenuItemDelete    = "menu_item_delete"
	MenuItemToggle    = "menu_item_toggle"
	PromotionCreate   = "promotion_create"
	PromotionUpdate   = "promotion_update"
	PromotionDelete   = "promotion_delete"
	PromotionToggle   = "promotion_toggle"
	AuthRegister      = "auth_register"
	AuthUpdateProfile = "auth_update_profile"
)

const defaultMaxQuantity = 99

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithObserver(obs saga.Observer) Option {
	return func(s *Service) {
		s.observer = obs
	}
}

func WithGateway(g PaymentGateway) Option {
	return func(s *Service) {
		if g != nil {
			s.gateway = g
		}
	}
}

// WithMaxQuantity caps the quantity of a single cart row.
func WithMaxQuantity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQuantity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service runs the application's sagas. Every saga type has a definition
// factory registered in the registry, so failed instances can be retried
// and compensated from the log alone.
type Service struct {
	store       shop.Store
	log         saga.Log
	registry    *saga.Registry
	logger      zerolog.Logger
	observer    saga.Observer
	gateway     PaymentGateway
	maxQuantity int
	now         func() time.Time
}

// New builds a Service and registers every saga definition in registry.
func New(store shop.Store, log saga.Log, registry *saga.Registry, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		log:         log,
		registry:    registry,
		logger:      zerolog.Nop(),
		gateway:     SimulatedGateway{},
		maxQuantity: defaultMaxQuantity,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	factories := map[string]saga.Factory{
		OrderCreation:     s.orderCreation,
		OrderCancellation: s.orderCancellation,
		CartAdd:           s.cartAdd,
		CartUpdate:        s.cartUpdate,
		CartRemove:        s.cartRemove,
		CartClear:         s.cartClear,
		MenuCategoryNew:   s.menuCategoryCreate,
		MenuItemCreate:    s.menuItemCreate,
		MenuItemUpdate:    s.menuItemUpdate,
		MenuItemDelete:    s.menuItemDelete,
		MenuItemToggle:    s.menuItemToggle,
		PromotionCreate:   s.promotionCreate,
		PromotionUpdate:   s.promotionUpdate,
		PromotionDelete:   s.promotionDelete,
		PromotionToggle:   s.promotionToggle,
		AuthRegister:      s.authRegister,
		AuthUpdateProfile: s.authUpdateProfile,
	}
	for sagaType, factory := range factories {
		if err := registry.RegisterDefinition(sagaType, factory); err != nil {
			return nil, err
		}
		// Seal once up front so compensations are resolvable before the
		// first run of the type.
		if err := factory().Seal(); err != nil {
			return nil, fmt.Errorf("definition %s: %w", sagaType, err)
		}
	}
	return s, nil
}

// Definition returns a fresh, unsealed definition for a saga type.
func (s *Service) Definition(sagaType string) (*saga.Orchestrator, error) {
	return s.registry.Definition(sagaType)
}

func (s *Service) newSaga(sagaType string) *saga.Orchestrator {
	return saga.New(sagaType, s.log,
		saga.WithLogger(s.logger),
		saga.WithObserver(s.observer),
		saga.WithRegistry(s.registry),
	)
}

// Run is the typed result of one saga execution.
type Run[T any] struct {
	LogID  int64  `json:"log_id"`
	SagaID string `json:"saga_id"`
	Value  T      `json:"value"`
}

func execute[T any](ctx context.Context, s *Service, sagaType string, req any) (*Run[T], error) {
	def, err := s.registry.Definition(sagaType)
	if err != nil {
		return nil, err
	}
	return executeDefinition[T](ctx, def, req)
}

func executeDefinition[T any](ctx context.Context, def *saga.Orchestrator, req any) (*Run[T], error) {
	initial, err := saga.ToData(req)
	if err != nil {
		return nil, err
	}
	res, err := def.Execute(ctx, "", initial)
	if err != nil {
		return nil, err
	}
	run := &Run[T]{LogID: res.LogID, SagaID: res.SagaID}
	if err := saga.Decode(res.Data, &run.Value); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", def.SagaType(), err)
	}
	return run, nil
}

// lookup maps a repository miss onto a domain error.
func lookup(err, notFound error) error {
	if errors.Is(err, shop.ErrNotFound) {
		return fmt.Errorf("%w: %v", notFound, err)
	}
	return err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
