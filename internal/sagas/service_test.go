package sagas

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc      *Service
	store    *shop.MemoryStore
	log      *saga.MemoryLog
	registry *saga.Registry
	pizza    *shop.MenuItem
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := shop.NewMemoryStore()
	log := saga.NewMemoryLog()
	reg := saga.NewRegistry()
	svc, err := New(store, log, reg, opts...)
	require.NoError(t, err)

	ctx := context.Background()
	cat := &shop.MenuCategory{Name: "Mains"}
	require.NoError(t, store.CreateCategory(ctx, cat))
	pizza := &shop.MenuItem{CategoryID: cat.ID, Name: "Pizza", Price: 100, Available: true}
	require.NoError(t, store.CreateMenuItem(ctx, pizza))

	return &fixture{svc: svc, store: store, log: log, registry: reg, pizza: pizza}
}

func (f *fixture) instance(t *testing.T, logID int64) *saga.Instance {
	t.Helper()
	inst, err := f.log.GetSagaLog(context.Background(), logID)
	require.NoError(t, err)
	return inst
}

func (f *fixture) lastInstance(t *testing.T) *saga.Instance {
	t.Helper()
	page, err := f.log.ListSagas(context.Background(), saga.Filter{Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	return f.instance(t, page.Items[0].LogID)
}

// cartRows reduces a cart to row id -> quantity; timestamps lose their
// monotonic reading once they pass through the log.
func cartRows(items []shop.CartItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.ID] = item.Quantity
	}
	return out
}

type decliningGateway struct {
	charges int
	refunds int
}

func (g *decliningGateway) Charge(context.Context, string, int64, string) (string, error) {
	g.charges++
	return "", errors.New("card declined")
}

func (g *decliningGateway) Refund(context.Context, string, int64) error {
	g.refunds++
	return nil
}

func TestNewRegistersEveryDefinition(t *testing.T) {
	f := newFixture(t)

	types := f.registry.SagaTypes()
	sort.Strings(types)
	assert.Equal(t, []string{
		AuthRegister, AuthUpdateProfile,
		CartAdd, CartClear, CartRemove, CartUpdate,
		MenuCategoryNew, MenuItemCreate, MenuItemDelete, MenuItemToggle, MenuItemUpdate,
		OrderCancellation, OrderCreation,
		PromotionCreate, PromotionDelete, PromotionToggle, PromotionUpdate,
	}, types)

	_, err := f.registry.Compensation(OrderCreation, "reserve_inventory")
	require.NoError(t, err)
	_, err = f.registry.Compensation(OrderCreation, "validate_order")
	assert.ErrorIs(t, err, saga.ErrNoCompensation)

	_, err = New(f.store, f.log, f.registry)
	assert.Error(t, err, "definitions cannot be registered twice")
}

func TestDefinitionsRenderAsGraphs(t *testing.T) {
	f := newFixture(t)
	for _, sagaType := range f.registry.SagaTypes() {
		def, err := f.svc.Definition(sagaType)
		require.NoError(t, err)
		g, err := def.Graph()
		require.NoError(t, err, sagaType)
		dot, err := g.ExportToDot(sagaType)
		require.NoError(t, err)
		assert.Contains(t, dot, sagaType)
	}
}
