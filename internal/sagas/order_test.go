package sagas

import (
	"context"
	"testing"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderSagaHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 2})
	require.NoError(t, err)

	run, err := f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice, DeliveryAddress: "1 Main St"})
	require.NoError(t, err)

	order := run.Value
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, shop.OrderPending, order.Status)
	assert.Equal(t, int64(200), order.Subtotal)
	assert.Equal(t, int64(200), order.TotalAmount)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 2, order.Items[0].Quantity)

	cart, err := f.store.ListCart(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, cart)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", stored.DeliveryAddress)

	payment, err := f.store.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, shop.PaymentPaid, payment.Status)
	assert.Equal(t, int64(200), payment.Amount)

	inst := f.instance(t, run.LogID)
	assert.Equal(t, saga.SagaCompleted, inst.State)
	assert.Len(t, inst.Steps, 5)
}

func TestOrderSagaAppliesPromotion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	promo := &shop.Promotion{Code: "TENOFF", Type: shop.PromotionPercentage, Value: 10, Active: true}
	require.NoError(t, f.store.CreatePromotion(ctx, promo))
	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 5})
	require.NoError(t, err)

	run, err := f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice, PromotionCode: "tenoff"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), run.Value.Subtotal)
	assert.Equal(t, int64(50), run.Value.Discount)
	assert.Equal(t, int64(450), run.Value.TotalAmount)
	assert.Equal(t, promo.ID, run.Value.PromotionID)

	got, err := f.store.GetPromotion(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
}

func TestOrderSagaPaymentFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	gw := &decliningGateway{}
	f := newFixture(t, WithGateway(gw))
	alice := shop.Owner{UserID: "alice"}

	promo := &shop.Promotion{Code: "FIVE", Type: shop.PromotionFixed, Value: 5, Active: true}
	require.NoError(t, f.store.CreatePromotion(ctx, promo))
	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 2})
	require.NoError(t, err)
	before, err := f.store.ListCart(ctx, alice)
	require.NoError(t, err)

	_, err = f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice, PromotionCode: "FIVE"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "process_payment", stepErr.Step)
	assert.Equal(t, 1, gw.charges)

	assert.Empty(t, f.store.Orders(), "the order must be deleted")

	after, err := f.store.ListCart(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, cartRows(before), cartRows(after), "the cart must be restored")

	got, err := f.store.GetPromotion(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsageCount)

	inst := f.lastInstance(t)
	assert.Equal(t, OrderCreation, inst.SagaType)
	assert.Equal(t, saga.SagaCompensated, inst.State)
	for _, step := range inst.Steps {
		switch step.StepName {
		case "process_payment":
			assert.Equal(t, saga.StepFailed, step.State)
		case "validate_order":
			assert.Equal(t, saga.StepCompleted, step.State, "nothing to undo")
		default:
			assert.Equal(t, saga.StepCompensated, step.State, step.StepName)
		}
	}
}

func TestOrderSagaValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	_, err := f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice})
	assert.ErrorIs(t, err, ErrCartEmpty)

	_, err = f.svc.ExecuteOrderSaga(ctx, OrderRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 1})
	require.NoError(t, err)
	_, err = f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice, PromotionCode: "NOPE"})
	assert.ErrorIs(t, err, ErrPromotionInvalid)

	f.pizza.Available = false
	require.NoError(t, f.store.UpdateMenuItem(ctx, f.pizza))
	_, err = f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice})
	assert.ErrorIs(t, err, ErrMenuItemUnavailable)

	cart, err := f.store.ListCart(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, cart, 1, "a rejected order leaves the cart alone")
}

func TestCancelSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := shop.Owner{UserID: "alice"}

	promo := &shop.Promotion{Code: "FIVE", Type: shop.PromotionFixed, Value: 5, Active: true}
	require.NoError(t, f.store.CreatePromotion(ctx, promo))
	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 1})
	require.NoError(t, err)
	placed, err := f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice, PromotionCode: "FIVE"})
	require.NoError(t, err)

	_, err = f.svc.ExecuteCancelSaga(ctx, placed.Value.ID, "mallory", "")
	assert.ErrorIs(t, err, ErrForbidden)

	run, err := f.svc.ExecuteCancelSaga(ctx, placed.Value.ID, "alice", "")
	require.NoError(t, err)
	assert.True(t, run.Value.Refunded)
	assert.Equal(t, "cancelled", run.Value.Status)

	order, err := f.store.GetOrder(ctx, placed.Value.ID)
	require.NoError(t, err)
	assert.Equal(t, shop.OrderCancelled, order.Status)

	payment, err := f.store.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, shop.PaymentRefunded, payment.Status)

	got, err := f.store.GetPromotion(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsageCount)

	_, err = f.svc.ExecuteCancelSaga(ctx, placed.Value.ID, "alice", "")
	assert.ErrorIs(t, err, ErrOrderNotCancellable)

	_, err = f.svc.ExecuteCancelSaga(ctx, "missing", "", "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

type failingRefundGateway struct {
	SimulatedGateway
}

func (failingRefundGateway) Refund(context.Context, string, int64) error {
	return assert.AnError
}

func TestCancelSagaRefundFailureRestoresOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithGateway(failingRefundGateway{}))
	alice := shop.Owner{UserID: "alice"}

	promo := &shop.Promotion{Code: "FIVE", Type: shop.PromotionFixed, Value: 5, Active: true}
	require.NoError(t, f.store.CreatePromotion(ctx, promo))
	_, err := f.svc.AddToCart(ctx, AddToCartRequest{Owner: alice, MenuItemID: f.pizza.ID, Quantity: 1})
	require.NoError(t, err)
	placed, err := f.svc.ExecuteOrderSaga(ctx, OrderRequest{Owner: alice, PromotionCode: "FIVE"})
	require.NoError(t, err)

	_, err = f.svc.ExecuteCancelSaga(ctx, placed.Value.ID, "alice", "")
	require.ErrorIs(t, err, assert.AnError)

	order, err := f.store.GetOrder(ctx, placed.Value.ID)
	require.NoError(t, err)
	assert.Equal(t, shop.OrderPending, order.Status)

	got, err := f.store.GetPromotion(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount, "usage is reclaimed when the cancellation rolls back")
}
