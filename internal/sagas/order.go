package sagas

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/shop"
)

// OrderRequest places an order for everything in the owner's cart.
type OrderRequest struct {
	shop.Owner
	PromotionCode   string `json:"promotion_code,omitempty"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
	PaymentMethod   string `json:"payment_method,omitempty"`
}

// PricedCart is the priced cart carried from validation through to order
// creation.
type PricedCart struct {
	Items       []shop.OrderItem `json:"items"`
	Subtotal    int64            `json:"subtotal"`
	Discount    int64            `json:"discount"`
	PromotionID string           `json:"promotion_id,omitempty"`
}

type promotionInput struct {
	PricedCart
	PromotionCode string `json:"promotion_code"`
}

type promotionUndo struct {
	PromotionID string `json:"promotion_id"`
}

type reservationInput struct {
	PricedCart
	shop.Owner
}

type reservation struct {
	Items []shop.CartItem `json:"items"`
}

type orderInput struct {
	PricedCart
	shop.Owner
	DeliveryAddress string `json:"delivery_address"`
}

type orderUndo struct {
	OrderID string `json:"order_id"`
}

type paymentInput struct {
	shop.Order
	PaymentMethod string `json:"payment_method"`
}

type paymentUndo struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// ExecuteOrderSaga turns the owner's cart into a pending, paid order. On any
// failure the cart, promotion usage and order table are left as they were.
func (s *Service) ExecuteOrderSaga(ctx context.Context, req OrderRequest) (*Run[shop.Order], error) {
	return execute[shop.Order](ctx, s, OrderCreation, req)
}

func (s *Service) orderCreation() *saga.Orchestrator {
	return s.newSaga(OrderCreation).
		AddStep("validate_order", saga.Action(s.validateOrder), saga.NoCompensation, nil).
		AddStep("apply_promotion", saga.ActionWithUndo(s.applyPromotion), saga.Undo(s.releaseUsage), nil,
			saga.DependsOn("validate_order")).
		AddStep("reserve_inventory", saga.ActionWithUndo(s.reserveInventory), saga.Undo(s.restoreCart), nil,
			saga.DependsOn("apply_promotion")).
		AddStep("create_order", saga.ActionWithUndo(s.createOrder), saga.Undo(s.deleteOrder), nil,
			saga.DependsOn("reserve_inventory")).
		AddStep("process_payment", saga.ActionWithUndo(s.processPayment), saga.Undo(s.refundPayment), nil,
			saga.DependsOn("create_order"))
}

func (s *Service) validateOrder(ctx context.Context, req OrderRequest) (PricedCart, error) {
	if !req.Owner.Valid() {
		return PricedCart{}, invalid("user_id or session_id is required")
	}
	cart, err := s.store.ListCart(ctx, req.Owner)
	if err != nil {
		return PricedCart{}, err
	}
	if len(cart) == 0 {
		return PricedCart{}, ErrCartEmpty
	}

	out := PricedCart{Items: make([]shop.OrderItem, 0, len(cart))}
	for _, c := range cart {
		item, err := s.store.GetMenuItem(ctx, c.MenuItemID)
		if err != nil {
			return PricedCart{}, lookup(err, ErrMenuItemNotFound)
		}
		if !item.Available {
			return PricedCart{}, fmt.Errorf("%w: %s", ErrMenuItemUnavailable, item.Name)
		}
		out.Items = append(out.Items, shop.OrderItem{
			MenuItemID: item.ID,
			Name:       item.Name,
			Quantity:   c.Quantity,
			UnitPrice:  item.Price,
		})
		out.Subtotal += item.Price * int64(c.Quantity)
	}
	return out, nil
}

func (s *Service) applyPromotion(ctx context.Context, in promotionInput) (PricedCart, promotionUndo, error) {
	out := in.PricedCart
	if in.PromotionCode == "" {
		return out, promotionUndo{}, nil
	}
	promo, err := s.store.GetPromotionByCode(ctx, in.PromotionCode)
	if err != nil {
		return PricedCart{}, promotionUndo{}, lookup(err, ErrPromotionInvalid)
	}
	discount, err := promo.Discount(in.Subtotal, s.now())
	if err != nil {
		return PricedCart{}, promotionUndo{}, fmt.Errorf("%w: %v", ErrPromotionInvalid, err)
	}
	if err := s.store.AdjustUsage(ctx, promo.ID, 1); err != nil {
		return PricedCart{}, promotionUndo{}, err
	}
	out.Discount = discount
	out.PromotionID = promo.ID
	return out, promotionUndo{PromotionID: promo.ID}, nil
}

func (s *Service) releaseUsage(ctx context.Context, u promotionUndo) error {
	if u.PromotionID == "" {
		return nil
	}
	return s.store.AdjustUsage(ctx, u.PromotionID, -1)
}

func (s *Service) reserveInventory(ctx context.Context, in reservationInput) (PricedCart, reservation, error) {
	snapshot, err := s.store.ListCart(ctx, in.Owner)
	if err != nil {
		return PricedCart{}, reservation{}, err
	}
	if err := s.store.ClearCart(ctx, in.Owner); err != nil {
		return PricedCart{}, reservation{}, err
	}
	return in.PricedCart, reservation{Items: snapshot}, nil
}

func (s *Service) restoreCart(ctx context.Context, r reservation) error {
	return s.store.RestoreCart(ctx, r.Items)
}

func (s *Service) createOrder(ctx context.Context, in orderInput) (shop.Order, orderUndo, error) {
	order := shop.Order{
		UserID:          in.UserID,
		SessionID:       in.SessionID,
		Status:          shop.OrderPending,
		Subtotal:        in.Subtotal,
		Discount:        in.Discount,
		TotalAmount:     in.Subtotal - in.Discount,
		PromotionID:     in.PromotionID,
		DeliveryAddress: in.DeliveryAddress,
		Items:           in.Items,
	}
	if err := s.store.CreateOrder(ctx, &order); err != nil {
		return shop.Order{}, orderUndo{}, err
	}
	return order, orderUndo{OrderID: order.ID}, nil
}

func (s *Service) deleteOrder(ctx context.Context, u orderUndo) error {
	return ignoreNotFound(s.store.DeleteOrder(ctx, u.OrderID))
}

func (s *Service) processPayment(ctx context.Context, in paymentInput) (shop.Order, paymentUndo, error) {
	method := in.PaymentMethod
	if method == "" {
		method = "card"
	}
	txn, err := s.gateway.Charge(ctx, in.ID, in.TotalAmount, method)
	if err != nil {
		return shop.Order{}, paymentUndo{}, fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	}
	payment := shop.Payment{
		OrderID:       in.ID,
		Amount:        in.TotalAmount,
		Method:        method,
		Status:        shop.PaymentPaid,
		TransactionID: txn,
	}
	if err := s.store.CreatePayment(ctx, &payment); err != nil {
		if rerr := s.gateway.Refund(ctx, txn, in.TotalAmount); rerr != nil {
			s.logger.Error().Err(rerr).Str("transaction_id", txn).Msg("refund after failed payment record")
		}
		return shop.Order{}, paymentUndo{}, err
	}
	return in.Order, paymentUndo{PaymentID: payment.ID, TransactionID: txn, Amount: payment.Amount}, nil
}

func (s *Service) refundPayment(ctx context.Context, u paymentUndo) error {
	if err := s.gateway.Refund(ctx, u.TransactionID, u.Amount); err != nil {
		return err
	}
	return s.store.SetPaymentStatus(ctx, u.PaymentID, shop.PaymentRefunded)
}

// CancelRequest cancels an order on behalf of its owner.
type CancelRequest struct {
	OrderID string `json:"order_id"`
	shop.Owner
}

// Cancellation is the result of an order cancellation.
type Cancellation struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Refunded  bool   `json:"refunded"`
	PaymentID string `json:"payment_id,omitempty"`
}

type cancelState struct {
	OrderID        string `json:"order_id"`
	PreviousStatus string `json:"previous_status"`
	PromotionID    string `json:"promotion_id,omitempty"`
}

// ExecuteCancelSaga cancels a pending or confirmed order, releasing its
// promotion usage and refunding its payment.
func (s *Service) ExecuteCancelSaga(ctx context.Context, orderID, userID, sessionID string) (*Run[Cancellation], error) {
	req := CancelRequest{OrderID: orderID, Owner: shop.Owner{UserID: userID, SessionID: sessionID}}
	return execute[Cancellation](ctx, s, OrderCancellation, req)
}

func (s *Service) orderCancellation() *saga.Orchestrator {
	return s.newSaga(OrderCancellation).
		AddStep("validate_cancellation", saga.Action(s.validateCancellation), saga.NoCompensation, nil).
		AddStep("cancel_order", saga.Action(s.cancelOrder), saga.Undo(s.restoreOrderStatus), nil,
			saga.DependsOn("validate_cancellation")).
		AddStep("release_promotion", saga.Action(s.releasePromotion), saga.Undo(s.reclaimPromotion), nil,
			saga.DependsOn("cancel_order")).
		AddStep("refund_payment", saga.Action(s.refundOrder), saga.NoCompensation, nil,
			saga.DependsOn("release_promotion"))
}

func (s *Service) validateCancellation(ctx context.Context, req CancelRequest) (cancelState, error) {
	if req.OrderID == "" {
		return cancelState{}, invalid("order_id is required")
	}
	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return cancelState{}, lookup(err, ErrOrderNotFound)
	}
	if req.Owner.Valid() && !req.Owner.Owns(order.UserID, order.SessionID) {
		return cancelState{}, fmt.Errorf("order %s: %w", order.ID, ErrForbidden)
	}
	if !order.Status.Cancellable() {
		return cancelState{}, fmt.Errorf("%w: status is %s", ErrOrderNotCancellable, order.Status)
	}
	return cancelState{OrderID: order.ID, PreviousStatus: string(order.Status), PromotionID: order.PromotionID}, nil
}

func (s *Service) cancelOrder(ctx context.Context, st cancelState) (cancelState, error) {
	if err := s.store.SetOrderStatus(ctx, st.OrderID, shop.OrderCancelled); err != nil {
		return cancelState{}, err
	}
	return st, nil
}

func (s *Service) restoreOrderStatus(ctx context.Context, st cancelState) error {
	return s.store.SetOrderStatus(ctx, st.OrderID, shop.OrderStatus(st.PreviousStatus))
}

func (s *Service) releasePromotion(ctx context.Context, st cancelState) (cancelState, error) {
	if st.PromotionID == "" {
		return st, nil
	}
	err := s.store.AdjustUsage(ctx, st.PromotionID, -1)
	if errors.Is(err, shop.ErrNotFound) {
		// the promotion was deleted after the order was placed
		return cancelState{OrderID: st.OrderID, PreviousStatus: st.PreviousStatus}, nil
	}
	if err != nil {
		return cancelState{}, err
	}
	return st, nil
}

func (s *Service) reclaimPromotion(ctx context.Context, st cancelState) error {
	if st.PromotionID == "" {
		return nil
	}
	return s.store.AdjustUsage(ctx, st.PromotionID, 1)
}

func (s *Service) refundOrder(ctx context.Context, st cancelState) (Cancellation, error) {
	out := Cancellation{OrderID: st.OrderID, Status: string(shop.OrderCancelled)}
	payment, err := s.store.GetPaymentByOrder(ctx, st.OrderID)
	if errors.Is(err, shop.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return Cancellation{}, err
	}
	out.PaymentID = payment.ID
	if payment.Status != shop.PaymentPaid {
		return out, nil
	}
	if err := s.gateway.Refund(ctx, payment.TransactionID, payment.Amount); err != nil {
		return Cancellation{}, fmt.Errorf("refund payment %s: %w", payment.ID, err)
	}
	if err := s.store.SetPaymentStatus(ctx, payment.ID, shop.PaymentRefunded); err != nil {
		return Cancellation{}, err
	}
	out.Refunded = true
	return out, nil
}
