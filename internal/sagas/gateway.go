package sagas

import (
	"context"

	"github.com/google/uuid"
)

// PaymentGateway charges and refunds order payments.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount int64, method string) (transactionID string, err error)
	Refund(ctx context.Context, transactionID string, amount int64) error
}

// SimulatedGateway approves every charge and refund.
type SimulatedGateway struct{}

func (SimulatedGateway) Charge(_ context.Context, _ string, _ int64, _ string) (string, error) {
	return "txn_" + uuid.NewString(), nil
}

func (SimulatedGateway) Refund(context.Context, string, int64) error {
	return nil
}
