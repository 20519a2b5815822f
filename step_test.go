package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataMergeIsShallowAndCopies(t *testing.T) {
	base := Data{"a": 1, "nested": Data{"x": 1}}
	merged := base.Merge(Data{"a": 2, "b": 3})

	assert.Equal(t, Data{"a": 2, "b": 3, "nested": Data{"x": 1}}, merged)
	assert.Equal(t, 1, base["a"])

	merged["nested"].(Data)["x"] = 99
	assert.Equal(t, 1, base["nested"].(Data)["x"])

	var empty Data
	assert.Equal(t, Data{"k": "v"}, empty.Merge(Data{"k": "v"}))
	assert.Nil(t, empty.Clone())
}

type cartLine struct {
	MenuItemID string    `json:"menu_item_id"`
	Quantity   int       `json:"quantity"`
	UnitPrice  int64     `json:"unit_price"`
	AddedAt    time.Time `json:"added_at"`
}

func TestToDataAndDecode(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := ToData(cartLine{MenuItemID: "m-1", Quantity: 2, UnitPrice: 450, AddedAt: at})
	require.NoError(t, err)
	assert.Equal(t, "m-1", d["menu_item_id"])
	assert.Equal(t, float64(2), d["quantity"])

	var back cartLine
	require.NoError(t, Decode(d, &back))
	assert.Equal(t, cartLine{MenuItemID: "m-1", Quantity: 2, UnitPrice: 450, AddedAt: at}, back)

	// weakly typed input from query strings or loosely built payloads
	var loose cartLine
	require.NoError(t, Decode(Data{"quantity": "3", "unit_price": 100}, &loose))
	assert.Equal(t, 3, loose.Quantity)

	_, err = ToData([]int{1, 2})
	assert.Error(t, err)
	assert.Panics(t, func() { MustData("not an object") })
}

type reserveIn struct {
	CartID string `json:"cart_id"`
}

type reserveOut struct {
	ReservationID string `json:"reservation_id"`
	Items         int    `json:"items"`
}

type reserveUndo struct {
	ReservationID string `json:"reservation_id"`
}

func TestTypedAdapters(t *testing.T) {
	ctx := context.Background()

	exec := Action(func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{ReservationID: "r-" + in.CartID, Items: 3}, nil
	})
	out, err := exec(ctx, Data{"cart_id": "c1", "ignored": true})
	require.NoError(t, err)
	assert.Equal(t, Data{"reservation_id": "r-c1", "items": float64(3)}, out.Data)
	assert.Nil(t, out.Compensation)

	withUndo := ActionWithUndo(func(_ context.Context, in reserveIn) (reserveOut, reserveUndo, error) {
		return reserveOut{ReservationID: "r-" + in.CartID}, reserveUndo{ReservationID: "r-" + in.CartID}, nil
	})
	out, err = withUndo(ctx, Data{"cart_id": "c2"})
	require.NoError(t, err)
	assert.Equal(t, Data{"reservation_id": "r-c2"}, out.Compensation)

	var undone string
	undo := Undo(func(_ context.Context, c reserveUndo) error {
		undone = c.ReservationID
		return nil
	})
	_, err = undo(ctx, out.Compensation)
	require.NoError(t, err)
	assert.Equal(t, "r-c2", undone)

	failing := Action(func(context.Context, reserveIn) (reserveOut, error) {
		return reserveOut{}, errors.New("cart is empty")
	})
	_, err = failing(ctx, nil)
	assert.EqualError(t, err, "cart is empty")
}

func TestOutcomeCompensationData(t *testing.T) {
	assert.Equal(t, Data{}, Outcome{}.compensationData())
	assert.Equal(t, Data{"a": 1}, Outcome{Data: Data{"a": 1}}.compensationData())
	assert.Equal(t, Data{"b": 2}, Outcome{Data: Data{"a": 1}, Compensation: Data{"b": 2}}.compensationData())
}
