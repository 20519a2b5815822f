package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCompensations(t *testing.T) {
	reg := NewRegistry()
	first := func(context.Context, Data) (CompensationOutcome, error) {
		return CompensationOutcome{Message: "first"}, nil
	}
	second := func(context.Context, Data) (CompensationOutcome, error) {
		return CompensationOutcome{Message: "second"}, nil
	}

	reg.RegisterCompensation("cart_add", "insert", first)
	reg.RegisterCompensation("cart_add", "insert", second)
	reg.RegisterCompensation("cart_add", "validate", nil)

	fn, err := reg.Compensation("cart_add", "insert")
	require.NoError(t, err)
	out, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Message)

	_, err = reg.Compensation("cart_add", "validate")
	assert.ErrorIs(t, err, ErrNoCompensation)
	_, err = reg.Compensation("cart_update", "insert")
	assert.ErrorIs(t, err, ErrNoCompensation)
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	log := NewMemoryLog()
	factory := func() *Orchestrator {
		return New("cart_clear", log).AddStep("clear", returning(nil), nil, nil)
	}

	require.NoError(t, reg.RegisterDefinition("cart_clear", factory))
	assert.Error(t, reg.RegisterDefinition("cart_clear", factory))
	require.NoError(t, reg.RegisterDefinition("cart_add", factory))

	o, err := reg.Definition("cart_clear")
	require.NoError(t, err)
	assert.Equal(t, "cart_clear", o.SagaType())

	_, err = reg.Definition("nope")
	assert.ErrorIs(t, err, ErrUnknownSagaType)

	assert.ElementsMatch(t, []string{"cart_add", "cart_clear"}, reg.SagaTypes())
}
