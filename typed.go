package saga

import (
	"context"
	"fmt"
)

// Action adapts a typed forward function into an ExecuteFunc. The payload is
// decoded into In, and Out is encoded as the step's data; Out's fields are
// the keys this step contributes to its dependents.
func Action[In, Out any](fn func(ctx context.Context, in In) (Out, error)) ExecuteFunc {
	return func(ctx context.Context, payload Data) (Outcome, error) {
		var in In
		if err := Decode(payload, &in); err != nil {
			return Outcome{}, fmt.Errorf("decode step input: %w", err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return Outcome{}, err
		}
		data, err := ToData(out)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Data: data}, nil
	}
}

// ActionWithUndo is like Action but also returns an explicit, narrower
// compensation payload.
func ActionWithUndo[In, Out, C any](fn func(ctx context.Context, in In) (Out, C, error)) ExecuteFunc {
	return func(ctx context.Context, payload Data) (Outcome, error) {
		var in In
		if err := Decode(payload, &in); err != nil {
			return Outcome{}, fmt.Errorf("decode step input: %w", err)
		}
		out, comp, err := fn(ctx, in)
		if err != nil {
			return Outcome{}, err
		}
		data, err := ToData(out)
		if err != nil {
			return Outcome{}, err
		}
		compData, err := ToData(comp)
		if err != nil {
			return Outcome{}, err
		}
		if compData == nil {
			compData = Data{}
		}
		return Outcome{Data: data, Compensation: compData}, nil
	}
}

// Undo adapts a typed compensation function into a CompensateFunc.
func Undo[C any](fn func(ctx context.Context, data C) error) CompensateFunc {
	return func(ctx context.Context, data Data) (CompensationOutcome, error) {
		var c C
		if err := Decode(data, &c); err != nil {
			return CompensationOutcome{}, fmt.Errorf("decode compensation data: %w", err)
		}
		if err := fn(ctx, c); err != nil {
			return CompensationOutcome{}, err
		}
		return CompensationOutcome{}, nil
	}
}

// NoCompensation documents a step that has nothing to undo.
var NoCompensation CompensateFunc
