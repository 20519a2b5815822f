package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a saga instance or step record does not exist.
	ErrNotFound = errors.New("saga: not found")

	// ErrTerminalState is returned when a mutation targets a saga instance
	// that is already COMPLETED or COMPENSATED.
	ErrTerminalState = errors.New("saga: instance is in a terminal state")

	// ErrIllegalTransition is returned when a state change is not allowed by
	// the saga or step state machine.
	ErrIllegalTransition = errors.New("saga: illegal state transition")

	// ErrDefinitionSealed is logged when a step is added after the
	// definition has been executed or sealed.
	ErrDefinitionSealed = errors.New("saga: definition is sealed")

	// ErrUnknownSagaType is returned when no definition factory is
	// registered for a saga type.
	ErrUnknownSagaType = errors.New("saga: unknown saga type")

	// ErrNoCompensation is returned when no compensation is registered for
	// a (sagaType, stepName) pair.
	ErrNoCompensation = errors.New("saga: no compensation registered")
)

// StepError carries the failure of a forward step. Its message is exactly
// the message of the underlying cause so callers surface the original error.
type StepError struct {
	SagaType string
	SagaID   string
	Step     string
	Err      error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// stepFailed wraps the error returned by a step's forward action.
func stepFailed(sagaType, sagaID, step string, err error) error {
	return &StepError{SagaType: sagaType, SagaID: sagaID, Step: step, Err: err}
}

// LogError represents a durable log write that could not be acknowledged.
// It aborts the in-flight run.
type LogError struct {
	Op  string
	Err error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("saga log %s: %v", e.Op, e.Err)
}

func (e *LogError) Unwrap() error {
	return e.Err
}

func logFailed(op string, err error) error {
	return &LogError{Op: op, Err: err}
}

// PreconditionError is returned by recovery operations invoked on a saga
// instance whose persisted state does not allow them.
type PreconditionError struct {
	Op       string
	LogID    int64
	State    SagaState
	Required string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s saga log %d in state %s: %s", e.Op, e.LogID, e.State, e.Required)
}

// IsPrecondition reports whether err is a *PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// panicError converts a recovered panic value into an error.
func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
