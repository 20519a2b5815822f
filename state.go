package saga

import (
	"fmt"
)

// SagaState is the persisted lifecycle state of a saga instance.
type SagaState string

const (
	SagaStarted      SagaState = "STARTED"
	SagaInProgress   SagaState = "IN_PROGRESS"
	SagaCompleted    SagaState = "COMPLETED"
	SagaFailed       SagaState = "FAILED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
)

// sagaTransitions lists, for each state, the states it may move to.
// FAILED -> COMPENSATING exists only for manual compensation of a saga whose
// run skipped or could not record its own rollback.
var sagaTransitions = map[SagaState][]SagaState{
	SagaStarted:      {SagaInProgress, SagaFailed, SagaCompensating},
	SagaInProgress:   {SagaCompleted, SagaCompensating, SagaFailed},
	SagaCompensating: {SagaCompensated, SagaFailed},
	SagaFailed:       {SagaCompensating},
}

// IsTerminal reports whether the run that produced this state is over.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCompensated:
		return true
	default:
		return false
	}
}

// IsFinal reports whether no mutation of any kind may follow this state.
// FAILED is terminal for a run but can still be compensated by an operator.
func (s SagaState) IsFinal() bool {
	return s == SagaCompleted || s == SagaCompensated
}

// IsPending reports whether an instance in this state is a crash-recovery
// candidate.
func (s SagaState) IsPending() bool {
	switch s {
	case SagaStarted, SagaInProgress, SagaCompensating:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known saga states.
func (s SagaState) Valid() bool {
	switch s {
	case SagaStarted, SagaInProgress, SagaCompleted, SagaFailed, SagaCompensating, SagaCompensated:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal.
func (s SagaState) CanTransition(next SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// nextState validates a saga transition and returns the new state.
func (s SagaState) nextState(next SagaState) (SagaState, error) {
	if s.IsFinal() {
		return s, fmt.Errorf("%w: saga is %s", ErrTerminalState, s)
	}
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: saga %s -> %s", ErrIllegalTransition, s, next)
	}
	return next, nil
}

func (s SagaState) String() string {
	return string(s)
}

// ParseSagaState converts a string into a SagaState.
func ParseSagaState(str string) (SagaState, error) {
	s := SagaState(str)
	if !s.Valid() {
		return "", fmt.Errorf("invalid saga state: %q", str)
	}
	return s, nil
}

// StepState is the persisted state of one step record.
type StepState string

const (
	StepPending     StepState = "PENDING"
	StepCompleted   StepState = "COMPLETED"
	StepFailed      StepState = "FAILED"
	StepCompensated StepState = "COMPENSATED"
)

// nextState returns the new status for a step after the given transition.
func (s StepState) nextState(next StepState) (StepState, error) {
	switch s {
	case StepPending:
		if next == StepCompleted || next == StepFailed {
			return next, nil
		}
	case StepCompleted:
		if next == StepCompensated {
			return next, nil
		}
	}
	return s, fmt.Errorf("%w: step %s -> %s", ErrIllegalTransition, s, next)
}

func (s StepState) String() string {
	return string(s)
}
