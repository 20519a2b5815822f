package saga

import "time"

// Observer receives run outcomes, typically to feed metrics. Implementations
// must be safe for concurrent use.
type Observer interface {
	StepFinished(sagaType, step string, state StepState, d time.Duration)
	SagaFinished(sagaType string, state SagaState, d time.Duration)
	CompensationFailed(sagaType, step string)
}

type nopObserver struct{}

func (nopObserver) StepFinished(string, string, StepState, time.Duration) {}
func (nopObserver) SagaFinished(string, SagaState, time.Duration)         {}
func (nopObserver) CompensationFailed(string, string)                     {}
