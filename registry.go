package saga

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Factory builds a fresh, unexecuted definition for one saga type.
type Factory func() *Orchestrator

type compensationKey struct {
	sagaType string
	step     string
}

// Registry is a process-wide lookup of compensation functions and
// definition factories.
//
// Compensation functions are never persisted; only their data is. When a
// saga has to be compensated from the log alone (after a crash, or by an
// operator), the registry is the only way to recover the function for a
// given (sagaType, stepName). Definition factories let a failed saga be
// re-run from its original payload.
type Registry struct {
	compensations *xsync.MapOf[compensationKey, CompensateFunc]
	definitions   *xsync.MapOf[string, Factory]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		compensations: xsync.NewMapOf[compensationKey, CompensateFunc](),
		definitions:   xsync.NewMapOf[string, Factory](),
	}
}

// RegisterCompensation records the compensation for a step of a saga type.
// The first registration wins; definitions built repeatedly by a factory
// register the same functions every time.
func (r *Registry) RegisterCompensation(sagaType, step string, fn CompensateFunc) {
	if fn == nil {
		return
	}
	r.compensations.LoadOrStore(compensationKey{sagaType: sagaType, step: step}, fn)
}

// Compensation retrieves the compensation for a step of a saga type.
func (r *Registry) Compensation(sagaType, step string) (CompensateFunc, error) {
	fn, ok := r.compensations.Load(compensationKey{sagaType: sagaType, step: step})
	if !ok {
		return nil, fmt.Errorf("%w for %s/%s", ErrNoCompensation, sagaType, step)
	}
	return fn, nil
}

// RegisterDefinition adds a definition factory for a saga type.
func (r *Registry) RegisterDefinition(sagaType string, factory Factory) error {
	if _, loaded := r.definitions.LoadOrStore(sagaType, factory); loaded {
		return fmt.Errorf("definition for saga type '%s' already registered", sagaType)
	}
	return nil
}

// Definition builds a fresh definition for a saga type.
func (r *Registry) Definition(sagaType string) (*Orchestrator, error) {
	factory, ok := r.definitions.Load(sagaType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return factory(), nil
}

// SagaTypes lists the saga types with a registered definition.
func (r *Registry) SagaTypes() []string {
	var out []string
	r.definitions.Range(func(key string, _ Factory) bool {
		out = append(out, key)
		return true
	})
	return out
}
