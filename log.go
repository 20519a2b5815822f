package saga

import (
	"context"
	"time"
)

// Log persists saga instances and their step records so in-flight or failed
// sagas can be inspected, retried, or compensated after a crash.
//
// Every method is a single atomic write or read. Step mutations advance the
// parent instance's CurrentStep in the same write. Implementations reject any
// mutation of an instance that is COMPLETED or COMPENSATED with
// ErrTerminalState, and state changes the state machines forbid with
// ErrIllegalTransition.
type Log interface {
	// CreateSagaLog inserts a new instance in state STARTED and returns its
	// log id.
	CreateSagaLog(ctx context.Context, sagaType, sagaID string, payload Data) (int64, error)

	// UpdateSagaState moves an instance to state. A nil result or empty
	// errorMessage leaves the stored value untouched. CompletedAt is stamped
	// when state is terminal.
	UpdateSagaState(ctx context.Context, logID int64, state SagaState, result Data, errorMessage string) error

	// AddSagaStep inserts a PENDING step record and returns its id.
	AddSagaStep(ctx context.Context, logID int64, stepName string, stepOrder int, payload Data) (int64, error)

	// CompleteStep marks a step COMPLETED. A nil compensationData stores the
	// result as compensation data.
	CompleteStep(ctx context.Context, stepID int64, result, compensationData Data) error

	// FailStep marks a step FAILED.
	FailStep(ctx context.Context, stepID int64, errorMessage string) error

	// CompensateStep marks a COMPLETED step COMPENSATED.
	CompensateStep(ctx context.Context, stepID int64, result Data) error

	// GetSagaLog returns an instance with its steps, most recent step first.
	GetSagaLog(ctx context.Context, logID int64) (*Instance, error)

	// GetSagaLogBySagaID returns the most recent instance for a saga id.
	GetSagaLogBySagaID(ctx context.Context, sagaID string) (*Instance, error)

	// GetPendingSagas returns STARTED, IN_PROGRESS and COMPENSATING
	// instances, oldest first.
	GetPendingSagas(ctx context.Context, limit int) ([]*Instance, error)

	// ListSagas returns a page of instances, newest first, without steps.
	ListSagas(ctx context.Context, filter Filter) (*Page, error)
}

// Instance is the persisted record of one saga execution.
type Instance struct {
	LogID        int64        `json:"log_id"`
	SagaType     string       `json:"saga_type"`
	SagaID       string       `json:"saga_id"`
	State        SagaState    `json:"state"`
	Payload      Data         `json:"payload"`
	Result       Data         `json:"result,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CurrentStep  int          `json:"current_step"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Steps        []StepRecord `json:"steps,omitempty"`
}

// StepRecord is the persisted record of one step of one saga instance.
type StepRecord struct {
	StepID           int64      `json:"step_id"`
	LogID            int64      `json:"log_id"`
	StepName         string     `json:"step_name"`
	StepOrder        int        `json:"step_order"`
	State            StepState  `json:"state"`
	Payload          Data       `json:"payload,omitempty"`
	Result           Data       `json:"result,omitempty"`
	CompensationData Data       `json:"compensation_data,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CompletedSteps returns the instance's COMPLETED steps in execution order.
func (i *Instance) CompletedSteps() []StepRecord {
	var out []StepRecord
	for idx := len(i.Steps) - 1; idx >= 0; idx-- {
		if i.Steps[idx].State == StepCompleted {
			out = append(out, i.Steps[idx])
		}
	}
	return out
}

func (i *Instance) clone() *Instance {
	out := *i
	out.Payload = i.Payload.Clone()
	out.Result = i.Result.Clone()
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	out.Steps = nil
	return &out
}

func (s *StepRecord) clone() StepRecord {
	out := *s
	out.Payload = s.Payload.Clone()
	out.Result = s.Result.Clone()
	out.CompensationData = s.CompensationData.Clone()
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
	// MaxPage bounds Page so Offset cannot overflow.
	MaxPage = 1 << 20
)

// Filter selects instances for ListSagas. Zero values mean "any".
type Filter struct {
	State    SagaState
	SagaType string
	Page     int
	Limit    int
}

// Normalize applies pagination defaults and bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

// Offset is the number of instances skipped before this page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.Limit
}

func (f Filter) matches(i *Instance) bool {
	if f.State != "" && i.State != f.State {
		return false
	}
	if f.SagaType != "" && i.SagaType != f.SagaType {
		return false
	}
	return true
}

// Page is one page of a ListSagas result.
type Page struct {
	Items []*Instance `json:"items"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}
