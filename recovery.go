package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// manualCause is recorded as the error message of an instance compensated by
// an operator when its run left none.
const manualCause = "manual compensation"

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

// RecoveryLogger sets the logger used by recovery operations.
func RecoveryLogger(logger zerolog.Logger) RecoveryOption {
	return func(r *Recovery) {
		r.logger = logger
	}
}

// RecoveryObserver sets the observer notified when a manual compensation
// finishes or one of its steps fails.
func RecoveryObserver(obs Observer) RecoveryOption {
	return func(r *Recovery) {
		if obs != nil {
			r.observer = obs
		}
	}
}

// RecoveryTracer overrides the tracer taken from the global provider.
func RecoveryTracer(t trace.Tracer) RecoveryOption {
	return func(r *Recovery) {
		if t != nil {
			r.tracer = t
		}
	}
}

// RecoveryStaleAfter makes CompensateSaga refuse STARTED, IN_PROGRESS and
// COMPENSATING instances updated less than d ago, since their run may still
// be executing. Zero disables the check.
func RecoveryStaleAfter(d time.Duration) RecoveryOption {
	return func(r *Recovery) {
		r.staleAfter = d
	}
}

// RecoveryEpoch makes RetrySaga and CompensateSaga refuse instances created
// before t. Use it when the state the steps act on does not outlive the
// process while the log does.
func RecoveryEpoch(t time.Time) RecoveryOption {
	return func(r *Recovery) {
		r.epoch = t
	}
}

// RecoveryClock overrides time.Now.
func RecoveryClock(now func() time.Time) RecoveryOption {
	return func(r *Recovery) {
		if now != nil {
			r.now = now
		}
	}
}

// Recovery is the operator surface over the Log: inspection, retry of
// failed instances and manual compensation.
type Recovery struct {
	log      Log
	registry *Registry
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time

	staleAfter time.Duration
	epoch      time.Time
}

// NewRecovery returns a Recovery reading log and resolving definitions and
// compensations from registry.
func NewRecovery(log Log, registry *Registry, opts ...RecoveryOption) *Recovery {
	r := &Recovery{
		log:      log,
		registry: registry,
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetSaga returns an instance with its steps, most recent step first.
func (r *Recovery) GetSaga(ctx context.Context, logID int64) (*Instance, error) {
	return r.log.GetSagaLog(ctx, logID)
}

// TrackSaga returns the most recent instance of a logical saga.
func (r *Recovery) TrackSaga(ctx context.Context, sagaID string) (*Instance, error) {
	return r.log.GetSagaLogBySagaID(ctx, sagaID)
}

// ListSagas returns one page of instances, newest first.
func (r *Recovery) ListSagas(ctx context.Context, filter Filter) (*Page, error) {
	return r.log.ListSagas(ctx, filter.Normalize())
}

// PendingSagas returns crash-recovery candidates, oldest first.
func (r *Recovery) PendingSagas(ctx context.Context, limit int) ([]*Instance, error) {
	return r.log.GetPendingSagas(ctx, limit)
}

func (r *Recovery) checkEpoch(op string, inst *Instance) error {
	if r.epoch.IsZero() || !inst.CreatedAt.Before(r.epoch) {
		return nil
	}
	return &PreconditionError{
		Op:       op,
		LogID:    inst.LogID,
		State:    inst.State,
		Required: "the state its steps changed did not survive the restart at " + r.epoch.Format(time.RFC3339),
	}
}

// RetrySaga re-executes a FAILED instance with its original saga id and
// payload. The retry is a new instance in the log; the failed one is kept.
func (r *Recovery) RetrySaga(ctx context.Context, logID int64) (*Result, error) {
	inst, err := r.log.GetSagaLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if inst.State != SagaFailed {
		return nil, &PreconditionError{
			Op:       "retry",
			LogID:    logID,
			State:    inst.State,
			Required: "only FAILED sagas can be retried",
		}
	}
	if err := r.checkEpoch("retry", inst); err != nil {
		return nil, err
	}
	o, err := r.registry.Definition(inst.SagaType)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Int64("log_id", logID).
		Str("saga_type", inst.SagaType).
		Str("saga_id", inst.SagaID).
		Msg("retrying saga")
	return o.Execute(ctx, inst.SagaID, inst.Payload)
}

// CompensateSaga runs the reverse-order compensation walk over the steps an
// instance recorded as COMPLETED, resolving each step's compensation from
// the registry. Steps without a registered compensation are skipped and
// reported so an operator can handle them by hand.
func (r *Recovery) CompensateSaga(ctx context.Context, logID int64) (*CompensationReport, error) {
	inst, err := r.log.GetSagaLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if inst.State.IsFinal() {
		return nil, &PreconditionError{
			Op:       "compensate",
			LogID:    logID,
			State:    inst.State,
			Required: "saga is already finished",
		}
	}
	if err := r.checkEpoch("compensate", inst); err != nil {
		return nil, err
	}
	if inst.State != SagaFailed && r.staleAfter > 0 && r.now().Sub(inst.UpdatedAt) < r.staleAfter {
		return nil, &PreconditionError{
			Op:       "compensate",
			LogID:    logID,
			State:    inst.State,
			Required: fmt.Sprintf("a running saga can be compensated once it has not progressed for %s", r.staleAfter),
		}
	}

	// Sealing a fresh definition registers its compensations, which may not
	// have happened yet in this process.
	if o, err := r.registry.Definition(inst.SagaType); err == nil {
		if err := o.Seal(); err != nil {
			return nil, err
		}
	}

	completed := inst.CompletedSteps()
	targets := make([]compensationTarget, 0, len(completed))
	for _, s := range completed {
		fn, err := r.registry.Compensation(inst.SagaType, s.StepName)
		if err != nil && !errors.Is(err, ErrNoCompensation) {
			return nil, err
		}
		targets = append(targets, compensationTarget{
			stepID: s.StepID,
			name:   s.StepName,
			order:  s.StepOrder,
			data:   s.CompensationData,
			fn:     fn,
		})
	}

	cause := inst.ErrorMessage
	if cause == "" {
		cause = manualCause
	}
	logger := r.logger.With().
		Str("saga_type", inst.SagaType).
		Str("saga_id", inst.SagaID).
		Int64("log_id", logID).
		Logger()

	ctx, span := r.tracer.Start(ctx, "compensate saga "+inst.SagaType, trace.WithAttributes(
		attribute.String("saga.type", inst.SagaType),
		attribute.String("saga.id", inst.SagaID),
		attribute.Int64("saga.log_id", logID),
	))
	defer span.End()

	started := r.now()
	w := walker{
		sagaType: inst.SagaType,
		log:      r.log,
		logger:   logger,
		observer: r.observer,
		tracer:   r.tracer,
	}
	report, err := w.compensate(ctx, logID, inst.State, targets, cause)
	if err != nil {
		return report, fmt.Errorf("compensate saga log %d: %w", logID, err)
	}
	r.observer.SagaFinished(inst.SagaType, SagaCompensated, r.now().Sub(started))
	return report, nil
}
