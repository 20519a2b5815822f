package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fortressi/saga/dag"
	"github.com/fortressi/saga/set"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fortressi/saga"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for step and compensation events.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithObserver sets the observer notified of step and saga outcomes.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithRegistry registers the definition's compensations in r when it is
// sealed, so the log alone is enough to compensate its instances later.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithoutCompensation makes a failed run end in FAILED without rolling back
// the completed steps. An operator can compensate it later.
func WithoutCompensation() Option {
	return func(o *Orchestrator) {
		o.compensate = false
	}
}

// WithClock overrides time.Now for run durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator is a saga definition plus the machinery that runs it: steps
// execute strictly in the order they were added, every transition is
// written to the Log before the next one starts, and a failed step triggers
// a reverse-order compensation of every step that completed before it.
//
// Steps are added with AddStep; the definition is locked the first time
// Execute (or Seal) is called. A sealed Orchestrator may run any number of
// sagas concurrently; all per-run state is local to one Execute call.
type Orchestrator struct {
	sagaType   string
	log        Log
	logger     zerolog.Logger
	observer   Observer
	registry   *Registry
	tracer     trace.Tracer
	compensate bool
	now        func() time.Time

	mu     sync.Mutex
	steps  []*Step
	names  *set.Ordered[string]
	err    error
	sealed bool
}

// New creates an empty definition for a saga type, persisting to log.
func New(sagaType string, log Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sagaType:   sagaType,
		log:        log,
		logger:     zerolog.Nop(),
		observer:   nopObserver{},
		tracer:     otel.Tracer(tracerName),
		compensate: true,
		now:        time.Now,
		names:      &set.Ordered[string]{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SagaType returns the workflow name this definition runs under.
func (o *Orchestrator) SagaType() string {
	return o.sagaType
}

// AddStep appends a step and returns the orchestrator for chaining. comp
// may be nil for steps with nothing to undo. payload is the step's static
// input template. Definition errors are held and reported by Seal/Execute.
// A step added after sealing is dropped and logged; the sealed definition
// stays runnable.
func (o *Orchestrator) AddStep(name string, exec ExecuteFunc, comp CompensateFunc, payload Data, opts ...StepOption) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sealed {
		o.logger.Error().
			Err(fmt.Errorf("add step %q: %w", name, ErrDefinitionSealed)).
			Str("saga_type", o.sagaType).
			Msg("step ignored")
		return o
	}
	if o.err != nil {
		return o
	}
	switch {
	case name == "":
		o.err = errors.New("add step: empty step name")
		return o
	case exec == nil:
		o.err = fmt.Errorf("add step %q: nil execute function", name)
		return o
	case !o.names.Add(name):
		o.err = fmt.Errorf("step with name '%s' already exists", name)
		return o
	}

	step := &Step{
		Name:       name,
		Order:      len(o.steps),
		Payload:    payload.Clone(),
		Execute:    exec,
		Compensate: comp,
	}
	for _, opt := range opts {
		opt(step)
	}
	o.steps = append(o.steps, step)
	return o
}

// Seal locks the step list and validates it. It is idempotent.
func (o *Orchestrator) Seal() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sealed || o.err != nil {
		return o.err
	}
	if len(o.steps) == 0 {
		o.err = fmt.Errorf("saga %s has no steps", o.sagaType)
		return o.err
	}
	g, err := o.buildGraph()
	if err != nil {
		o.err = fmt.Errorf("saga %s: %w", o.sagaType, err)
		return o.err
	}
	if _, err := g.Order(); err != nil {
		o.err = fmt.Errorf("saga %s: a step depends on a step that does not run before it: %w", o.sagaType, err)
		return o.err
	}
	if o.registry != nil {
		for _, s := range o.steps {
			o.registry.RegisterCompensation(o.sagaType, s.Name, s.Compensate)
		}
	}
	o.sealed = true
	return nil
}

// Graph returns the definition's step graph.
func (o *Orchestrator) Graph() (*dag.Graph, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return o.buildGraph()
}

func (o *Orchestrator) buildGraph() (*dag.Graph, error) {
	g := dag.New()
	for _, s := range o.steps {
		label := s.Name
		if s.Compensate == nil {
			label += " (no compensation)"
		}
		if _, err := g.AddNamed(s.Name, label); err != nil {
			return nil, err
		}
	}
	for i, s := range o.steps {
		if i > 0 {
			if err := g.Connect(o.steps[i-1].Name, s.Name, dag.EdgeNext); err != nil {
				return nil, err
			}
		}
		if s.DependsOn == "" {
			continue
		}
		if !o.names.Contains(s.DependsOn) {
			return nil, fmt.Errorf("step %q depends on unknown step %q", s.Name, s.DependsOn)
		}
		if i > 0 && o.steps[i-1].Name == s.DependsOn {
			continue
		}
		if err := g.Connect(s.DependsOn, s.Name, dag.EdgeData); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Steps returns a copy of the step definitions in execution order.
func (o *Orchestrator) Steps() []Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Step, len(o.steps))
	for i, s := range o.steps {
		out[i] = *s
		out[i].Payload = s.Payload.Clone()
	}
	return out
}

// Result is the outcome of a successful run.
type Result struct {
	LogID    int64  `json:"log_id"`
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`
	// Data is the result of the last step executed.
	Data Data `json:"data"`
}

// executedStep is one entry of a run's append-only record of completed
// steps, used to drive compensation.
type executedStep struct {
	step     *Step
	stepID   int64
	compData Data
}

// Execute runs the saga to completion. sagaID identifies the logical saga
// (a uuid is generated when empty); initial is persisted as the instance
// payload and is the base layer of every step's payload.
//
// On a step failure the completed steps are compensated in reverse order
// and the step's error is returned: errors.As with *StepError gives the
// failed step. A durable log write failure aborts the run with *LogError.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string, initial Data) (*Result, error) {
	if err := o.Seal(); err != nil {
		return nil, err
	}
	if sagaID == "" {
		sagaID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "saga "+o.sagaType, trace.WithAttributes(
		attribute.String("saga.type", o.sagaType),
		attribute.String("saga.id", sagaID),
	))
	defer span.End()

	started := o.now()
	logger := o.logger.With().Str("saga_type", o.sagaType).Str("saga_id", sagaID).Logger()

	logID, err := o.log.CreateSagaLog(ctx, o.sagaType, sagaID, initial)
	if err != nil {
		return nil, o.abort(ctx, span, logFailed("create", err))
	}
	logger = logger.With().Int64("log_id", logID).Logger()
	span.SetAttributes(attribute.Int64("saga.log_id", logID))

	if err := o.log.UpdateSagaState(ctx, logID, SagaInProgress, nil, ""); err != nil {
		return nil, o.abort(ctx, span, logFailed("start", err))
	}

	payloads := make([]Data, len(o.steps))
	for i, s := range o.steps {
		payloads[i] = initial.Merge(s.Payload)
	}
	executed := make([]executedStep, 0, len(o.steps))

	var last Data
	for i, step := range o.steps {
		stepLogger := logger.With().Str("step", step.Name).Logger()

		stepID, err := o.log.AddSagaStep(ctx, logID, step.Name, step.Order, payloads[i])
		if err != nil {
			o.markFailed(ctx, logger, logID, err.Error())
			return nil, o.abort(ctx, span, logFailed("add step", err))
		}

		stepStarted := o.now()
		outcome, err := o.runStep(ctx, step, payloads[i])
		if err != nil {
			o.observer.StepFinished(o.sagaType, step.Name, StepFailed, o.now().Sub(stepStarted))
			stepLogger.Warn().Err(err).Msg("saga step failed")
			return nil, o.fail(ctx, span, logger, sagaID, logID, stepID, step, executed, err, started)
		}

		compData := outcome.compensationData()
		if err := o.log.CompleteStep(ctx, stepID, outcome.Data, compData); err != nil {
			o.markFailed(ctx, logger, logID, err.Error())
			return nil, o.abort(ctx, span, logFailed("complete step", err))
		}
		o.observer.StepFinished(o.sagaType, step.Name, StepCompleted, o.now().Sub(stepStarted))
		stepLogger.Debug().Msg("saga step completed")

		executed = append(executed, executedStep{step: step, stepID: stepID, compData: compData})
		last = outcome.Data
		for j := i + 1; j < len(o.steps); j++ {
			if o.steps[j].DependsOn == step.Name {
				payloads[j] = payloads[j].Merge(outcome.Data)
			}
		}
	}

	summary := Data{
		"steps":     len(o.steps),
		"last_step": o.steps[len(o.steps)-1].Name,
		"result":    last.Clone(),
	}
	if err := o.log.UpdateSagaState(ctx, logID, SagaCompleted, summary, ""); err != nil {
		return nil, o.abort(ctx, span, logFailed("complete", err))
	}
	o.observer.SagaFinished(o.sagaType, SagaCompleted, o.now().Sub(started))
	logger.Info().Msg("saga completed")

	if last == nil {
		last = Data{}
	}
	return &Result{LogID: logID, SagaID: sagaID, SagaType: o.sagaType, Data: last}, nil
}

// runStep invokes a forward action, converting a panic into an error.
func (o *Orchestrator) runStep(ctx context.Context, step *Step, payload Data) (outcome Outcome, err error) {
	ctx, span := o.tracer.Start(ctx, "step "+step.Name, trace.WithAttributes(
		attribute.String("saga.step", step.Name),
		attribute.Int("saga.step_order", step.Order),
	))
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return step.Execute(ctx, payload.Clone())
}

// fail records a step failure and rolls back the run.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, logger zerolog.Logger, sagaID string, logID, stepID int64, step *Step, executed []executedStep, cause error, started time.Time) error {
	stepErr := stepFailed(o.sagaType, sagaID, step.Name, cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	if err := o.log.FailStep(ctx, stepID, cause.Error()); err != nil {
		o.markFailed(ctx, logger, logID, cause.Error())
		return errors.Join(stepErr, logFailed("fail step", err))
	}

	if !o.compensate {
		if err := o.log.UpdateSagaState(ctx, logID, SagaFailed, nil, cause.Error()); err != nil {
			return errors.Join(stepErr, logFailed("fail", err))
		}
		o.observer.SagaFinished(o.sagaType, SagaFailed, o.now().Sub(started))
		logger.Warn().Str("step", step.Name).Msg("saga failed without compensation")
		return stepErr
	}

	targets := make([]compensationTarget, 0, len(executed))
	for _, ex := range executed {
		targets = append(targets, compensationTarget{
			stepID: ex.stepID,
			name:   ex.step.Name,
			order:  ex.step.Order,
			data:   ex.compData,
			fn:     ex.step.Compensate,
		})
	}
	w := walker{
		sagaType: o.sagaType,
		log:      o.log,
		logger:   logger,
		observer: o.observer,
		tracer:   o.tracer,
	}
	report, err := w.compensate(ctx, logID, SagaInProgress, targets, cause.Error())
	if err != nil {
		if report == nil {
			o.markFailed(ctx, logger, logID, cause.Error())
		}
		return errors.Join(stepErr, err)
	}
	o.observer.SagaFinished(o.sagaType, SagaCompensated, o.now().Sub(started))
	return stepErr
}

// markFailed is a best-effort attempt to leave a FAILED marker when the log
// itself refused a write.
func (o *Orchestrator) markFailed(ctx context.Context, logger zerolog.Logger, logID int64, msg string) {
	if err := o.log.UpdateSagaState(ctx, logID, SagaFailed, nil, msg); err != nil {
		logger.Error().Err(err).Msg("could not record saga failure")
		return
	}
	o.observer.SagaFinished(o.sagaType, SagaFailed, 0)
}

func (o *Orchestrator) abort(_ context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error().Err(err).Str("saga_type", o.sagaType).Msg("saga aborted")
	return err
}
