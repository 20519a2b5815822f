package saga

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CompensationReport describes one compensation walk.
type CompensationReport struct {
	Compensated []string `json:"compensated"`
	Failed      []string `json:"failed"`
	// Skipped lists completed steps that had no compensation function.
	Skipped []string `json:"skipped"`
	// Err aggregates the compensation failures, nil when there were none.
	Err error `json:"-"`
}

// compensationTarget is a completed step to roll back.
type compensationTarget struct {
	stepID int64
	name   string
	order  int
	data   Data
	fn     CompensateFunc
}

// walker runs the reverse-order compensation shared by a failing run and
// the operator-triggered CompensateSaga.
type walker struct {
	sagaType string
	log      Log
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
}

// compensate moves the instance from current to COMPENSATING, undoes
// targets from last to first and records COMPENSATED with cause as the
// error message. targets must be in execution order.
//
// Compensation is best-effort: a failing compensation is recorded and the
// walk continues. The returned error is a *LogError when the log refused
// the COMPENSATING or the final COMPENSATED write. A refused COMPENSATING
// write returns a nil report: no compensation ran.
func (w walker) compensate(ctx context.Context, logID int64, current SagaState, targets []compensationTarget, cause string) (*CompensationReport, error) {
	if current != SagaCompensating {
		if err := w.log.UpdateSagaState(ctx, logID, SagaCompensating, nil, cause); err != nil {
			return nil, logFailed("compensating", err)
		}
	}
	report := &CompensationReport{
		Compensated: []string{},
		Failed:      []string{},
		Skipped:     []string{},
	}

	var failures *multierror.Error
	for i := len(targets) - 1; i >= 0; i-- {
		t := targets[i]
		logger := w.logger.With().Str("step", t.name).Logger()
		if t.fn == nil {
			report.Skipped = append(report.Skipped, t.name)
			logger.Debug().Msg("step has no compensation")
			continue
		}

		out, err := w.run(ctx, t)
		if err != nil {
			report.Failed = append(report.Failed, t.name)
			failures = multierror.Append(failures, fmt.Errorf("compensate %s: %w", t.name, err))
			w.observer.CompensationFailed(w.sagaType, t.name)
			logger.Error().Err(err).Msg("compensation failed")
			continue
		}

		msg := out.Message
		if msg == "" {
			msg = "compensated"
		}
		if err := w.log.CompensateStep(ctx, t.stepID, Data{"message": msg}); err != nil {
			logger.Error().Err(err).Msg("could not record compensated step")
		}
		report.Compensated = append(report.Compensated, t.name)
		logger.Debug().Msg("step compensated")
	}
	report.Err = failures.ErrorOrNil()

	result := Data{
		"compensated": toAnySlice(report.Compensated),
		"skipped":     toAnySlice(report.Skipped),
	}
	if report.Err != nil {
		failed := make([]any, 0, len(failures.Errors))
		for _, e := range failures.Errors {
			failed = append(failed, e.Error())
		}
		result["compensation_failures"] = failed
	}
	if err := w.log.UpdateSagaState(ctx, logID, SagaCompensated, result, cause); err != nil {
		return report, logFailed("compensated", err)
	}
	w.logger.Info().
		Int("compensated", len(report.Compensated)).
		Int("failed", len(report.Failed)).
		Msg("saga compensated")
	return report, nil
}

// run invokes one compensation, converting a panic into an error.
func (w walker) run(ctx context.Context, t compensationTarget) (out CompensationOutcome, err error) {
	ctx, span := w.tracer.Start(ctx, "compensate "+t.name, trace.WithAttributes(
		attribute.String("saga.step", t.name),
		attribute.Int("saga.step_order", t.order),
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
	return t.fn(ctx, t.data.Clone())
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
