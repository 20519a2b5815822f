package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortressi/saga"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserveSagaRuns(t *testing.T) {
	m := New()
	undo := func(context.Context, saga.Data) (saga.CompensationOutcome, error) {
		return saga.CompensationOutcome{}, errors.New("cannot undo")
	}
	ok := func(context.Context, saga.Data) (saga.Outcome, error) {
		return saga.Outcome{}, nil
	}
	fail := func(context.Context, saga.Data) (saga.Outcome, error) {
		return saga.Outcome{}, errors.New("declined")
	}

	o := saga.New("order_creation", saga.NewMemoryLog(), saga.WithObserver(m)).
		AddStep("reserve", ok, undo, nil).
		AddStep("pay", fail, nil, nil)
	_, err := o.Execute(context.Background(), "", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("order_creation", "COMPENSATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("order_creation", "reserve", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("order_creation", "pay", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensationFailures.WithLabelValues("order_creation", "reserve")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.SagaFinished("cart_add", saga.SagaCompleted, 20*time.Millisecond)
	m.SetPending(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `saga_runs_total{saga_type="cart_add",state="COMPLETED"} 1`)
	assert.Contains(t, string(body), "saga_pending_instances 3")
}
