package admin

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testEnv struct {
	log      *saga.MemoryLog
	registry *saga.Registry
	server   *httptest.Server
	locker   *lock.Local
	fail     *atomic.Bool
	undone   *atomic.Int32
}

// newEnv registers a two-step "checkout" saga whose second step fails while
// fail is set. Runs are not compensated, so failures stay FAILED.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		log:      saga.NewMemoryLog(),
		registry: saga.NewRegistry(),
		locker:   lock.NewLocal(time.Minute),
		fail:     &atomic.Bool{},
		undone:   &atomic.Int32{},
	}
	factory := func() *saga.Orchestrator {
		return saga.New("checkout", env.log, saga.WithRegistry(env.registry), saga.WithoutCompensation()).
			AddStep("reserve", func(context.Context, saga.Data) (saga.Outcome, error) {
				return saga.Outcome{Data: saga.Data{"reserved": true}}, nil
			}, func(context.Context, saga.Data) (saga.CompensationOutcome, error) {
				env.undone.Add(1)
				return saga.CompensationOutcome{Message: "released"}, nil
			}, nil).
			AddStep("charge", func(context.Context, saga.Data) (saga.Outcome, error) {
				if env.fail.Load() {
					return saga.Outcome{}, errors.New("card declined")
				}
				return saga.Outcome{Data: saga.Data{"charged": true}}, nil
			}, nil, nil)
	}
	require.NoError(t, env.registry.RegisterDefinition("checkout", factory))

	srv := New(saga.NewRecovery(env.log, env.registry), env.locker,
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("saga_runs_total 1\n"))
		})))
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

// run executes the checkout saga, failing it when fail is true.
func (e *testEnv) run(t *testing.T, fail bool) int64 {
	t.Helper()
	e.fail.Store(fail)
	o, err := e.registry.Definition("checkout")
	require.NoError(t, err)
	res, err := o.Execute(context.Background(), "", saga.Data{"cart": "c1"})
	if fail {
		require.Error(t, err)
		page, err := e.log.ListSagas(context.Background(), saga.Filter{Limit: 1})
		require.NoError(t, err)
		return page.Items[0].LogID
	}
	require.NoError(t, err)
	return res.LogID
}

func (e *testEnv) do(t *testing.T, method, path string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestGetAndTrackSaga(t *testing.T) {
	env := newEnv(t)
	logID := env.run(t, false)

	status, body := env.do(t, http.MethodGet, "/sagas/"+strconv.FormatInt(logID, 10))
	require.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)

	var inst saga.Instance
	require.NoError(t, json.Unmarshal(body.Data, &inst))
	assert.Equal(t, saga.SagaCompleted, inst.State)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, "charge", inst.Steps[0].StepName, "most recent step first")

	status, body = env.do(t, http.MethodGet, "/sagas/track/"+inst.SagaID)
	require.Equal(t, http.StatusOK, status)
	var tracked saga.Instance
	require.NoError(t, json.Unmarshal(body.Data, &tracked))
	assert.Equal(t, logID, tracked.LogID)

	status, body = env.do(t, http.MethodGet, "/sagas/999")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)

	status, _ = env.do(t, http.MethodGet, "/sagas/abc")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListSagas(t *testing.T) {
	env := newEnv(t)
	for range 3 {
		env.run(t, false)
	}
	env.run(t, true)

	status, body := env.do(t, http.MethodGet, "/sagas?limit=2&page=1")
	require.Equal(t, http.StatusOK, status)
	var page saga.Page
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Limit)

	status, body = env.do(t, http.MethodGet, "/sagas?state=FAILED")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, saga.DefaultPageLimit, page.Limit)

	status, _ = env.do(t, http.MethodGet, "/sagas?state=BOGUS")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/sagas?limit=0")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodGet, "/sagas?limit=500")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Equal(t, saga.MaxPageLimit, page.Limit)

	status, body = env.do(t, http.MethodGet, "/sagas?page="+strconv.Itoa(math.MaxInt))
	require.Equal(t, http.StatusOK, status)
	page = saga.Page{}
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Equal(t, saga.MaxPage, page.Page)
	assert.Empty(t, page.Items)
}

func TestRetrySaga(t *testing.T) {
	env := newEnv(t)
	completed := env.run(t, false)
	failed := env.run(t, true)

	status, body := env.do(t, http.MethodPost, "/sagas/"+strconv.FormatInt(completed, 10)+"/retry")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body.Error, "FAILED")

	status, body = env.do(t, http.MethodPost, "/sagas/"+strconv.FormatInt(failed, 10)+"/retry")
	assert.Equal(t, http.StatusUnprocessableEntity, status, "still failing")
	assert.Equal(t, "card declined", body.Error)

	env.fail.Store(false)
	status, body = env.do(t, http.MethodPost, "/sagas/"+strconv.FormatInt(failed, 10)+"/retry")
	require.Equal(t, http.StatusOK, status)
	var res saga.Result
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, saga.Data{"charged": true}, res.Data)
}

func TestCompensateSaga(t *testing.T) {
	env := newEnv(t)
	failed := env.run(t, true)
	path := "/sagas/" + strconv.FormatInt(failed, 10) + "/compensate"

	status, body := env.do(t, http.MethodPost, path)
	require.Equal(t, http.StatusOK, status)
	var report saga.CompensationReport
	require.NoError(t, json.Unmarshal(body.Data, &report))
	assert.Equal(t, []string{"reserve"}, report.Compensated)
	assert.EqualValues(t, 1, env.undone.Load())

	inst, err := env.log.GetSagaLog(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, saga.SagaCompensated, inst.State)

	status, _ = env.do(t, http.MethodPost, path)
	assert.Equal(t, http.StatusConflict, status, "already compensated")
	assert.EqualValues(t, 1, env.undone.Load())
}

func TestAdminOperationsAreLocked(t *testing.T) {
	env := newEnv(t)
	failed := env.run(t, true)

	release, err := env.locker.TryLock(context.Background(), lock.AdminKey(failed))
	require.NoError(t, err)

	status, body := env.do(t, http.MethodPost, "/sagas/"+strconv.FormatInt(failed, 10)+"/compensate")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body.Error, "held")
	assert.Zero(t, env.undone.Load())

	require.NoError(t, release(context.Background()))
	status, _ = env.do(t, http.MethodPost, "/sagas/"+strconv.FormatInt(failed, 10)+"/compensate")
	assert.Equal(t, http.StatusOK, status)
}

func TestPendingAndHealth(t *testing.T) {
	env := newEnv(t)
	env.run(t, true)
	_, err := env.log.CreateSagaLog(context.Background(), "checkout", "stuck", saga.Data{})
	require.NoError(t, err)

	status, body := env.do(t, http.MethodGet, "/sagas/system/pending")
	require.Equal(t, http.StatusOK, status)
	var pending []saga.Instance
	require.NoError(t, json.Unmarshal(body.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "stuck", pending[0].SagaID)

	status, body = env.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthCheckFailure(t *testing.T) {
	srv := New(saga.NewRecovery(saga.NewMemoryLog(), saga.NewRegistry()), lock.NewLocal(time.Second),
		WithHealthCheck(func(context.Context) error { return errors.New("database unreachable") }))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database unreachable")
}
