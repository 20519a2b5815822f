package pglog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fortressi/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	logCols  = []string{"log_id", "saga_type", "saga_id", "state", "payload", "result", "error_message", "current_step", "created_at", "updated_at", "completed_at"}
	stepCols = []string{"step_id", "log_id", "step_name", "step_order", "state", "payload", "result", "compensation_data", "error_message", "started_at", "completed_at"}
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestStoreCreateSagaLog(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(q("INSERT INTO saga_logs")).
		WithArgs("cart_add", "s-1", "STARTED", `{"quantity":2}`).
		WillReturnRows(sqlmock.NewRows([]string{"log_id"}).AddRow(int64(42)))

	logID, err := store.CreateSagaLog(context.Background(), "cart_add", "s-1", saga.Data{"quantity": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(42), logID)
}

func TestStoreUpdateSagaStateStampsTerminal(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT state FROM saga_logs WHERE log_id = $1 FOR UPDATE")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("IN_PROGRESS"))
	mock.ExpectExec(q("UPDATE saga_logs")).
		WithArgs(int64(1), "COMPLETED", `{"done":true}`, nil, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.UpdateSagaState(context.Background(), 1, saga.SagaCompleted, saga.Data{"done": true}, "")
	require.NoError(t, err)
}

func TestStoreUpdateSagaStateRejectsTerminal(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT state FROM saga_logs")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("COMPENSATED"))
	mock.ExpectRollback()

	err := store.UpdateSagaState(context.Background(), 1, saga.SagaInProgress, nil, "")
	assert.ErrorIs(t, err, saga.ErrTerminalState)
}

func TestStoreUpdateSagaStateRejectsIllegal(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT state FROM saga_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("STARTED"))
	mock.ExpectRollback()

	err := store.UpdateSagaState(context.Background(), 1, saga.SagaCompensated, nil, "")
	assert.ErrorIs(t, err, saga.ErrIllegalTransition)
}

func TestStoreAddSagaStep(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT state FROM saga_logs")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("IN_PROGRESS"))
	mock.ExpectQuery(q("INSERT INTO saga_steps")).
		WithArgs(int64(3), "reserve_inventory", 2, "PENDING", `{"cart_id":"c"}`).
		WillReturnRows(sqlmock.NewRows([]string{"step_id"}).AddRow(int64(9)))
	mock.ExpectExec(q("UPDATE saga_logs SET current_step = current_step + 1")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stepID, err := store.AddSagaStep(context.Background(), 3, "reserve_inventory", 2, saga.Data{"cart_id": "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), stepID)
}

func TestStoreCompleteStepDefaultsCompensationData(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM saga_steps s")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"log_id", "state", "state"}).AddRow(int64(3), "PENDING", "IN_PROGRESS"))
	mock.ExpectExec(q("UPDATE saga_steps")).
		WithArgs(int64(9), "COMPLETED", `{"order_id":"o-1"}`, `{"order_id":"o-1"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE saga_logs SET current_step")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.CompleteStep(context.Background(), 9, saga.Data{"order_id": "o-1"}, nil)
	require.NoError(t, err)
}

func TestStoreStepMutationChecksStates(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal parent", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q("FROM saga_steps s")).
			WillReturnRows(sqlmock.NewRows([]string{"log_id", "state", "state"}).AddRow(int64(3), "COMPLETED", "COMPLETED"))
		mock.ExpectRollback()

		err := store.CompensateStep(ctx, 9, saga.Data{"message": "x"})
		assert.ErrorIs(t, err, saga.ErrTerminalState)
	})

	t.Run("illegal step transition", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q("FROM saga_steps s")).
			WillReturnRows(sqlmock.NewRows([]string{"log_id", "state", "state"}).AddRow(int64(3), "FAILED", "COMPENSATING"))
		mock.ExpectRollback()

		err := store.CompensateStep(ctx, 9, nil)
		assert.ErrorIs(t, err, saga.ErrIllegalTransition)
	})

	t.Run("missing step", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q("FROM saga_steps s")).
			WillReturnRows(sqlmock.NewRows([]string{"log_id", "state", "state"}))
		mock.ExpectRollback()

		err := store.FailStep(ctx, 9, "boom")
		assert.ErrorIs(t, err, saga.ErrNotFound)
	})
}

func TestStoreGetSagaLogWithSteps(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(time.Second)

	mock.ExpectQuery(q("FROM saga_logs WHERE log_id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(logCols).AddRow(
			int64(5), "order_creation", "s-5", "COMPENSATED", []byte(`{"user_id":"u"}`), []byte(`{"compensated":["a"]}`),
			"payment declined", 7, created, done, done,
		))
	mock.ExpectQuery(q("FROM saga_steps")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow(int64(11), int64(5), "process_payment", 1, "FAILED", []byte(`{}`), nil, nil, "payment declined", created, done).
			AddRow(int64(10), int64(5), "reserve_inventory", 0, "COMPENSATED", []byte(`{}`), []byte(`{"message":"restored"}`), []byte(`{"items":[]}`), nil, created, done))

	inst, err := store.GetSagaLog(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, saga.SagaCompensated, inst.State)
	assert.Equal(t, "payment declined", inst.ErrorMessage)
	assert.Equal(t, saga.Data{"user_id": "u"}, inst.Payload)
	assert.Equal(t, 7, inst.CurrentStep)
	require.NotNil(t, inst.CompletedAt)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, "process_payment", inst.Steps[0].StepName)
	assert.Equal(t, saga.StepFailed, inst.Steps[0].State)
	assert.Nil(t, inst.Steps[0].Result)
	assert.Equal(t, saga.Data{"items": []any{}}, inst.Steps[1].CompensationData)
	assert.Empty(t, inst.Steps[1].ErrorMessage)
}

func TestStoreGetSagaLogNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(q("FROM saga_logs WHERE log_id = $1")).
		WillReturnRows(sqlmock.NewRows(logCols))

	_, err := store.GetSagaLog(context.Background(), 5)
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestStoreGetSagaLogBySagaID(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(q("WHERE saga_id = $1")).
		WithArgs("s-9").
		WillReturnRows(sqlmock.NewRows(logCols).AddRow(
			int64(12), "cart_add", "s-9", "COMPLETED", []byte(`{}`), nil, nil, 3, now, now, now,
		))
	mock.ExpectQuery(q("FROM saga_steps")).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows(stepCols))

	inst, err := store.GetSagaLogBySagaID(context.Background(), "s-9")
	require.NoError(t, err)
	assert.Equal(t, int64(12), inst.LogID)
	assert.Empty(t, inst.Steps)
}

func TestStoreGetPendingSagas(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(q("WHERE state = ANY($1)")).
		WithArgs(sqlmock.AnyArg(), int64(10)).
		WillReturnRows(sqlmock.NewRows(logCols).
			AddRow(int64(1), "cart_add", "a", "STARTED", nil, nil, nil, 0, now, now, nil).
			AddRow(int64(2), "order_creation", "b", "COMPENSATING", nil, nil, "x", 4, now, now, nil))

	pending, err := store.GetPendingSagas(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, saga.SagaCompensating, pending[1].State)
	assert.Nil(t, pending[0].CompletedAt)
}

func TestStoreListSagas(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(q("SELECT COUNT(*)")).
		WithArgs("FAILED", "").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
	mock.ExpectQuery(q("ORDER BY log_id DESC")).
		WithArgs("FAILED", "", 20, 20).
		WillReturnRows(sqlmock.NewRows(logCols).
			AddRow(int64(1), "cart_add", "a", "FAILED", nil, nil, "boom", 3, now, now, now))

	page, err := store.ListSagas(context.Background(), saga.Filter{State: saga.SagaFailed, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 21, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 20, page.Limit)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "boom", page.Items[0].ErrorMessage)
}

func TestStoreMigrate(t *testing.T) {
	store, mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
}
