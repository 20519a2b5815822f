// Package pglog is a saga.Log backed by PostgreSQL.
package pglog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortressi/saga"
	"github.com/lib/pq"
)

// Store implements saga.Log on two tables, saga_logs and saga_steps. Every
// mutation runs in one transaction that locks the parent saga_logs row, so
// a step change and the currentStep counter move together.
type Store struct {
	db *sql.DB
}

var _ saga.Log = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the lib/pq driver.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSagaLog implements saga.Log.
func (s *Store) CreateSagaLog(ctx context.Context, sagaType, sagaID string, payload saga.Data) (int64, error) {
	raw, err := encode(payload)
	if err != nil {
		return 0, err
	}
	var logID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO saga_logs (saga_type, saga_id, state, payload, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		RETURNING log_id
	`, sagaType, sagaID, string(saga.SagaStarted), raw).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("insert saga log: %w", err)
	}
	return logID, nil
}

// UpdateSagaState implements saga.Log.
func (s *Store) UpdateSagaState(ctx context.Context, logID int64, state saga.SagaState, result saga.Data, errorMessage string) error {
	raw, err := encode(result)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lockLog(ctx, tx, logID)
		if err != nil {
			return err
		}
		if current.IsFinal() {
			return fmt.Errorf("saga log %d: %w", logID, saga.ErrTerminalState)
		}
		if !current.CanTransition(state) {
			return fmt.Errorf("saga log %d: %w: saga %s -> %s", logID, saga.ErrIllegalTransition, current, state)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE saga_logs
			SET state = $2,
				result = COALESCE($3, result),
				error_message = COALESCE($4, error_message),
				current_step = current_step + 1,
				updated_at = NOW(),
				completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END
			WHERE log_id = $1
		`, logID, string(state), raw, nullString(errorMessage), state.IsTerminal())
		if err != nil {
			return fmt.Errorf("update saga log: %w", err)
		}
		return nil
	})
}

// AddSagaStep implements saga.Log.
func (s *Store) AddSagaStep(ctx context.Context, logID int64, stepName string, stepOrder int, payload saga.Data) (int64, error) {
	raw, err := encode(payload)
	if err != nil {
		return 0, err
	}
	var stepID int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lockLog(ctx, tx, logID)
		if err != nil {
			return err
		}
		if current.IsFinal() {
			return fmt.Errorf("saga log %d: %w", logID, saga.ErrTerminalState)
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO saga_steps (log_id, step_name, step_order, state, payload, started_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			RETURNING step_id
		`, logID, stepName, stepOrder, string(saga.StepPending), raw).Scan(&stepID)
		if err != nil {
			return fmt.Errorf("insert saga step: %w", err)
		}
		return bumpLog(ctx, tx, logID)
	})
	return stepID, err
}

// CompleteStep implements saga.Log.
func (s *Store) CompleteStep(ctx context.Context, stepID int64, result, compensationData saga.Data) error {
	if compensationData == nil {
		compensationData = result
	}
	rawResult, err := encode(result)
	if err != nil {
		return err
	}
	rawComp, err := encode(compensationData)
	if err != nil {
		return err
	}
	return s.updateStep(ctx, stepID, saga.StepCompleted, `
		UPDATE saga_steps
		SET state = $2, result = $3, compensation_data = $4, completed_at = NOW()
		WHERE step_id = $1
	`, rawResult, rawComp)
}

// FailStep implements saga.Log.
func (s *Store) FailStep(ctx context.Context, stepID int64, errorMessage string) error {
	return s.updateStep(ctx, stepID, saga.StepFailed, `
		UPDATE saga_steps
		SET state = $2, error_message = $3, completed_at = NOW()
		WHERE step_id = $1
	`, errorMessage)
}

// CompensateStep implements saga.Log.
func (s *Store) CompensateStep(ctx context.Context, stepID int64, result saga.Data) error {
	raw, err := encode(result)
	if err != nil {
		return err
	}
	return s.updateStep(ctx, stepID, saga.StepCompensated, `
		UPDATE saga_steps
		SET state = $2, result = $3, completed_at = NOW()
		WHERE step_id = $1
	`, raw)
}

var stepTransitions = map[saga.StepState][]saga.StepState{
	saga.StepPending:   {saga.StepCompleted, saga.StepFailed},
	saga.StepCompleted: {saga.StepCompensated},
}

func (s *Store) updateStep(ctx context.Context, stepID int64, next saga.StepState, query string, args ...any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			logID     int64
			stepState string
			logState  string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT s.log_id, s.state, l.state
			FROM saga_steps s
			JOIN saga_logs l ON l.log_id = s.log_id
			WHERE s.step_id = $1
			FOR UPDATE
		`, stepID).Scan(&logID, &stepState, &logState)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("saga step %d: %w", stepID, saga.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select saga step: %w", err)
		}
		if saga.SagaState(logState).IsFinal() {
			return fmt.Errorf("saga log %d: %w", logID, saga.ErrTerminalState)
		}
		if !allowed(saga.StepState(stepState), next) {
			return fmt.Errorf("saga step %d: %w: step %s -> %s", stepID, saga.ErrIllegalTransition, stepState, next)
		}
		if _, err := tx.ExecContext(ctx, query, append([]any{stepID, string(next)}, args...)...); err != nil {
			return fmt.Errorf("update saga step: %w", err)
		}
		return bumpLog(ctx, tx, logID)
	})
}

func allowed(from, to saga.StepState) bool {
	for _, s := range stepTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const logColumns = `log_id, saga_type, saga_id, state, payload, result, error_message, current_step, created_at, updated_at, completed_at`

// GetSagaLog implements saga.Log.
func (s *Store) GetSagaLog(ctx context.Context, logID int64) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM saga_logs WHERE log_id = $1`, logID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga log %d: %w", logID, saga.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return inst, s.attachSteps(ctx, inst)
}

// GetSagaLogBySagaID implements saga.Log.
func (s *Store) GetSagaLogBySagaID(ctx context.Context, sagaID string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+logColumns+`
		FROM saga_logs
		WHERE saga_id = $1
		ORDER BY log_id DESC
		LIMIT 1
	`, sagaID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return inst, s.attachSteps(ctx, inst)
}

// GetPendingSagas implements saga.Log. A limit of zero or less returns every
// pending instance.
func (s *Store) GetPendingSagas(ctx context.Context, limit int) ([]*saga.Instance, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	pending := []string{string(saga.SagaStarted), string(saga.SagaInProgress), string(saga.SagaCompensating)}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM saga_logs
		WHERE state = ANY($1)
		ORDER BY created_at ASC, log_id ASC
		LIMIT $2
	`, pq.Array(pending), lim)
	if err != nil {
		return nil, fmt.Errorf("query pending sagas: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListSagas implements saga.Log.
func (s *Store) ListSagas(ctx context.Context, filter saga.Filter) (*saga.Page, error) {
	filter = filter.Normalize()
	page := &saga.Page{Page: filter.Page, Limit: filter.Limit}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM saga_logs
		WHERE ($1 = '' OR state = $1) AND ($2 = '' OR saga_type = $2)
	`, string(filter.State), filter.SagaType).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("count sagas: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM saga_logs
		WHERE ($1 = '' OR state = $1) AND ($2 = '' OR saga_type = $2)
		ORDER BY log_id DESC
		LIMIT $3 OFFSET $4
	`, string(filter.State), filter.SagaType, filter.Limit, filter.Offset())
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	page.Items, err = scanInstances(rows)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Store) attachSteps(ctx context.Context, inst *saga.Instance) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, log_id, step_name, step_order, state, payload, result,
			compensation_data, error_message, started_at, completed_at
		FROM saga_steps
		WHERE log_id = $1
		ORDER BY step_order DESC, step_id DESC
	`, inst.LogID)
	if err != nil {
		return fmt.Errorf("query saga steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                       saga.StepRecord
			state                     string
			payload, result, compData []byte
			errMsg                    sql.NullString
			completedAt               sql.NullTime
		)
		if err := rows.Scan(&rec.StepID, &rec.LogID, &rec.StepName, &rec.StepOrder, &state,
			&payload, &result, &compData, &errMsg, &rec.StartedAt, &completedAt); err != nil {
			return fmt.Errorf("scan saga step: %w", err)
		}
		rec.State = saga.StepState(state)
		rec.ErrorMessage = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		if rec.Payload, err = decode(payload); err != nil {
			return err
		}
		if rec.Result, err = decode(result); err != nil {
			return err
		}
		if rec.CompensationData, err = decode(compData); err != nil {
			return err
		}
		inst.Steps = append(inst.Steps, rec)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*saga.Instance, error) {
	var (
		inst            saga.Instance
		state           string
		payload, result []byte
		errMsg          sql.NullString
		completedAt     sql.NullTime
	)
	err := row.Scan(&inst.LogID, &inst.SagaType, &inst.SagaID, &state, &payload, &result,
		&errMsg, &inst.CurrentStep, &inst.CreatedAt, &inst.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan saga log: %w", err)
	}
	inst.State = saga.SagaState(state)
	inst.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	if inst.Payload, err = decode(payload); err != nil {
		return nil, err
	}
	if inst.Result, err = decode(result); err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*saga.Instance, error) {
	out := []*saga.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func lockLog(ctx context.Context, tx *sql.Tx, logID int64) (saga.SagaState, error) {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM saga_logs WHERE log_id = $1 FOR UPDATE`, logID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("saga log %d: %w", logID, saga.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lock saga log: %w", err)
	}
	return saga.SagaState(state), nil
}

func bumpLog(ctx context.Context, tx *sql.Tx, logID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE saga_logs SET current_step = current_step + 1, updated_at = NOW() WHERE log_id = $1
	`, logID)
	if err != nil {
		return fmt.Errorf("advance saga log: %w", err)
	}
	return nil
}

// encode returns the JSON text of d, or nil for SQL NULL. lib/pq sends
// []byte parameters as bytea, so JSONB values go over the wire as strings.
func encode(d saga.Data) (any, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return string(raw), nil
}

func decode(raw []byte) (saga.Data, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var d saga.Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
