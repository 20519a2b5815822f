package pglog

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS saga_logs (
		log_id        BIGSERIAL PRIMARY KEY,
		saga_type     TEXT NOT NULL,
		saga_id       TEXT NOT NULL,
		state         TEXT NOT NULL,
		payload       JSONB,
		result        JSONB,
		error_message TEXT,
		current_step  INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS saga_logs_saga_id_idx ON saga_logs (saga_id)`,
	`CREATE INDEX IF NOT EXISTS saga_logs_state_idx ON saga_logs (state, created_at)`,
	`CREATE TABLE IF NOT EXISTS saga_steps (
		step_id           BIGSERIAL PRIMARY KEY,
		log_id            BIGINT NOT NULL REFERENCES saga_logs (log_id),
		step_name         TEXT NOT NULL,
		step_order        INTEGER NOT NULL,
		state             TEXT NOT NULL,
		payload           JSONB,
		result            JSONB,
		compensation_data JSONB,
		error_message     TEXT,
		started_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS saga_steps_log_id_idx ON saga_steps (log_id, step_order)`,
}

// Migrate creates the saga_logs and saga_steps tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
