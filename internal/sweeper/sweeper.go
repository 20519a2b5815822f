// Package sweeper periodically scans the durable log for saga instances a
// crash may have left unfinished. It reports them; it never retries or
// compensates on its own.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/fortressi/saga"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Gauge receives the number of pending instances found by a scan.
type Gauge interface {
	SetPending(n int)
}

// Config controls the scan schedule.
type Config struct {
	// Cron is a standard five-field cron expression.
	Cron       string
	Limit      int
	StaleAfter time.Duration
}

// Scan is the outcome of one sweep.
type Scan struct {
	Pending int
	Stale   []*saga.Instance
}

// Sweeper runs Scan on a cron schedule.
type Sweeper struct {
	source interface {
		PendingSagas(ctx context.Context, limit int) ([]*saga.Instance, error)
	}
	gauge  Gauge
	logger zerolog.Logger
	cfg    Config
	now    func() time.Time
	cron   *cron.Cron
}

// New builds a Sweeper reading pending instances from recovery. gauge may be
// nil.
func New(recovery *saga.Recovery, gauge Gauge, logger zerolog.Logger, cfg Config) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}

	s := &Sweeper{
		source: recovery,
		gauge:  gauge,
		logger: logger.With().Str("component", "sweeper").Logger(),
		cfg:    cfg,
		now:    time.Now,
		cron:   cron.New(cron.WithParser(parser)),
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Scan(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("pending saga scan failed")
		}
	}))
	return s, nil
}

// Start begins running scans in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running scan, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Scan reads the pending instances once, updates the gauge and warns about
// the ones untouched for longer than StaleAfter.
func (s *Sweeper) Scan(ctx context.Context) (*Scan, error) {
	pending, err := s.source.PendingSagas(ctx, s.cfg.Limit)
	if err != nil {
		return nil, err
	}
	if s.gauge != nil {
		s.gauge.SetPending(len(pending))
	}

	out := &Scan{Pending: len(pending)}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	for _, inst := range pending {
		if inst.UpdatedAt.After(cutoff) {
			continue
		}
		out.Stale = append(out.Stale, inst)
		s.logger.Warn().
			Int64("log_id", inst.LogID).
			Str("saga_type", inst.SagaType).
			Str("saga_id", inst.SagaID).
			Str("state", string(inst.State)).
			Time("updated_at", inst.UpdatedAt).
			Msg("saga instance looks stuck; retry or compensate it from the admin API")
	}
	s.logger.Debug().Int("pending", out.Pending).Int("stale", len(out.Stale)).Msg("pending saga scan")
	return out, nil
}
