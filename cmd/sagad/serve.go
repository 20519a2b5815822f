package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortressi/saga/internal/admin"
	"github.com/fortressi/saga/internal/sweeper"
	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the pending saga sweeper",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("addr", "", "admin API listen address")
	_ = c.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := c.config()
		if err != nil {
			return err
		}
		d, err := wire(ctx, cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			if err := d.Close(); err != nil {
				d.logger.Error().Err(err).Msg("close stores")
			}
		}()
		return serve(ctx, d)
	}
	return cmd
}

// serve blocks until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, d *deps) error {
	sw, err := sweeper.New(d.recovery, d.metrics, d.logger, sweeper.Config{
		Cron:       d.cfg.Recovery.Cron,
		Limit:      d.cfg.Recovery.PendingLimit,
		StaleAfter: d.cfg.Recovery.StaleAfter,
	})
	if err != nil {
		return err
	}
	// Populate the pending gauge before the first tick.
	if _, err := sw.Scan(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("initial pending saga scan failed")
	}
	sw.Start()

	api := admin.New(d.recovery, d.locker,
		admin.WithLogger(d.logger),
		admin.WithMetrics(d.metrics.Handler()),
		admin.WithHealthCheck(d.ping),
	)
	srv := &http.Server{
		Addr:    d.cfg.HTTP.Addr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().Str("addr", srv.Addr).Msg("admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		sw.Stop(context.Background())
		return err
	case <-ctx.Done():
	}

	d.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	sw.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
