package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/lock"
	"github.com/spf13/cobra"
)

func (c *cli) sagasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagas",
		Short: "Inspect and recover saga instances in the configured log",
	}
	cmd.AddCommand(
		c.listCmd(),
		c.showCmd(),
		c.trackCmd(),
		c.retryCmd(),
		c.compensateCmd(),
		c.pendingCmd(),
	)
	return cmd
}

// withDeps wires the service against the configured stores, writing logs to
// stderr so stdout stays machine readable.
func (c *cli) withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *deps) (any, error)) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	d, err := wire(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer d.Close()

	out, err := fn(ctx, d)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func parseLogID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid saga log id %q", arg)
	}
	return id, nil
}

func (c *cli) listCmd() *cobra.Command {
	var (
		state    string
		sagaType string
		page     int
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saga instances, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by saga state")
	cmd.Flags().StringVar(&sagaType, "type", "", "filter by saga type")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", saga.DefaultPageLimit, "page size")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		filter := saga.Filter{SagaType: sagaType, Page: page, Limit: limit}
		if state != "" {
			s, err := saga.ParseSagaState(state)
			if err != nil {
				return err
			}
			filter.State = s
		}
		return c.withDeps(cmd, func(ctx context.Context, d *deps) (any, error) {
			return d.recovery.ListSagas(ctx, filter)
		})
	}
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <log-id>",
		Short: "Show one saga instance with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLogID(args[0])
			if err != nil {
				return err
			}
			return c.withDeps(cmd, func(ctx context.Context, d *deps) (any, error) {
				return d.recovery.GetSaga(ctx, id)
			})
		},
	}
}

func (c *cli) trackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "track <saga-id>",
		Short: "Show the latest instance for a business saga id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDeps(cmd, func(ctx context.Context, d *deps) (any, error) {
				return d.recovery.TrackSaga(ctx, args[0])
			})
		},
	}
}

// lockedAdmin runs fn holding the admin lock of logID.
func lockedAdmin(ctx context.Context, d *deps, logID int64, fn func() (any, error)) (any, error) {
	release, err := d.locker.TryLock(ctx, lock.AdminKey(logID))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn().Err(err).Int64("log_id", logID).Msg("release admin lock")
		}
	}()
	return fn()
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <log-id>",
		Short: "Re-run a failed saga from the beginning with its original payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLogID(args[0])
			if err != nil {
				return err
			}
			return c.withDeps(cmd, func(ctx context.Context, d *deps) (any, error) {
				return lockedAdmin(ctx, d, id, func() (any, error) {
					return d.recovery.RetrySaga(ctx, id)
				})
			})
		},
	}
}

func (c *cli) compensateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compensate <log-id>",
		Short: "Compensate the completed steps of a failed or stuck saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLogID(args[0])
			if err != nil {
				return err
			}
			return c.withDeps(cmd, func(ctx context.Context, d *deps) (any, error) {
				return lockedAdmin(ctx, d, id, func() (any, error) {
					report, err := d.recovery.CompensateSaga(ctx, id)
					if err != nil {
						return nil, err
					}
					if report.Err != nil {
						d.logger.Warn().Err(report.Err).Int64("log_id", id).Msg("compensation incomplete")
					}
					return report, nil
				})
			})
		},
	}
}

func (c *cli) pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List instances that are still started or compensating",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&limit, "limit", saga.MaxPageLimit, "maximum number of instances")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return c.withDeps(cmd, func(ctx context.Context, d *deps) (any, error) {
			return d.recovery.PendingSagas(ctx, limit)
		})
	}
	return cmd
}
