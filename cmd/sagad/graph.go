package main

import (
	"context"
	"fmt"

	"github.com/fortressi/saga/internal/config"
	"github.com/spf13/cobra"
)

func (c *cli) graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph [saga-type]",
		Short: "Print a saga definition as Graphviz DOT, or list the saga types",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			// Definitions do not touch storage until they run.
			cfg.Store.Driver = config.DriverMemory
			cfg.Redis.Addr = ""
			d, err := wire(context.Background(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, t := range d.registry.SagaTypes() {
					fmt.Fprintln(out, t)
				}
				return nil
			}

			def, err := d.service.Definition(args[0])
			if err != nil {
				return err
			}
			g, err := def.Graph()
			if err != nil {
				return err
			}
			dot, err := g.ExportToDot(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, dot)
			return nil
		},
	}
}
