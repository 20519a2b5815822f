package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fortressi/saga/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli holds what every subcommand shares: the viper instance flags are
// bound to and the optional config file path.
type cli struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:          "sagad",
		Short:        "sagad runs food-ordering workflows as sagas and lets operators recover them",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("store-driver", "", "saga log driver: memory, file or postgres")
	flags.String("store-dsn", "", "PostgreSQL DSN for the postgres driver")
	flags.String("store-file-dir", "", "directory of the file driver")
	flags.String("log-level", "", "log level")
	flags.Bool("log-pretty", false, "human readable logs")

	for key, flag := range map[string]string{
		"store.driver":   "store-driver",
		"store.dsn":      "store-dsn",
		"store.file_dir": "store-file-dir",
		"log.level":      "log-level",
		"log.pretty":     "log-pretty",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		c.serveCmd(),
		c.sagasCmd(),
		c.graphCmd(),
	)
	return root
}

func (c *cli) config() (*config.Config, error) {
	return config.Load(c.v, c.configFile)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
