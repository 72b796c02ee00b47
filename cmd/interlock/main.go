package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/pkg/coordinator"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	configPath string
	dsn        string
	driver     string
	logLevel   string
}

func rootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "interlock",
		Short:         "Transactional sequences, slot claims and validation reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ./interlock.yaml or ~/.config/interlock/interlock.yaml)")
	flags.StringVar(&a.dsn, "dsn", "", "database DSN, overrides database.dsn")
	flags.StringVar(&a.driver, "driver", "", "database driver (sqlite or postgres), overrides database.driver")
	flags.StringVar(&a.logLevel, "log-level", "", "log level, overrides log.level")

	cmd.AddCommand(
		configCmd(a),
		migrateCmd(a),
		seqCmd(a),
		claimCmd(a),
		slotsCmd(a),
		validationCmd(a),
	)
	return cmd
}

// load resolves the config from file, env and the flags set on cmd.
func (a *app) load(cmd *cobra.Command) (config.Config, error) {
	v, err := config.NewViper(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	for key, name := range map[string]string{
		"database.dsn":    "dsn",
		"database.driver": "driver",
		"log.level":       "log-level",
	} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}
	return config.Decode(v)
}

// open loads the config and opens a coordinator logging to stderr.
func (a *app) open(cmd *cobra.Command) (*coordinator.Coordinator, error) {
	cfg, err := a.load(cmd)
	if err != nil {
		return nil, err
	}
	log := cfg.Log.Logger(cmd.ErrOrStderr())
	return coordinator.Open(cmd.Context(), cfg, coordinator.WithLogger(log))
}

// withCoordinator opens a coordinator for the duration of fn.
func (a *app) withCoordinator(cmd *cobra.Command, fn func(ctx context.Context, c *coordinator.Coordinator) error) error {
	c, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
