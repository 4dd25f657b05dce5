// Package cli is the recon command-line interface.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/logging"
)

type rootOptions struct {
	configFile string
	version    string
}

// NewRootCmd builds the recon command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{version: version}

	root := &cobra.Command{
		Use:           "recon",
		Short:         "Multi-supplier settlement reconciliation engine",
		Long:          "Fetches supplier settlement files, reconciles them against the internal ledger and raises alerts on variances.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"Config file path (default $RECON_CONFIG or "+config.DefaultConfigPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newMigrateCmd(opts),
		newSuppliersCmd(opts),
	)
	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context, version string) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	return NewRootCmd(version).ExecuteContext(ctx)
}

// withConfig loads configuration and a logger before running fn.
func (o *rootOptions) withConfig(fn func(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(o.configFile, o.version)
		if err != nil {
			return err
		}
		logger, err := logging.NewLogger(cfg.Env)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return fn(cmd, cfg, logger.With(zap.String("command", cmd.CommandPath())))
	}
}

// withApp additionally wires the engine and closes it afterwards.
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, app *App) error) func(*cobra.Command, []string) error {
	return o.withConfig(func(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) error {
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(cmd, app)
	})
}
