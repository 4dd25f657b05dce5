package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: root.withConfig(func(_ *cobra.Command, cfg *config.Config, logger *zap.Logger) error {
			return database.MigrateURL(cfg.Database.URL(), cfg.MigrationsPath, logger)
		}),
	}
}
