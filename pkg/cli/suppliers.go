package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/suppliers"
)

func newSuppliersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppliers",
		Short: "Manage supplier configurations",
	}
	cmd.AddCommand(newSuppliersValidateCmd(), newSuppliersSyncCmd(root))
	return cmd
}

func newSuppliersValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a supplier YAML file without touching the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := suppliers.LoadFile(file)
			if err != nil {
				return err
			}
			all := store.All()
			enabled := 0
			for _, cfg := range all {
				if cfg.Enabled {
					enabled++
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d suppliers valid (%d enabled)\n", file, len(all), enabled)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Supplier YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSuppliersSyncCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert every supplier in a YAML file into the supplier_configs table",
		RunE: root.withApp(func(cmd *cobra.Command, app *App) error {
			store, err := suppliers.LoadFile(file)
			if err != nil {
				return err
			}

			ctx, cleanup, err := app.DB.WithScope(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			all := store.All()
			err = app.DB.InTx(ctx, func(ctx context.Context) error {
				for _, cfg := range all {
					if err := app.SupplierRepo.Upsert(ctx, cfg); err != nil {
						return fmt.Errorf("supplier %s: %w", cfg.SupplierCode, err)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, cfg := range all {
				if _, err := fmt.Fprintf(out, "%s\tversion %d\tenabled=%t\n", cfg.SupplierCode, cfg.Version, cfg.Enabled); err != nil {
					return err
				}
			}
			app.Logger.Info("Synced supplier configs", zap.String("file", file), zap.Int("count", len(all)))
			return nil
		}),
	}
	cmd.Flags().StringVar(&file, "file", "", "Supplier YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
