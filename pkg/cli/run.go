package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
)

type runOptions struct {
	supplier string
	file     string
	date     string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile one local settlement file and print the run summary",
		RunE: root.withApp(func(cmd *cobra.Command, app *App) error {
			ctx, cleanup, err := app.DB.WithScope(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			cfg, err := app.Suppliers.Get(ctx, opts.supplier)
			if err != nil {
				return err
			}

			content, err := os.ReadFile(opts.file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", opts.file, err)
			}
			name := filepath.Base(opts.file)

			var date time.Time
			switch {
			case opts.date != "":
				if date, err = time.Parse(time.DateOnly, opts.date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			default:
				var ok bool
				if date, ok = cfg.DateFromFilename(name); !ok {
					return fmt.Errorf("cannot infer the settlement date from %s; pass --date", name)
				}
			}

			summary, runErr := app.Reconciler.ProcessFile(ctx, cfg, fetcher.FetchedFile{
				Name:           name,
				Content:        content,
				SettlementDate: date,
				Identifier:     fetcher.Identify(cfg, name, date, content),
			})
			if summary != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					app.Logger.Error("Failed to write run summary", zap.Error(err))
				}
			}
			return runErr
		}),
	}
	cmd.Flags().StringVar(&opts.supplier, "supplier", "", "Supplier code")
	cmd.Flags().StringVar(&opts.file, "file", "", "Path to the settlement file")
	cmd.Flags().StringVar(&opts.date, "date", "", "Settlement date (YYYY-MM-DD); inferred from the filename pattern when omitted")
	_ = cmd.MarkFlagRequired("supplier")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
