package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/handlers"
	"github.com/ekaya-inc/settlement-engine/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	migrate bool
	once    bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation scheduler",
		RunE: root.withConfig(func(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) error {
			if opts.migrate {
				if err := database.MigrateURL(cfg.Database.URL(), cfg.MigrationsPath, logger); err != nil {
					return err
				}
			}

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if opts.once {
				return runOnce(cmd.Context(), app)
			}
			return serve(cmd.Context(), app)
		}),
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "Apply pending database migrations before starting")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single reconciliation cycle, wait for it and exit")
	return cmd
}

// runOnce dispatches one cycle and waits for every supplier task.
func runOnce(ctx context.Context, app *App) error {
	n, err := app.Scheduler.RunCycle(ctx)
	if err != nil {
		return err
	}
	app.Logger.Info("Waiting for supplier tasks", zap.Int("enqueued", n))
	waitErr := app.Scheduler.Wait(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := app.Scheduler.Stop(stopCtx); err != nil {
		app.Logger.Error("Scheduler shutdown failed", zap.Error(err))
	}
	return waitErr
}

// NewRouter registers every API route on a new mux.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()
	scope := handlers.ScopeMiddleware(database.WithScopeMiddleware(app.DB, app.Logger))

	handlers.NewHealthHandler(app.Config, app.DB, app.Logger).RegisterRoutes(mux)
	handlers.NewRunHandler(app.Review, app.Logger).RegisterRoutes(mux, scope)
	handlers.NewAlertHandler(app.Alerts, app.Logger).RegisterRoutes(mux, scope)
	handlers.NewSupplierHandler(app.Suppliers, app.Inbox, app.Scheduler, app.Logger).RegisterRoutes(mux, scope)

	return middleware.Recoverer(app.Logger)(middleware.RequestLogger(app.Logger)(mux))
}

// serve runs the API and the scheduler until ctx is cancelled, then drains both.
func serve(ctx context.Context, app *App) error {
	cfg := app.Config
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		app.Scheduler.Start(ctx)
	} else {
		app.Logger.Info("Scheduler disabled; only manual triggers and pushed files will run")
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("Starting settlement-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version),
			zap.String("base_url", cfg.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		app.Logger.Info("Shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	// Cancelled runs are recorded as failed and retried on the next start.
	if err := app.Scheduler.Stop(shutdownCtx); err != nil {
		app.Logger.Error("Scheduler shutdown failed", zap.Error(err))
	}
	return serveErr
}
