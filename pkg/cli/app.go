package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/commission"
	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/ledger"
	"github.com/ekaya-inc/settlement-engine/pkg/logging"
	"github.com/ekaya-inc/settlement-engine/pkg/matching"
	"github.com/ekaya-inc/settlement-engine/pkg/notify"
	"github.com/ekaya-inc/settlement-engine/pkg/repositories"
	"github.com/ekaya-inc/settlement-engine/pkg/retry"
	"github.com/ekaya-inc/settlement-engine/pkg/services"
	"github.com/ekaya-inc/settlement-engine/pkg/suppliers"
)

// App holds the wired engine for one command invocation.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *database.DB

	Suppliers    suppliers.Store
	SupplierRepo repositories.SupplierConfigRepository
	Inbox        repositories.InboxRepository
	Runs         repositories.RunRepository

	Alerts     services.AlertService
	Reconciler services.ReconciliationService
	Review     services.ReviewService
	Fetcher    fetcher.Fetcher
	Scheduler  services.Scheduler

	redis    *redis.Client
	sftpPool *fetcher.ConnectionManager
}

// loadConfig reads the --config file, or config.Load's default lookup when
// the flag is empty.
func loadConfig(path, version string) (*config.Config, error) {
	if path == "" {
		return config.Load(version)
	}
	return config.LoadFile(path, version)
}

// newApp connects to PostgreSQL (and Redis when configured) and wires every
// service. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database %s: %w",
			logging.SanitizeConnectionString(cfg.Database.ConnectionString()), err)
	}

	app := &App{Config: cfg, Logger: logger, DB: db}

	if cfg.Redis.Host != "" {
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			db.Close()
			return nil, err
		}
		app.redis = client
	} else {
		logger.Info("Redis not configured; supplier locks are process-local")
	}

	app.SupplierRepo = repositories.NewSupplierConfigRepository()
	app.Suppliers = app.SupplierRepo
	if cfg.Suppliers.File != "" {
		store, err := suppliers.LoadFile(cfg.Suppliers.File)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Suppliers = store
		logger.Info("Using supplier configs from file", zap.String("file", cfg.Suppliers.File))
	}

	app.Inbox = repositories.NewInboxRepository()
	app.Runs = repositories.NewRunRepository()
	results := repositories.NewMatchResultRepository()
	alertRepo := repositories.NewAlertRepository()

	dialer, err := fetcher.NewSSHDialer(cfg.SFTP, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.sftpPool = fetcher.NewConnectionManager(dialer, cfg.SFTP.IdleTTL, logger)
	fetchRetry := retry.FetchConfig(cfg.SFTP.MaxRetries, cfg.SFTP.InitialBackoff)
	app.Fetcher = fetcher.NewRouter(
		fetcher.NewSFTPFetcher(app.sftpPool, fetchRetry, logger),
		fetcher.NewAPIFetcher(nil, fetchRetry, logger),
		fetcher.NewInboxFetcher(db, app.Inbox),
	)

	app.Alerts = services.NewAlertService(alertRepo, notify.New(cfg.SMTP, logger), cfg.Alerting, logger)
	app.Reconciler = services.NewReconciliationService(services.PipelineDeps{
		DB:            db,
		Runs:          app.Runs,
		Results:       results,
		Inbox:         app.Inbox,
		Ledger:        ledger.NewReader(cfg.Ledger.ViewName),
		Matcher:       matching.NewEngine(logger),
		Commission:    commission.NewCalculator(logger),
		Alerts:        app.Alerts,
		LedgerPadding: time.Duration(cfg.Ledger.WindowPaddingHours) * time.Hour,
	}, logger)
	app.Review = services.NewReviewService(db, app.Runs, results, alertRepo, logger)
	app.Scheduler = services.NewScheduler(cfg.Scheduler, services.SchedulerDeps{
		DB:         db,
		Suppliers:  app.Suppliers,
		Fetcher:    app.Fetcher,
		Reconciler: app.Reconciler,
		Runs:       app.Runs,
		Inbox:      app.Inbox,
		Alerts:     app.Alerts,
		Locker:     database.NewLocker(app.redis),
	}, logger)

	return app, nil
}

// Close releases pooled SFTP sessions, Redis and the database pool.
func (a *App) Close() {
	if a.sftpPool != nil {
		if err := a.sftpPool.Close(); err != nil {
			a.Logger.Warn("Failed to close SFTP sessions", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
