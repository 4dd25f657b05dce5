package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/retry"
	"github.com/ekaya-inc/settlement-engine/pkg/services/workqueue"
)

// SupplierTask fetches and reconciles one supplier's files for a set of
// settlement dates. Tasks are keyed by supplier code so the queue never runs
// two for the same supplier at once.
type SupplierTask struct {
	workqueue.BaseTask
	cfg        *models.SupplierConfig
	dates      []time.Time
	fetcher    fetcher.Fetcher
	reconciler ReconciliationService
	locker     database.Locker
	lockTTL    time.Duration
	logger     *zap.Logger
}

// NewSupplierTask creates a task for cfg covering dates, oldest first.
func NewSupplierTask(
	cfg *models.SupplierConfig,
	dates []time.Time,
	f fetcher.Fetcher,
	reconciler ReconciliationService,
	locker database.Locker,
	lockTTL time.Duration,
	logger *zap.Logger,
) *SupplierTask {
	return &SupplierTask{
		BaseTask:   workqueue.NewBaseTask(fmt.Sprintf("Reconcile %s", cfg.SupplierCode), cfg.SupplierCode),
		cfg:        cfg,
		dates:      dates,
		fetcher:    f,
		reconciler: reconciler,
		locker:     locker,
		lockTTL:    lockTTL,
		logger:     logger.With(zap.String("supplier_code", cfg.SupplierCode)),
	}
}

// Execute implements workqueue.Task.
// Fetch failures do not stop later dates. They are recorded together when the
// task ends, so an outage across the lookback raises a single alert.
// The first retryable reconciliation error is returned so the queue retries
// the task; files already reconciled are skipped by the idempotency gate.
func (t *SupplierTask) Execute(ctx context.Context) error {
	release, err := t.locker.Obtain(ctx, "supplier:"+t.cfg.SupplierCode, t.lockTTL)
	if errors.Is(err, database.ErrLockHeld) {
		t.logger.Info("Supplier is being reconciled by another worker, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	var failures []FetchFailure
	defer func() { t.recordFetchFailures(ctx, failures) }()

	var firstErr error
	for _, date := range t.dates {
		if err := ctx.Err(); err != nil {
			return err
		}

		files, err := t.fetcher.Fetch(ctx, t.cfg, date)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("Failed to fetch settlement files",
				zap.String("settlement_date", date.Format(time.DateOnly)),
				zap.Error(err))
			failures = append(failures, FetchFailure{SettlementDate: date, Err: err})
			continue
		}
		if len(files) == 0 {
			t.logger.Debug("No settlement file published yet",
				zap.String("settlement_date", date.Format(time.DateOnly)))
			continue
		}

		for _, file := range files {
			summary, err := t.reconciler.ProcessFile(ctx, t.cfg, file)
			switch {
			case err == nil:
				if summary.Reused {
					t.logger.Debug("File already reconciled", zap.String("file_name", file.Name))
				}
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, apperrors.ErrRunInProgress):
				t.logger.Info("File is already being reconciled", zap.String("file_name", file.Name))
			case retry.IsRetryable(err):
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (t *SupplierTask) recordFetchFailures(ctx context.Context, failures []FetchFailure) {
	if len(failures) == 0 {
		return
	}
	if _, err := t.reconciler.RecordFetchFailures(ctx, t.cfg, failures); err != nil {
		t.logger.Error("Failed to record fetch failures",
			zap.Int("dates", len(failures)),
			zap.Error(err))
	}
}
