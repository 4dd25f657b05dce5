package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/repositories"
	"github.com/ekaya-inc/settlement-engine/pkg/services/workqueue"
	"github.com/ekaya-inc/settlement-engine/pkg/suppliers"
)

// redeliveryBatch caps the undelivered alerts retried per cycle.
const redeliveryBatch = 100

// Scheduler periodically reconciles every enabled supplier. Each supplier is
// one task in a bounded work queue, so suppliers run in parallel while a
// single supplier never runs twice at once.
type Scheduler interface {
	// Start runs a cycle immediately and then every interval until ctx is
	// cancelled or Stop is called.
	Start(ctx context.Context)
	// Stop ends the loop, cancels queued and running tasks and waits for them.
	Stop(ctx context.Context) error
	// RunCycle fails stale runs, retries undelivered alerts and enqueues a task
	// for every enabled supplier without one. Returns the number enqueued.
	RunCycle(ctx context.Context) (int, error)
	// Trigger enqueues a task for one supplier. A nil date covers the
	// lookback window. Returns the task id.
	Trigger(ctx context.Context, supplierCode string, settlementDate *time.Time) (string, error)
	// Wait blocks until every queued task has finished.
	Wait(ctx context.Context) error
	Status() SchedulerStatus
}

// SchedulerStatus is reported by the status endpoint.
type SchedulerStatus struct {
	Enabled     bool                     `json:"enabled"`
	Interval    string                   `json:"interval"`
	LastCycleAt *time.Time               `json:"last_cycle_at,omitempty"`
	Progress    workqueue.Progress       `json:"progress"`
	Tasks       []workqueue.TaskSnapshot `json:"tasks"`
}

// SchedulerDeps are the collaborators of the scheduler.
type SchedulerDeps struct {
	DB         database.Scoper
	Suppliers  suppliers.Store
	Fetcher    fetcher.Fetcher
	Reconciler ReconciliationService
	Runs       repositories.RunRepository
	Inbox      repositories.InboxRepository
	Alerts     AlertService
	Locker     database.Locker
}

type scheduler struct {
	SchedulerDeps
	cfg   config.SchedulerConfig
	queue *workqueue.Queue
	now   func() time.Time

	mu          sync.Mutex
	lastCycleAt *time.Time
	stop        context.CancelFunc
	loopDone    chan struct{}

	logger *zap.Logger
}

// NewScheduler creates a scheduler. Queue options override the default
// task retry settings.
func NewScheduler(cfg config.SchedulerConfig, deps SchedulerDeps, logger *zap.Logger, opts ...workqueue.Option) Scheduler {
	logger = logger.Named("scheduler")
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = database.NewLocalLocker()
	}
	return &scheduler{
		SchedulerDeps: deps,
		cfg:           cfg,
		queue:         workqueue.New(cfg.MaxParallelSuppliers, logger, opts...),
		now:           time.Now,
		logger:        logger,
	}
}

var _ Scheduler = (*scheduler)(nil)

func (s *scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.logger.Info("Reconciliation scheduler started",
			zap.Duration("interval", s.cfg.Interval),
			zap.Int("max_parallel_suppliers", s.cfg.MaxParallelSuppliers),
			zap.Int("lookback_days", s.cfg.LookbackDays))

		s.cycle(ctx)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Reconciliation scheduler stopped")
				return
			case <-ticker.C:
				s.cycle(ctx)
			}
		}
	}()
}

func (s *scheduler) cycle(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Reconciliation cycle failed", zap.Error(err))
	}
}

func (s *scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stop, s.loopDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.queue.Shutdown(ctx)
}

func (s *scheduler) RunCycle(ctx context.Context) (int, error) {
	ctx, cleanup, err := s.DB.WithScope(ctx)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	now := s.now()
	s.mu.Lock()
	s.lastCycleAt = &now
	s.mu.Unlock()

	if s.cfg.StaleRunTimeout > 0 {
		n, err := s.Runs.FailStale(ctx, now.Add(-s.cfg.StaleRunTimeout))
		if err != nil {
			return 0, fmt.Errorf("failed to fail stale runs: %w", err)
		}
		if n > 0 {
			s.logger.Warn("Failed stale reconciliation runs", zap.Int("count", n))
		}
	}

	if pruned := s.queue.Prune(); pruned > 0 {
		s.logger.Debug("Pruned finished tasks", zap.Int("count", pruned))
	}

	if delivered, err := s.Alerts.RedeliverPending(ctx, redeliveryBatch); err != nil {
		s.logger.Warn("Failed to redeliver pending alerts", zap.Error(err))
	} else if delivered > 0 {
		s.logger.Info("Redelivered pending alerts", zap.Int("count", delivered))
	}

	configs, err := s.Suppliers.ListEnabled(ctx)
	if err != nil && len(configs) == 0 {
		return 0, fmt.Errorf("failed to list suppliers: %w", err)
	}
	if err != nil {
		// Invalid documents are skipped; the valid ones still run.
		s.logger.Error("Some supplier configs are invalid", zap.Error(err))
	}

	enqueued := 0
	for _, cfg := range configs {
		if s.queue.HasActive(cfg.SupplierCode) {
			s.logger.Debug("Supplier task still active, skipping",
				zap.String("supplier_code", cfg.SupplierCode))
			continue
		}
		dates, err := s.settlementDates(ctx, cfg)
		if err != nil {
			s.logger.Error("Failed to compute settlement dates",
				zap.String("supplier_code", cfg.SupplierCode),
				zap.Error(err))
			continue
		}
		if err := s.queue.Enqueue(s.newTask(cfg, dates)); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	s.logger.Info("Reconciliation cycle dispatched",
		zap.Int("suppliers", len(configs)),
		zap.Int("enqueued", enqueued))
	return enqueued, nil
}

func (s *scheduler) Trigger(ctx context.Context, supplierCode string, settlementDate *time.Time) (string, error) {
	ctx, cleanup, err := s.DB.WithScope(ctx)
	if err != nil {
		return "", err
	}
	defer cleanup()

	cfg, err := s.Suppliers.Get(ctx, supplierCode)
	if err != nil {
		return "", err
	}
	if !cfg.Enabled {
		return "", fmt.Errorf("%w: supplier %s is disabled", apperrors.ErrInvalidInput, supplierCode)
	}
	if s.queue.HasActive(supplierCode) {
		return "", fmt.Errorf("%w: supplier %s already has a task queued", apperrors.ErrConflict, supplierCode)
	}

	var dates []time.Time
	if settlementDate != nil {
		dates = []time.Time{DateOnly(*settlementDate)}
	} else if dates, err = s.settlementDates(ctx, cfg); err != nil {
		return "", err
	}

	task := s.newTask(cfg, dates)
	if err := s.queue.Enqueue(task); err != nil {
		return "", err
	}
	s.logger.Info("Supplier reconciliation triggered",
		zap.String("supplier_code", supplierCode),
		zap.String("task_id", task.ID()),
		zap.Int("dates", len(dates)))
	return task.ID(), nil
}

func (s *scheduler) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

func (s *scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	last := s.lastCycleAt
	s.mu.Unlock()

	return SchedulerStatus{
		Enabled:     s.cfg.Enabled,
		Interval:    s.cfg.Interval.String(),
		LastCycleAt: last,
		Progress:    s.queue.Progress(),
		Tasks:       s.queue.Tasks(),
	}
}

func (s *scheduler) newTask(cfg *models.SupplierConfig, dates []time.Time) *SupplierTask {
	return NewSupplierTask(cfg, dates, s.Fetcher, s.Reconciler, s.Locker, s.cfg.LockTTL, s.logger)
}

// settlementDates returns the lookback days before today in the supplier's
// timezone, plus any day with pending webhook drops, oldest first.
func (s *scheduler) settlementDates(ctx context.Context, cfg *models.SupplierConfig) ([]time.Time, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	dates := lookbackDates(s.now(), loc, s.cfg.LookbackDays)

	if cfg.Ingestion.Method == models.IngestionWebhook && s.Inbox != nil {
		pending, err := s.Inbox.ListPendingDates(ctx, cfg.SupplierCode)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending inbox dates: %w", err)
		}
		dates = mergeDates(dates, pending)
	}
	return dates, nil
}

// lookbackDates lists the days before now's calendar day in loc, oldest first.
func lookbackDates(now time.Time, loc *time.Location, lookback int) []time.Time {
	if lookback < 1 {
		lookback = 1
	}
	y, m, d := now.In(loc).Date()
	dates := make([]time.Time, 0, lookback)
	for i := lookback; i >= 1; i-- {
		dates = append(dates, time.Date(y, m, d-i, 0, 0, 0, 0, time.UTC))
	}
	return dates
}

func mergeDates(a, b []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(a)+len(b))
	var out []time.Time
	for _, list := range [][]time.Time{a, b} {
		for _, t := range list {
			d := DateOnly(t)
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// DateOnly truncates t to its calendar date at UTC midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

