package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/retry"
	"github.com/ekaya-inc/settlement-engine/pkg/services/workqueue"
)

type mockSupplierStore struct {
	configs []*models.SupplierConfig
}

func (m *mockSupplierStore) Get(_ context.Context, code string) (*models.SupplierConfig, error) {
	for _, c := range m.configs {
		if c.SupplierCode == code {
			return c, nil
		}
	}
	return nil, fmt.Errorf("supplier %q: %w", code, apperrors.ErrNotFound)
}

func (m *mockSupplierStore) ListEnabled(_ context.Context) ([]*models.SupplierConfig, error) {
	var out []*models.SupplierConfig
	for _, c := range m.configs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

type fetchCall struct {
	supplier string
	date     time.Time
}

type mockFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	fetch func(ctx context.Context, cfg *models.SupplierConfig, date time.Time) ([]fetcher.FetchedFile, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, cfg *models.SupplierConfig, date time.Time) ([]fetcher.FetchedFile, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fetchCall{supplier: cfg.SupplierCode, date: date})
	fn := m.fetch
	m.mu.Unlock()
	if fn == nil {
		return []fetcher.FetchedFile{{
			Name:           cfg.SupplierCode + ".csv",
			SettlementDate: date,
			Identifier:     "sha256:" + cfg.SupplierCode + date.Format("20060102"),
		}}, nil
	}
	return fn(ctx, cfg, date)
}

func (m *mockFetcher) fetched() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fetchCall(nil), m.calls...)
}

type mockReconciler struct {
	mu                sync.Mutex
	processed         []fetcher.FetchedFile
	fetchFailures     []time.Time
	fetchFailureCalls int
	process           func(call int) error
}

func (m *mockReconciler) ProcessFile(_ context.Context, cfg *models.SupplierConfig, file fetcher.FetchedFile) (*models.RunSummary, error) {
	m.mu.Lock()
	m.processed = append(m.processed, file)
	call := len(m.processed)
	fn := m.process
	m.mu.Unlock()
	if fn != nil {
		if err := fn(call); err != nil {
			return nil, err
		}
	}
	return &models.RunSummary{Run: &models.ReconciliationRun{SupplierCode: cfg.SupplierCode, Status: models.RunStatusCompleted}}, nil
}

func (m *mockReconciler) RecordFetchFailures(_ context.Context, cfg *models.SupplierConfig, failures []FetchFailure) ([]*models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFailureCalls++
	summaries := make([]*models.RunSummary, 0, len(failures))
	for _, f := range failures {
		m.fetchFailures = append(m.fetchFailures, f.SettlementDate)
		summaries = append(summaries, &models.RunSummary{Run: &models.ReconciliationRun{SupplierCode: cfg.SupplierCode, Status: models.RunStatusFailed}})
	}
	return summaries, nil
}

func (m *mockReconciler) processedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func schedulerSupplier(code string) *models.SupplierConfig {
	return &models.SupplierConfig{
		SupplierCode: code,
		Enabled:      true,
		Timezone:     "Africa/Johannesburg",
		Ingestion:    models.IngestionConfig{Method: models.IngestionSFTP},
	}
}

type schedulerFixture struct {
	sched      *scheduler
	store      *mockSupplierStore
	fetcher    *mockFetcher
	reconciler *mockReconciler
	runs       *mockRunRepo
	inbox      *mockInboxRepo
	locker     *database.LocalLocker
}

var schedulerNow = time.Date(2026, 3, 8, 6, 0, 0, 0, time.UTC)

func newSchedulerFixture(configs ...*models.SupplierConfig) *schedulerFixture {
	f := &schedulerFixture{
		store:      &mockSupplierStore{configs: configs},
		fetcher:    &mockFetcher{},
		reconciler: &mockReconciler{},
		runs:       &mockRunRepo{},
		inbox:      &mockInboxRepo{},
		locker:     database.NewLocalLocker(),
	}
	logger := zap.NewNop()
	cfg := config.SchedulerConfig{
		Enabled:              true,
		Interval:             time.Hour,
		MaxParallelSuppliers: 2,
		LookbackDays:         1,
		StaleRunTimeout:      time.Hour,
		LockTTL:              time.Minute,
	}
	s := NewScheduler(cfg, SchedulerDeps{
		DB:         passthroughScoper{},
		Suppliers:  f.store,
		Fetcher:    f.fetcher,
		Reconciler: f.reconciler,
		Runs:       f.runs,
		Inbox:      f.inbox,
		Alerts:     NewAlertService(&mockAlertRepo{}, &mockNotifier{}, config.AlertingConfig{}, logger),
		Locker:     f.locker,
	}, logger, workqueue.WithRetry(&retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}))
	f.sched = s.(*scheduler)
	f.sched.now = func() time.Time { return schedulerNow }
	return f
}

func waitScheduler(t *testing.T, s Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestLookbackDates(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	require.NoError(t, err)

	// 23:30 UTC is already the 8th in Johannesburg.
	now := time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC)
	dates := lookbackDates(now, loc, 2)
	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
	}, dates)

	assert.Len(t, lookbackDates(now, loc, 0), 1)
}

func TestMergeDates(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC) }
	merged := mergeDates([]time.Time{d(7)}, []time.Time{d(5), d(7), time.Date(2026, 3, 5, 13, 0, 0, 0, time.UTC)})
	assert.Equal(t, []time.Time{d(5), d(7)}, merged)
}

func TestScheduler_RunCycle(t *testing.T) {
	disabled := schedulerSupplier("dormant")
	disabled.Enabled = false
	f := newSchedulerFixture(schedulerSupplier("easypay"), schedulerSupplier("flash"), disabled)

	n, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	waitScheduler(t, f.sched)

	assert.Equal(t, 2, f.reconciler.processedCount())
	assert.Equal(t, schedulerNow.Add(-time.Hour), f.runs.staleCut)

	calls := f.fetcher.fetched()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), c.date)
	}

	status := f.sched.Status()
	assert.Equal(t, 2, status.Progress.Completed)
	require.NotNil(t, status.LastCycleAt)
}

func TestScheduler_RunCycle_PrunesFinishedTasks(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))

	_, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	_, err = f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	assert.Equal(t, 1, f.sched.Status().Progress.Total)
	assert.Equal(t, 2, f.reconciler.processedCount())
}

func TestScheduler_FetchFailureRecorded(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	f.fetcher.fetch = func(context.Context, *models.SupplierConfig, time.Time) ([]fetcher.FetchedFile, error) {
		return nil, &apperrors.ConnectivityError{Op: "dial", Host: "sftp.example", Err: errors.New("connection refused"), Retryable: true}
	}

	_, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	assert.Len(t, f.reconciler.fetchFailures, 1)
	assert.Equal(t, 0, f.reconciler.processedCount())
	assert.Len(t, f.fetcher.fetched(), 1, "fetch retries are the fetcher's job")
}

func TestScheduler_FetchFailuresRecordedOncePerTask(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	f.sched.cfg.LookbackDays = 3
	f.fetcher.fetch = func(context.Context, *models.SupplierConfig, time.Time) ([]fetcher.FetchedFile, error) {
		return nil, &apperrors.ConnectivityError{Op: "dial", Host: "sftp.example", Err: errors.New("connection refused"), Retryable: true}
	}

	_, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	f.reconciler.mu.Lock()
	defer f.reconciler.mu.Unlock()
	assert.Equal(t, 1, f.reconciler.fetchFailureCalls)
	require.Len(t, f.reconciler.fetchFailures, 3)
	assert.True(t, f.reconciler.fetchFailures[0].Before(f.reconciler.fetchFailures[2]))
}

func TestScheduler_LockHeldSkipsSupplier(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	release, err := f.locker.Obtain(context.Background(), "supplier:easypay", time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	assert.Empty(t, f.fetcher.fetched())
	assert.Equal(t, 1, f.sched.Status().Progress.Completed)
}

func TestScheduler_RetryableRunErrorIsRetried(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	f.reconciler.process = func(call int) error {
		if call == 1 {
			return errors.New("run failed: connection refused")
		}
		return nil
	}

	_, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	assert.Equal(t, 2, f.reconciler.processedCount())
	tasks := f.sched.Status().Tasks
	require.Len(t, tasks, 1)
	assert.Equal(t, workqueue.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)
}

func TestScheduler_FormatErrorIsNotRetried(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	f.reconciler.process = func(int) error {
		return apperrors.NewFormatError("easypay", 1, "missing header row", nil)
	}

	_, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	waitScheduler(t, f.sched)

	assert.Equal(t, 1, f.reconciler.processedCount())
}

func TestScheduler_Trigger(t *testing.T) {
	disabled := schedulerSupplier("dormant")
	disabled.Enabled = false
	f := newSchedulerFixture(schedulerSupplier("easypay"), disabled)
	ctx := context.Background()

	_, err := f.sched.Trigger(ctx, "nobody", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.sched.Trigger(ctx, "dormant", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	date := time.Date(2026, 2, 28, 15, 0, 0, 0, time.UTC)
	id, err := f.sched.Trigger(ctx, "easypay", &date)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	waitScheduler(t, f.sched)

	calls := f.fetcher.fetched()
	require.Len(t, calls, 1)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), calls[0].date)
}

func TestScheduler_TriggerWhileActive(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	started := make(chan struct{})
	unblock := make(chan struct{})
	f.fetcher.fetch = func(ctx context.Context, _ *models.SupplierConfig, _ time.Time) ([]fetcher.FetchedFile, error) {
		close(started)
		<-unblock
		return nil, nil
	}

	_, err := f.sched.Trigger(context.Background(), "easypay", nil)
	require.NoError(t, err)
	<-started

	_, err = f.sched.Trigger(context.Background(), "easypay", nil)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	n, err := f.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "active supplier is not enqueued twice")

	close(unblock)
	waitScheduler(t, f.sched)
}

func TestScheduler_WebhookPendingDates(t *testing.T) {
	cfg := schedulerSupplier("payfast")
	cfg.Ingestion.Method = models.IngestionWebhook
	f := newSchedulerFixture(cfg)

	older := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err := f.inbox.Store(context.Background(), &models.InboxFile{SupplierCode: "payfast", FileIdentifier: "sha256:x", SettlementDate: older})
	require.NoError(t, err)

	dates, err := f.sched.settlementDates(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{older, time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)}, dates)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newSchedulerFixture(schedulerSupplier("easypay"))
	fetched := make(chan struct{}, 1)
	f.fetcher.fetch = func(context.Context, *models.SupplierConfig, time.Time) ([]fetcher.FetchedFile, error) {
		select {
		case fetched <- struct{}{}:
		default:
		}
		return nil, nil
	}

	f.sched.Start(context.Background())
	select {
	case <-fetched:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run its first cycle")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(ctx))

	_, err := f.sched.Trigger(context.Background(), "easypay", nil)
	assert.ErrorIs(t, err, workqueue.ErrClosed)
}
