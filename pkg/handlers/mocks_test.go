package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/services"
)

// noScope stands in for database.WithScopeMiddleware.
func noScope(next http.HandlerFunc) http.HandlerFunc { return next }

// mockAlertService implements services.AlertService for handler testing.
type mockAlertService struct {
	alerts      []*models.Alert
	listErr     error
	ackErr      error
	lastFilters models.AlertFilters
	ackedBy     string
}

var _ services.AlertService = (*mockAlertService)(nil)

func (m *mockAlertService) EvaluateRun(*models.SupplierConfig, *models.ReconciliationRun, []models.MatchResult) []*models.Alert {
	return nil
}

func (m *mockAlertService) RunFailed(*models.SupplierConfig, *models.ReconciliationRun) *models.Alert {
	return nil
}

func (m *mockAlertService) FetchFailed(*models.SupplierConfig, []*models.ReconciliationRun) *models.Alert {
	return nil
}

func (m *mockAlertService) Create(_ context.Context, alert *models.Alert) error {
	alert.ID = uuid.New()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockAlertService) Deliver(context.Context, []*models.Alert) {}

func (m *mockAlertService) RedeliverPending(context.Context, int) (int, error) { return 0, nil }

func (m *mockAlertService) List(_ context.Context, filters models.AlertFilters) ([]*models.Alert, int, error) {
	m.lastFilters = filters
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var result []*models.Alert
	for _, a := range m.alerts {
		if filters.Severity != "" && a.Severity != filters.Severity {
			continue
		}
		if filters.SupplierCode != "" && a.SupplierCode != filters.SupplierCode {
			continue
		}
		result = append(result, a)
	}
	return result, len(result), nil
}

func (m *mockAlertService) Get(_ context.Context, alertID uuid.UUID) (*models.Alert, error) {
	for _, a := range m.alerts {
		if a.ID == alertID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("alert %s: %w", alertID, apperrors.ErrNotFound)
}

func (m *mockAlertService) Acknowledge(_ context.Context, _ uuid.UUID, acknowledgedBy string) error {
	m.ackedBy = acknowledgedBy
	return m.ackErr
}

// mockReviewService implements services.ReviewService.
type mockReviewService struct {
	runs        []*models.ReconciliationRun
	results     []models.MatchResult
	stats       []models.SupplierStats
	err         error
	exportErr   error
	runFilters  models.RunFilters
	matchFilter models.MatchResultFilters
	statsSince  *time.Time
	statsUntil  *time.Time
}

var _ services.ReviewService = (*mockReviewService)(nil)

func (m *mockReviewService) ListRuns(_ context.Context, filters models.RunFilters) ([]*models.ReconciliationRun, int, error) {
	m.runFilters = filters
	if m.err != nil {
		return nil, 0, m.err
	}
	return m.runs, len(m.runs), nil
}

func (m *mockReviewService) find(runID uuid.UUID) (*models.ReconciliationRun, error) {
	for _, r := range m.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
}

func (m *mockReviewService) GetRun(_ context.Context, runID uuid.UUID) (*models.RunDetail, error) {
	run, err := m.find(runID)
	if err != nil {
		return nil, err
	}
	return &models.RunDetail{Run: run, Alerts: []*models.Alert{}}, nil
}

func (m *mockReviewService) ListMatchResults(_ context.Context, runID uuid.UUID, filters models.MatchResultFilters) ([]models.MatchResult, int, error) {
	m.matchFilter = filters
	if _, err := m.find(runID); err != nil {
		return nil, 0, err
	}
	if m.err != nil {
		return nil, 0, m.err
	}
	return m.results, len(m.results), nil
}

func (m *mockReviewService) ExportRun(_ context.Context, runID uuid.UUID, w io.Writer) error {
	if _, err := m.find(runID); err != nil {
		return err
	}
	if m.exportErr != nil {
		return m.exportErr
	}
	_, err := io.WriteString(w, "PK-workbook")
	return err
}

func (m *mockReviewService) Stats(_ context.Context, since, until *time.Time) ([]models.SupplierStats, error) {
	m.statsSince, m.statsUntil = since, until
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

// mockScheduler implements services.Scheduler.
type mockScheduler struct {
	mu         sync.Mutex
	triggerErr error
	triggered  []triggerCall
}

type triggerCall struct {
	code string
	date *time.Time
}

var _ services.Scheduler = (*mockScheduler)(nil)

func (m *mockScheduler) Start(context.Context) {}

func (m *mockScheduler) Stop(context.Context) error { return nil }

func (m *mockScheduler) RunCycle(context.Context) (int, error) { return 0, nil }

func (m *mockScheduler) Wait(context.Context) error { return nil }

func (m *mockScheduler) Status() services.SchedulerStatus {
	return services.SchedulerStatus{Enabled: true, Interval: "15m0s"}
}

func (m *mockScheduler) Trigger(_ context.Context, code string, date *time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered = append(m.triggered, triggerCall{code: code, date: date})
	if m.triggerErr != nil {
		return "", m.triggerErr
	}
	return "task-" + code, nil
}

// mockSupplierStore implements suppliers.Store.
type mockSupplierStore struct {
	configs map[string]*models.SupplierConfig
}

func (m *mockSupplierStore) Get(_ context.Context, code string) (*models.SupplierConfig, error) {
	cfg, ok := m.configs[code]
	if !ok {
		return nil, fmt.Errorf("supplier %s: %w", code, apperrors.ErrNotFound)
	}
	return cfg, nil
}

func (m *mockSupplierStore) ListEnabled(context.Context) ([]*models.SupplierConfig, error) {
	var out []*models.SupplierConfig
	for _, cfg := range m.configs {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// mockInboxRepo implements repositories.InboxRepository.
type mockInboxRepo struct {
	files    []*models.InboxFile
	storeErr error
}

func (m *mockInboxRepo) Store(_ context.Context, file *models.InboxFile) (*models.InboxFile, error) {
	if m.storeErr != nil {
		return nil, m.storeErr
	}
	for _, f := range m.files {
		if f.SupplierCode == file.SupplierCode && f.FileIdentifier == file.FileIdentifier {
			return f, nil
		}
	}
	file.ID = uuid.New()
	file.ReceivedAt = time.Now()
	m.files = append(m.files, file)
	return file, nil
}

func (m *mockInboxRepo) ListPending(context.Context, string, time.Time) ([]*models.InboxFile, error) {
	return nil, nil
}

func (m *mockInboxRepo) ListPendingDates(context.Context, string) ([]time.Time, error) {
	return nil, nil
}

func (m *mockInboxRepo) MarkConsumed(context.Context, uuid.UUID) error { return nil }
