package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// passthroughScoper runs everything on the caller's context.
type passthroughScoper struct{}

func (passthroughScoper) WithScope(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func (passthroughScoper) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// mockRunRepo implements repositories.RunRepository in memory.
type mockRunRepo struct {
	mu        sync.Mutex
	runs      []*models.ReconciliationRun
	createErr error
	failStale int
	staleCut  time.Time
}

func (m *mockRunRepo) FindCompletedByFile(_ context.Context, supplierCode, fileIdentifier string) (*models.ReconciliationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.SupplierCode == supplierCode && r.FileIdentifier == fileIdentifier && r.Status == models.RunStatusCompleted {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRunRepo) LatestFailedByFile(_ context.Context, supplierCode, fileIdentifier string) (*models.ReconciliationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if r.SupplierCode == supplierCode && r.FileIdentifier == fileIdentifier && r.Status == models.RunStatusFailed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRunRepo) CreateRunning(_ context.Context, run *models.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, r := range m.runs {
		if r.SupplierCode == run.SupplierCode && r.FileIdentifier == run.FileIdentifier && r.Status != models.RunStatusFailed {
			return fmt.Errorf("%w: %s", apperrors.ErrRunInProgress, run.FileIdentifier)
		}
	}
	run.ID = uuid.New()
	run.Status = models.RunStatusRunning
	run.StartedAt = time.Now().UTC()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *mockRunRepo) find(id uuid.UUID) *models.ReconciliationRun {
	for _, r := range m.runs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *mockRunRepo) Complete(_ context.Context, run *models.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.find(run.ID)
	if stored == nil || stored.Status != models.RunStatusRunning {
		return fmt.Errorf("%w: run %s is not running", apperrors.ErrConflict, run.ID)
	}
	now := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now
	*stored = *run
	return nil
}

func (m *mockRunRepo) Fail(_ context.Context, runID uuid.UUID, reason string, counts models.RunCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.find(runID)
	if stored == nil || stored.Status != models.RunStatusRunning {
		return fmt.Errorf("%w: run %s is not running", apperrors.ErrConflict, runID)
	}
	now := time.Now().UTC()
	stored.Status = models.RunStatusFailed
	stored.FailureReason = &reason
	stored.RunCounts = counts
	stored.CompletedAt = &now
	return nil
}

func (m *mockRunRepo) FailStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCut = cutoff
	return m.failStale, nil
}

func (m *mockRunRepo) Get(_ context.Context, runID uuid.UUID) (*models.ReconciliationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(runID); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: run %s", apperrors.ErrNotFound, runID)
}

func (m *mockRunRepo) List(_ context.Context, filters models.RunFilters) ([]*models.ReconciliationRun, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationRun
	for _, r := range m.runs {
		if filters.SupplierCode != "" && r.SupplierCode != filters.SupplierCode {
			continue
		}
		if filters.Status != "" && string(r.Status) != filters.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockRunRepo) Stats(_ context.Context, _, _ *time.Time) ([]models.SupplierStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySupplier := map[string]*models.SupplierStats{}
	for _, r := range m.runs {
		s, ok := bySupplier[r.SupplierCode]
		if !ok {
			s = &models.SupplierStats{SupplierCode: r.SupplierCode}
			bySupplier[r.SupplierCode] = s
		}
		s.Runs++
		if r.Status == models.RunStatusFailed {
			s.FailedRuns++
			continue
		}
		s.TotalRows += r.TotalRows
		s.MatchedCount += r.MatchedCount
		s.UnmatchedCount += r.UnmatchedCount
	}
	var out []models.SupplierStats
	for _, s := range bySupplier {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplierCode < out[j].SupplierCode })
	return out, nil
}

func (m *mockRunRepo) byStatus(status models.RunStatus) []*models.ReconciliationRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReconciliationRun
	for _, r := range m.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// mockMatchResultRepo implements repositories.MatchResultRepository in memory.
type mockMatchResultRepo struct {
	mu        sync.Mutex
	byRun     map[uuid.UUID][]models.MatchResult
	insertErr error
}

func (m *mockMatchResultRepo) InsertBatch(_ context.Context, runID uuid.UUID, results []models.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if m.byRun == nil {
		m.byRun = map[uuid.UUID][]models.MatchResult{}
	}
	for i := range results {
		results[i].ID = uuid.New()
		results[i].RunID = runID
		results[i].CreatedAt = time.Now().UTC()
	}
	m.byRun[runID] = append(m.byRun[runID], results...)
	return nil
}

func (m *mockMatchResultRepo) ListByRun(_ context.Context, runID uuid.UUID, filters models.MatchResultFilters) ([]models.MatchResult, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MatchResult
	for _, r := range m.byRun[runID] {
		if filters.Status != "" && string(r.Status) != filters.Status {
			continue
		}
		out = append(out, r)
	}
	return out, len(out), nil
}

func (m *mockMatchResultRepo) ListAllByRun(_ context.Context, runID uuid.UUID) ([]models.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.MatchResult(nil), m.byRun[runID]...), nil
}

// mockInboxRepo implements repositories.InboxRepository in memory.
type mockInboxRepo struct {
	mu    sync.Mutex
	files []*models.InboxFile
}

func (m *mockInboxRepo) Store(_ context.Context, file *models.InboxFile) (*models.InboxFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.SupplierCode == file.SupplierCode && f.FileIdentifier == file.FileIdentifier {
			return f, nil
		}
	}
	file.ID = uuid.New()
	file.ReceivedAt = time.Now().UTC()
	m.files = append(m.files, file)
	return file, nil
}

func (m *mockInboxRepo) ListPending(_ context.Context, supplierCode string, settlementDate time.Time) ([]*models.InboxFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.InboxFile
	for _, f := range m.files {
		if f.SupplierCode == supplierCode && f.ConsumedAt == nil && f.SettlementDate.Equal(settlementDate) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockInboxRepo) ListPendingDates(_ context.Context, supplierCode string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, f := range m.files {
		if f.SupplierCode == supplierCode && f.ConsumedAt == nil && !seen[f.SettlementDate] {
			seen[f.SettlementDate] = true
			out = append(out, f.SettlementDate)
		}
	}
	return out, nil
}

func (m *mockInboxRepo) MarkConsumed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.ID == id && f.ConsumedAt == nil {
			now := time.Now().UTC()
			f.ConsumedAt = &now
			return nil
		}
	}
	return fmt.Errorf("%w: pending inbox file %s", apperrors.ErrNotFound, id)
}

func (m *mockInboxRepo) consumed(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.ID == id {
			return f.ConsumedAt != nil
		}
	}
	return false
}

// mockLedger implements ledger.Reader over a fixed snapshot.
type mockLedger struct {
	txns     []models.InternalTransaction
	err      error
	from, to time.Time
	calls    int
}

func (m *mockLedger) FetchInternalTransactions(_ context.Context, _ string, from, to time.Time) ([]models.InternalTransaction, error) {
	m.calls++
	m.from, m.to = from, to
	if m.err != nil {
		return nil, m.err
	}
	var out []models.InternalTransaction
	for _, t := range m.txns {
		if !t.Timestamp.Before(from) && t.Timestamp.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

// mockAlertRepo implements repositories.AlertRepository in memory.
type mockAlertRepo struct {
	mu        sync.Mutex
	alerts    []*models.Alert
	createErr error
	listErr   error
	notified  []uuid.UUID
}

func (m *mockAlertRepo) Create(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	alert.ID = uuid.New()
	alert.CreatedAt = time.Now().UTC()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockAlertRepo) Get(_ context.Context, alertID uuid.UUID) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: alert %s", apperrors.ErrNotFound, alertID)
}

func (m *mockAlertRepo) List(_ context.Context, filters models.AlertFilters) ([]*models.Alert, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var out []*models.Alert
	for _, a := range m.alerts {
		if filters.RunID != nil && a.RunID != *filters.RunID {
			continue
		}
		if filters.SupplierCode != "" && a.SupplierCode != filters.SupplierCode {
			continue
		}
		if filters.Severity != "" && a.Severity != filters.Severity {
			continue
		}
		if filters.Acknowledged != nil && (a.AcknowledgedAt != nil) != *filters.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (m *mockAlertRepo) ListUndelivered(_ context.Context, limit int) ([]*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Alert
	for _, a := range m.alerts {
		if a.NotifiedAt == nil && len(a.Recipients) > 0 {
			out = append(out, a)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockAlertRepo) Acknowledge(_ context.Context, alertID uuid.UUID, acknowledgedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID != alertID {
			continue
		}
		if a.AcknowledgedAt != nil {
			return fmt.Errorf("%w: alert %s already acknowledged", apperrors.ErrConflict, alertID)
		}
		now := time.Now().UTC()
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = &acknowledgedBy
		return nil
	}
	return fmt.Errorf("%w: alert %s", apperrors.ErrNotFound, alertID)
}

func (m *mockAlertRepo) MarkNotified(_ context.Context, alertID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, alertID)
	return nil
}

func (m *mockAlertRepo) byReason(reason string) []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Alert
	for _, a := range m.alerts {
		if a.Reason == reason {
			out = append(out, a)
		}
	}
	return out
}

// mockNotifier records deliveries and can fail them.
type mockNotifier struct {
	mu   sync.Mutex
	sent []*models.Alert
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, alert *models.Alert, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, alert)
	return nil
}

var errBoom = errors.New("boom")
