package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/notify"
	"github.com/ekaya-inc/settlement-engine/pkg/repositories"
)

// maxListedTransactions caps the transaction ids copied into alert details.
const maxListedTransactions = 20

// AlertService decides, stores and delivers reconciliation alerts.
type AlertService interface {
	// EvaluateRun returns the alerts a completed run raises: at most one
	// aggregated threshold alert and one footer alert. Nothing is persisted.
	EvaluateRun(cfg *models.SupplierConfig, run *models.ReconciliationRun, results []models.MatchResult) []*models.Alert
	// RunFailed returns the operator alert for a failed run.
	RunFailed(cfg *models.SupplierConfig, run *models.ReconciliationRun) *models.Alert
	// FetchFailed returns one operator alert for a task's failed fetches,
	// attached to the run of the latest settlement date.
	FetchFailed(cfg *models.SupplierConfig, runs []*models.ReconciliationRun) *models.Alert
	Create(ctx context.Context, alert *models.Alert) error
	// Deliver notifies recipients and records the delivery. Failures are
	// logged and left for RedeliverPending.
	Deliver(ctx context.Context, alerts []*models.Alert)
	RedeliverPending(ctx context.Context, limit int) (int, error)
	List(ctx context.Context, filters models.AlertFilters) ([]*models.Alert, int, error)
	Get(ctx context.Context, alertID uuid.UUID) (*models.Alert, error)
	Acknowledge(ctx context.Context, alertID uuid.UUID, acknowledgedBy string) error
}

type alertService struct {
	repo     repositories.AlertRepository
	notifier notify.Notifier
	defaults config.AlertingConfig
	now      func() time.Time
	logger   *zap.Logger
}

func NewAlertService(repo repositories.AlertRepository, notifier notify.Notifier, defaults config.AlertingConfig, logger *zap.Logger) AlertService {
	return &alertService{
		repo:     repo,
		notifier: notifier,
		defaults: defaults,
		now:      time.Now,
		logger:   logger.Named("alert-service"),
	}
}

var _ AlertService = (*alertService)(nil)

func (s *alertService) thresholds(cfg *models.SupplierConfig) (unmatched, critical int) {
	unmatched = cfg.AlertPolicy.UnmatchedThreshold
	if unmatched == 0 {
		unmatched = s.defaults.DefaultUnmatchedThreshold
	}
	critical = cfg.AlertPolicy.CriticalCountThreshold
	if critical == 0 {
		critical = s.defaults.DefaultCriticalCountThreshold
	}
	return unmatched, critical
}

func (s *alertService) EvaluateRun(cfg *models.SupplierConfig, run *models.ReconciliationRun, results []models.MatchResult) []*models.Alert {
	var alerts []*models.Alert

	unmatchedThreshold, criticalThreshold := s.thresholds(cfg)
	unmatchedExceeded := run.UnmatchedCount > unmatchedThreshold
	criticalExceeded := run.CriticalCount > criticalThreshold

	if unmatchedExceeded || criticalExceeded {
		var critical, unmatched []string
		var firstCritical, firstUnmatched *uuid.UUID
		for i := range results {
			r := &results[i]
			if r.Critical {
				if firstCritical == nil && r.ID != uuid.Nil {
					id := r.ID
					firstCritical = &id
				}
				if len(critical) < maxListedTransactions {
					critical = append(critical, r.Transaction.SupplierTransactionID)
				}
			}
			if r.Status == models.MatchStatusUnmatched {
				if firstUnmatched == nil && r.ID != uuid.Nil {
					id := r.ID
					firstUnmatched = &id
				}
				if len(unmatched) < maxListedTransactions {
					unmatched = append(unmatched, r.Transaction.SupplierTransactionID)
				}
			}
		}

		severity := models.AlertSeverityWarning
		if criticalExceeded {
			severity = models.AlertSeverityCritical
		}

		alert := &models.Alert{
			RunID:        run.ID,
			SupplierCode: run.SupplierCode,
			Severity:     severity,
			Reason:       models.AlertReasonThresholdExceeded,
			Message: fmt.Sprintf("%s: %d unmatched (threshold %d) and %d critical variances (threshold %d) in %d rows of %s",
				run.SupplierCode, run.UnmatchedCount, unmatchedThreshold,
				run.CriticalCount, criticalThreshold, run.TotalRows, run.FileName),
			Details: map[string]any{
				"file_name":                run.FileName,
				"settlement_date":          run.SettlementDate.Format(time.DateOnly),
				"total_rows":               run.TotalRows,
				"matched_count":            run.MatchedCount,
				"variant_count":            run.VariantCount,
				"unmatched_count":          run.UnmatchedCount,
				"error_count":              run.ErrorCount,
				"critical_count":           run.CriticalCount,
				"unmatched_threshold":      unmatchedThreshold,
				"critical_count_threshold": criticalThreshold,
			},
			Recipients: recipients(cfg),
		}
		if len(critical) > 0 {
			alert.Details["critical_transactions"] = critical
		}
		if len(unmatched) > 0 {
			alert.Details["unmatched_transactions"] = unmatched
		}
		// A single offending record is referenced directly.
		switch {
		case run.CriticalCount == 1:
			alert.RelatedMatchResultID = firstCritical
		case run.CriticalCount == 0 && run.UnmatchedCount == 1:
			alert.RelatedMatchResultID = firstUnmatched
		}
		alerts = append(alerts, alert)
	}

	if len(run.FooterMismatches) > 0 {
		alerts = append(alerts, &models.Alert{
			RunID:        run.ID,
			SupplierCode: run.SupplierCode,
			Severity:     models.AlertSeverityWarning,
			Reason:       models.AlertReasonFooterMismatch,
			Message:      fmt.Sprintf("%s: declared totals in %s do not match its body", run.SupplierCode, run.FileName),
			Details: map[string]any{
				"file_name":            run.FileName,
				"mismatches":           run.FooterMismatches,
				"supplier_total_cents": run.SupplierTotalCents,
			},
			Recipients: recipients(cfg),
		})
	}

	return alerts
}

func (s *alertService) RunFailed(cfg *models.SupplierConfig, run *models.ReconciliationRun) *models.Alert {
	reason := "unknown failure"
	if run.FailureReason != nil {
		reason = *run.FailureReason
	}
	return &models.Alert{
		RunID:        run.ID,
		SupplierCode: run.SupplierCode,
		Severity:     models.AlertSeverityCritical,
		Reason:       models.AlertReasonRunFailed,
		Message:      fmt.Sprintf("%s: reconciliation of %s failed: %s", run.SupplierCode, run.FileName, reason),
		Details: map[string]any{
			"file_name":       run.FileName,
			"file_identifier": run.FileIdentifier,
			"settlement_date": run.SettlementDate.Format(time.DateOnly),
			"total_rows":      run.TotalRows,
			"error_count":     run.ErrorCount,
		},
		Recipients: recipients(cfg),
	}
}

func (s *alertService) FetchFailed(cfg *models.SupplierConfig, runs []*models.ReconciliationRun) *models.Alert {
	latest := runs[0]
	dates := make([]string, len(runs))
	runIDs := make([]string, len(runs))
	for i, run := range runs {
		if run.SettlementDate.After(latest.SettlementDate) {
			latest = run
		}
		dates[i] = run.SettlementDate.Format(time.DateOnly)
		runIDs[i] = run.ID.String()
	}
	if len(runs) == 1 {
		return s.RunFailed(cfg, latest)
	}

	reason := "unknown failure"
	if latest.FailureReason != nil {
		reason = *latest.FailureReason
	}
	return &models.Alert{
		RunID:        latest.ID,
		SupplierCode: latest.SupplierCode,
		Severity:     models.AlertSeverityCritical,
		Reason:       models.AlertReasonRunFailed,
		Message:      fmt.Sprintf("%s: settlement files for %d dates could not be fetched: %s", latest.SupplierCode, len(runs), reason),
		Details: map[string]any{
			"settlement_dates": dates,
			"run_ids":          runIDs,
		},
		Recipients: recipients(cfg),
	}
}

func recipients(cfg *models.SupplierConfig) []string {
	if len(cfg.AlertEmails) == 0 {
		return nil
	}
	return append([]string(nil), cfg.AlertEmails...)
}

func (s *alertService) Create(ctx context.Context, alert *models.Alert) error {
	if alert.RunID == uuid.Nil {
		return fmt.Errorf("%w: alert run id is required", apperrors.ErrInvalidInput)
	}
	if alert.Reason == "" {
		return fmt.Errorf("%w: alert reason is required", apperrors.ErrInvalidInput)
	}
	if !models.ValidAlertSeverity(alert.Severity) {
		return fmt.Errorf("%w: invalid severity: %s", apperrors.ErrInvalidInput, alert.Severity)
	}

	if err := s.repo.Create(ctx, alert); err != nil {
		s.logger.Error("Failed to create alert",
			zap.String("run_id", alert.RunID.String()),
			zap.String("reason", alert.Reason),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *alertService) Deliver(ctx context.Context, alerts []*models.Alert) {
	for _, alert := range alerts {
		if err := s.notifier.Notify(ctx, alert, alert.Recipients); err != nil {
			s.logger.Warn("Failed to deliver alert, will retry",
				zap.String("alert_id", alert.ID.String()),
				zap.String("supplier_code", alert.SupplierCode),
				zap.Error(err))
			continue
		}
		if len(alert.Recipients) == 0 {
			continue
		}
		at := s.now().UTC()
		if err := s.repo.MarkNotified(ctx, alert.ID, at); err != nil {
			s.logger.Error("Failed to record alert delivery",
				zap.String("alert_id", alert.ID.String()),
				zap.Error(err))
			continue
		}
		alert.NotifiedAt = &at
	}
}

func (s *alertService) RedeliverPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.repo.ListUndelivered(ctx, limit)
	if err != nil {
		return 0, err
	}
	s.Deliver(ctx, pending)

	delivered := 0
	for _, a := range pending {
		if a.NotifiedAt != nil {
			delivered++
		}
	}
	return delivered, nil
}

func (s *alertService) List(ctx context.Context, filters models.AlertFilters) ([]*models.Alert, int, error) {
	if filters.Severity != "" && !models.ValidAlertSeverity(filters.Severity) {
		return nil, 0, fmt.Errorf("%w: invalid severity filter: %s", apperrors.ErrInvalidInput, filters.Severity)
	}

	alerts, total, err := s.repo.List(ctx, filters)
	if err != nil {
		s.logger.Error("Failed to list alerts",
			zap.String("supplier_code", filters.SupplierCode),
			zap.Error(err))
		return nil, 0, err
	}
	return alerts, total, nil
}

func (s *alertService) Get(ctx context.Context, alertID uuid.UUID) (*models.Alert, error) {
	alert, err := s.repo.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *alertService) Acknowledge(ctx context.Context, alertID uuid.UUID, acknowledgedBy string) error {
	if acknowledgedBy == "" {
		return fmt.Errorf("%w: acknowledged_by is required", apperrors.ErrInvalidInput)
	}

	if err := s.repo.Acknowledge(ctx, alertID, acknowledgedBy); err != nil {
		s.logger.Error("Failed to acknowledge alert",
			zap.String("alert_id", alertID.String()),
			zap.Error(err))
		return err
	}
	return nil
}
