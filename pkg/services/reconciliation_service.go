package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/adapters/settlement"
	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/commission"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/ledger"
	"github.com/ekaya-inc/settlement-engine/pkg/logging"
	"github.com/ekaya-inc/settlement-engine/pkg/matching"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/repositories"
)

const maxFailureReasonLen = 500

// ReconciliationService runs the pipeline for one settlement file:
// parse, ledger snapshot, match, commission, persist and alert.
type ReconciliationService interface {
	// ProcessFile reconciles one file. A file whose identifier already has a
	// completed run is not reprocessed; the prior summary is returned with
	// Reused set. Whenever a run row exists the summary is returned, and the
	// error is non-nil if that run did not complete.
	ProcessFile(ctx context.Context, cfg *models.SupplierConfig, file fetcher.FetchedFile) (*models.RunSummary, error)
	// RecordFetchFailures stores a failed run for every settlement date whose
	// files could not be fetched and raises at most one operator alert
	// covering all of them.
	RecordFetchFailures(ctx context.Context, cfg *models.SupplierConfig, failures []FetchFailure) ([]*models.RunSummary, error)
}

// FetchFailure is a settlement date whose files could not be fetched.
type FetchFailure struct {
	SettlementDate time.Time
	Err            error
}

// PipelineDeps are the collaborators of the reconciliation pipeline.
type PipelineDeps struct {
	DB         database.Scoper
	Runs       repositories.RunRepository
	Results    repositories.MatchResultRepository
	Inbox      repositories.InboxRepository
	Ledger     ledger.Reader
	Matcher    *matching.Engine
	Commission *commission.Calculator
	Alerts     AlertService
	// LedgerPadding widens the ledger snapshot beyond the settlement day.
	LedgerPadding time.Duration
}

type reconciliationService struct {
	PipelineDeps
	logger *zap.Logger
}

func NewReconciliationService(deps PipelineDeps, logger *zap.Logger) ReconciliationService {
	return &reconciliationService{
		PipelineDeps: deps,
		logger:       logger.Named("reconciliation"),
	}
}

var _ ReconciliationService = (*reconciliationService)(nil)

func (s *reconciliationService) ProcessFile(ctx context.Context, cfg *models.SupplierConfig, file fetcher.FetchedFile) (*models.RunSummary, error) {
	if file.Identifier == "" {
		return nil, fmt.Errorf("%w: file %s has no identifier", apperrors.ErrInvalidInput, file.Name)
	}

	ctx, cleanup, err := s.DB.WithScope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	prior, err := s.completedSummary(ctx, cfg.SupplierCode, file.Identifier)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		s.logger.Info("File already reconciled, returning prior run",
			zap.String("supplier_code", cfg.SupplierCode),
			zap.String("file_identifier", file.Identifier),
			zap.String("run_id", prior.Run.ID.String()))
		if err := s.consumeInbox(ctx, file); err != nil {
			return nil, err
		}
		return prior, nil
	}

	previousFailure, err := s.Runs.LatestFailedByFile(ctx, cfg.SupplierCode, file.Identifier)
	if err != nil {
		return nil, err
	}

	run := &models.ReconciliationRun{
		SupplierCode:   cfg.SupplierCode,
		ConfigVersion:  cfg.Version,
		FileIdentifier: file.Identifier,
		FileName:       file.Name,
		SettlementDate: file.SettlementDate,
	}
	if err := s.Runs.CreateRunning(ctx, run); err != nil {
		if errors.Is(err, apperrors.ErrRunInProgress) {
			// Lost the race: the winner may already have completed.
			if prior, findErr := s.completedSummary(ctx, cfg.SupplierCode, file.Identifier); findErr != nil {
				return nil, findErr
			} else if prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}

	logger := s.logger.With(
		zap.String("supplier_code", cfg.SupplierCode),
		zap.String("run_id", run.ID.String()),
		zap.String("file_name", file.Name))
	logger.Info("Reconciliation run started",
		zap.String("file_identifier", file.Identifier),
		zap.Int("config_version", cfg.Version))

	results, err := s.reconcile(ctx, cfg, run, file)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: before commit: %v", apperrors.ErrCancelled, ctx.Err())
	}
	if err != nil {
		return s.fail(ctx, cfg, run, file, err, previousFailure, true)
	}

	var alerts []*models.Alert
	err = s.DB.InTx(ctx, func(ctx context.Context) error {
		if err := s.Results.InsertBatch(ctx, run.ID, results); err != nil {
			return err
		}
		if err := s.Runs.Complete(ctx, run); err != nil {
			return err
		}
		alerts = s.Alerts.EvaluateRun(cfg, run, results)
		for _, a := range alerts {
			if err := s.Alerts.Create(ctx, a); err != nil {
				return err
			}
		}
		return s.consumeInbox(ctx, file)
	})
	if err != nil {
		run.Status = models.RunStatusRunning
		run.CompletedAt = nil
		return s.fail(ctx, cfg, run, file, fmt.Errorf("failed to persist run: %w", err), previousFailure, true)
	}

	s.Alerts.Deliver(ctx, alerts)

	logger.Info("Reconciliation run completed",
		zap.Int("total_rows", run.TotalRows),
		zap.Int("matched", run.MatchedCount),
		zap.Int("variant", run.VariantCount),
		zap.Int("unmatched", run.UnmatchedCount),
		zap.Int("errors", run.ErrorCount),
		zap.Int("critical", run.CriticalCount),
		zap.Int("alerts", len(alerts)))

	return &models.RunSummary{Run: run, Alerts: alerts}, nil
}

// reconcile runs the pure part of the pipeline, recording counts on run as
// it goes so a failure keeps the partial numbers.
func (s *reconciliationService) reconcile(ctx context.Context, cfg *models.SupplierConfig, run *models.ReconciliationRun, file fetcher.FetchedFile) ([]models.MatchResult, error) {
	parsed, err := settlement.Parse(ctx, file.Content, cfg)
	if err != nil {
		return nil, err
	}

	txns := parsed.Transactions()
	run.TotalRows = len(parsed.Body)
	run.RowErrors = parsed.RowErrors()
	run.ErrorCount = len(run.RowErrors)
	run.FooterMismatches = parsed.Footer.Mismatches()
	for i := range txns {
		run.SupplierTotalCents += txns[i].SupplierAmountCents
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	padding := s.LedgerPadding
	if tol := time.Duration(cfg.TimestampToleranceSeconds) * time.Second; tol > padding {
		padding = tol
	}
	w := newSnapshotWindow(loc, file.SettlementDate, txns, padding)

	snapshot, err := s.Ledger.FetchInternalTransactions(ctx, cfg.SupplierCode, w.from, w.to)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger snapshot: %w", err)
	}
	run.LedgerTotalCents = w.dayTotal(snapshot)

	results, err := s.Matcher.Match(ctx, cfg, txns, snapshot)
	for i := range results {
		run.RunCounts.Add(&results[i])
	}
	if err != nil {
		return nil, err
	}

	if err := s.Commission.Apply(results, cfg); err != nil {
		return nil, fmt.Errorf("failed to compute commission: %w", err)
	}
	return results, nil
}

// fail marks run failed with its partial counts and, when raise is set and
// the run was neither cancelled nor failed the same way before, raises an
// operator alert.
func (s *reconciliationService) fail(ctx context.Context, cfg *models.SupplierConfig, run *models.ReconciliationRun, file fetcher.FetchedFile, cause error, previous *models.ReconciliationRun, raise bool) (*models.RunSummary, error) {
	reason := logging.TruncateString(logging.SanitizeError(cause), maxFailureReasonLen)
	cancelled := errors.Is(cause, apperrors.ErrCancelled) || errors.Is(cause, context.Canceled)
	repeated := previous != nil && previous.FailureReason != nil && *previous.FailureReason == reason

	run.Status = models.RunStatusFailed
	run.FailureReason = &reason

	// The run must be closed out even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)

	var alerts []*models.Alert
	err := s.DB.InTx(ctx, func(ctx context.Context) error {
		if err := s.Runs.Fail(ctx, run.ID, reason, run.RunCounts); err != nil {
			return err
		}
		if raise && !cancelled && !repeated {
			alert := s.Alerts.RunFailed(cfg, run)
			if err := s.Alerts.Create(ctx, alert); err != nil {
				return err
			}
			alerts = append(alerts, alert)
		}
		// The same bytes will never parse; the supplier has to send a new file.
		if apperrors.IsFormatError(cause) {
			return s.consumeInbox(ctx, file)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to record failed run",
			zap.String("supplier_code", run.SupplierCode),
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		return nil, errors.Join(cause, err)
	}

	s.Alerts.Deliver(ctx, alerts)

	fields := []zap.Field{
		zap.String("supplier_code", run.SupplierCode),
		zap.String("run_id", run.ID.String()),
		zap.String("file_name", run.FileName),
		zap.Int("total_rows", run.TotalRows),
		zap.String("reason", reason),
	}
	switch {
	case cancelled:
		s.logger.Info("Reconciliation run cancelled", fields...)
	case repeated:
		s.logger.Warn("Reconciliation run failed again with the same reason, alert suppressed", fields...)
	default:
		s.logger.Error("Reconciliation run failed", fields...)
	}

	return &models.RunSummary{Run: run, Alerts: alerts}, fmt.Errorf("run %s failed: %w", run.ID, cause)
}

func (s *reconciliationService) RecordFetchFailures(ctx context.Context, cfg *models.SupplierConfig, failures []FetchFailure) ([]*models.RunSummary, error) {
	if len(failures) == 0 {
		return nil, nil
	}
	ctx, cleanup, err := s.DB.WithScope(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	summaries := make([]*models.RunSummary, 0, len(failures))
	var fresh []*models.ReconciliationRun
	for _, f := range failures {
		identifier := FetchFailureIdentifier(cfg.SupplierCode, f.SettlementDate)
		previous, err := s.Runs.LatestFailedByFile(ctx, cfg.SupplierCode, identifier)
		if err != nil {
			return summaries, err
		}

		run := &models.ReconciliationRun{
			SupplierCode:   cfg.SupplierCode,
			ConfigVersion:  cfg.Version,
			FileIdentifier: identifier,
			FileName:       expectedFileName(cfg, f.SettlementDate),
			SettlementDate: f.SettlementDate,
		}
		if err := s.Runs.CreateRunning(ctx, run); err != nil {
			return summaries, err
		}

		summary, err := s.fail(ctx, cfg, run, fetcher.FetchedFile{}, f.Err, previous, false)
		if summary == nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
		if previous == nil || previous.FailureReason == nil || *previous.FailureReason != *run.FailureReason {
			fresh = append(fresh, run)
		}
	}

	if len(fresh) == 0 {
		s.logger.Warn("Fetch failures repeat already reported reasons, alert suppressed",
			zap.String("supplier_code", cfg.SupplierCode),
			zap.Int("dates", len(failures)))
		return summaries, nil
	}

	alert := s.Alerts.FetchFailed(cfg, fresh)
	if err := s.Alerts.Create(ctx, alert); err != nil {
		return summaries, fmt.Errorf("failed to create fetch failure alert: %w", err)
	}
	s.Alerts.Deliver(ctx, []*models.Alert{alert})
	for _, summary := range summaries {
		if summary.Run.ID == alert.RunID {
			summary.Alerts = append(summary.Alerts, alert)
		}
	}
	return summaries, nil
}

// FetchFailureIdentifier is the file identifier recorded on runs for
// settlement dates that could not be fetched.
func FetchFailureIdentifier(supplierCode string, settlementDate time.Time) string {
	return fmt.Sprintf("fetch:%s@%s", supplierCode, settlementDate.Format(time.DateOnly))
}

func expectedFileName(cfg *models.SupplierConfig, date time.Time) string {
	if cfg.FilenamePattern != "" {
		return cfg.FilenameForDate(date)
	}
	return fmt.Sprintf("%s_%s", cfg.SupplierCode, date.Format("20060102"))
}

func (s *reconciliationService) completedSummary(ctx context.Context, supplierCode, fileIdentifier string) (*models.RunSummary, error) {
	prior, err := s.Runs.FindCompletedByFile(ctx, supplierCode, fileIdentifier)
	if err != nil || prior == nil {
		return nil, err
	}
	alerts, _, err := s.Alerts.List(ctx, models.AlertFilters{RunID: &prior.ID, Limit: 100})
	if err != nil {
		return nil, err
	}
	return &models.RunSummary{Run: prior, Alerts: alerts, Reused: true}, nil
}

func (s *reconciliationService) consumeInbox(ctx context.Context, file fetcher.FetchedFile) error {
	if file.InboxID == nil {
		return nil
	}
	err := s.Inbox.MarkConsumed(ctx, *file.InboxID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// snapshotWindow is the ledger range loaded for one file: the settlement day
// in the supplier's timezone, stretched to cover every transaction in the
// file, and padded on both sides.
type snapshotWindow struct {
	from, to       time.Time
	dayFrom, dayTo time.Time
}

func newSnapshotWindow(loc *time.Location, settlementDate time.Time, txns []models.CanonicalTransaction, padding time.Duration) snapshotWindow {
	y, m, d := settlementDate.Date()
	dayFrom := time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
	dayTo := time.Date(y, m, d+1, 0, 0, 0, 0, loc).UTC()

	from, to := dayFrom, dayTo
	for i := range txns {
		ts := txns[i].SupplierTimestamp
		if ts.Before(from) {
			from = ts
		}
		if !ts.Before(to) {
			to = ts.Add(time.Second)
		}
	}
	return snapshotWindow{
		from:    from.Add(-padding),
		to:      to.Add(padding),
		dayFrom: dayFrom,
		dayTo:   dayTo,
	}
}

// dayTotal sums the ledger amounts that fall on the settlement day itself.
func (w snapshotWindow) dayTotal(snapshot []models.InternalTransaction) int64 {
	var total int64
	for i := range snapshot {
		ts := snapshot[i].Timestamp
		if !ts.Before(w.dayFrom) && ts.Before(w.dayTo) {
			total += snapshot[i].AmountCents
		}
	}
	return total
}
