package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/money"
	"github.com/ekaya-inc/settlement-engine/pkg/repositories"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// ReviewService is the read side used by operators: run history, match
// results, spreadsheet exports and per-supplier statistics.
type ReviewService interface {
	ListRuns(ctx context.Context, filters models.RunFilters) ([]*models.ReconciliationRun, int, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*models.RunDetail, error)
	ListMatchResults(ctx context.Context, runID uuid.UUID, filters models.MatchResultFilters) ([]models.MatchResult, int, error)
	// ExportRun writes an .xlsx workbook with a Summary and a Matches sheet.
	ExportRun(ctx context.Context, runID uuid.UUID, w io.Writer) error
	Stats(ctx context.Context, since, until *time.Time) ([]models.SupplierStats, error)
}

type reviewService struct {
	db      database.Scoper
	runs    repositories.RunRepository
	results repositories.MatchResultRepository
	alerts  repositories.AlertRepository
	logger  *zap.Logger
}

func NewReviewService(db database.Scoper, runs repositories.RunRepository, results repositories.MatchResultRepository, alerts repositories.AlertRepository, logger *zap.Logger) ReviewService {
	return &reviewService{
		db:      db,
		runs:    runs,
		results: results,
		alerts:  alerts,
		logger:  logger.Named("review"),
	}
}

var _ ReviewService = (*reviewService)(nil)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	return min(limit, maxPageLimit)
}

func (s *reviewService) ListRuns(ctx context.Context, filters models.RunFilters) ([]*models.ReconciliationRun, int, error) {
	switch models.RunStatus(filters.Status) {
	case "", models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed:
	default:
		return nil, 0, fmt.Errorf("%w: invalid status filter: %s", apperrors.ErrInvalidInput, filters.Status)
	}
	if filters.Since != nil && filters.Until != nil && filters.Until.Before(*filters.Since) {
		return nil, 0, fmt.Errorf("%w: until is before since", apperrors.ErrInvalidInput)
	}
	filters.Limit = clampLimit(filters.Limit)

	ctx, cleanup, err := s.db.WithScope(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer cleanup()

	return s.runs.List(ctx, filters)
}

func (s *reviewService) GetRun(ctx context.Context, runID uuid.UUID) (*models.RunDetail, error) {
	ctx, cleanup, err := s.db.WithScope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	alerts, _, err := s.alerts.List(ctx, models.AlertFilters{RunID: &runID, Limit: maxPageLimit})
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	return &models.RunDetail{Run: run, Alerts: alerts}, nil
}

func (s *reviewService) ListMatchResults(ctx context.Context, runID uuid.UUID, filters models.MatchResultFilters) ([]models.MatchResult, int, error) {
	if filters.Status != "" && !models.ValidMatchStatus(filters.Status) {
		return nil, 0, fmt.Errorf("%w: invalid status filter: %s", apperrors.ErrInvalidInput, filters.Status)
	}
	filters.Limit = clampLimit(filters.Limit)

	ctx, cleanup, err := s.db.WithScope(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer cleanup()

	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, 0, err
	}
	return s.results.ListByRun(ctx, runID, filters)
}

func (s *reviewService) Stats(ctx context.Context, since, until *time.Time) ([]models.SupplierStats, error) {
	ctx, cleanup, err := s.db.WithScope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stats, err := s.runs.Stats(ctx, since, until)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []models.SupplierStats{}
	}
	return stats, nil
}

var matchColumns = []any{
	"Row", "Supplier Transaction", "Reference", "Amount", "Timestamp (UTC)",
	"Internal Transaction", "Strategy", "Confidence", "Status", "Critical",
	"Amount Variance", "Timestamp Variance (s)",
	"Commission Expected", "Commission Reported", "Commission Variance", "Notes",
}

func (s *reviewService) ExportRun(ctx context.Context, runID uuid.UUID, w io.Writer) error {
	ctx, cleanup, err := s.db.WithScope(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	results, err := s.results.ListAllByRun(ctx, runID)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", "Summary"); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}
	if err := writeSummarySheet(f, run); err != nil {
		return err
	}
	if _, err := f.NewSheet("Matches"); err != nil {
		return fmt.Errorf("failed to create matches sheet: %w", err)
	}
	if err := writeMatchesSheet(f, results); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	s.logger.Info("Exported reconciliation run",
		zap.String("run_id", runID.String()),
		zap.Int("results", len(results)))
	return nil
}

func writeSummarySheet(f *excelize.File, run *models.ReconciliationRun) error {
	failure := ""
	if run.FailureReason != nil {
		failure = *run.FailureReason
	}
	completed := ""
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UTC().Format(time.RFC3339)
	}

	rows := [][]any{
		{"Run", run.ID.String()},
		{"Supplier", run.SupplierCode},
		{"Config Version", run.ConfigVersion},
		{"File", run.FileName},
		{"File Identifier", run.FileIdentifier},
		{"Settlement Date", run.SettlementDate.Format(time.DateOnly)},
		{"Status", string(run.Status)},
		{"Started", run.StartedAt.UTC().Format(time.RFC3339)},
		{"Completed", completed},
		{"Total Rows", run.TotalRows},
		{"Matched", run.MatchedCount},
		{"Variant", run.VariantCount},
		{"Unmatched", run.UnmatchedCount},
		{"Row Errors", run.ErrorCount},
		{"Critical", run.CriticalCount},
		{"Supplier Total", money.Format(run.SupplierTotalCents)},
		{"Ledger Total", money.Format(run.LedgerTotalCents)},
		{"Footer Mismatches", strings.Join(run.FooterMismatches, "; ")},
		{"Failure Reason", failure},
	}
	for i, row := range rows {
		if err := setRow(f, "Summary", i+1, row); err != nil {
			return err
		}
	}

	if len(run.RowErrors) == 0 {
		return nil
	}
	start := len(rows) + 2
	if err := setRow(f, "Summary", start, []any{"Row", "Field", "Error"}); err != nil {
		return err
	}
	for i, e := range run.RowErrors {
		if err := setRow(f, "Summary", start+i+1, []any{e.RowNumber, e.Field, e.Reason}); err != nil {
			return err
		}
	}
	return nil
}

func writeMatchesSheet(f *excelize.File, results []models.MatchResult) error {
	if err := setRow(f, "Matches", 1, matchColumns); err != nil {
		return err
	}
	for i := range results {
		r := &results[i]
		internal := ""
		if r.InternalTransactionID != nil {
			internal = *r.InternalTransactionID
		}
		row := []any{
			r.Transaction.RowNumber,
			r.Transaction.SupplierTransactionID,
			r.Transaction.SupplierReference,
			money.Format(r.Transaction.SupplierAmountCents),
			r.Transaction.SupplierTimestamp.UTC().Format(time.RFC3339),
			internal,
			string(r.Strategy),
			r.Confidence,
			string(r.Status),
			r.Critical,
			money.Format(r.AmountVarianceCents),
			r.TimestampVarianceSeconds,
			optionalCents(r.CommissionExpectedCents),
			optionalCents(r.CommissionReportedCents),
			optionalCents(r.CommissionVarianceCents),
			strings.Join(r.Notes, "; "),
		}
		if err := setRow(f, "Matches", i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func optionalCents(c *int64) string {
	if c == nil {
		return ""
	}
	return money.Format(*c)
}
