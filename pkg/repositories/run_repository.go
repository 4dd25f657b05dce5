package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// activeFileIndex guarantees one running or completed run per supplier and file identifier.
const activeFileIndex = "reconciliation_runs_active_file_idx"

// StaleRunReason is recorded on runs FailStale gives up on.
const StaleRunReason = "run did not finish before the stale-run timeout"

// RunRepository provides data access for reconciliation runs.
type RunRepository interface {
	// FindCompletedByFile returns the supplier's completed run for a file identifier, or nil.
	FindCompletedByFile(ctx context.Context, supplierCode, fileIdentifier string) (*models.ReconciliationRun, error)
	// LatestFailedByFile returns the supplier's most recent failed run for a file identifier, or nil.
	LatestFailedByFile(ctx context.Context, supplierCode, fileIdentifier string) (*models.ReconciliationRun, error)
	// CreateRunning inserts run with status running. Returns ErrRunInProgress
	// when another run for the same file is running or already completed.
	CreateRunning(ctx context.Context, run *models.ReconciliationRun) error
	// Complete stores final counts and totals of a running run.
	Complete(ctx context.Context, run *models.ReconciliationRun) error
	// Fail marks a running run failed with the counts reached so far.
	Fail(ctx context.Context, runID uuid.UUID, reason string, counts models.RunCounts) error
	// FailStale fails running runs started before cutoff and returns how many.
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
	Get(ctx context.Context, runID uuid.UUID) (*models.ReconciliationRun, error)
	List(ctx context.Context, filters models.RunFilters) ([]*models.ReconciliationRun, int, error)
	Stats(ctx context.Context, since, until *time.Time) ([]models.SupplierStats, error)
}

type runRepository struct{}

// NewRunRepository creates a run repository.
func NewRunRepository() RunRepository {
	return &runRepository{}
}

var _ RunRepository = (*runRepository)(nil)

const runColumns = `id, supplier_code, config_version, file_identifier, file_name, settlement_date,
	status, total_rows, matched_count, variant_count, unmatched_count, error_count, critical_count,
	supplier_total_cents, ledger_total_cents, footer_mismatches, row_errors, failure_reason, started_at, completed_at`

func (r *runRepository) FindCompletedByFile(ctx context.Context, supplierCode, fileIdentifier string) (*models.ReconciliationRun, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+runColumns+`
		FROM reconciliation_runs
		WHERE supplier_code = $1 AND file_identifier = $2 AND status = 'completed'`, supplierCode, fileIdentifier)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runRepository) LatestFailedByFile(ctx context.Context, supplierCode, fileIdentifier string) (*models.ReconciliationRun, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+runColumns+`
		FROM reconciliation_runs
		WHERE supplier_code = $1 AND file_identifier = $2 AND status = 'failed'
		ORDER BY started_at DESC, id
		LIMIT 1`, supplierCode, fileIdentifier)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runRepository) CreateRunning(ctx context.Context, run *models.ReconciliationRun) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = models.RunStatusRunning
	run.StartedAt = time.Now().UTC()

	_, err = q.Exec(ctx, `
		INSERT INTO reconciliation_runs (
			id, supplier_code, config_version, file_identifier, file_name,
			settlement_date, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.SupplierCode, run.ConfigVersion, run.FileIdentifier, run.FileName,
		run.SettlementDate, run.Status, run.StartedAt,
	)
	if database.UniqueViolation(err, activeFileIndex) {
		return fmt.Errorf("%w: %s", apperrors.ErrRunInProgress, run.FileIdentifier)
	}
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (r *runRepository) Complete(ctx context.Context, run *models.ReconciliationRun) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tag, err := q.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = 'completed',
		    total_rows = $2, matched_count = $3, variant_count = $4, unmatched_count = $5,
		    error_count = $6, critical_count = $7,
		    supplier_total_cents = $8, ledger_total_cents = $9, footer_mismatches = $10,
		    row_errors = $11, completed_at = $12
		WHERE id = $1 AND status = 'running'`,
		run.ID, run.TotalRows, run.MatchedCount, run.VariantCount, run.UnmatchedCount,
		run.ErrorCount, run.CriticalCount,
		run.SupplierTotalCents, run.LedgerTotalCents, nonNilStrings(run.FooterMismatches),
		nonNilRowErrors(run.RowErrors), now,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s is not running", apperrors.ErrConflict, run.ID)
	}

	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now
	return nil
}

func (r *runRepository) Fail(ctx context.Context, runID uuid.UUID, reason string, counts models.RunCounts) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = 'failed', failure_reason = $2,
		    total_rows = $3, matched_count = $4, variant_count = $5, unmatched_count = $6,
		    error_count = $7, critical_count = $8,
		    completed_at = now()
		WHERE id = $1 AND status = 'running'`,
		runID, reason, counts.TotalRows, counts.MatchedCount, counts.VariantCount,
		counts.UnmatchedCount, counts.ErrorCount, counts.CriticalCount,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s is not running", apperrors.ErrConflict, runID)
	}
	return nil
}

func (r *runRepository) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = 'failed', failure_reason = $2, completed_at = now()
		WHERE status = 'running' AND started_at < $1`,
		cutoff, StaleRunReason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *runRepository) Get(ctx context.Context, runID uuid.UUID) (*models.ReconciliationRun, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `SELECT `+runColumns+` FROM reconciliation_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", apperrors.ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runRepository) List(ctx context.Context, filters models.RunFilters) ([]*models.ReconciliationRun, int, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset := normalizePageParams(filters.Limit, filters.Offset)

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filters.SupplierCode != "" {
		conditions = append(conditions, fmt.Sprintf("supplier_code = $%d", argIdx))
		args = append(args, filters.SupplierCode)
		argIdx++
	}
	if filters.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Since != nil {
		conditions = append(conditions, fmt.Sprintf("started_at >= $%d", argIdx))
		args = append(args, *filters.Since)
		argIdx++
	}
	if filters.Until != nil {
		conditions = append(conditions, fmt.Sprintf("started_at <= $%d", argIdx))
		args = append(args, *filters.Until)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_runs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	dataQuery := fmt.Sprintf(`SELECT %s
		FROM reconciliation_runs
		WHERE %s
		ORDER BY started_at DESC, id
		LIMIT $%d OFFSET $%d`, runColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ReconciliationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, total, nil
}

func (r *runRepository) Stats(ctx context.Context, since, until *time.Time) ([]models.SupplierStats, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT supplier_code,
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(total_rows) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(SUM(matched_count) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(SUM(variant_count) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(SUM(unmatched_count) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(SUM(error_count) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(SUM(critical_count) FILTER (WHERE status = 'completed'), 0)
		FROM reconciliation_runs
		WHERE ($1::timestamptz IS NULL OR started_at >= $1)
		  AND ($2::timestamptz IS NULL OR started_at <= $2)
		GROUP BY supplier_code
		ORDER BY supplier_code`, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	defer rows.Close()

	var stats []models.SupplierStats
	for rows.Next() {
		var s models.SupplierStats
		if err := rows.Scan(&s.SupplierCode, &s.Runs, &s.FailedRuns, &s.TotalRows,
			&s.MatchedCount, &s.VariantCount, &s.UnmatchedCount, &s.ErrorCount, &s.CriticalCount); err != nil {
			return nil, fmt.Errorf("failed to scan supplier stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating supplier stats: %w", err)
	}
	return stats, nil
}

func scanRun(row pgx.Row) (*models.ReconciliationRun, error) {
	run := &models.ReconciliationRun{}
	err := row.Scan(
		&run.ID, &run.SupplierCode, &run.ConfigVersion, &run.FileIdentifier, &run.FileName,
		&run.SettlementDate, &run.Status, &run.TotalRows, &run.MatchedCount, &run.VariantCount,
		&run.UnmatchedCount, &run.ErrorCount, &run.CriticalCount,
		&run.SupplierTotalCents, &run.LedgerTotalCents, &run.FooterMismatches, &run.RowErrors, &run.FailureReason,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return run, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRowErrors(e []models.RowError) []models.RowError {
	if e == nil {
		return []models.RowError{}
	}
	return e
}
