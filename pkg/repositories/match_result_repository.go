package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// MatchResultRepository stores the append-only decisions of a run.
type MatchResultRepository interface {
	// InsertBatch assigns IDs and timestamps to results and inserts them in
	// one round trip.
	InsertBatch(ctx context.Context, runID uuid.UUID, results []models.MatchResult) error
	// ListByRun pages through a run's results in file order.
	ListByRun(ctx context.Context, runID uuid.UUID, filters models.MatchResultFilters) ([]models.MatchResult, int, error)
	// ListAllByRun returns every result of a run in file order.
	ListAllByRun(ctx context.Context, runID uuid.UUID) ([]models.MatchResult, error)
}

type matchResultRepository struct{}

// NewMatchResultRepository creates a match result repository.
func NewMatchResultRepository() MatchResultRepository {
	return &matchResultRepository{}
}

var _ MatchResultRepository = (*matchResultRepository)(nil)

const matchResultColumns = `id, run_id, canonical_transaction, internal_transaction_id, match_strategy,
	match_confidence, amount_variance_cents, timestamp_variance_seconds, status, critical,
	commission_expected_cents, commission_reported_cents, commission_variance_cents, notes, created_at`

func (r *matchResultRepository) InsertBatch(ctx context.Context, runID uuid.UUID, results []models.MatchResult) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range results {
		m := &results[i]
		m.ID = uuid.New()
		m.RunID = runID
		m.CreatedAt = now
		batch.Queue(`
			INSERT INTO match_results (
				id, run_id, row_number, supplier_transaction_id, canonical_transaction,
				internal_transaction_id, match_strategy, match_confidence,
				amount_variance_cents, timestamp_variance_seconds, status, critical,
				commission_expected_cents, commission_reported_cents, commission_variance_cents,
				notes, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			m.ID, m.RunID, m.Transaction.RowNumber, m.Transaction.SupplierTransactionID, m.Transaction,
			m.InternalTransactionID, m.Strategy, m.Confidence,
			m.AmountVarianceCents, m.TimestampVarianceSeconds, m.Status, m.Critical,
			m.CommissionExpectedCents, m.CommissionReportedCents, m.CommissionVarianceCents,
			nonNilStrings(m.Notes), m.CreatedAt,
		)
	}

	br := q.SendBatch(ctx, batch)
	for i := range results {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert match result for row %d: %w", results[i].Transaction.RowNumber, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to insert match results: %w", err)
	}
	return nil
}

func (r *matchResultRepository) ListByRun(ctx context.Context, runID uuid.UUID, filters models.MatchResultFilters) ([]models.MatchResult, int, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset := normalizePageParams(filters.Limit, filters.Offset)

	var status *string
	if filters.Status != "" {
		status = &filters.Status
	}

	var total int
	err = q.QueryRow(ctx, `
		SELECT COUNT(*) FROM match_results
		WHERE run_id = $1 AND ($2::text IS NULL OR status = $2)`, runID, status).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count match results: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+matchResultColumns+`
		FROM match_results
		WHERE run_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY row_number
		LIMIT $3 OFFSET $4`, runID, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list match results: %w", err)
	}
	results, err := collectMatchResults(rows)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *matchResultRepository) ListAllByRun(ctx context.Context, runID uuid.UUID) ([]models.MatchResult, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+matchResultColumns+`
		FROM match_results
		WHERE run_id = $1
		ORDER BY row_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list match results: %w", err)
	}
	return collectMatchResults(rows)
}

func collectMatchResults(rows pgx.Rows) ([]models.MatchResult, error) {
	defer rows.Close()

	var results []models.MatchResult
	for rows.Next() {
		var m models.MatchResult
		err := rows.Scan(
			&m.ID, &m.RunID, &m.Transaction, &m.InternalTransactionID, &m.Strategy,
			&m.Confidence, &m.AmountVarianceCents, &m.TimestampVarianceSeconds, &m.Status, &m.Critical,
			&m.CommissionExpectedCents, &m.CommissionReportedCents, &m.CommissionVarianceCents,
			&m.Notes, &m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match result: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating match results: %w", err)
	}
	return results, nil
}
