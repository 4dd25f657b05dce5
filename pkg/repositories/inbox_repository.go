package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// InboxRepository holds settlement files pushed by suppliers until a run
// consumes them.
type InboxRepository interface {
	// Store saves a drop. A second drop with the same identifier for the
	// same supplier returns the existing entry.
	Store(ctx context.Context, file *models.InboxFile) (*models.InboxFile, error)
	ListPending(ctx context.Context, supplierCode string, settlementDate time.Time) ([]*models.InboxFile, error)
	// ListPendingDates returns the settlement dates with unconsumed drops.
	ListPendingDates(ctx context.Context, supplierCode string) ([]time.Time, error)
	MarkConsumed(ctx context.Context, id uuid.UUID) error
}

type inboxRepository struct{}

// NewInboxRepository creates an inbox repository.
func NewInboxRepository() InboxRepository {
	return &inboxRepository{}
}

var _ InboxRepository = (*inboxRepository)(nil)

func (r *inboxRepository) Store(ctx context.Context, file *models.InboxFile) (*models.InboxFile, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	file.ReceivedAt = time.Now().UTC()

	stored := &models.InboxFile{}
	err = q.QueryRow(ctx, `
		INSERT INTO settlement_file_inbox (
			id, supplier_code, file_name, file_identifier, settlement_date, content, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (supplier_code, file_identifier)
		DO UPDATE SET file_identifier = EXCLUDED.file_identifier
		RETURNING id, supplier_code, file_name, file_identifier, settlement_date, received_at, consumed_at`,
		file.ID, file.SupplierCode, file.FileName, file.FileIdentifier, file.SettlementDate,
		file.Content, file.ReceivedAt,
	).Scan(&stored.ID, &stored.SupplierCode, &stored.FileName, &stored.FileIdentifier,
		&stored.SettlementDate, &stored.ReceivedAt, &stored.ConsumedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store inbox file: %w", err)
	}
	return stored, nil
}

func (r *inboxRepository) ListPending(ctx context.Context, supplierCode string, settlementDate time.Time) ([]*models.InboxFile, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, supplier_code, file_name, file_identifier, settlement_date, content, received_at
		FROM settlement_file_inbox
		WHERE supplier_code = $1 AND settlement_date = $2 AND consumed_at IS NULL
		ORDER BY received_at, id`, supplierCode, settlementDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox files: %w", err)
	}
	defer rows.Close()

	var files []*models.InboxFile
	for rows.Next() {
		f := &models.InboxFile{}
		if err := rows.Scan(&f.ID, &f.SupplierCode, &f.FileName, &f.FileIdentifier,
			&f.SettlementDate, &f.Content, &f.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inbox file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbox files: %w", err)
	}
	return files, nil
}

func (r *inboxRepository) ListPendingDates(ctx context.Context, supplierCode string) ([]time.Time, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT DISTINCT settlement_date
		FROM settlement_file_inbox
		WHERE supplier_code = $1 AND consumed_at IS NULL
		ORDER BY settlement_date`, supplierCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending inbox dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan inbox date: %w", err)
		}
		dates = append(dates, d.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbox dates: %w", err)
	}
	return dates, nil
}

func (r *inboxRepository) MarkConsumed(ctx context.Context, id uuid.UUID) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE settlement_file_inbox SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to mark inbox file consumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending inbox file %s", apperrors.ErrNotFound, id)
	}
	return nil
}
