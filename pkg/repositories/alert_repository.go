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

// AlertRepository provides data access for reconciliation alerts.
type AlertRepository interface {
	Create(ctx context.Context, alert *models.Alert) error
	Get(ctx context.Context, alertID uuid.UUID) (*models.Alert, error)
	List(ctx context.Context, filters models.AlertFilters) ([]*models.Alert, int, error)
	// ListUndelivered returns alerts whose notification has not gone out, oldest first.
	ListUndelivered(ctx context.Context, limit int) ([]*models.Alert, error)
	Acknowledge(ctx context.Context, alertID uuid.UUID, acknowledgedBy string) error
	MarkNotified(ctx context.Context, alertID uuid.UUID, at time.Time) error
}

type alertRepository struct{}

// NewAlertRepository creates an alert repository.
func NewAlertRepository() AlertRepository {
	return &alertRepository{}
}

var _ AlertRepository = (*alertRepository)(nil)

const alertColumns = `id, run_id, supplier_code, severity, reason, message, details,
	related_match_result_id, recipients, created_at, notified_at, acknowledged_at, acknowledged_by`

func (r *alertRepository) Create(ctx context.Context, alert *models.Alert) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	alert.CreatedAt = time.Now().UTC()
	details := alert.Details
	if details == nil {
		details = map[string]any{}
	}

	_, err = q.Exec(ctx, `
		INSERT INTO alerts (
			id, run_id, supplier_code, severity, reason, message, details,
			related_match_result_id, recipients, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		alert.ID, alert.RunID, alert.SupplierCode, alert.Severity, alert.Reason, alert.Message,
		details, alert.RelatedMatchResultID, nonNilStrings(alert.Recipients), alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (r *alertRepository) Get(ctx context.Context, alertID uuid.UUID) (*models.Alert, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	alert, err := scanAlert(q.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", apperrors.ErrNotFound, alertID)
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

func (r *alertRepository) List(ctx context.Context, filters models.AlertFilters) ([]*models.Alert, int, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, 0, err
	}

	limit, offset := normalizePageParams(filters.Limit, filters.Offset)

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filters.RunID != nil {
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", argIdx))
		args = append(args, *filters.RunID)
		argIdx++
	}
	if filters.SupplierCode != "" {
		conditions = append(conditions, fmt.Sprintf("supplier_code = $%d", argIdx))
		args = append(args, filters.SupplierCode)
		argIdx++
	}
	if filters.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, filters.Severity)
		argIdx++
	}
	if filters.Acknowledged != nil {
		if *filters.Acknowledged {
			conditions = append(conditions, "acknowledged_at IS NOT NULL")
		} else {
			conditions = append(conditions, "acknowledged_at IS NULL")
		}
	}

	where := strings.Join(conditions, " AND ")

	// Count
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM alerts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	// Data
	dataQuery := fmt.Sprintf(`SELECT %s
		FROM alerts
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, alertColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	alerts, err := collectAlerts(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

func (r *alertRepository) ListUndelivered(ctx context.Context, limit int) ([]*models.Alert, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}
	limit, _ = normalizePageParams(limit, 0)

	rows, err := q.Query(ctx, `SELECT `+alertColumns+`
		FROM alerts
		WHERE notified_at IS NULL AND jsonb_array_length(recipients) > 0
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered alerts: %w", err)
	}
	return collectAlerts(rows)
}

func (r *alertRepository) Acknowledge(ctx context.Context, alertID uuid.UUID, acknowledgedBy string) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE alerts
		SET acknowledged_at = now(), acknowledged_by = $2
		WHERE id = $1 AND acknowledged_at IS NULL`,
		alertID, acknowledgedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, alertID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up alert: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: alert %s", apperrors.ErrNotFound, alertID)
	}
	return fmt.Errorf("%w: alert %s already acknowledged", apperrors.ErrConflict, alertID)
}

func (r *alertRepository) MarkNotified(ctx context.Context, alertID uuid.UUID, at time.Time) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `UPDATE alerts SET notified_at = $2 WHERE id = $1`, alertID, at); err != nil {
		return fmt.Errorf("failed to mark alert notified: %w", err)
	}
	return nil
}

func collectAlerts(rows pgx.Rows) ([]*models.Alert, error) {
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	alert := &models.Alert{}
	err := row.Scan(
		&alert.ID, &alert.RunID, &alert.SupplierCode, &alert.Severity, &alert.Reason,
		&alert.Message, &alert.Details, &alert.RelatedMatchResultID, &alert.Recipients,
		&alert.CreatedAt, &alert.NotifiedAt, &alert.AcknowledgedAt, &alert.AcknowledgedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return alert, nil
}
