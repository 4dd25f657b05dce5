package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/suppliers"
)

// SupplierConfigRepository stores supplier configurations as versioned
// jsonb documents. Every configuration read or written passes
// suppliers.Validate.
type SupplierConfigRepository interface {
	suppliers.Store
	// Upsert validates cfg and writes it, bumping the stored version when the
	// document changes.
	Upsert(ctx context.Context, cfg *models.SupplierConfig) error
}

type supplierConfigRepository struct{}

// NewSupplierConfigRepository creates a supplier config repository.
func NewSupplierConfigRepository() SupplierConfigRepository {
	return &supplierConfigRepository{}
}

var _ SupplierConfigRepository = (*supplierConfigRepository)(nil)

func (r *supplierConfigRepository) Get(ctx context.Context, supplierCode string) (*models.SupplierConfig, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `
		SELECT document, version, enabled, updated_at
		FROM supplier_configs
		WHERE supplier_code = $1`, supplierCode)

	cfg, err := scanSupplierConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: supplier %s", apperrors.ErrNotFound, supplierCode)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *supplierConfigRepository) ListEnabled(ctx context.Context) ([]*models.SupplierConfig, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT document, version, enabled, updated_at
		FROM supplier_configs
		WHERE enabled
		ORDER BY supplier_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list supplier configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.SupplierConfig
	var errs []error
	for rows.Next() {
		cfg, err := scanSupplierConfig(rows)
		if err != nil {
			// One broken document must not stop the other suppliers.
			errs = append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating supplier configs: %w", err)
	}
	return configs, errors.Join(errs...)
}

func (r *supplierConfigRepository) Upsert(ctx context.Context, cfg *models.SupplierConfig) error {
	q, err := database.MustScope(ctx)
	if err != nil {
		return err
	}
	if err := suppliers.Validate(cfg); err != nil {
		return err
	}

	doc, err := encodeDocument(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode supplier config: %w", err)
	}

	err = q.QueryRow(ctx, `
		INSERT INTO supplier_configs (supplier_code, version, enabled, document)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (supplier_code) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    document = EXCLUDED.document,
		    version = CASE WHEN supplier_configs.document = EXCLUDED.document
		                   THEN supplier_configs.version
		                   ELSE supplier_configs.version + 1 END,
		    updated_at = now()
		RETURNING version, updated_at`,
		cfg.SupplierCode, cfg.Enabled, doc,
	).Scan(&cfg.Version, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert supplier config: %w", err)
	}
	return nil
}

func scanSupplierConfig(row pgx.Row) (*models.SupplierConfig, error) {
	var (
		doc       []byte
		version   int
		enabled   bool
		updatedAt time.Time
	)
	if err := row.Scan(&doc, &version, &enabled, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan supplier config: %w", err)
	}

	var cfg models.SupplierConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("%w: stored document: %v", apperrors.ErrInvalidConfig, err)
	}
	cfg.Version = version
	cfg.Enabled = enabled
	cfg.UpdatedAt = updatedAt
	if err := suppliers.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// encodeDocument marshals cfg without the columns the table owns, so an
// unchanged configuration produces an identical document.
func encodeDocument(cfg *models.SupplierConfig) ([]byte, error) {
	doc := *cfg
	doc.Version = 0
	doc.Enabled = false
	doc.UpdatedAt = time.Time{}
	return json.Marshal(&doc)
}
