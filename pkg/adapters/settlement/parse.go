package settlement

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// Parse is the full format-adapter contract: decode the raw bytes, extract
// records with the supplier's adapter class and normalize them against a
// schema compiled for this file. A file that cannot be read at all returns a
// *apperrors.FormatError; malformed rows become RowErrors in the result.
func Parse(ctx context.Context, raw []byte, cfg *models.SupplierConfig) (*models.ParsedFile, error) {
	adapter, err := Lookup(cfg.AdapterClass)
	if err != nil {
		return nil, err
	}

	schema, err := CompileSchema(cfg)
	if err != nil {
		return nil, fmt.Errorf("supplier %s: %w", cfg.SupplierCode, err)
	}

	content, err := Decode(cfg.SupplierCode, raw, cfg.Encoding)
	if err != nil {
		return nil, err
	}

	extracted, err := adapter.Extract(content, schema)
	if err != nil {
		return nil, err
	}

	return Normalize(ctx, extracted, schema, cfg.CommissionField)
}
