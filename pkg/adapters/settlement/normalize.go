package settlement

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/money"
)

// UnspecifiedCategory keys footer breakdowns for rows without a product code.
const UnspecifiedCategory = "unspecified"

const normalizeChunkSize = 256

// Normalize converts raw records into canonical transactions and row errors,
// preserving file order. Rows are converted in parallel; each worker writes
// only its own slice indexes. The context is checked at row boundaries.
func Normalize(ctx context.Context, raw *RawFile, schema *CompiledSchema, commissionField string) (*models.ParsedFile, error) {
	body := make([]models.RowResult, len(raw.Body))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(raw.Body); start += normalizeChunkSize {
		end := min(start+normalizeChunkSize, len(raw.Body))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				body[i] = convertRecord(raw.Body[i], schema, commissionField)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
	}

	markDuplicates(body)

	footer, err := buildFooter(raw, schema, body)
	if err != nil {
		return nil, err
	}

	return &models.ParsedFile{
		Header: raw.Header,
		Body:   body,
		Footer: footer,
	}, nil
}

func rowError(line int, field, reason string) models.RowResult {
	return models.RowResult{Error: &models.RowError{RowNumber: line, Field: field, Reason: reason}}
}

func convertRecord(rec RawRecord, schema *CompiledSchema, commissionField string) models.RowResult {
	if rec.Problem != "" {
		return rowError(rec.Line, rec.ProblemField, rec.Problem)
	}

	tx := &models.CanonicalTransaction{RowNumber: rec.Line}
	var haveAmount, haveTimestamp bool

	for i := range schema.Body.Fields {
		f := &schema.Body.Fields[i]
		v, present := rec.Values[f.Name]
		if !present {
			if f.Required {
				return rowError(rec.Line, f.Name, "missing required field")
			}
			continue
		}

		if f.Name == commissionField {
			cents, err := parseAmountCents(v, f.Type == models.FieldTypeInteger)
			if err != nil {
				return rowError(rec.Line, f.Name, err.Error())
			}
			tx.CommissionCents = &cents
			if f.Mapping == "" {
				continue
			}
		}

		switch f.Mapping {
		case models.CanonicalAmount:
			cents, err := parseAmountCents(v, f.Type == models.FieldTypeInteger)
			if err != nil {
				return rowError(rec.Line, f.Name, err.Error())
			}
			tx.SupplierAmountCents = cents
			haveAmount = true
			continue
		case models.CanonicalTimestamp:
			ts, err := parseDatetime(v, f.Format, schema.Location)
			if err != nil {
				return rowError(rec.Line, f.Name, err.Error())
			}
			tx.SupplierTimestamp = ts
			haveTimestamp = true
			continue
		}

		value, err := typedString(v, f, schema.Location)
		if err != nil {
			return rowError(rec.Line, f.Name, err.Error())
		}

		switch f.Mapping {
		case models.CanonicalTransactionID:
			tx.SupplierTransactionID = value
		case models.CanonicalReference:
			tx.SupplierReference = value
		case models.CanonicalProductCode:
			tx.SupplierProductCode = value
		case models.CanonicalStatus:
			tx.SupplierStatus = value
		default:
			key := f.Mapping
			if key == "" {
				key = f.Name
			}
			if tx.Metadata == nil {
				tx.Metadata = make(map[string]string)
			}
			tx.Metadata[key] = value
		}
	}

	switch {
	case tx.SupplierTransactionID == "":
		return rowError(rec.Line, models.CanonicalTransactionID, "missing transaction id")
	case !haveAmount:
		return rowError(rec.Line, models.CanonicalAmount, "missing amount")
	case !haveTimestamp:
		return rowError(rec.Line, models.CanonicalTimestamp, "missing timestamp")
	}

	return models.RowResult{Transaction: tx}
}

// typedString validates v against the field type. Numbers keep their file
// spelling so identifiers such as "00123" survive; datetimes become RFC3339 UTC.
func typedString(v string, f *CompiledField, loc *time.Location) (string, error) {
	switch f.Type {
	case models.FieldTypeDecimal:
		if _, err := money.ParseDecimal(v); err != nil {
			return "", err
		}
		return v, nil
	case models.FieldTypeInteger:
		if _, err := parseInteger(v); err != nil {
			return "", err
		}
		return v, nil
	case models.FieldTypeDatetime:
		t, err := parseDatetime(v, f.Format, loc)
		if err != nil {
			return "", err
		}
		return t.Format(time.RFC3339), nil
	default:
		return v, nil
	}
}

// markDuplicates turns every repeat of a supplier transaction id into a row
// error; the first occurrence in file order is kept.
func markDuplicates(body []models.RowResult) {
	seen := make(map[string]int, len(body))
	for i := range body {
		tx := body[i].Transaction
		if tx == nil {
			continue
		}
		if first, dup := seen[tx.SupplierTransactionID]; dup {
			body[i] = rowError(tx.RowNumber, models.CanonicalTransactionID,
				fmt.Sprintf("duplicate supplier_transaction_id %q (first on row %d)", tx.SupplierTransactionID, first))
			continue
		}
		seen[tx.SupplierTransactionID] = tx.RowNumber
	}
}

func buildFooter(raw *RawFile, schema *CompiledSchema, body []models.RowResult) (models.Footer, error) {
	footer := models.Footer{
		ComputedCount: len(raw.Body),
		ByCategory:    make(map[string]models.CategoryTotal),
	}
	for _, r := range body {
		if r.Transaction == nil {
			continue
		}
		footer.ComputedTotalCents += r.Transaction.SupplierAmountCents
		key := r.Transaction.SupplierProductCode
		if key == "" {
			key = UnspecifiedCategory
		}
		cat := footer.ByCategory[key]
		cat.Count++
		cat.TotalCents += r.Transaction.SupplierAmountCents
		footer.ByCategory[key] = cat
	}

	if raw.Footer == nil {
		return footer, nil
	}

	footer.Declared = true
	footer.Fields = raw.Footer
	for _, f := range schema.Footer.Fields {
		v, ok := raw.Footer[f.Name]
		if !ok {
			if f.Required {
				return footer, apperrors.NewFormatError(schema.SupplierCode, raw.FooterLine, "trailer is missing "+f.Name, nil)
			}
			continue
		}
		switch f.Mapping {
		case FooterRecordCount:
			n, err := parseInteger(v)
			if err != nil {
				return footer, apperrors.NewFormatError(schema.SupplierCode, raw.FooterLine, "invalid trailer record count", err)
			}
			count := int(n)
			footer.DeclaredCount = &count
		case FooterTotalAmount:
			cents, err := parseAmountCents(v, f.Type == models.FieldTypeInteger)
			if err != nil {
				return footer, apperrors.NewFormatError(schema.SupplierCode, raw.FooterLine, "invalid trailer total", err)
			}
			footer.DeclaredTotalCents = &cents
		}
	}
	return footer, nil
}
