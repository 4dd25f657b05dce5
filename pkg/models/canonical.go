package models

import "time"

// CanonicalTransaction is the supplier-agnostic form of one settlement row.
// Amounts are integer cents.
type CanonicalTransaction struct {
	RowNumber             int               `json:"row_number"`
	SupplierTransactionID string            `json:"supplier_transaction_id"`
	SupplierReference     string            `json:"supplier_reference,omitempty"`
	SupplierProductCode   string            `json:"supplier_product_code,omitempty"`
	SupplierAmountCents   int64             `json:"supplier_amount_cents"`
	SupplierTimestamp     time.Time         `json:"supplier_timestamp"`
	SupplierStatus        string            `json:"supplier_status,omitempty"`
	CommissionCents       *int64            `json:"commission_cents,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Field returns the string form of a canonical or metadata field.
func (t *CanonicalTransaction) Field(name string) string {
	switch name {
	case CanonicalTransactionID:
		return t.SupplierTransactionID
	case CanonicalReference:
		return t.SupplierReference
	case CanonicalProductCode:
		return t.SupplierProductCode
	case CanonicalStatus:
		return t.SupplierStatus
	default:
		return t.Metadata[name]
	}
}

// RowError describes a single malformed row. It never aborts the file.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason"`
}

// RowResult is either a transaction or a row error.
type RowResult struct {
	Transaction *CanonicalTransaction `json:"transaction,omitempty"`
	Error       *RowError             `json:"error,omitempty"`
}

// CategoryTotal is a per-category breakdown line of a footer.
type CategoryTotal struct {
	Count      int   `json:"count"`
	TotalCents int64 `json:"total_cents"`
}

// Footer holds declared totals (when the file carries them) and totals
// computed from the body.
type Footer struct {
	Declared           bool                     `json:"declared"`
	DeclaredCount      *int                     `json:"declared_count,omitempty"`
	DeclaredTotalCents *int64                   `json:"declared_total_cents,omitempty"`
	ComputedCount      int                      `json:"computed_count"`
	ComputedTotalCents int64                    `json:"computed_total_cents"`
	ByCategory         map[string]CategoryTotal `json:"by_category,omitempty"`
	Fields             map[string]string        `json:"fields,omitempty"`
}

// Mismatches compares declared totals with computed totals.
func (f *Footer) Mismatches() []string {
	var out []string
	if f.DeclaredCount != nil && *f.DeclaredCount != f.ComputedCount {
		out = append(out, "footer record count does not match body")
	}
	if f.DeclaredTotalCents != nil && *f.DeclaredTotalCents != f.ComputedTotalCents {
		out = append(out, "footer total does not match body")
	}
	return out
}

// ParsedFile is the in-memory output of a format adapter. It is never persisted.
type ParsedFile struct {
	Header map[string]string `json:"header,omitempty"`
	Body   []RowResult       `json:"body"`
	Footer Footer            `json:"footer"`
}

// Transactions returns the successfully parsed rows in file order.
func (p *ParsedFile) Transactions() []CanonicalTransaction {
	out := make([]CanonicalTransaction, 0, len(p.Body))
	for _, r := range p.Body {
		if r.Transaction != nil {
			out = append(out, *r.Transaction)
		}
	}
	return out
}

// RowErrors returns the row errors in file order.
func (p *ParsedFile) RowErrors() []RowError {
	var out []RowError
	for _, r := range p.Body {
		if r.Error != nil {
			out = append(out, *r.Error)
		}
	}
	return out
}
