// Package ledger reads internal transactions from the wallet ledger. The
// engine never writes to the ledger.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// DefaultView is the read-only view the reader selects from.
const DefaultView = "recon_internal_transactions"

// Reader fetches the internal-transaction snapshot for one supplier.
type Reader interface {
	FetchInternalTransactions(ctx context.Context, supplierCode string, from, to time.Time) ([]models.InternalTransaction, error)
}

type pgReader struct {
	query string
}

var _ Reader = (*pgReader)(nil)

// NewReader creates a Reader over the named view (DefaultView when empty).
// The view must expose id, supplier_code, amount_cents, occurred_at, status
// and a jsonb "references" column.
func NewReader(view string) Reader {
	if view == "" {
		view = DefaultView
	}
	return &pgReader{
		query: fmt.Sprintf(`
		SELECT id, amount_cents, occurred_at, status, "references"
		FROM %s
		WHERE supplier_code = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id`, pgx.Identifier{view}.Sanitize()),
	}
}

// FetchInternalTransactions returns transactions in [from, to) ordered by
// occurrence time then id.
func (r *pgReader) FetchInternalTransactions(ctx context.Context, supplierCode string, from, to time.Time) ([]models.InternalTransaction, error) {
	q, err := database.MustScope(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, r.query, supplierCode, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query internal transactions: %w", err)
	}
	defer rows.Close()

	var out []models.InternalTransaction
	for rows.Next() {
		var (
			t    models.InternalTransaction
			refs map[string]any
		)
		if err := rows.Scan(&t.ID, &t.AmountCents, &t.Timestamp, &t.Status, &refs); err != nil {
			return nil, fmt.Errorf("failed to scan internal transaction: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		t.References = stringifyReferences(refs)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating internal transactions: %w", err)
	}
	return out, nil
}

// stringifyReferences flattens scalar jsonb values to strings; nested values are dropped.
func stringifyReferences(refs map[string]any) map[string]string {
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]string, len(refs))
	for k, v := range refs {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(tv)
		}
	}
	return out
}
