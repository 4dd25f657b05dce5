package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchStrategy records which strategy produced a pairing.
type MatchStrategy string

const (
	StrategyPrimary   MatchStrategy = "primary"
	StrategySecondary MatchStrategy = "secondary"
	StrategyFuzzy     MatchStrategy = "fuzzy"
	StrategyNone      MatchStrategy = "none"
)

// MatchStatus is the reconciliation outcome for one canonical transaction.
type MatchStatus string

const (
	MatchStatusMatched   MatchStatus = "matched"
	MatchStatusVariant   MatchStatus = "variant"
	MatchStatusUnmatched MatchStatus = "unmatched"
)

// ValidMatchStatus checks a status filter value.
func ValidMatchStatus(s string) bool {
	switch MatchStatus(s) {
	case MatchStatusMatched, MatchStatusVariant, MatchStatusUnmatched:
		return true
	}
	return false
}

// MatchResult is the decision for one canonical transaction. Results are
// append-only and never edited after their run completes.
type MatchResult struct {
	ID                       uuid.UUID            `json:"id"`
	RunID                    uuid.UUID            `json:"run_id"`
	Transaction              CanonicalTransaction `json:"canonical_transaction"`
	InternalTransactionID    *string              `json:"internal_transaction_id"`
	Strategy                 MatchStrategy        `json:"match_strategy"`
	Confidence               float64              `json:"match_confidence"`
	AmountVarianceCents      int64                `json:"amount_variance_cents"`
	TimestampVarianceSeconds int64                `json:"timestamp_variance_seconds"`
	Status                   MatchStatus          `json:"status"`
	Critical                 bool                 `json:"critical"`
	CommissionExpectedCents  *int64               `json:"commission_expected_cents,omitempty"`
	CommissionReportedCents  *int64               `json:"commission_reported_cents,omitempty"`
	CommissionVarianceCents  *int64               `json:"commission_variance_cents,omitempty"`
	Notes                    []string             `json:"notes,omitempty"`
	CreatedAt                time.Time            `json:"created_at"`
}

// IsPaired reports whether the result references an internal transaction.
func (m *MatchResult) IsPaired() bool {
	return m.InternalTransactionID != nil && m.Strategy != StrategyNone
}

// MatchResultFilters narrows a MatchResult query.
type MatchResultFilters struct {
	Status string
	Limit  int
	Offset int
}
