package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunCounts are the per-run totals operators see.
type RunCounts struct {
	TotalRows      int `json:"total_rows"`
	MatchedCount   int `json:"matched_count"`
	VariantCount   int `json:"variant_count"`
	UnmatchedCount int `json:"unmatched_count"`
	ErrorCount     int `json:"error_count"`
	CriticalCount  int `json:"critical_count"`
}

// Add folds one match result into the counts.
func (c *RunCounts) Add(r *MatchResult) {
	switch r.Status {
	case MatchStatusMatched:
		c.MatchedCount++
	case MatchStatusVariant:
		c.VariantCount++
	case MatchStatusUnmatched:
		c.UnmatchedCount++
	}
	if r.Critical {
		c.CriticalCount++
	}
}

// ReconciliationRun is one processing attempt of one file.
// A file identifier has at most one completed run.
type ReconciliationRun struct {
	ID             uuid.UUID `json:"id"`
	SupplierCode   string    `json:"supplier_code"`
	ConfigVersion  int       `json:"config_version"`
	FileIdentifier string    `json:"file_identifier"`
	FileName       string    `json:"file_name"`
	SettlementDate time.Time `json:"settlement_date"`
	Status         RunStatus `json:"status"`
	RunCounts
	SupplierTotalCents int64      `json:"supplier_total_cents"`
	LedgerTotalCents   int64      `json:"ledger_total_cents"`
	FooterMismatches   []string   `json:"footer_mismatches,omitempty"`
	RowErrors          []RowError `json:"row_errors,omitempty"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// RunSummary is what ProcessFile returns. Reused is true when the
// idempotency gate returned a prior completed run instead of reprocessing.
type RunSummary struct {
	Run    *ReconciliationRun `json:"run"`
	Alerts []*Alert           `json:"alerts,omitempty"`
	Reused bool               `json:"reused"`
}

// RunDetail is a run with the alerts it raised.
type RunDetail struct {
	Run    *ReconciliationRun `json:"run"`
	Alerts []*Alert           `json:"alerts"`
}

// RunFilters narrows a run listing.
type RunFilters struct {
	SupplierCode string
	Status       string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// SupplierStats aggregates completed runs for dashboards.
type SupplierStats struct {
	SupplierCode   string `json:"supplier_code"`
	Runs           int    `json:"runs"`
	FailedRuns     int    `json:"failed_runs"`
	TotalRows      int    `json:"total_rows"`
	MatchedCount   int    `json:"matched_count"`
	VariantCount   int    `json:"variant_count"`
	UnmatchedCount int    `json:"unmatched_count"`
	ErrorCount     int    `json:"error_count"`
	CriticalCount  int    `json:"critical_count"`
}
