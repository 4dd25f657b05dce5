package models

import (
	"time"

	"github.com/google/uuid"
)

// Alert severities.
const (
	AlertSeverityCritical = "critical"
	AlertSeverityWarning  = "warning"
	AlertSeverityInfo     = "info"
)

// Alert reasons.
const (
	AlertReasonThresholdExceeded = "threshold_exceeded"
	AlertReasonRunFailed         = "run_failed"
	AlertReasonFooterMismatch    = "footer_mismatch"
)

// ValidAlertSeverity checks a severity value.
func ValidAlertSeverity(s string) bool {
	switch s {
	case AlertSeverityCritical, AlertSeverityWarning, AlertSeverityInfo:
		return true
	}
	return false
}

// Alert is raised by Audit & Alerting. Threshold alerts are aggregated per
// run, so RelatedMatchResultID is usually nil.
type Alert struct {
	ID                   uuid.UUID      `json:"id"`
	RunID                uuid.UUID      `json:"run_id"`
	SupplierCode         string         `json:"supplier_code"`
	Severity             string         `json:"severity"`
	Reason               string         `json:"reason"`
	Message              string         `json:"message"`
	Details              map[string]any `json:"details,omitempty"`
	RelatedMatchResultID *uuid.UUID     `json:"related_match_result_id,omitempty"`
	Recipients           []string       `json:"recipients,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	NotifiedAt           *time.Time     `json:"notified_at,omitempty"`
	AcknowledgedAt       *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy       *string        `json:"acknowledged_by,omitempty"`
}

// AlertFilters narrows an alert listing.
type AlertFilters struct {
	RunID        *uuid.UUID
	SupplierCode string
	Severity     string
	Acknowledged *bool
	Limit        int
	Offset       int
}
