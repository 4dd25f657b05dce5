package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseRunID extracts and validates the run ID from the request path.
// Returns uuid.Nil and false after writing a 400 when it is malformed.
// Expects path parameter: run_id
func ParseRunID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "run_id", "invalid_run_id", "Invalid run ID format", logger)
}

// ParseAlertID extracts and validates the alert ID from the request path.
// Expects path parameter: alert_id
func ParseAlertID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "alert_id", "invalid_alert_id", "Invalid alert ID format", logger)
}

// ParseSupplierCode extracts the supplier code from the request path.
// Expects path parameter: code
func ParseSupplierCode(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	code := strings.TrimSpace(r.PathValue("code"))
	if code == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_supplier_code", "Supplier code is required"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return code, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
