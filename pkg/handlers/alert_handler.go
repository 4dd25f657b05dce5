package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/services"
)

// AlertHandler handles reconciliation alert HTTP requests.
type AlertHandler struct {
	alertService services.AlertService
	logger       *zap.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alertService services.AlertService, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		alertService: alertService,
		logger:       logger,
	}
}

// RegisterRoutes registers the alert handler's routes on the given mux.
func (h *AlertHandler) RegisterRoutes(mux *http.ServeMux, scope ScopeMiddleware) {
	base := "/api/alerts"

	mux.HandleFunc("GET "+base, scope(h.ListAlerts))
	mux.HandleFunc("GET "+base+"/{alert_id}", scope(h.GetAlert))
	mux.HandleFunc("POST "+base+"/{alert_id}/acknowledge", scope(h.AcknowledgeAlert))
}

// ListAlerts handles GET /api/alerts
// Query: supplier, severity, run_id, acknowledged, limit, offset.
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.AlertFilters{
		SupplierCode: q.Get("supplier"),
		Severity:     q.Get("severity"),
	}
	filters.Limit, filters.Offset = pageParams(r)

	if v := q.Get("run_id"); v != "" {
		runID, err := uuid.Parse(v)
		if err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_run_id", "Invalid run ID format"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		filters.RunID = &runID
	}

	acknowledged, err := boolParam(r, "acknowledged")
	if err != nil {
		writeServiceError(w, err, "list_alerts_failed", h.logger)
		return
	}
	filters.Acknowledged = acknowledged

	results, total, err := h.alertService.List(r.Context(), filters)
	if err != nil {
		writeServiceError(w, err, "list_alerts_failed", h.logger)
		return
	}

	if results == nil {
		results = make([]*models.Alert, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items:  results,
			Total:  total,
			Limit:  filters.Limit,
			Offset: filters.Offset,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetAlert handles GET /api/alerts/{alert_id}
func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := ParseAlertID(w, r, h.logger)
	if !ok {
		return
	}

	alert, err := h.alertService.Get(r.Context(), alertID)
	if err != nil {
		writeServiceError(w, err, "get_alert_failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: alert}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type acknowledgeAlertRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// AcknowledgeAlert handles POST /api/alerts/{alert_id}/acknowledge
func (h *AlertHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := ParseAlertID(w, r, h.logger)
	if !ok {
		return
	}

	var req acknowledgeAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	req.AcknowledgedBy = strings.TrimSpace(req.AcknowledgedBy)
	if req.AcknowledgedBy == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "acknowledged_by is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.alertService.Acknowledge(r.Context(), alertID, req.AcknowledgedBy); err != nil {
		writeServiceError(w, err, "acknowledge_alert_failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Message: "Alert acknowledged",
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
