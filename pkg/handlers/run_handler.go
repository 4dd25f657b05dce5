package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/services"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RunHandler serves reconciliation run history, match results, exports and
// per-supplier statistics.
type RunHandler struct {
	reviewService services.ReviewService
	logger        *zap.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(reviewService services.ReviewService, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		reviewService: reviewService,
		logger:        logger,
	}
}

// RegisterRoutes registers the run handler's routes on the given mux.
func (h *RunHandler) RegisterRoutes(mux *http.ServeMux, scope ScopeMiddleware) {
	base := "/api/runs"

	mux.HandleFunc("GET "+base, scope(h.ListRuns))
	mux.HandleFunc("GET "+base+"/{run_id}", scope(h.GetRun))
	mux.HandleFunc("GET "+base+"/{run_id}/matches", scope(h.ListMatchResults))
	mux.HandleFunc("GET "+base+"/{run_id}/export", scope(h.ExportRun))
	mux.HandleFunc("GET /api/stats", scope(h.Stats))
}

// ListRuns handles GET /api/runs
// Query: supplier, status, since, until, limit, offset.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filters := models.RunFilters{
		SupplierCode: r.URL.Query().Get("supplier"),
		Status:       r.URL.Query().Get("status"),
	}
	filters.Limit, filters.Offset = pageParams(r)

	var err error
	if filters.Since, err = timeParam(r, "since"); err != nil {
		writeServiceError(w, err, "list_runs_failed", h.logger)
		return
	}
	if filters.Until, err = timeParam(r, "until"); err != nil {
		writeServiceError(w, err, "list_runs_failed", h.logger)
		return
	}

	runs, total, err := h.reviewService.ListRuns(r.Context(), filters)
	if err != nil {
		writeServiceError(w, err, "list_runs_failed", h.logger)
		return
	}
	if runs == nil {
		runs = make([]*models.ReconciliationRun, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: PaginatedResponse{
			Items:  runs,
			Total:  total,
			Limit:  filters.Limit,
			Offset: filters.Offset,
		},
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetRun handles GET /api/runs/{run_id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r, h.logger)
	if !ok {
		return
	}

	detail, err := h.reviewService.GetRun(r.Context(), runID)
	if err != nil {
		writeServiceError(w, err, "get_run_failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: detail}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListMatchResults handles GET /api/runs/{run_id}/matches
// Query: status, limit, offset.
func (h *RunHandler) ListMatchResults(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r, h.logger)
	if !ok {
		return
	}

	filters := models.MatchResultFilters{Status: r.URL.Query().Get("status")}
	filters.Limit, filters.Offset = pageParams(r)

	results, total, err := h.reviewService.ListMatchResults(r.Context(), runID, filters)
	if err != nil {
		writeServiceError(w, err, "list_matches_failed", h.logger)
		return
	}
	if results == nil {
		results = make([]models.MatchResult, 0)
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

// ExportRun handles GET /api/runs/{run_id}/export and streams an .xlsx workbook.
func (h *RunHandler) ExportRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r, h.logger)
	if !ok {
		return
	}

	// Buffered so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if err := h.reviewService.ExportRun(r.Context(), runID, &buf); err != nil {
		writeServiceError(w, err, "export_failed", h.logger)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="run-%s.xlsx"`, runID))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Error("Failed to write export", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// Stats handles GET /api/stats
// Query: since, until.
func (h *RunHandler) Stats(w http.ResponseWriter, r *http.Request) {
	since, err := timeParam(r, "since")
	if err != nil {
		writeServiceError(w, err, "stats_failed", h.logger)
		return
	}
	until, err := timeParam(r, "until")
	if err != nil {
		writeServiceError(w, err, "stats_failed", h.logger)
		return
	}

	stats, err := h.reviewService.Stats(r.Context(), since, until)
	if err != nil {
		writeServiceError(w, err, "stats_failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: stats}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
