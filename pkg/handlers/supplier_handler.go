package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/repositories"
	"github.com/ekaya-inc/settlement-engine/pkg/services"
	"github.com/ekaya-inc/settlement-engine/pkg/suppliers"
)

// maxUploadBytes bounds a pushed settlement file.
const maxUploadBytes = 64 << 20

// UploadResponse is returned when a pushed file is accepted.
type UploadResponse struct {
	InboxID        uuid.UUID `json:"inbox_id"`
	FileIdentifier string    `json:"file_identifier"`
	SettlementDate string    `json:"settlement_date"`
	TaskID         string    `json:"task_id,omitempty"`
	Duplicate      bool      `json:"duplicate"`
}

// TriggerResponse is returned when a reconciliation task is enqueued.
type TriggerResponse struct {
	TaskID string `json:"task_id"`
}

// SupplierHandler accepts pushed settlement files and manual reconciliation
// triggers, and reports scheduler state.
type SupplierHandler struct {
	suppliers suppliers.Store
	inbox     repositories.InboxRepository
	scheduler services.Scheduler
	logger    *zap.Logger
}

// NewSupplierHandler creates a new supplier handler.
func NewSupplierHandler(store suppliers.Store, inbox repositories.InboxRepository, scheduler services.Scheduler, logger *zap.Logger) *SupplierHandler {
	return &SupplierHandler{
		suppliers: store,
		inbox:     inbox,
		scheduler: scheduler,
		logger:    logger,
	}
}

// RegisterRoutes registers the supplier handler's routes on the given mux.
func (h *SupplierHandler) RegisterRoutes(mux *http.ServeMux, scope ScopeMiddleware) {
	base := "/api/suppliers"

	mux.HandleFunc("GET "+base, scope(h.ListSuppliers))
	mux.HandleFunc("GET "+base+"/{code}", scope(h.GetSupplier))
	mux.HandleFunc("POST "+base+"/{code}/files", scope(h.UploadFile))
	mux.HandleFunc("POST "+base+"/{code}/runs", scope(h.TriggerRun))
	mux.HandleFunc("GET /api/scheduler", h.SchedulerStatus)
}

// ListSuppliers handles GET /api/suppliers and lists enabled suppliers.
func (h *SupplierHandler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	configs, err := h.suppliers.ListEnabled(r.Context())
	if err != nil && len(configs) == 0 {
		writeServiceError(w, err, "list_suppliers_failed", h.logger)
		return
	}
	if err != nil {
		h.logger.Warn("Some supplier configs are invalid", zap.Error(err))
	}
	if configs == nil {
		configs = make([]*models.SupplierConfig, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: configs}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// GetSupplier handles GET /api/suppliers/{code}
func (h *SupplierHandler) GetSupplier(w http.ResponseWriter, r *http.Request) {
	code, ok := ParseSupplierCode(w, r, h.logger)
	if !ok {
		return
	}

	cfg, err := h.suppliers.Get(r.Context(), code)
	if err != nil {
		writeServiceError(w, err, "get_supplier_failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: cfg}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// UploadFile handles POST /api/suppliers/{code}/files
// The body is the raw settlement file. X-Filename names it; the settlement
// date comes from ?date= or X-Settlement-Date, falling back to the supplier's
// filename pattern. The file is stored in the inbox and a task is enqueued.
func (h *SupplierHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	code, ok := ParseSupplierCode(w, r, h.logger)
	if !ok {
		return
	}

	cfg, err := h.suppliers.Get(r.Context(), code)
	if err != nil {
		writeServiceError(w, err, "upload_failed", h.logger)
		return
	}
	if cfg.Ingestion.Method != models.IngestionWebhook {
		h.writeError(w, http.StatusBadRequest, "push_not_supported",
			"Supplier "+code+" does not accept pushed files")
		return
	}

	name := path.Base(strings.TrimSpace(r.Header.Get("X-Filename")))
	if name == "" || name == "." || name == "/" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "X-Filename header is required")
		return
	}

	settlementDate, err := uploadSettlementDate(r, cfg, name)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_settlement_date", err.Error())
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "Settlement file exceeds the upload limit")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}
	if len(content) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Settlement file is empty")
		return
	}

	file := &models.InboxFile{
		SupplierCode:   code,
		FileName:       name,
		FileIdentifier: fetcher.Identify(cfg, name, settlementDate, content),
		SettlementDate: settlementDate,
		Content:        content,
	}
	stored, err := h.inbox.Store(r.Context(), file)
	if err != nil {
		writeServiceError(w, err, "upload_failed", h.logger)
		return
	}

	resp := UploadResponse{
		InboxID:        stored.ID,
		FileIdentifier: stored.FileIdentifier,
		SettlementDate: stored.SettlementDate.Format(time.DateOnly),
		Duplicate:      stored.ID != file.ID,
	}

	if h.scheduler != nil {
		taskID, err := h.scheduler.Trigger(r.Context(), code, &settlementDate)
		switch {
		case err == nil:
			resp.TaskID = taskID
		case errors.Is(err, apperrors.ErrConflict):
			// A supplier task is already queued; the next cycle picks the drop up.
			h.logger.Debug("Supplier task already queued for pushed file", zap.String("supplier_code", code))
		default:
			h.logger.Warn("Failed to trigger reconciliation for pushed file",
				zap.String("supplier_code", code),
				zap.Error(err))
		}
	}

	h.logger.Info("Accepted pushed settlement file",
		zap.String("supplier_code", code),
		zap.String("file_name", name),
		zap.String("file_identifier", resp.FileIdentifier),
		zap.Bool("duplicate", resp.Duplicate))

	if err := WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: resp}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type triggerRunRequest struct {
	SettlementDate string `json:"settlement_date"`
}

// TriggerRun handles POST /api/suppliers/{code}/runs
// An optional body {"settlement_date":"YYYY-MM-DD"} limits the task to one day.
func (h *SupplierHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	code, ok := ParseSupplierCode(w, r, h.logger)
	if !ok {
		return
	}
	if h.scheduler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler is not running")
		return
	}

	var req triggerRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	var date *time.Time
	if req.SettlementDate != "" {
		d, err := time.Parse(time.DateOnly, req.SettlementDate)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_settlement_date", "settlement_date must be YYYY-MM-DD")
			return
		}
		date = &d
	}

	taskID, err := h.scheduler.Trigger(r.Context(), code, date)
	if err != nil {
		writeServiceError(w, err, "trigger_failed", h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: TriggerResponse{TaskID: taskID}}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// SchedulerStatus handles GET /api/scheduler
func (h *SupplierHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler is not running")
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: h.scheduler.Status()}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SupplierHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// uploadSettlementDate resolves the settlement date of a pushed file.
func uploadSettlementDate(r *http.Request, cfg *models.SupplierConfig, name string) (time.Time, error) {
	v := r.URL.Query().Get("date")
	if v == "" {
		v = r.Header.Get("X-Settlement-Date")
	}
	if v != "" {
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, errors.New("settlement date must be YYYY-MM-DD")
		}
		return d, nil
	}
	if d, ok := cfg.DateFromFilename(name); ok {
		return d, nil
	}
	return time.Time{}, errors.New("settlement date is required: pass ?date=YYYY-MM-DD or X-Settlement-Date")
}
