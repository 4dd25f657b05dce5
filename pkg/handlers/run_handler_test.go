package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

func newRunFixture() (*mockReviewService, *http.ServeMux, *models.ReconciliationRun) {
	run := &models.ReconciliationRun{
		ID:             uuid.New(),
		SupplierCode:   "easypay",
		FileIdentifier: "sha256:abc",
		FileName:       "EP_20260307.csv",
		SettlementDate: time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
		Status:         models.RunStatusCompleted,
		RunCounts:      models.RunCounts{TotalRows: 3, MatchedCount: 2, UnmatchedCount: 1},
	}
	svc := &mockReviewService{
		runs: []*models.ReconciliationRun{run},
		results: []models.MatchResult{
			{ID: uuid.New(), RunID: run.ID, Status: models.MatchStatusMatched},
			{ID: uuid.New(), RunID: run.ID, Status: models.MatchStatusUnmatched},
		},
		stats: []models.SupplierStats{{SupplierCode: "easypay", Runs: 1, TotalRows: 3}},
	}
	mux := http.NewServeMux()
	NewRunHandler(svc, zap.NewNop()).RegisterRoutes(mux, noScope)
	return svc, mux, run
}

func serve(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestRunHandler_ListRuns(t *testing.T) {
	svc, mux, run := newRunFixture()

	rr := serve(mux, "GET", "/api/runs?supplier=easypay&status=completed&since=2026-03-01&limit=5")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	data := resp.Data.(map[string]any)
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, run.ID.String(), items[0].(map[string]any)["id"])
	assert.Equal(t, float64(3), items[0].(map[string]any)["total_rows"])

	assert.Equal(t, "easypay", svc.runFilters.SupplierCode)
	assert.Equal(t, "completed", svc.runFilters.Status)
	assert.Equal(t, 5, svc.runFilters.Limit)
	require.NotNil(t, svc.runFilters.Since)
	assert.Nil(t, svc.runFilters.Until)
}

func TestRunHandler_ListRuns_BadTime(t *testing.T) {
	_, mux, _ := newRunFixture()
	rr := serve(mux, "GET", "/api/runs?until=last-week")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunHandler_ListRuns_ServiceError(t *testing.T) {
	svc, mux, _ := newRunFixture()
	svc.err = errors.New("connection reset")

	rr := serve(mux, "GET", "/api/runs")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "list_runs_failed", body["error"])
}

func TestRunHandler_GetRun(t *testing.T) {
	_, mux, run := newRunFixture()

	rr := serve(mux, "GET", "/api/runs/"+run.ID.String())
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	data := resp.Data.(map[string]any)
	assert.Equal(t, run.ID.String(), data["run"].(map[string]any)["id"])
	assert.NotNil(t, data["alerts"])

	assert.Equal(t, http.StatusNotFound, serve(mux, "GET", "/api/runs/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, serve(mux, "GET", "/api/runs/abc").Code)
}

func TestRunHandler_ListMatchResults(t *testing.T) {
	svc, mux, run := newRunFixture()

	rr := serve(mux, "GET", fmt.Sprintf("/api/runs/%s/matches?status=unmatched&offset=1", run.ID))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "unmatched", svc.matchFilter.Status)
	assert.Equal(t, 1, svc.matchFilter.Offset)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, float64(2), resp.Data.(map[string]any)["total"])

	svc.err = fmt.Errorf("%w: invalid status filter: maybe", apperrors.ErrInvalidInput)
	rr = serve(mux, "GET", fmt.Sprintf("/api/runs/%s/matches?status=maybe", run.ID))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunHandler_ExportRun(t *testing.T) {
	svc, mux, run := newRunFixture()

	rr := serve(mux, "GET", fmt.Sprintf("/api/runs/%s/export", run.ID))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, xlsxContentType, rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), fmt.Sprintf("run-%s.xlsx", run.ID))
	assert.Equal(t, "PK-workbook", rr.Body.String())

	rr = serve(mux, "GET", fmt.Sprintf("/api/runs/%s/export", uuid.New()))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	svc.exportErr = errors.New("disk full")
	rr = serve(mux, "GET", fmt.Sprintf("/api/runs/%s/export", run.ID))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRunHandler_Stats(t *testing.T) {
	svc, mux, _ := newRunFixture()

	rr := serve(mux, "GET", "/api/stats?since=2026-03-01T00:00:00Z&until=2026-03-08")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, svc.statsSince)
	require.NotNil(t, svc.statsUntil)
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), *svc.statsUntil)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	stats := resp.Data.([]any)
	require.Len(t, stats, 1)
	assert.Equal(t, "easypay", stats[0].(map[string]any)["supplier_code"])
}
