package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// reconciledFixture runs the three-row file through the pipeline so the
// read side has real data to look at.
func reconciledFixture(t *testing.T) (*reconFixture, ReviewService, *models.RunSummary) {
	t.Helper()
	f := newReconFixture()
	summary, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), csvFile(threeRowCSV))
	require.NoError(t, err)
	review := NewReviewService(passthroughScoper{}, f.runs, f.results, f.alerts, zap.NewNop())
	return f, review, summary
}

func TestReviewService_ListRuns(t *testing.T) {
	_, review, summary := reconciledFixture(t)
	ctx := context.Background()

	runs, total, err := review.ListRuns(ctx, models.RunFilters{SupplierCode: "easypay"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.Run.ID, runs[0].ID)

	_, _, err = review.ListRuns(ctx, models.RunFilters{Status: "exploded"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	since := time.Now()
	until := since.Add(-time.Hour)
	_, _, err = review.ListRuns(ctx, models.RunFilters{Since: &since, Until: &until})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestReviewService_GetRun(t *testing.T) {
	_, review, summary := reconciledFixture(t)

	detail, err := review.GetRun(context.Background(), summary.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, summary.Run.ID, detail.Run.ID)
	assert.Len(t, detail.Alerts, 1)

	_, err = review.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReviewService_ListMatchResults(t *testing.T) {
	_, review, summary := reconciledFixture(t)
	ctx := context.Background()

	results, total, err := review.ListMatchResults(ctx, summary.Run.ID, models.MatchResultFilters{Status: "unmatched"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "TX3", results[0].Transaction.SupplierTransactionID)

	_, _, err = review.ListMatchResults(ctx, summary.Run.ID, models.MatchResultFilters{Status: "maybe"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, _, err = review.ListMatchResults(ctx, uuid.New(), models.MatchResultFilters{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReviewService_ExportRun(t *testing.T) {
	_, review, summary := reconciledFixture(t)

	var buf bytes.Buffer
	require.NoError(t, review.ExportRun(context.Background(), summary.Run.ID, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{"Summary", "Matches"}, f.GetSheetList())

	supplier, err := f.GetCellValue("Summary", "B2")
	require.NoError(t, err)
	assert.Equal(t, "easypay", supplier)

	total, err := f.GetCellValue("Summary", "B16")
	require.NoError(t, err)
	assert.Equal(t, "150.25", total)

	rows, err := f.GetRows("Matches")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Supplier Transaction", rows[0][1])
	assert.Equal(t, "TX1", rows[1][1])
	assert.Equal(t, "L1", rows[1][5])
	assert.Equal(t, "matched", rows[1][8])
	assert.Equal(t, "unmatched", rows[2][8])
}

func TestReviewService_ExportRun_NotFound(t *testing.T) {
	_, review, _ := reconciledFixture(t)
	var buf bytes.Buffer
	err := review.ExportRun(context.Background(), uuid.New(), &buf)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, buf.Len())
}

func TestReviewService_Stats(t *testing.T) {
	_, review, _ := reconciledFixture(t)

	stats, err := review.Stats(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "easypay", stats[0].SupplierCode)
	assert.Equal(t, 1, stats[0].Runs)
	assert.Equal(t, 3, stats[0].TotalRows)
}
