//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/testhelpers"
)

var testSettlementDate = time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)

func setupRepoTest(t *testing.T) context.Context {
	engineDB := testhelpers.GetEngineDB(t)
	engineDB.Truncate(t)
	return engineDB.Scoped(t)
}

func newRun(supplierCode, fileIdentifier string) *models.ReconciliationRun {
	return &models.ReconciliationRun{
		SupplierCode:   supplierCode,
		ConfigVersion:  3,
		FileIdentifier: fileIdentifier,
		FileName:       "EP_20260307.csv",
		SettlementDate: testSettlementDate,
	}
}

func TestRunRepository_Lifecycle(t *testing.T) {
	ctx := setupRepoTest(t)
	repo := NewRunRepository()

	run := newRun("easypay", "sha256:aaa")
	require.NoError(t, repo.CreateRunning(ctx, run))
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	err := repo.CreateRunning(ctx, newRun("easypay", "sha256:aaa"))
	require.ErrorIs(t, err, apperrors.ErrRunInProgress)

	found, err := repo.FindCompletedByFile(ctx, "easypay", "sha256:aaa")
	require.NoError(t, err)
	assert.Nil(t, found)

	run.RunCounts = models.RunCounts{TotalRows: 3, MatchedCount: 1, VariantCount: 1, UnmatchedCount: 1, CriticalCount: 1}
	run.SupplierTotalCents = 15025
	run.LedgerTotalCents = 15000
	run.FooterMismatches = []string{"footer total does not match body"}
	run.RowErrors = []models.RowError{{RowNumber: 4, Field: "gross_amount", Reason: "required field is empty"}}
	require.NoError(t, repo.Complete(ctx, run))
	require.NotNil(t, run.CompletedAt)

	// completing twice is a conflict
	require.ErrorIs(t, repo.Complete(ctx, run), apperrors.ErrConflict)

	found, err = repo.FindCompletedByFile(ctx, "easypay", "sha256:aaa")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, run.ID, found.ID)
	assert.Equal(t, 3, found.TotalRows)
	assert.Equal(t, 1, found.CriticalCount)
	assert.Equal(t, int64(15025), found.SupplierTotalCents)
	assert.Equal(t, []string{"footer total does not match body"}, found.FooterMismatches)
	assert.Equal(t, run.RowErrors, found.RowErrors)
	assert.True(t, found.SettlementDate.Equal(testSettlementDate))

	// a completed run still blocks a second run for the file
	require.ErrorIs(t, repo.CreateRunning(ctx, newRun("easypay", "sha256:aaa")), apperrors.ErrRunInProgress)
}

func TestRunRepository_FileIdentifierScopedBySupplier(t *testing.T) {
	ctx := setupRepoTest(t)
	repo := NewRunRepository()

	easypay := newRun("easypay", "name:EP_20260307.csv@2026-03-07")
	require.NoError(t, repo.CreateRunning(ctx, easypay))
	require.NoError(t, repo.Complete(ctx, easypay))

	require.NoError(t, repo.CreateRunning(ctx, newRun("otherpay", "name:EP_20260307.csv@2026-03-07")))

	found, err := repo.FindCompletedByFile(ctx, "otherpay", "name:EP_20260307.csv@2026-03-07")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRunRepository_FailedRunAllowsRetry(t *testing.T) {
	ctx := setupRepoTest(t)
	repo := NewRunRepository()

	run := newRun("flash", "sha256:bbb")
	require.NoError(t, repo.CreateRunning(ctx, run))
	require.NoError(t, repo.Fail(ctx, run.ID, "format error", models.RunCounts{TotalRows: 2, ErrorCount: 2}))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "format error", *got.FailureReason)
	assert.Equal(t, 2, got.ErrorCount)

	require.ErrorIs(t, repo.Fail(ctx, run.ID, "again", models.RunCounts{}), apperrors.ErrConflict)

	latest, err := repo.LatestFailedByFile(ctx, "flash", "sha256:bbb")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)

	none, err := repo.LatestFailedByFile(ctx, "flash", "sha256:other")
	require.NoError(t, err)
	assert.Nil(t, none)

	retry := newRun("flash", "sha256:bbb")
	require.NoError(t, repo.CreateRunning(ctx, retry))
	assert.NotEqual(t, run.ID, retry.ID)
}

func TestRunRepository_FailStale(t *testing.T) {
	ctx := setupRepoTest(t)
	repo := NewRunRepository()

	run := newRun("easypay", "sha256:ccc")
	require.NoError(t, repo.CreateRunning(ctx, run))

	n, err := repo.FailStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = repo.FailStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, StaleRunReason, *got.FailureReason)
}

func TestRunRepository_GetUnknown(t *testing.T) {
	ctx := setupRepoTest(t)
	_, err := NewRunRepository().Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRunRepository_ListAndStats(t *testing.T) {
	ctx := setupRepoTest(t)
	repo := NewRunRepository()

	for i, code := range []string{"easypay", "easypay", "flash"} {
		run := newRun(code, "sha256:list-"+string(rune('a'+i)))
		require.NoError(t, repo.CreateRunning(ctx, run))
		run.RunCounts = models.RunCounts{TotalRows: 10, MatchedCount: 8, UnmatchedCount: 2}
		require.NoError(t, repo.Complete(ctx, run))
	}
	failed := newRun("flash", "sha256:list-failed")
	require.NoError(t, repo.CreateRunning(ctx, failed))
	require.NoError(t, repo.Fail(ctx, failed.ID, "boom", models.RunCounts{}))

	runs, total, err := repo.List(ctx, models.RunFilters{SupplierCode: "easypay"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 2)

	runs, total, err = repo.List(ctx, models.RunFilters{Status: string(models.RunStatusFailed), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, failed.ID, runs[0].ID)

	stats, err := repo.Stats(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.SupplierStats{SupplierCode: "easypay", Runs: 2, TotalRows: 20, MatchedCount: 16, UnmatchedCount: 4}, stats[0])
	assert.Equal(t, models.SupplierStats{SupplierCode: "flash", Runs: 1, FailedRuns: 1, TotalRows: 10, MatchedCount: 8, UnmatchedCount: 2}, stats[1])

	future := time.Now().Add(time.Hour)
	stats, err = repo.Stats(ctx, &future, nil)
	require.NoError(t, err)
	assert.Empty(t, stats)
}
