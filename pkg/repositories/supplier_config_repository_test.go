//go:build integration

package repositories

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/suppliers"
	"github.com/ekaya-inc/settlement-engine/pkg/testhelpers"
)

func TestSupplierConfigRepository(t *testing.T) {
	ctx := setupRepoTest(t)
	repo := NewSupplierConfigRepository()

	store, err := suppliers.LoadFile(filepath.Join(testhelpers.MigrationsPath(), "..", "suppliers.example.yaml"))
	require.NoError(t, err)
	for _, cfg := range store.All() {
		require.NoError(t, repo.Upsert(ctx, cfg))
		assert.Equal(t, 1, cfg.Version)
	}

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	codes := make([]string, 0, len(enabled))
	for _, cfg := range enabled {
		codes = append(codes, cfg.SupplierCode)
	}
	assert.Equal(t, []string{"blue_label", "easypay", "flash"}, codes)

	flash, err := repo.Get(ctx, "flash")
	require.NoError(t, err)
	assert.Equal(t, 1, flash.Version)
	assert.Contains(t, flash.CommissionCalculation.Schedules, "AIRTIME")

	// unchanged documents keep their version
	require.NoError(t, repo.Upsert(ctx, flash))
	assert.Equal(t, 1, flash.Version)

	flash.AmountToleranceCents += 1
	require.NoError(t, repo.Upsert(ctx, flash))
	assert.Equal(t, 2, flash.Version)

	_, err = repo.Get(ctx, "nobody")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	flash.MatchingRules.Primary = nil
	flash.MatchingRules.Secondary = nil
	flash.MatchingRules.FuzzyMatch.Enabled = false
	assert.ErrorIs(t, repo.Upsert(ctx, flash), apperrors.ErrInvalidConfig)
}
