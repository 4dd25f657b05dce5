package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/adapters/settlement"
	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/commission"
	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/fetcher"
	"github.com/ekaya-inc/settlement-engine/pkg/matching"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

var settlementDay = time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)

func easyPayConfig() *models.SupplierConfig {
	return &models.SupplierConfig{
		SupplierCode:    "easypay",
		Version:         3,
		Enabled:         true,
		FileFormat:      models.FileFormatCSV,
		FilenamePattern: "EP_YYYYMMDD.csv",
		HasHeader:       true,
		AdapterClass:    settlement.ClassDelimited,
		Timezone:        "Africa/Johannesburg",
		SchemaDefinition: models.SchemaDefinition{
			Body: models.SectionSpec{Fields: map[string]models.FieldSpec{
				"transaction_id":   {Header: "transaction_id", Type: models.FieldTypeString, Required: true, Mapping: models.CanonicalTransactionID},
				"easypay_code":     {Header: "easypay_code", Type: models.FieldTypeString, Required: true, Mapping: models.CanonicalReference},
				"transaction_date": {Header: "transaction_date", Type: models.FieldTypeDatetime, Required: true, Mapping: models.CanonicalTimestamp, Format: "YYYY-MM-DD HH:mm:ss"},
				"gross_amount":     {Header: "gross_amount", Type: models.FieldTypeDecimal, Required: true, Mapping: models.CanonicalAmount},
			}},
		},
		MatchingRules: models.MatchingRules{
			Primary: []string{models.CanonicalTransactionID},
		},
		TimestampToleranceSeconds: 300,
		AmountToleranceCents:      5,
		CriticalVarianceThreshold: 1000,
		CommissionCalculation:     models.CommissionPolicy{Method: models.CommissionNotApplicable},
		AlertEmails:               []string{"recon@example.com"},
	}
}

// One matched row, one malformed row, one row with no ledger counterpart.
const threeRowCSV = `transaction_id,easypay_code,transaction_date,gross_amount
TX1,EP1,2026-03-07 10:00:00,100.00
TX2,EP2,2026-03-07 11:00:00,
TX3,EP3,2026-03-07 12:00:00,50.25
`

type reconFixture struct {
	svc      ReconciliationService
	runs     *mockRunRepo
	results  *mockMatchResultRepo
	inbox    *mockInboxRepo
	ledger   *mockLedger
	alerts   *mockAlertRepo
	notifier *mockNotifier
}

func newReconFixture() *reconFixture {
	f := &reconFixture{
		runs:     &mockRunRepo{},
		results:  &mockMatchResultRepo{},
		inbox:    &mockInboxRepo{},
		alerts:   &mockAlertRepo{},
		notifier: &mockNotifier{},
		ledger: &mockLedger{txns: []models.InternalTransaction{{
			ID:          "L1",
			AmountCents: 10000,
			Timestamp:   time.Date(2026, 3, 7, 8, 0, 0, 0, time.UTC),
			Status:      "settled",
			References:  map[string]string{"transaction_id": "TX1", "reference": "EP1"},
		}}},
	}
	logger := zap.NewNop()
	f.svc = NewReconciliationService(PipelineDeps{
		DB:         passthroughScoper{},
		Runs:       f.runs,
		Results:    f.results,
		Inbox:      f.inbox,
		Ledger:     f.ledger,
		Matcher:    matching.NewEngine(logger),
		Commission: commission.NewCalculator(logger),
		Alerts:     NewAlertService(f.alerts, f.notifier, config.AlertingConfig{}, logger),
	}, logger)
	return f
}

func csvFile(content string) fetcher.FetchedFile {
	return fetcher.FetchedFile{
		Name:           "EP_20260307.csv",
		Content:        []byte(content),
		SettlementDate: settlementDay,
		Identifier:     fetcher.Identify(easyPayConfig(), "EP_20260307.csv", settlementDay, []byte(content)),
	}
}

func TestReconciliationService_ProcessFile_EndToEnd(t *testing.T) {
	f := newReconFixture()

	summary, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), csvFile(threeRowCSV))
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.False(t, summary.Reused)

	run := summary.Run
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, run.ConfigVersion)
	assert.Equal(t, 3, run.TotalRows)
	assert.Equal(t, 1, run.MatchedCount)
	assert.Equal(t, 0, run.VariantCount)
	assert.Equal(t, 1, run.UnmatchedCount)
	assert.Equal(t, 1, run.ErrorCount)
	assert.Equal(t, int64(15025), run.SupplierTotalCents)
	assert.Equal(t, int64(10000), run.LedgerTotalCents)
	require.Len(t, run.RowErrors, 1)
	assert.Equal(t, 3, run.RowErrors[0].RowNumber)

	stored, err := f.results.ListAllByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "TX1", stored[0].Transaction.SupplierTransactionID)
	assert.Equal(t, models.MatchStatusMatched, stored[0].Status)
	assert.Equal(t, models.MatchStatusUnmatched, stored[1].Status)

	require.Len(t, summary.Alerts, 1)
	assert.Equal(t, models.AlertReasonThresholdExceeded, summary.Alerts[0].Reason)
	assert.Len(t, f.alerts.alerts, 1)
	assert.Len(t, f.notifier.sent, 1)
	assert.NotNil(t, summary.Alerts[0].NotifiedAt)
}

func TestReconciliationService_ProcessFile_LedgerWindow(t *testing.T) {
	f := newReconFixture()

	_, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), csvFile(threeRowCSV))
	require.NoError(t, err)

	// Settlement day in Johannesburg (UTC+2) padded by the 5 minute tolerance.
	assert.Equal(t, time.Date(2026, 3, 6, 21, 55, 0, 0, time.UTC), f.ledger.from)
	assert.Equal(t, time.Date(2026, 3, 7, 22, 5, 0, 0, time.UTC), f.ledger.to)
}

func TestReconciliationService_ProcessFile_Idempotent(t *testing.T) {
	f := newReconFixture()
	ctx := context.Background()

	first, err := f.svc.ProcessFile(ctx, easyPayConfig(), csvFile(threeRowCSV))
	require.NoError(t, err)

	second, err := f.svc.ProcessFile(ctx, easyPayConfig(), csvFile(threeRowCSV))
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Equal(t, first.Run.RunCounts, second.Run.RunCounts)
	assert.Len(t, second.Alerts, 1)
	assert.Len(t, f.runs.runs, 1)
	assert.Equal(t, 1, f.ledger.calls)
	assert.Len(t, f.alerts.alerts, 1)
}

func TestReconciliationService_ProcessFile_ConcurrentRunInProgress(t *testing.T) {
	f := newReconFixture()
	file := csvFile(threeRowCSV)
	f.runs.runs = append(f.runs.runs, &models.ReconciliationRun{
		ID:             uuid.New(),
		SupplierCode:   "easypay",
		FileIdentifier: file.Identifier,
		Status:         models.RunStatusRunning,
	})

	summary, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), file)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
	assert.Nil(t, summary)
	assert.Equal(t, 0, f.ledger.calls)
}

func TestReconciliationService_ProcessFile_FormatError(t *testing.T) {
	f := newReconFixture()
	ctx := context.Background()

	drop, err := f.inbox.Store(ctx, &models.InboxFile{SupplierCode: "easypay", FileIdentifier: "sha256:bad", SettlementDate: settlementDay})
	require.NoError(t, err)

	file := csvFile("wrong,header\nx,y\n")
	file.Identifier = "sha256:bad"
	file.InboxID = &drop.ID

	summary, err := f.svc.ProcessFile(ctx, easyPayConfig(), file)
	require.Error(t, err)
	assert.True(t, apperrors.IsFormatError(err))
	require.NotNil(t, summary)
	assert.Equal(t, models.RunStatusFailed, summary.Run.Status)
	require.NotNil(t, summary.Run.FailureReason)

	require.Len(t, summary.Alerts, 1)
	assert.Equal(t, models.AlertReasonRunFailed, summary.Alerts[0].Reason)
	assert.True(t, f.inbox.consumed(drop.ID), "unparseable drops are not retried")
	assert.Empty(t, f.results.byRun)
}

func TestReconciliationService_ProcessFile_RepeatedFailureAlertsOnce(t *testing.T) {
	f := newReconFixture()
	ctx := context.Background()
	file := csvFile("wrong,header\nx,y\n")

	_, err := f.svc.ProcessFile(ctx, easyPayConfig(), file)
	require.Error(t, err)
	summary, err := f.svc.ProcessFile(ctx, easyPayConfig(), file)
	require.Error(t, err)

	assert.Empty(t, summary.Alerts)
	assert.Len(t, f.runs.byStatus(models.RunStatusFailed), 2)
	assert.Len(t, f.alerts.byReason(models.AlertReasonRunFailed), 1)
}

func TestReconciliationService_ProcessFile_Cancelled(t *testing.T) {
	f := newReconFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	drop, err := f.inbox.Store(context.Background(), &models.InboxFile{SupplierCode: "easypay", FileIdentifier: "sha256:c", SettlementDate: settlementDay})
	require.NoError(t, err)
	file := csvFile(threeRowCSV)
	file.Identifier = "sha256:c"
	file.InboxID = &drop.ID

	summary, err := f.svc.ProcessFile(ctx, easyPayConfig(), file)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
	require.NotNil(t, summary)
	assert.Equal(t, models.RunStatusFailed, summary.Run.Status)

	failed := f.runs.byStatus(models.RunStatusFailed)
	require.Len(t, failed, 1)
	assert.Empty(t, f.alerts.alerts, "cancellation is not an operator alert")
	assert.False(t, f.inbox.consumed(drop.ID), "cancelled drops stay pending")
}

func TestReconciliationService_ProcessFile_PersistFailure(t *testing.T) {
	f := newReconFixture()
	f.results.insertErr = errors.New("connection reset by peer")

	summary, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), csvFile(threeRowCSV))
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, models.RunStatusFailed, summary.Run.Status)
	assert.Equal(t, 3, summary.Run.TotalRows, "partial counts are kept")

	failed := f.runs.byStatus(models.RunStatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].UnmatchedCount)
	assert.Len(t, f.alerts.byReason(models.AlertReasonRunFailed), 1)
}

func TestReconciliationService_ProcessFile_LedgerUnavailable(t *testing.T) {
	f := newReconFixture()
	f.ledger.err = errors.New("connection refused")

	summary, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), csvFile(threeRowCSV))
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, models.RunStatusFailed, summary.Run.Status)
	assert.Equal(t, 1, summary.Run.ErrorCount)
}

func TestReconciliationService_ProcessFile_RequiresIdentifier(t *testing.T) {
	f := newReconFixture()
	file := csvFile(threeRowCSV)
	file.Identifier = ""

	_, err := f.svc.ProcessFile(context.Background(), easyPayConfig(), file)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestReconciliationService_RecordFetchFailures(t *testing.T) {
	f := newReconFixture()
	fetchErr := &apperrors.ConnectivityError{Op: "dial", Host: "sftp.easypay.example", Err: errors.New("i/o timeout"), Retryable: true}
	failures := []FetchFailure{{SettlementDate: settlementDay, Err: fetchErr}}

	summaries, err := f.svc.RecordFetchFailures(context.Background(), easyPayConfig(), failures)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	run := summaries[0].Run
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "fetch:easypay@2026-03-07", run.FileIdentifier)
	assert.Equal(t, "EP_20260307.csv", run.FileName)
	require.Len(t, summaries[0].Alerts, 1)
	assert.Equal(t, models.AlertSeverityCritical, summaries[0].Alerts[0].Severity)

	again, err := f.svc.RecordFetchFailures(context.Background(), easyPayConfig(), failures)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Empty(t, again[0].Alerts, "same failure is reported once")
	assert.Len(t, f.alerts.alerts, 1)
}

func TestReconciliationService_RecordFetchFailures_OneAlertAcrossDates(t *testing.T) {
	f := newReconFixture()
	fetchErr := &apperrors.ConnectivityError{Op: "dial", Host: "sftp.easypay.example", Err: errors.New("i/o timeout"), Retryable: true}
	var failures []FetchFailure
	for i := 2; i >= 0; i-- {
		failures = append(failures, FetchFailure{SettlementDate: settlementDay.AddDate(0, 0, -i), Err: fetchErr})
	}

	summaries, err := f.svc.RecordFetchFailures(context.Background(), easyPayConfig(), failures)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	for _, s := range summaries {
		assert.Equal(t, models.RunStatusFailed, s.Run.Status)
	}

	require.Len(t, f.alerts.alerts, 1)
	alert := f.alerts.alerts[0]
	assert.Equal(t, summaries[2].Run.ID, alert.RunID, "alert hangs off the latest date")
	assert.Contains(t, alert.Message, "3 dates")
	assert.Equal(t, []string{"2026-03-05", "2026-03-06", "2026-03-07"}, alert.Details["settlement_dates"])
	assert.Len(t, f.notifier.sent, 1)
	assert.Empty(t, summaries[0].Alerts)
	assert.Len(t, summaries[2].Alerts, 1)
}

func TestReconciliationService_SuppliersSharingFileNameAreNotDeduplicated(t *testing.T) {
	f := newReconFixture()
	ctx := context.Background()

	easypay := easyPayConfig()
	easypay.DedupStrategy = models.DedupNameDate
	otherpay := easyPayConfig()
	otherpay.SupplierCode = "otherpay"
	otherpay.DedupStrategy = models.DedupNameDate

	fileFor := func(cfg *models.SupplierConfig, content string) fetcher.FetchedFile {
		return fetcher.FetchedFile{
			Name:           "EP_20260307.csv",
			Content:        []byte(content),
			SettlementDate: settlementDay,
			Identifier:     fetcher.Identify(cfg, "EP_20260307.csv", settlementDay, []byte(content)),
		}
	}

	first, err := f.svc.ProcessFile(ctx, easypay, fileFor(easypay, threeRowCSV))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Run.TotalRows)

	oneRow := "transaction_id,easypay_code,transaction_date,gross_amount\nTX1,EP1,2026-03-07 10:00:00,100.00\n"
	second, err := f.svc.ProcessFile(ctx, otherpay, fileFor(otherpay, oneRow))
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.Equal(t, "otherpay", second.Run.SupplierCode)
	assert.Equal(t, 1, second.Run.TotalRows)
	assert.NotEqual(t, first.Run.ID, second.Run.ID)

	again, err := f.svc.ProcessFile(ctx, otherpay, fileFor(otherpay, oneRow))
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, second.Run.ID, again.Run.ID)
}

func TestFetchFailureIdentifier(t *testing.T) {
	assert.Equal(t, "fetch:acme@2026-01-31", FetchFailureIdentifier("acme", time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)))
}

func TestSnapshotWindow_DayTotal(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	require.NoError(t, err)

	w := newSnapshotWindow(loc, settlementDay, nil, time.Hour)
	assert.Equal(t, time.Date(2026, 3, 6, 21, 0, 0, 0, time.UTC), w.from)
	assert.Equal(t, time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC), w.to)

	total := w.dayTotal([]models.InternalTransaction{
		{AmountCents: 100, Timestamp: time.Date(2026, 3, 6, 21, 30, 0, 0, time.UTC)},
		{AmountCents: 200, Timestamp: time.Date(2026, 3, 6, 22, 0, 0, 0, time.UTC)},
		{AmountCents: 300, Timestamp: time.Date(2026, 3, 7, 21, 59, 59, 0, time.UTC)},
		{AmountCents: 400, Timestamp: time.Date(2026, 3, 7, 22, 0, 0, 0, time.UTC)},
	})
	assert.Equal(t, int64(500), total)
}
