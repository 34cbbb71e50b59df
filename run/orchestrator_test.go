package run

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yomali/recon-engine/config"
	"github.com/yomali/recon-engine/recon"
	"github.com/yomali/recon-engine/store/sqlite"
)

// testNow is a Monday so the whole month-to-date of 2025-11 is a
// single business day.
var testNow = time.Date(2025, time.November, 3, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		InputRoot:  filepath.Join(root, "input"),
		OutputDir:  filepath.Join(root, "output"),
		RunTimeout: time.Minute,
		Settings:   config.DefaultSettings(),
		Entities: map[string]config.EntityConfig{
			"acme": {
				ID:               "acme",
				Name:             "Acme",
				CRMFolder:        "NAV",
				ProcessorFolders: []string{"Adyen Reports"},
			},
		},
	}

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	o := New(cfg, st, testLogger())
	o.now = func() time.Time { return testNow }
	return o, cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// seedDay writes matched or mismatched source files for 2025-11-03.
func seedDay(t *testing.T, cfg *config.Config, procAmount string) {
	writeFile(t, filepath.Join(cfg.InputRoot, "Acme", "NAV", "nav_2025-11-03.csv"),
		"date,amount,type,merchant,id\n"+
			"2025-11-03,100.00,charge,adyen,s1\n"+
			"2025-11-03,-20.00,refund,adyen,s2\n")
	writeFile(t, filepath.Join(cfg.InputRoot, "Acme", "Adyen Reports", "adyen_2025-11-03.csv"),
		"date,amount\n"+
			"2025-11-03,"+procAmount+"\n"+
			"2025-11-03,-20.00\n")
}

func TestRunDaily_BalancedDayCompletesGreen(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	seedDay(t, cfg, "100.00")

	rec, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.NotEmpty(t, rec.DownloadToken)
	assert.FileExists(t, rec.ReportPath)

	var summary Summary
	require.NoError(t, json.Unmarshal([]byte(rec.SummaryJSON), &summary))
	assert.Equal(t, 1, summary.Processors)
	assert.Equal(t, 1, summary.GreenCount)
	assert.Equal(t, 0, summary.Exceptions)
	assert.False(t, summary.Skipped)

	statuses, err := o.store.GetDailyStatusesForDate(context.Background(), "acme", testNow)
	require.NoError(t, err)
	require.Len(t, statuses, 2) // adyen + TOTAL
	for _, ds := range statuses {
		assert.Equal(t, recon.StatusGreen, ds.Status)
		assert.EqualValues(t, 8000, ds.SPITargetGross)
		assert.EqualValues(t, 8000, ds.ProcTargetGross)
		assert.EqualValues(t, 0, ds.VarianceAmount)
	}
}

func TestRunDaily_SkipsCompletedUnlessForced(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	seedDay(t, cfg, "100.00")

	first, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)

	again, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	var summary Summary
	require.NoError(t, json.Unmarshal([]byte(again.SummaryJSON), &summary))
	assert.True(t, summary.Skipped)

	forced, err := o.RunDaily(context.Background(), "acme", testNow, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID)
	assert.Equal(t, StatusCompleted, forced.Status)
}

func TestRunDaily_VarianceCreatesException(t *testing.T) {
	// GIVEN the processor settled 30.00 less than the ledger recorded
	o, cfg := newTestOrchestrator(t)
	seedDay(t, cfg, "70.00")

	rec, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	exc, err := o.store.GetException(context.Background(),
		"acme:2025-11-03:adyen:unexplained:spi_only")
	require.NoError(t, err)
	require.NotNil(t, exc)
	assert.EqualValues(t, 3000, exc.Amount)
	assert.Equal(t, recon.ResolutionNeedsReview, exc.ResolutionStatus)
}

func TestRunDaily_ForceRerunPreservesOperatorState(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	seedDay(t, cfg, "70.00")

	_, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)

	id := "acme:2025-11-03:adyen:unexplained:spi_only"
	exc, err := o.store.GetException(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, exc)

	resolvedAt := testNow.Add(time.Hour)
	exc.ResolutionStatus = recon.ResolutionResolved
	exc.ResolvedBy = "ops@acme"
	exc.ResolvedAt = &resolvedAt
	exc.Notes = "confirmed timing"
	require.NoError(t, o.store.SaveException(context.Background(), *exc))

	_, err = o.RunDaily(context.Background(), "acme", testNow, true)
	require.NoError(t, err)

	after, err := o.store.GetException(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, recon.ResolutionResolved, after.ResolutionStatus)
	assert.Equal(t, "ops@acme", after.ResolvedBy)
	assert.Equal(t, "confirmed timing", after.Notes)
	assert.EqualValues(t, 3000, after.Amount) // refreshed from the rerun
}

func TestRunDaily_MissingProcessorFeedWithinLag(t *testing.T) {
	// GIVEN only the ledger side delivered a file for the run day
	o, cfg := newTestOrchestrator(t)
	writeFile(t, filepath.Join(cfg.InputRoot, "Acme", "NAV", "nav_2025-11-03.csv"),
		"date,amount,type,merchant,id\n2025-11-03,100.00,charge,adyen,s1\n")

	rec, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	statuses, err := o.store.GetDailyStatusesForDate(context.Background(), "acme", testNow)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, ds := range statuses {
		if ds.Processor == recon.ProcessorTotal {
			continue
		}
		assert.Equal(t, recon.StatusYellow, ds.Status)
		assert.True(t, ds.HasReason(recon.ReasonPayoutInTransit))
		assert.True(t, ds.HasReason(recon.ReasonTimingCutoff))
		assert.False(t, ds.ProcDataPresent)
	}
}

func TestRunDaily_UnknownEntity(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.RunDaily(context.Background(), "nope", testNow, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recon.ErrValidation))
}

func TestRunDaily_ConcurrentSameDayConflicts(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	key := "acme|2025-11-03"
	require.True(t, o.tryLock(key))
	defer o.unlock(key)

	_, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.Error(t, err)
	assert.True(t, recon.IsConflict(err))
	var conflict *recon.RunConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestRunDaily_OutputDirSettingOverride(t *testing.T) {
	// GIVEN an operator-set output directory
	o, cfg := newTestOrchestrator(t)
	seedDay(t, cfg, "100.00")
	override := filepath.Join(t.TempDir(), "reports")
	s := o.Settings()
	s.OutputDir = override
	require.NoError(t, o.UpdateSettings(context.Background(), s))

	// THEN reports land there instead of the configured default
	rec, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)
	assert.Equal(t, override, filepath.Dir(rec.ReportPath))
	assert.FileExists(t, rec.ReportPath)
}

func TestRunSuper_AggregatesCompletedDays(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	seedDay(t, cfg, "100.00")

	_, err := o.RunDaily(context.Background(), "acme", testNow, false)
	require.NoError(t, err)

	rec, err := o.RunSuper(context.Background(), "acme", "2025-11", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "2025-11", rec.Period)
	assert.FileExists(t, rec.ReportPath)
	assert.Contains(t, rec.ReportPath, "merchant_recon_acme_super_2025-11.xlsx")
}

func TestRunSuper_FailsOnMissingDailyRun(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.RunSuper(context.Background(), "acme", "2025-11", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recon.ErrMissingDailyRun))

	var missing *recon.MissingDailyRunError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "2025-11-03", missing.Date.Format("2006-01-02"))

	// The failed run is recorded for /status visibility.
	rec, getErr := o.store.GetRun(context.Background(), "acme", KindSuper, "2025-11")
	require.NoError(t, getErr)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "2025-11-03")
}

func TestRunSuper_ExcludesFailedDay(t *testing.T) {
	// GIVEN a business day whose daily run was attempted but failed
	o, _ := newTestOrchestrator(t)
	started := testNow.Add(-time.Hour)
	require.NoError(t, o.store.SaveRun(context.Background(), sqlite.RunRecord{
		ID:         "run-failed",
		EntityID:   "acme",
		Kind:       KindDaily,
		TargetDate: "2025-11-03",
		Status:     StatusFailed,
		Error:      "ingest blew up",
		StartedAt:  &started,
		CreatedAt:  started,
	}))

	// WHEN the month is aggregated
	rec, err := o.RunSuper(context.Background(), "acme", "2025-11", false)

	// THEN the run completes with the failed day flagged, not aborted
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Contains(t, rec.SummaryJSON, `"excluded_days":["2025-11-03"]`)
}

func TestRunSuper_BadPeriod(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.RunSuper(context.Background(), "acme", "November", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recon.ErrValidation))
}

func TestUpdateSettings_PersistsAndReloads(t *testing.T) {
	o, cfg := newTestOrchestrator(t)

	s := o.Settings()
	s.ToleranceAbsDollars = 5
	s.LookbackBusinessDays = 7
	require.NoError(t, o.UpdateSettings(context.Background(), s))
	assert.Equal(t, 5.0, o.Settings().ToleranceAbsDollars)

	// A new orchestrator against the same store picks the change up.
	o2 := New(cfg, o.store, testLogger())
	require.NoError(t, o2.LoadSettings(context.Background()))
	assert.Equal(t, 7, o2.Settings().LookbackBusinessDays)
}

func TestUpdateSettings_RejectsInvalid(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	s := o.Settings()
	s.AutoTimeET = "late"
	err := o.UpdateSettings(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recon.ErrValidation))
}

func TestBusinessDaysLookback(t *testing.T) {
	// Friday back 3 stays inside the week.
	fri := time.Date(2025, time.November, 7, 0, 0, 0, 0, time.UTC)
	days := BusinessDaysLookback(fri, 3)
	require.Len(t, days, 3)
	assert.Equal(t, "2025-11-05", days[0].Format("2006-01-02"))
	assert.Equal(t, "2025-11-07", days[2].Format("2006-01-02"))

	// Monday back 2 crosses the weekend to Friday.
	days = BusinessDaysLookback(testNow, 2)
	require.Len(t, days, 2)
	assert.Equal(t, "2025-10-31", days[0].Format("2006-01-02"))
	assert.Equal(t, "2025-11-03", days[1].Format("2006-01-02"))
}
