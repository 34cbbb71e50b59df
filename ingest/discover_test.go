package ingest_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yomali/recon-engine/ingest"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("date,amount\n"), 0o644))
}

func TestDateFromFilename_Conventions(t *testing.T) {
	cases := []struct {
		name string
		want time.Time
	}{
		{"stripe_payout_12_26_2025.csv", day(2025, time.December, 26)},
		{"nmi-cliq-12-26-2025.xlsx", day(2025, time.December, 26)},
		{"braintree.20251226.csv", day(2025, time.December, 26)},
		{"report_2025-12-26.csv", day(2025, time.December, 26)},
		{"export_2025_12_26_final.csv", day(2025, time.December, 26)},
	}
	for _, c := range cases {
		got, ok := ingest.DateFromFilename(c.name)
		require.True(t, ok, c.name)
		assert.Equal(t, c.want, got, c.name)
	}

	_, ok := ingest.DateFromFilename("stripe_report_final.csv")
	assert.False(t, ok)
}

func TestDatesFromFilename_RangeAndJunk(t *testing.T) {
	// Two embedded dates sort chronologically; Feb 30 is rejected.
	dates := ingest.DatesFromFilename("balance_full_activity_report_vendors_HGS_2025-12-28_2025-12-22_v13d.csv")
	require.Len(t, dates, 2)
	assert.Equal(t, day(2025, time.December, 22), dates[0])
	assert.Equal(t, day(2025, time.December, 28), dates[1])

	assert.Empty(t, ingest.DatesFromFilename("report_2025-02-30.csv"))
}

func TestFilesForDate_NestedFolderLayout(t *testing.T) {
	// GIVEN: the standard YYYY-MM/DD drop layout
	root := t.TempDir()
	touch(t, filepath.Join(root, "2025-10", "15", "stripe_export.csv"))
	touch(t, filepath.Join(root, "2025-10", "15", "notes.txt")) // ignored
	touch(t, filepath.Join(root, "2025-10", "16", "stripe_export.csv"))

	files := ingest.FilesForDate(root, day(2025, time.October, 15))
	require.Len(t, files, 1)
	assert.Contains(t, files[0], filepath.Join("2025-10", "15"))
}

func TestFilesForDate_UnpaddedDayFolder(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "2025-10", "5", "export.xlsx"))

	files := ingest.FilesForDate(root, day(2025, time.October, 5))
	assert.Len(t, files, 1)
}

func TestFilesForDate_FlatFolderFallback(t *testing.T) {
	// GIVEN: no nested day folders, only dated filenames at the root
	root := t.TempDir()
	touch(t, filepath.Join(root, "stripe_10_15_2025.csv"))
	touch(t, filepath.Join(root, "stripe_10_16_2025.csv"))

	files := ingest.FilesForDate(root, day(2025, time.October, 15))
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "10_15_2025")
}

func TestFilesForDate_MissingRoot(t *testing.T) {
	assert.Empty(t, ingest.FilesForDate("/nonexistent/folder", day(2025, time.October, 15)))
}

func TestFilesCoveringDate_RangeAndPriority(t *testing.T) {
	files := []string{
		"/in/nav_hgs_sales_2025-10-01_2025-10-31.csv",
		"/in/balance_full_activity_report_vendors_HGS_2025-10-15_2025-10-15.csv",
		"/in/other_2025-09-30.csv",
		"/in/undated_export.csv",
	}

	got := ingest.FilesCoveringDate(files, day(2025, time.October, 15))

	// THEN: vendor activity reports first, range-covering files included,
	// off-date and undated files excluded
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "activity_report_vendors")
	assert.Contains(t, got[1], "nav_hgs_sales")
}

func TestProcessorFromFolder(t *testing.T) {
	cases := map[string]string{
		"Stripe Reports":    "stripe",
		"Braintree":         "braintree",
		"NMI Chesapeake":    "nmi_chesapeake",
		"NMI Cliq Reports":  "nmi_cliq",
		"nmi_esquire":       "nmi_esquire",
		"NMI":               "nmi",
		"Authorize Reports": "authorize",
		"/data/in/PayFlow":  "payflow",
	}
	for folder, want := range cases {
		assert.Equal(t, want, ingest.ProcessorFromFolder(folder), folder)
	}
}
