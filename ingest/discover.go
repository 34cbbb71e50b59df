/*
Package ingest discovers and normalizes source extracts.

PURPOSE:
  Turns the drop-folder layout of processor and SPI extracts into
  normalized recon.TransactionRecords. Discovery handles both the nested
  YYYY-MM/DD folder convention and flat folders with dated filenames;
  normalization knows one column profile per processor family.

KEY CONCEPTS IN THIS FILE (discover.go):
  - date-from-filename extraction with three filename conventions
  - nested day-folder lookup with a flat-folder fallback
  - range-covering selection for SPI extracts spanning several days

SEE ALSO:
  - normalize.go: per-processor column profiles
  - coerce.go: amount and date parsing
*/
package ingest

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// FILENAME DATES
// =============================================================================

// Filename date conventions seen across processor exports, tried in order:
// 12_26_2025 style, 20251226 style, 2025-12-26 style.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{1,2})[._-](\d{1,2})[._-](\d{4})`),
	regexp.MustCompile(`(\d{4})(\d{2})(\d{2})`),
	regexp.MustCompile(`(\d{4})[._-](\d{1,2})[._-](\d{1,2})`),
}

// yearFirst marks which patterns put the year in the first capture group.
var yearFirst = []bool{false, true, true}

// DateFromFilename extracts the first valid date embedded in a filename.
func DateFromFilename(name string) (time.Time, bool) {
	dates := DatesFromFilename(name)
	if len(dates) == 0 {
		return time.Time{}, false
	}
	return dates[0], true
}

// DatesFromFilename extracts every valid date embedded in a filename,
// sorted and deduplicated. SPI extracts commonly carry a start and end
// date; single-day files carry one.
func DatesFromFilename(name string) []time.Time {
	base := filepath.Base(name)
	seen := make(map[time.Time]bool)
	var out []time.Time

	for i, pat := range datePatterns {
		for _, m := range pat.FindAllStringSubmatch(base, -1) {
			var y, mo, d int
			if yearFirst[i] {
				y, _ = strconv.Atoi(m[1])
				mo, _ = strconv.Atoi(m[2])
				d, _ = strconv.Atoi(m[3])
			} else {
				mo, _ = strconv.Atoi(m[1])
				d, _ = strconv.Atoi(m[2])
				y, _ = strconv.Atoi(m[3])
			}
			dt, ok := validDate(y, mo, d)
			if !ok || seen[dt] {
				continue
			}
			seen[dt] = true
			out = append(out, dt)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func validDate(y, mo, d int) (time.Time, bool) {
	if y < 2000 || y > 2100 || mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	dt := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	// Reject rollovers like Feb 30.
	if dt.Month() != time.Month(mo) || dt.Day() != d {
		return time.Time{}, false
	}
	return dt, true
}

// =============================================================================
// FOLDER DISCOVERY
// =============================================================================

// sourceExts are the file extensions ingestion accepts.
var sourceExts = map[string]bool{".csv": true, ".xlsx": true, ".xls": true}

func isSourceFile(name string) bool {
	return sourceExts[strings.ToLower(filepath.Ext(name))]
}

// ListFiles returns every CSV/XLSX file under root, recursively.
// A missing root is not an error; the folder may simply not exist yet
// for a new processor.
func ListFiles(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && isSourceFile(path) {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

// FilesForDate finds the source files for one day under a processor
// folder. It tries the nested YYYY-MM/DD layout first (with and without
// a zero-padded day), then falls back to scanning the whole folder for
// filenames carrying the target date.
func FilesForDate(root string, day time.Time) []string {
	monthDir := filepath.Join(root, day.Format("2006-01"))

	for _, dayName := range []string{day.Format("02"), strconv.Itoa(day.Day())} {
		dayDir := filepath.Join(monthDir, dayName)
		if info, err := os.Stat(dayDir); err == nil && info.IsDir() {
			return ListFiles(dayDir)
		}
	}

	var out []string
	for _, f := range ListFiles(root) {
		if dt, ok := DateFromFilename(f); ok && dt.Equal(day) {
			out = append(out, f)
		}
	}
	return out
}

// FilesCoveringDate selects files whose filename dates include or span
// the target day. SPI activity reports carry a start and end date and
// cover every day in between.
//
// Vendor activity reports are the primary gross-recon source, so they
// sort ahead of everything else.
func FilesCoveringDate(files []string, day time.Time) []string {
	var primary, rest []string
	for _, f := range files {
		dates := DatesFromFilename(f)
		if len(dates) == 0 {
			continue
		}
		covered := false
		for _, dt := range dates {
			if dt.Equal(day) {
				covered = true
				break
			}
		}
		if !covered && len(dates) >= 2 &&
			!day.Before(dates[0]) && !day.After(dates[len(dates)-1]) {
			covered = true
		}
		if !covered {
			continue
		}
		if strings.Contains(strings.ToLower(filepath.Base(f)), "activity_report_vendors") {
			primary = append(primary, f)
		} else {
			rest = append(rest, f)
		}
	}
	sort.Strings(primary)
	sort.Strings(rest)
	return append(primary, rest...)
}

// =============================================================================
// PROCESSOR KEYS
// =============================================================================

// ProcessorFromFolder derives the canonical processor key from a drop
// folder name: "Stripe Reports" -> "stripe", "NMI Cliq" -> "nmi_cliq".
func ProcessorFromFolder(folder string) string {
	name := strings.ToLower(filepath.Base(folder))
	switch {
	case strings.Contains(name, "braintree"):
		return "braintree"
	case strings.Contains(name, "stripe"):
		return "stripe"
	case strings.Contains(name, "nmi"):
		switch {
		case strings.Contains(name, "chesapeak"):
			return "nmi_chesapeake"
		case strings.Contains(name, "cliq"):
			return "nmi_cliq"
		case strings.Contains(name, "esquire"):
			return "nmi_esquire"
		}
		return "nmi"
	}
	name = strings.ReplaceAll(name, " ", "_")
	return strings.TrimSuffix(name, "_reports")
}
