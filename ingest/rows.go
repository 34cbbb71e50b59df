/*
rows.go - Tabular file reading

PURPOSE:
  Reads a CSV or XLSX extract into a header row plus data rows, with
  header names normalized for column-profile matching. Ragged CSV rows
  and formula cells are tolerated; a file that yields no data rows is
  reported as empty so the caller can skip it.

SEE ALSO:
  - normalize.go: matches column profiles against the header row
*/
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
	"github.com/yomali/recon-engine/recon"
)

// table is one extract's header row and data rows.
type table struct {
	headers []string // normalized: lowercase, single-space separated
	rows    [][]string
}

// cell returns the value at column idx, or "" for short rows.
func (t *table) cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// pick finds the first header matching a candidate name, exact matches
// before substring matches. Returns -1 when no candidate matches.
func (t *table) pick(candidates ...string) int {
	for _, c := range candidates {
		for i, h := range t.headers {
			if h == c {
				return i
			}
		}
	}
	for _, c := range candidates {
		for i, h := range t.headers {
			if strings.Contains(h, c) {
				return i
			}
		}
	}
	return -1
}

var headerSpace = regexp.MustCompile(`\s+`)

func normalizeHeader(h string) string {
	return headerSpace.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), " ")
}

// readTable reads a CSV or XLSX file. It returns
// recon.ErrEmptyOrUnrecognizedFormat (wrapped) for files with no data
// rows so callers can skip them without aborting the batch.
func readTable(path string) (*table, error) {
	var raw [][]string
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		raw, err = readCSV(path)
	case ".xlsx", ".xls":
		raw, err = readXLSX(path)
	default:
		return nil, &recon.IngestError{File: path, Reason: "unsupported file type", Err: recon.ErrEmptyOrUnrecognizedFormat}
	}
	if err != nil {
		return nil, &recon.IngestError{File: path, Reason: "read failed", Err: err}
	}
	if len(raw) < 2 {
		return nil, &recon.IngestError{File: path, Reason: "no data rows", Err: recon.ErrEmptyOrUnrecognizedFormat}
	}

	t := &table{rows: raw[1:]}
	for _, h := range raw[0] {
		t.headers = append(t.headers, normalizeHeader(h))
	}
	return t, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(stripBOM(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv parse: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheet)
}

// stripBOM skips a UTF-8 byte order mark. Windows exports from the
// processors routinely carry one.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, _ := io.ReadFull(r, buf)
	if n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), r)
}
