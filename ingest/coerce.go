/*
coerce.go - Cell-level amount and date parsing

PURPOSE:
  Source extracts carry amounts as "1,234.56", "$1,234.56", "(45.00)",
  and dates in half a dozen layouts. These helpers coerce cell strings
  into exact cents and UTC-midnight days, reporting failure instead of
  guessing.

SEE ALSO:
  - normalize.go: applies these per column profile
*/
package ingest

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yomali/recon-engine/recon"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// ParseAmount coerces a cell string to cents. Commas and currency
// symbols are stripped; accounting-style parentheses negate.
// Empty cells are zero, not errors; unparseable cells report false.
func ParseAmount(s string) (recon.Cents, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, true
	}
	t = strings.ReplaceAll(t, ",", "")
	t = strings.ReplaceAll(t, "$", "")
	if strings.HasPrefix(t, "(") && strings.HasSuffix(t, ")") {
		t = "-" + t[1:len(t)-1]
	}
	d, err := decimal.NewFromString(t)
	if err != nil {
		return 0, false
	}
	return recon.CentsFromDecimal(d), true
}

// =============================================================================
// DATES
// =============================================================================

// dateLayouts are tried in order. Month-first layouts come before
// day-first ones; the extracts this engine sees are US-formatted.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"01/02/2006 15:04",
	"01/02/2006 15:04:05",
	"1/2/2006",
	"01-02-2006",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
	"20060102",
}

// ParseDate coerces a cell string to a UTC-midnight day.
func ParseDate(s string) (time.Time, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if dt, err := time.Parse(layout, t); err == nil {
			return recon.Day(dt), true
		}
	}
	return time.Time{}, false
}
