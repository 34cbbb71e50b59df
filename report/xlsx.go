/*
Package report renders reconciliation runs to xlsx workbooks.

PURPOSE:
  Produces the four-sheet workbook operators work from at close:
    Summary    - daily status overview with traffic-light fills
    Exceptions - open variance rows by reason code, plus a legend
    Bridge     - month-end style bridge from SPI gross to processor gross
    Details    - per-row metrics and the file list the run consumed

SEE ALSO:
  run/orchestrator.go - calls Write at the end of every run
*/
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/yomali/recon-engine/recon"
)

const (
	currencyFormat = `_("$"* #,##0.00_);_("$"* (#,##0.00);_("$"* "-"??_);_(@_)`
	percentFormat  = `0.00%`
)

// Meta carries report-level context that is not part of any status row.
type Meta struct {
	EntityID     string
	EntityName   string
	Label        string // target date (daily) or period (super)
	Files        []string
	ExcludedDays []string // business days dropped from a super run
	Generated    time.Time
}

// DailyReportName returns the workbook filename for a daily run.
func DailyReportName(entityID string, date time.Time) string {
	return fmt.Sprintf("merchant_recon_%s_%s.xlsx", entityID, date.Format("2006-01-02"))
}

// SuperReportName returns the workbook filename for a month-end run.
func SuperReportName(entityID, period string) string {
	return fmt.Sprintf("merchant_recon_%s_super_%s.xlsx", entityID, period)
}

// Writer renders workbooks. Safe for concurrent use; each Write builds
// an independent file.
type Writer struct {
	log logrus.FieldLogger
}

func NewWriter(log logrus.FieldLogger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{log: log}
}

// styles holds the style ids registered against one workbook.
type styles struct {
	header   int
	bold     int
	title    int
	green    int
	yellow   int
	red      int
	currency int
	percent  int
}

// Write renders statuses and exceptions to an xlsx workbook at path.
func (w *Writer) Write(path string, statuses []*recon.DailyStatus, exceptions []*recon.Exception, meta Meta) error {
	f := excelize.NewFile()
	defer f.Close()

	st, err := registerStyles(f)
	if err != nil {
		return fmt.Errorf("register styles: %w", err)
	}

	// The default sheet becomes Summary so the workbook opens on it.
	if err := f.SetSheetName("Sheet1", "Summary"); err != nil {
		return err
	}
	if err := w.summarySheet(f, st, statuses, meta); err != nil {
		return fmt.Errorf("summary sheet: %w", err)
	}
	if err := w.exceptionsSheet(f, st, exceptions, meta); err != nil {
		return fmt.Errorf("exceptions sheet: %w", err)
	}
	if err := w.bridgeSheet(f, st, statuses, meta); err != nil {
		return fmt.Errorf("bridge sheet: %w", err)
	}
	if err := w.detailsSheet(f, st, statuses, meta); err != nil {
		return fmt.Errorf("details sheet: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"path":       path,
		"statuses":   len(statuses),
		"exceptions": len(exceptions),
	}).Info("report written")
	return nil
}

func registerStyles(f *excelize.File) (styles, error) {
	var st styles
	var err error

	fill := func(color string) excelize.Fill {
		return excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1}
	}

	if st.header, err = f.NewStyle(&excelize.Style{
		Fill: fill("366092"),
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
	}); err != nil {
		return st, err
	}
	if st.bold, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		return st, err
	}
	if st.title, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}); err != nil {
		return st, err
	}
	if st.green, err = f.NewStyle(&excelize.Style{Fill: fill("C6EFCE")}); err != nil {
		return st, err
	}
	if st.yellow, err = f.NewStyle(&excelize.Style{Fill: fill("FFEB9C")}); err != nil {
		return st, err
	}
	if st.red, err = f.NewStyle(&excelize.Style{Fill: fill("FFC7CE")}); err != nil {
		return st, err
	}
	curFmt := currencyFormat
	if st.currency, err = f.NewStyle(&excelize.Style{CustomNumFmt: &curFmt}); err != nil {
		return st, err
	}
	pctFmt := percentFormat
	if st.percent, err = f.NewStyle(&excelize.Style{CustomNumFmt: &pctFmt}); err != nil {
		return st, err
	}
	return st, nil
}

func (st styles) forStatus(s recon.Status) int {
	switch s {
	case recon.StatusGreen:
		return st.green
	case recon.StatusYellow:
		return st.yellow
	default:
		return st.red
	}
}

// =============================================================================
// SUMMARY SHEET
// =============================================================================

func (w *Writer) summarySheet(f *excelize.File, st styles, statuses []*recon.DailyStatus, meta Meta) error {
	const sheet = "Summary"

	setCell(f, sheet, 1, 1, "Daily Reconciliation Summary")
	styleCell(f, sheet, 1, 1, st.title)
	setCell(f, sheet, 1, 2, "Entity: "+meta.EntityName)
	setCell(f, sheet, 1, 3, "Date: "+meta.Label)

	var greens, yellows, reds int
	var totalVariance recon.Cents
	for _, s := range statuses {
		if s.Processor == recon.ProcessorTotal {
			continue
		}
		switch s.Status {
		case recon.StatusGreen:
			greens++
		case recon.StatusYellow:
			yellows++
		default:
			reds++
		}
		totalVariance += s.VarianceAmount
	}

	setCell(f, sheet, 1, 5, "Status Overview")
	styleCell(f, sheet, 1, 5, st.bold)

	overview := []struct {
		label string
		value interface{}
		style int
	}{
		{"Total Processors:", greens + yellows + reds, 0},
		{"Green (OK):", greens, st.green},
		{"Yellow (Review):", yellows, st.yellow},
		{"Red (Action):", reds, st.red},
		{"Total Variance:", totalVariance.Dollars(), st.currency},
	}
	row := 6
	for _, o := range overview {
		setCell(f, sheet, 1, row, o.label)
		setCell(f, sheet, 2, row, o.value)
		if o.style != 0 {
			styleCell(f, sheet, 2, row, o.style)
		}
		row++
	}

	row++
	setCell(f, sheet, 1, row, "Processor Status Details")
	styleCell(f, sheet, 1, row, st.bold)
	row++

	headers := []string{"Date", "Processor", "Status", "SPI Gross", "Proc Gross", "Variance", "Variance %", "Top Reason"}
	writeHeaders(f, sheet, row, headers, st.header)
	row++

	for _, s := range statuses {
		setCell(f, sheet, 1, row, s.DateKey())
		setCell(f, sheet, 2, row, s.Processor)
		setCell(f, sheet, 3, row, strings.ToUpper(string(s.Status)))
		styleCell(f, sheet, 3, row, st.forStatus(s.Status))
		setCell(f, sheet, 4, row, s.SPITargetGross.Dollars())
		styleCell(f, sheet, 4, row, st.currency)
		setCell(f, sheet, 5, row, s.ProcTargetGross.Dollars())
		styleCell(f, sheet, 5, row, st.currency)
		setCell(f, sheet, 6, row, s.VarianceAmount.Dollars())
		styleCell(f, sheet, 6, row, st.currency)
		setCell(f, sheet, 7, row, s.VariancePct/100)
		styleCell(f, sheet, 7, row, st.percent)
		setCell(f, sheet, 8, row, string(s.TopReasonCode))
		row++
	}

	return setWidths(f, sheet, map[string]float64{
		"A": 14, "B": 18, "C": 10, "D": 14, "E": 14, "F": 14, "G": 12, "H": 22,
	})
}

// =============================================================================
// EXCEPTIONS SHEET
// =============================================================================

func (w *Writer) exceptionsSheet(f *excelize.File, st styles, exceptions []*recon.Exception, meta Meta) error {
	const sheet = "Exceptions"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	setCell(f, sheet, 1, 1, "Exception Breakdown by Reason Code")
	styleCell(f, sheet, 1, 1, st.title)
	setCell(f, sheet, 1, 2, "Date: "+meta.Label)

	row := 4
	headers := []string{"Date", "Processor", "Reason Code", "Amount", "Direction", "Items", "Status"}
	writeHeaders(f, sheet, row, headers, st.header)
	row++

	if len(exceptions) == 0 {
		setCell(f, sheet, 1, row, "No exceptions found")
		row++
	}
	for _, exc := range exceptions {
		setCell(f, sheet, 1, row, exc.Date.Format("2006-01-02"))
		setCell(f, sheet, 2, row, exc.Processor)
		setCell(f, sheet, 3, row, string(exc.ReasonCode))
		setCell(f, sheet, 4, row, exc.Amount.Dollars())
		styleCell(f, sheet, 4, row, st.currency)
		setCell(f, sheet, 5, row, string(exc.Direction))
		setCell(f, sheet, 6, row, exc.ItemCount)
		setCell(f, sheet, 7, row, string(exc.ResolutionStatus))
		row++
	}

	row += 2
	setCell(f, sheet, 1, row, "Reason Code Legend")
	styleCell(f, sheet, 1, row, st.bold)
	row++

	legend := [][2]string{
		{"within_tolerance", "Variance within acceptable limits"},
		{"timing_cutoff", "Event recorded in different days between systems"},
		{"payout_in_transit", "Processor data inside settlement lag window"},
		{"refund_failure", "Refund reversal recorded as positive adjustment"},
		{"void_vs_refund", "Void in one system, refund in the other"},
		{"processor_only", "Transaction in processor, not in the payments ledger"},
		{"spi_only", "Transaction in payments ledger, not in processor"},
		{"dispute_lifecycle", "Chargeback/dispute timing differences"},
		{"fee_variance", "Processing fee differences"},
		{"data_missing", "Expected extract absent past the lag window"},
		{"unexplained", "Requires investigation"},
	}
	for _, entry := range legend {
		setCell(f, sheet, 1, row, entry[0])
		setCell(f, sheet, 2, row, entry[1])
		row++
	}

	return setWidths(f, sheet, map[string]float64{
		"A": 14, "B": 18, "C": 22, "D": 14, "E": 16, "F": 8, "G": 20,
	})
}

// =============================================================================
// BRIDGE SHEET
// =============================================================================

func (w *Writer) bridgeSheet(f *excelize.File, st styles, statuses []*recon.DailyStatus, meta Meta) error {
	const sheet = "Bridge"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	setCell(f, sheet, 1, 1, "Reconciliation Bridge - "+meta.EntityName)
	styleCell(f, sheet, 1, 1, st.title)
	setCell(f, sheet, 1, 2, "Period: "+meta.Label)

	// TOTAL rows would double-count against their per-processor rows.
	var spiCharges, spiRefunds, spiRefundFailures recon.Cents
	var procCharges, procRefunds, procFees recon.Cents
	var variance recon.Cents
	var breakdown recon.VarianceBreakdown
	for _, s := range statuses {
		if s.Processor == recon.ProcessorTotal {
			continue
		}
		spiCharges += s.SPIChargeGross
		spiRefunds += s.SPIRefundGross
		spiRefundFailures += s.SPIRefundFailureGross
		procCharges += s.ProcChargeGross
		procRefunds += s.ProcRefundGross
		procFees += s.ProcFeeAmount
		variance += s.VarianceAmount
		breakdown.TimingCutoff += s.Breakdown.TimingCutoff
		breakdown.RefundFailure += s.Breakdown.RefundFailure
		breakdown.VoidVsRefund += s.Breakdown.VoidVsRefund
		breakdown.ProcessorOnly += s.Breakdown.ProcessorOnly
		breakdown.SPIOnly += s.Breakdown.SPIOnly
		breakdown.Adjustments += s.Breakdown.Adjustments
		breakdown.Disputes += s.Breakdown.Disputes
		breakdown.Fees += s.Breakdown.Fees
		breakdown.Unexplained += s.Breakdown.Unexplained
	}
	spiTotal := spiCharges + spiRefunds + spiRefundFailures
	procTotal := procCharges + procRefunds

	type line struct {
		label  string
		amount *recon.Cents
		bold   bool
	}
	amt := func(c recon.Cents) *recon.Cents { return &c }
	lines := []line{
		{"SPI/CRM Activity", nil, true},
		{"Sales (Charges)", amt(spiCharges), false},
		{"Refunds", amt(spiRefunds), false},
		{"Refund Failures", amt(spiRefundFailures), false},
		{"SPI Gross Total", amt(spiTotal), true},
		{"", nil, false},
		{"Processor Activity", nil, true},
		{"Sales (Charges)", amt(procCharges), false},
		{"Refunds", amt(procRefunds), false},
		{"Processing Fees", amt(procFees), false},
		{"Processor Gross Total", amt(procTotal), true},
		{"", nil, false},
		{"Reconciliation", nil, true},
		{"SPI Gross Total", amt(spiTotal), false},
		{"Less: Processor Gross Total", amt(-procTotal), false},
		{"Gross Variance", amt(variance), true},
		{"", nil, false},
		{"Variance Analysis", nil, true},
		{"Timing Cutoff", amt(breakdown.TimingCutoff), false},
		{"Refund Failures", amt(breakdown.RefundFailure), false},
		{"Void vs Refund", amt(breakdown.VoidVsRefund), false},
		{"Disputes", amt(breakdown.Disputes), false},
		{"Fees", amt(breakdown.Fees), false},
		{"Unexplained", amt(breakdown.Unexplained), true},
	}

	row := 4
	for _, l := range lines {
		setCell(f, sheet, 1, row, l.label)
		if l.bold {
			styleCell(f, sheet, 1, row, st.bold)
		}
		if l.amount != nil {
			setCell(f, sheet, 2, row, l.amount.Dollars())
			styleCell(f, sheet, 2, row, st.currency)
		}
		row++
	}

	return setWidths(f, sheet, map[string]float64{"A": 30, "B": 16})
}

// =============================================================================
// DETAILS SHEET
// =============================================================================

func (w *Writer) detailsSheet(f *excelize.File, st styles, statuses []*recon.DailyStatus, meta Meta) error {
	const sheet = "Details"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	setCell(f, sheet, 1, 1, "Detailed Metrics")
	styleCell(f, sheet, 1, 1, st.title)

	row := 3
	headers := []string{
		"Date", "Processor", "Status",
		"SPI Charges", "SPI Refunds", "SPI Refund Failures", "SPI Target",
		"Proc Charges", "Proc Refunds", "Proc Fees", "Proc Target",
		"Variance", "SPI Rows", "Proc Rows",
	}
	writeHeaders(f, sheet, row, headers, st.header)
	row++

	for _, s := range statuses {
		setCell(f, sheet, 1, row, s.DateKey())
		setCell(f, sheet, 2, row, s.Processor)
		setCell(f, sheet, 3, row, string(s.Status))
		currencies := []recon.Cents{
			s.SPIChargeGross, s.SPIRefundGross, s.SPIRefundFailureGross, s.SPITargetGross,
			s.ProcChargeGross, s.ProcRefundGross, s.ProcFeeAmount, s.ProcTargetGross,
			s.VarianceAmount,
		}
		for i, c := range currencies {
			col := 4 + i
			setCell(f, sheet, col, row, c.Dollars())
			styleCell(f, sheet, col, row, st.currency)
		}
		setCell(f, sheet, 13, row, s.SPIChargeCount+s.SPIRefundCount)
		setCell(f, sheet, 14, row, s.ProcChargeCount+s.ProcRefundCount)
		row++
	}

	row += 2
	setCell(f, sheet, 1, row, "Files Processed")
	styleCell(f, sheet, 1, row, st.bold)
	row++
	for _, file := range meta.Files {
		setCell(f, sheet, 1, row, file)
		row++
	}

	if len(meta.ExcludedDays) > 0 {
		row++
		setCell(f, sheet, 1, row, "Excluded Days (daily run failed)")
		styleCell(f, sheet, 1, row, st.bold)
		row++
		for _, day := range meta.ExcludedDays {
			setCell(f, sheet, 1, row, day)
			row++
		}
	}

	return setWidths(f, sheet, map[string]float64{"A": 14, "B": 18, "C": 10})
}

// =============================================================================
// CELL HELPERS
// =============================================================================

func setCell(f *excelize.File, sheet string, col, row int, value interface{}) {
	cell, _ := excelize.CoordinatesToCellName(col, row)
	_ = f.SetCellValue(sheet, cell, value)
}

func styleCell(f *excelize.File, sheet string, col, row int, style int) {
	cell, _ := excelize.CoordinatesToCellName(col, row)
	_ = f.SetCellStyle(sheet, cell, cell, style)
}

func writeHeaders(f *excelize.File, sheet string, row int, headers []string, style int) {
	for i, h := range headers {
		setCell(f, sheet, i+1, row, h)
		styleCell(f, sheet, i+1, row, style)
	}
}

func setWidths(f *excelize.File, sheet string, widths map[string]float64) error {
	for col, width := range widths {
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return err
		}
	}
	return nil
}
