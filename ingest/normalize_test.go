package ingest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"github.com/yomali/recon-engine/ingest"
	"github.com/yomali/recon-engine/recon"
)

func newTestParser() *ingest.Parser {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return ingest.NewParser(log)
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// =============================================================================
// AMOUNT AND DATE COERCION
// =============================================================================

func TestParseAmount_Formats(t *testing.T) {
	cases := map[string]recon.Cents{
		"1234.56":   123456,
		"1,234.56":  123456,
		"$1,234.56": 123456,
		"(45.00)":   -4500,
		"-45":       -4500,
		"0":         0,
		"":          0,
	}
	for in, want := range cases {
		got, ok := ingest.ParseAmount(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ingest.ParseAmount("N/A")
	assert.False(t, ok)
}

func TestParseDate_Layouts(t *testing.T) {
	want := day(2025, time.October, 15)
	for _, in := range []string{
		"2025-10-15",
		"2025-10-15 08:30:00",
		"10/15/2025",
		"20251015",
	} {
		got, ok := ingest.ParseDate(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ingest.ParseDate("yesterday")
	assert.False(t, ok)
}

// =============================================================================
// PROCESSOR PROFILES
// =============================================================================

func TestParseProcessorFile_StripeProfile(t *testing.T) {
	// GIVEN: an itemized balance report with a charge, its fee, a refund,
	//        and a payout row that must be excluded
	path := writeCSV(t, t.TempDir(), "stripe_10_15_2025.csv",
		"balance_transaction_id,created_utc,reporting_category,gross,fee,description\n"+
			"txn_1,2025-10-15,charge,100.00,3.20,widget order\n"+
			"txn_2,2025-10-15,refund,-25.00,0,order return\n"+
			"txn_3,2025-10-15,payout,-75.00,0,daily payout\n")

	records, err := newTestParser().ParseProcessorFile(path, "helpgrid", "stripe")
	require.NoError(t, err)

	// THEN: charge + separate fee record + refund; no payout
	require.Len(t, records, 3)
	assert.Equal(t, recon.TxCharge, records[0].Type)
	assert.Equal(t, recon.Cents(10000), records[0].Amount)
	assert.Equal(t, "txn_1", records[0].ExternalRef)
	assert.Equal(t, recon.TxFee, records[1].Type)
	assert.Equal(t, recon.Cents(-320), records[1].Amount)
	assert.Equal(t, recon.TxRefund, records[2].Type)
	assert.Equal(t, recon.Cents(-2500), records[2].Amount)
	for _, r := range records {
		assert.Equal(t, recon.SourceProcessor, r.Source)
		assert.Equal(t, "stripe", r.Processor)
	}
}

func TestParseProcessorFile_BraintreeStatusFilter(t *testing.T) {
	// Only financially real statuses survive; refund amounts are forced
	// negative whatever the export says.
	path := writeCSV(t, t.TempDir(), "braintree_10_15_2025.csv",
		"Transaction ID,Settlement Date,Transaction Status,Transaction Type,Settlement Amount\n"+
			"bt_1,2025-10-15,settled,sale,\"2,000.00\"\n"+
			"bt_2,2025-10-15,authorized,sale,500.00\n"+
			"bt_3,2025-10-15,settled,credit,30.00\n")

	records, err := newTestParser().ParseProcessorFile(path, "helpgrid", "braintree")
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, recon.Cents(200000), records[0].Amount)
	assert.Equal(t, recon.TxRefund, records[1].Type)
	assert.Equal(t, recon.Cents(-3000), records[1].Amount)
}

func TestParseProcessorFile_NMISuccessAndAuthFilters(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "nmi_cliq_10_15_2025.csv",
		"transaction_id,action_date,action_type,action_success,action_amount\n"+
			"n1,2025-10-15,settle,1,150.00\n"+
			"n2,2025-10-15,auth,1,150.00\n"+
			"n3,2025-10-15,settle,0,99.00\n"+
			"n4,2025-10-15,refund,1,20.00\n")

	records, err := newTestParser().ParseProcessorFile(path, "helpgrid", "nmi_cliq")
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, recon.TxCharge, records[0].Type)
	assert.Equal(t, recon.TxRefund, records[1].Type)
	assert.Equal(t, recon.Cents(-2000), records[1].Amount)
}

func TestParseProcessorFile_SkipsBadRowsKeepsGood(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "generic_10_15_2025.csv",
		"date,amount,description\n"+
			"2025-10-15,100.00,good row\n"+
			"not-a-date,50.00,bad date\n"+
			"2025-10-15,garbage,bad amount\n")

	records, err := newTestParser().ParseProcessorFile(path, "helpgrid", "payflow")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, recon.Cents(10000), records[0].Amount)
}

func TestParseProcessorFile_EmptyFile(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "stripe_10_15_2025.csv", "gross,created\n")

	_, err := newTestParser().ParseProcessorFile(path, "helpgrid", "stripe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, recon.ErrEmptyOrUnrecognizedFormat))

	var ierr *recon.IngestError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, path, ierr.File)
}

func TestParseProcessorFile_XLSX(t *testing.T) {
	// GIVEN: the same profile delivered as a workbook
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"date", "amount", "description"},
		{"2025-10-15", "250.00", "sheet row"},
	}
	for i, row := range rows {
		for j, v := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	path := filepath.Join(t.TempDir(), "export_10_15_2025.xlsx")
	require.NoError(t, f.SaveAs(path))

	records, err := newTestParser().ParseProcessorFile(path, "helpgrid", "payflow")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, recon.Cents(25000), records[0].Amount)
}

// =============================================================================
// SPI PROFILES
// =============================================================================

func TestParseSPIFile_VendorActivityReport(t *testing.T) {
	// GIVEN: the per-merchant rollup. Sales are negative in the file,
	//        refunds and chargebacks positive; all flip on ingest.
	path := writeCSV(t, t.TempDir(),
		"balance_full_activity_report_vendors_HGS_2025-10-15_2025-10-15.csv",
		"NAV ID,Name,Acc Type,Sales,GRefund,GCB\n"+
			"V001,Helpgrid Stripe,Stripe,\"(1,200.00)\",45.00,0\n"+
			"V002,Helpgrid Cliq,NMI Cliq,-800.00,0,12.50\n")

	records, err := newTestParser().ParseSPIFile(path, "helpgrid")
	require.NoError(t, err)
	require.Len(t, records, 4)

	wantDay := day(2025, time.October, 15)
	assert.Equal(t, recon.TxCharge, records[0].Type)
	assert.Equal(t, recon.Cents(120000), records[0].Amount)
	assert.Equal(t, "stripe", records[0].Processor)
	assert.Equal(t, wantDay, records[0].Date)

	assert.Equal(t, recon.TxRefund, records[1].Type)
	assert.Equal(t, recon.Cents(-4500), records[1].Amount)

	assert.Equal(t, recon.TxCharge, records[2].Type)
	assert.Equal(t, recon.Cents(80000), records[2].Amount)
	assert.Equal(t, "nmi_cliq", records[2].Processor)

	assert.Equal(t, recon.TxDispute, records[3].Type)
	assert.Equal(t, recon.Cents(-1250), records[3].Amount)

	for _, r := range records {
		assert.Equal(t, recon.SourceSPI, r.Source)
	}
}

func TestParseSPIFile_NAVJournalCustomerFilter(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "nav_hgs_sales_2025-10-01_2025-10-31.csv",
		"Posting Date,Account Type,Account No.,Amount,Description\n"+
			"2025-10-15,Customer,STRIPE01,500.00,invoice 1\n"+
			"2025-10-15,G/L Account,4000,500.00,revenue line\n"+
			"2025-10-16,Customer,STRIPE01,-40.00,credit memo\n")

	records, err := newTestParser().ParseSPIFile(path, "helpgrid")
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, recon.TxCharge, records[0].Type)
	assert.Equal(t, "stripe", records[0].Processor)
	assert.Equal(t, recon.TxRefund, records[1].Type)
	assert.Equal(t, recon.Cents(-4000), records[1].Amount)
}

func TestParseSPIFile_GenericWithTypeColumn(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "spi_activity_2025-10-15.csv",
		"transaction_id,date,merchant,type,amount,description\n"+
			"s1,2025-10-15,Stripe,payment,100.00,ok\n"+
			"s2,2025-10-15,Stripe,refund_failure,25.00,retry\n"+
			"s3,2025-10-15,Stripe,refund,10.00,return\n")

	records, err := newTestParser().ParseSPIFile(path, "helpgrid")
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, recon.TxCharge, records[0].Type)
	assert.Equal(t, recon.TxRefundFailure, records[1].Type)
	assert.Equal(t, recon.Cents(2500), records[1].Amount)
	assert.Equal(t, recon.TxRefund, records[2].Type)
	assert.Equal(t, recon.Cents(-1000), records[2].Amount)
}

func TestParser_DedupeRefs(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "spi_activity_2025-10-15.csv",
		"transaction_id,date,merchant,type,amount\n"+
			"s1,2025-10-15,Stripe,payment,100.00\n"+
			"s1,2025-10-15,Stripe,payment,100.00\n")

	p := newTestParser()
	records, err := p.ParseSPIFile(path, "helpgrid")
	require.NoError(t, err)
	assert.Len(t, records, 2, "duplicate refs kept by default")

	p.DedupeRefs = true
	records, err = p.ParseSPIFile(path, "helpgrid")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMapMerchant(t *testing.T) {
	assert.Equal(t, "stripe", ingest.MapMerchant("Stripe"))
	assert.Equal(t, "nmi_chesapeake", ingest.MapMerchant("NMI Chesapeake"))
	assert.Equal(t, "paypal", ingest.MapMerchant("PayPal Business"))
	assert.Equal(t, "unknown", ingest.MapMerchant("  "))
}
