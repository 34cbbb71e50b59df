/*
normalize.go - Per-source column profiles

PURPOSE:
  Converts raw extract rows into recon.TransactionRecords. Each processor
  family has its own column profile (names, status filters, sign
  conventions); the SPI side recognizes the vendor activity report, the
  NAV journal export, and a generic date+amount fallback.

SIGN CONVENTIONS:
  - charges positive
  - refunds and fees negative, whatever the file says
  - refund failures positive (they reverse a refund)

ROW HANDLING:
  Unparseable rows are skipped and counted, never fatal; a file that
  yields zero records is reported with ErrEmptyOrUnrecognizedFormat so
  the batch can continue without it.

SEE ALSO:
  - discover.go: finds the files fed through here
  - rows.go: reads them into header+rows tables
*/
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yomali/recon-engine/recon"
)

// Parser normalizes source extracts into transaction records.
type Parser struct {
	log logrus.FieldLogger

	// DedupeRefs drops rows whose external reference repeats within a
	// file. Off by default: most extracts legitimately repeat refs for
	// partial captures.
	DedupeRefs bool
}

func NewParser(log logrus.FieldLogger) *Parser {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Parser{log: log}
}

// =============================================================================
// PROCESSOR FILES
// =============================================================================

// ParseProcessorFile normalizes one processor extract. The processor key
// selects the column profile; unknown keys use the generic profile.
func (p *Parser) ParseProcessorFile(path, entityID, processor string) ([]recon.TransactionRecord, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}

	var records []recon.TransactionRecord
	var skipped int

	switch {
	case strings.HasPrefix(processor, "stripe"):
		records, skipped = p.parseStripe(t, entityID, processor)
	case strings.HasPrefix(processor, "braintree"):
		records, skipped = p.parseBraintree(t, entityID, processor)
	case strings.HasPrefix(processor, "nmi"):
		records, skipped = p.parseNMI(t, entityID, processor)
	default:
		records, skipped = p.parseGenericProcessor(t, entityID, processor)
	}

	if skipped > 0 {
		p.log.WithFields(logrus.Fields{
			"file":      path,
			"processor": processor,
			"skipped":   skipped,
		}).Warn("skipped unparseable rows")
	}
	if len(records) == 0 {
		return nil, &recon.IngestError{File: path, Reason: "no usable rows", Err: recon.ErrEmptyOrUnrecognizedFormat}
	}
	return p.dedupe(records), nil
}

// parseStripe reads itemized balance reports. The reporting_category
// column is authoritative; fee cells become separate fee records so the
// processor target can include or exclude them per configuration.
func (p *Parser) parseStripe(t *table, entityID, processor string) ([]recon.TransactionRecord, int) {
	dateCol := t.pick("created_utc", "created", "effective_at", "date")
	amtCol := t.pick("gross", "amount")
	feeCol := t.pick("fee")
	catCol := t.pick("reporting_category", "category", "type")
	idCol := t.pick("balance_transaction_id", "id")
	descCol := t.pick("description", "statement_descriptor")

	var out []recon.TransactionRecord
	var skipped int
	for i, row := range t.rows {
		day, ok := ParseDate(t.cell(row, dateCol))
		if !ok {
			skipped++
			continue
		}
		amount, ok := ParseAmount(t.cell(row, amtCol))
		if !ok {
			skipped++
			continue
		}

		typ, include := stripeCategory(t.cell(row, catCol))
		if !include {
			continue
		}
		if typ == recon.TxRefund && amount > 0 {
			amount = -amount
		}

		ref := t.cell(row, idCol)
		if ref == "" {
			ref = fmt.Sprintf("stripe_%d", i)
		}
		out = append(out, recon.TransactionRecord{
			Source:      recon.SourceProcessor,
			EntityID:    entityID,
			Processor:   processor,
			Date:        day,
			Amount:      amount,
			Type:        typ,
			ExternalRef: ref,
			Description: t.cell(row, descCol),
		})

		if fee, ok := ParseAmount(t.cell(row, feeCol)); ok && fee != 0 {
			if fee > 0 {
				fee = -fee
			}
			out = append(out, recon.TransactionRecord{
				Source:      recon.SourceProcessor,
				EntityID:    entityID,
				Processor:   processor,
				Date:        day,
				Amount:      fee,
				Type:        recon.TxFee,
				ExternalRef: ref + ":fee",
			})
		}
	}
	return out, skipped
}

// stripeCategory maps reporting_category to a transaction type.
// Payouts and reserves are cash movements, not revenue events.
func stripeCategory(cat string) (recon.TxType, bool) {
	c := strings.ToLower(cat)
	switch {
	case strings.Contains(c, "refund_failure"):
		return recon.TxRefundFailure, true
	case strings.Contains(c, "refund"):
		return recon.TxRefund, true
	case strings.Contains(c, "dispute"):
		return recon.TxDispute, true
	case strings.Contains(c, "fee"):
		return recon.TxFee, true
	case strings.Contains(c, "adjustment"):
		return recon.TxAdjustment, true
	case strings.Contains(c, "charge"), strings.Contains(c, "payment"):
		return recon.TxCharge, true
	case strings.Contains(c, "payout"), strings.Contains(c, "reserve"):
		return "", false
	}
	return recon.TxCharge, true
}

// parseBraintree reads transaction exports, keeping only financially
// real statuses.
func (p *Parser) parseBraintree(t *table, entityID, processor string) ([]recon.TransactionRecord, int) {
	dateCol := t.pick("settlement date", "settlement_date", "created datetime", "created_at", "created", "date")
	amtCol := t.pick("settlement amount", "amount submitted for settlement", "amount authorized", "amount")
	statusCol := t.pick("transaction status", "status")
	typeCol := t.pick("transaction type", "type")
	idCol := t.pick("transaction id", "transaction_id", "id")

	settled := map[string]bool{
		"settled": true, "settling": true,
		"submitted_for_settlement": true, "submitted for settlement": true,
	}

	var out []recon.TransactionRecord
	var skipped int
	for i, row := range t.rows {
		if statusCol >= 0 && !settled[strings.ToLower(t.cell(row, statusCol))] {
			continue
		}
		day, ok := ParseDate(t.cell(row, dateCol))
		if !ok {
			skipped++
			continue
		}
		amount, ok := ParseAmount(t.cell(row, amtCol))
		if !ok {
			skipped++
			continue
		}

		typ := typeBySign(t.cell(row, typeCol), amount)
		if typ == recon.TxRefund && amount > 0 {
			amount = -amount
		}

		ref := t.cell(row, idCol)
		if ref == "" {
			ref = fmt.Sprintf("bt_%d", i)
		}
		out = append(out, recon.TransactionRecord{
			Source:      recon.SourceProcessor,
			EntityID:    entityID,
			Processor:   processor,
			Date:        day,
			Amount:      amount,
			Type:        typ,
			ExternalRef: ref,
		})
	}
	return out, skipped
}

// parseNMI reads gateway transaction reports, keeping successful
// non-auth actions.
func (p *Parser) parseNMI(t *table, entityID, processor string) ([]recon.TransactionRecord, int) {
	dateCol := t.pick("action_date", "settle_date", "transaction_date", "date", "created")
	amtCol := t.pick("action_amount", "settle_amount", "amount")
	successCol := t.pick("action_success", "success")
	typeCol := t.pick("action_type", "type")
	idCol := t.pick("transaction_id", "transactionid", "id")

	var out []recon.TransactionRecord
	var skipped int
	for i, row := range t.rows {
		if successCol >= 0 {
			switch strings.ToLower(t.cell(row, successCol)) {
			case "1", "true", "success":
			default:
				continue
			}
		}
		action := strings.ToLower(t.cell(row, typeCol))
		if action == "auth" || action == "authorize" || action == "validate" {
			continue
		}

		day, ok := ParseDate(t.cell(row, dateCol))
		if !ok {
			skipped++
			continue
		}
		amount, ok := ParseAmount(t.cell(row, amtCol))
		if !ok {
			skipped++
			continue
		}

		typ := typeBySign(action, amount)
		if typ == recon.TxRefund && amount > 0 {
			amount = -amount
		}

		ref := t.cell(row, idCol)
		if ref == "" {
			ref = fmt.Sprintf("nmi_%d", i)
		}
		out = append(out, recon.TransactionRecord{
			Source:      recon.SourceProcessor,
			EntityID:    entityID,
			Processor:   processor,
			Date:        day,
			Amount:      amount,
			Type:        typ,
			ExternalRef: ref,
		})
	}
	return out, skipped
}

// parseGenericProcessor handles folders without a known profile.
func (p *Parser) parseGenericProcessor(t *table, entityID, processor string) ([]recon.TransactionRecord, int) {
	dateCol := t.pick("date", "txn date", "transaction date")
	amtCol := t.pick("amount", "net amount", "net")
	descCol := t.pick("description", "memo", "details")

	var out []recon.TransactionRecord
	var skipped int
	for i, row := range t.rows {
		day, ok := ParseDate(t.cell(row, dateCol))
		if !ok {
			skipped++
			continue
		}
		amount, ok := ParseAmount(t.cell(row, amtCol))
		if !ok || amount == 0 {
			if !ok {
				skipped++
			}
			continue
		}

		typ := recon.TxCharge
		if amount < 0 {
			typ = recon.TxRefund
		}
		out = append(out, recon.TransactionRecord{
			Source:      recon.SourceProcessor,
			EntityID:    entityID,
			Processor:   processor,
			Date:        day,
			Amount:      amount,
			Type:        typ,
			ExternalRef: fmt.Sprintf("%s_%d", processor, i),
			Description: t.cell(row, descCol),
		})
	}
	return out, skipped
}

// typeBySign maps a transaction-type cell to a normalized type, falling
// back to the amount's sign.
func typeBySign(typeCell string, amount recon.Cents) recon.TxType {
	c := strings.ToLower(typeCell)
	switch {
	case strings.Contains(c, "refund_failure"), strings.Contains(c, "refund failure"):
		return recon.TxRefundFailure
	case strings.Contains(c, "refund"), strings.Contains(c, "credit"):
		return recon.TxRefund
	case strings.Contains(c, "void"), strings.Contains(c, "cancel"),
		strings.Contains(c, "adjustment"), strings.Contains(c, "correction"):
		return recon.TxAdjustment
	case strings.Contains(c, "chargeback"), strings.Contains(c, "dispute"):
		return recon.TxDispute
	case strings.Contains(c, "settle"), strings.Contains(c, "capture"),
		strings.Contains(c, "sale"), strings.Contains(c, "payment"), strings.Contains(c, "charge"):
		return recon.TxCharge
	}
	if amount < 0 {
		return recon.TxRefund
	}
	return recon.TxCharge
}

// =============================================================================
// SPI FILES
// =============================================================================

// ParseSPIFile normalizes one SPI-side extract. Three formats are
// recognized, tried in order:
//
//  1. vendor activity report: Sales/GRefund/GCB columns, one row per
//     merchant account, the date carried in the filename
//  2. NAV journal export: Posting Date/Account Type/Amount, customer
//     lines only
//  3. generic: any date + amount column pair
func (p *Parser) ParseSPIFile(path, entityID string) ([]recon.TransactionRecord, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}

	var records []recon.TransactionRecord
	var skipped int

	switch {
	case t.pick("sales") >= 0 && (t.pick("grefund") >= 0 || t.pick("refund") >= 0):
		fileDate, ok := DateFromFilename(path)
		if !ok {
			return nil, &recon.IngestError{File: path, Reason: "vendor activity report without a filename date", Err: recon.ErrEmptyOrUnrecognizedFormat}
		}
		records, skipped = p.parseVendorActivity(t, entityID, fileDate)
	case t.pick("posting date") >= 0 && t.pick("account type") >= 0 && t.pick("amount") >= 0:
		records, skipped = p.parseNAVJournal(t, entityID)
	default:
		records, skipped = p.parseGenericSPI(t, entityID)
	}

	if skipped > 0 {
		p.log.WithFields(logrus.Fields{"file": path, "skipped": skipped}).Warn("skipped unparseable rows")
	}
	if len(records) == 0 {
		return nil, &recon.IngestError{File: path, Reason: "no usable rows", Err: recon.ErrEmptyOrUnrecognizedFormat}
	}
	return p.dedupe(records), nil
}

// parseVendorActivity reads the per-merchant activity rollup. Sales are
// stored negative in the file (the vendor owes), refunds and chargebacks
// positive; both flip to the engine's sign convention.
func (p *Parser) parseVendorActivity(t *table, entityID string, fileDate time.Time) ([]recon.TransactionRecord, int) {
	salesCol := t.pick("sales")
	refundCol := t.pick("grefund", "refund")
	cbCol := t.pick("gcb", "cb")
	accCol := t.pick("acc type", "account type")
	nameCol := t.pick("name", "nav id")

	var out []recon.TransactionRecord
	for i, row := range t.rows {
		processor := MapMerchant(t.cell(row, accCol))
		name := t.cell(row, nameCol)

		if amt, ok := ParseAmount(t.cell(row, salesCol)); ok && amt != 0 {
			out = append(out, recon.TransactionRecord{
				Source:      recon.SourceSPI,
				EntityID:    entityID,
				Processor:   processor,
				Date:        fileDate,
				Amount:      amt.Abs(),
				Type:        recon.TxCharge,
				ExternalRef: fmt.Sprintf("spi_sales_%d", i),
				Description: "Sales - " + name,
			})
		}
		if amt, ok := ParseAmount(t.cell(row, refundCol)); ok && amt != 0 {
			out = append(out, recon.TransactionRecord{
				Source:      recon.SourceSPI,
				EntityID:    entityID,
				Processor:   processor,
				Date:        fileDate,
				Amount:      -amt.Abs(),
				Type:        recon.TxRefund,
				ExternalRef: fmt.Sprintf("spi_refund_%d", i),
				Description: "Refund - " + name,
			})
		}
		if amt, ok := ParseAmount(t.cell(row, cbCol)); ok && amt != 0 {
			out = append(out, recon.TransactionRecord{
				Source:      recon.SourceSPI,
				EntityID:    entityID,
				Processor:   processor,
				Date:        fileDate,
				Amount:      -amt.Abs(),
				Type:        recon.TxDispute,
				ExternalRef: fmt.Sprintf("spi_cb_%d", i),
				Description: "Chargeback - " + name,
			})
		}
	}
	return out, 0
}

// parseNAVJournal reads journal entry exports, customer lines only.
func (p *Parser) parseNAVJournal(t *table, entityID string) ([]recon.TransactionRecord, int) {
	dateCol := t.pick("posting date")
	typeCol := t.pick("account type")
	amtCol := t.pick("amount")
	descCol := t.pick("description", "document no.")
	acctCol := t.pick("account no.", "account no")

	var out []recon.TransactionRecord
	var skipped int
	for i, row := range t.rows {
		if !strings.EqualFold(t.cell(row, typeCol), "customer") {
			continue
		}
		day, ok := ParseDate(t.cell(row, dateCol))
		if !ok {
			skipped++
			continue
		}
		amount, ok := ParseAmount(t.cell(row, amtCol))
		if !ok {
			skipped++
			continue
		}
		if amount == 0 {
			continue
		}

		typ := recon.TxCharge
		if amount < 0 {
			typ = recon.TxRefund
		}
		out = append(out, recon.TransactionRecord{
			Source:      recon.SourceSPI,
			EntityID:    entityID,
			Processor:   MapMerchant(t.cell(row, acctCol)),
			Date:        day,
			Amount:      amount,
			Type:        typ,
			ExternalRef: fmt.Sprintf("nav_%d", i),
			Description: t.cell(row, descCol),
		})
	}
	return out, skipped
}

// parseGenericSPI handles SPI extracts with a type column, mapping
// ledger categories to transaction types.
func (p *Parser) parseGenericSPI(t *table, entityID string) ([]recon.TransactionRecord, int) {
	dateCol := t.pick("date", "transaction_date", "posting_date", "created_at")
	amtCol := t.pick("amount", "net", "total", "payment_amount")
	typeCol := t.pick("type", "transaction_type", "category", "action")
	merchCol := t.pick("merchant", "vendor", "processor", "gateway")
	idCol := t.pick("id", "transaction_id", "txn_id", "reference_id")
	descCol := t.pick("description", "memo", "notes", "reference")

	if dateCol < 0 || amtCol < 0 {
		return nil, 0
	}

	var out []recon.TransactionRecord
	var skipped int
	for i, row := range t.rows {
		day, ok := ParseDate(t.cell(row, dateCol))
		if !ok {
			skipped++
			continue
		}
		amount, ok := ParseAmount(t.cell(row, amtCol))
		if !ok {
			skipped++
			continue
		}
		if amount == 0 {
			continue
		}

		typ := typeBySign(t.cell(row, typeCol), amount)
		if typ == recon.TxRefund && amount > 0 {
			amount = -amount
		}

		ref := t.cell(row, idCol)
		if ref == "" {
			ref = fmt.Sprintf("spi_%d", i)
		}
		out = append(out, recon.TransactionRecord{
			Source:      recon.SourceSPI,
			EntityID:    entityID,
			Processor:   MapMerchant(t.cell(row, merchCol)),
			Date:        day,
			Amount:      amount,
			Type:        typ,
			ExternalRef: ref,
			Description: t.cell(row, descCol),
		})
	}
	return out, skipped
}

// MapMerchant normalizes an SPI merchant/account label to the canonical
// processor key used by the processor-side folders.
func MapMerchant(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(t, "paypal"):
		return "paypal"
	case strings.Contains(t, "stripe"):
		return "stripe"
	case strings.Contains(t, "braintree"):
		return "braintree"
	case strings.Contains(t, "chesapeak"):
		return "nmi_chesapeake"
	case strings.Contains(t, "cliq"):
		return "nmi_cliq"
	case strings.Contains(t, "esquire"):
		return "nmi_esquire"
	case strings.Contains(t, "nmi"):
		return "nmi"
	case t == "":
		return "unknown"
	}
	return strings.ReplaceAll(t, " ", "_")
}

// dedupe drops repeated external refs when DedupeRefs is set.
func (p *Parser) dedupe(records []recon.TransactionRecord) []recon.TransactionRecord {
	if !p.DedupeRefs {
		return records
	}
	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, r := range records {
		key := string(r.Source) + "|" + r.Processor + "|" + r.ExternalRef
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
