/*
Package recon provides the core reconciliation engine.

PURPOSE:
  This package contains the domain types and algorithms for multi-source
  settlement reconciliation: normalized transaction records, per-day
  aggregates, traffic-light variance classification, and exception
  materialization. It has no knowledge of HTTP, files, or SQL - those live
  in api/, ingest/, and store/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cents: signed minor-units integer amount (no floating point drift)
  - TransactionRecord: an immutable normalized row from one source
  - DailyTotals: per-(entity, processor, day, side) rollup
  - DailyStatus: the daily reconciliation verdict consumed by the dashboard
  - Exception: a variance bucket with an operator resolution lifecycle

DESIGN PRINCIPLES:
  1. Immutability: records are never mutated, corrections are new records
  2. Precision: amounts are int64 cents; decimal only at parse boundaries
  3. Closed enumerations: ReasonCode/Status/ResolutionStatus are typed
     constants with exhaustive switches, never open strings

SEE ALSO:
  - classify.go: Variance classification rules
  - aggregate.go: DailyTotals and DailyStatus construction
  - exceptions.go: Exception derivation and idempotent merge
*/
package recon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS - signed minor units
// =============================================================================

// Cents is a signed amount in minor currency units.
type Cents int64

// CentsFromDecimal converts a decimal dollar amount to cents, rounding
// half-up at the second decimal place.
func CentsFromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// Decimal returns the amount as decimal dollars.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(c)).Div(decimal.NewFromInt(100))
}

// Dollars returns the amount as a float64 dollar value. Only for display
// and JSON edges; all arithmetic stays in cents.
func (c Cents) Dollars() float64 {
	f, _ := c.Decimal().Float64()
	return f
}

func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// =============================================================================
// SOURCES AND TRANSACTION TYPES
// =============================================================================

// Source identifies which side of the reconciliation a record came from.
type Source string

const (
	SourceSPI       Source = "spi"       // internal ledger / system of record
	SourceProcessor Source = "processor" // external processor feed
)

// TxType is the normalized transaction type across all source formats.
type TxType string

const (
	TxCharge        TxType = "charge"
	TxRefund        TxType = "refund"
	TxRefundFailure TxType = "refund_failure"
	TxFee           TxType = "fee"
	TxAdjustment    TxType = "adjustment"
	TxDispute       TxType = "dispute"
)

// TransactionRecord is one normalized row from a source extract.
// Records are created once per ingestion run and never mutated;
// corrections require a new record with a reversal type.
type TransactionRecord struct {
	Source      Source
	EntityID    string
	Processor   string
	Date        time.Time // UTC midnight
	Amount      Cents     // signed: refunds and fees negative
	Type        TxType
	ExternalRef string
	Description string
}

// =============================================================================
// TRAFFIC-LIGHT STATUS
// =============================================================================

// Status is the traffic-light severity of a day's reconciliation.
type Status string

const (
	StatusGreen  Status = "green"
	StatusYellow Status = "yellow"
	StatusRed    Status = "red"
)

// severity orders statuses for worst-of composition: green < yellow < red.
func (s Status) severity() int {
	switch s {
	case StatusGreen:
		return 0
	case StatusYellow:
		return 1
	case StatusRed:
		return 2
	}
	return 2
}

// Worse returns the more severe of two statuses.
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// =============================================================================
// REASON CODES
// =============================================================================

// ReasonCode explains a reconciliation variance. The set is closed and
// priority-ordered: when several codes apply to a day, the first in
// declaration order becomes top_reason_code.
type ReasonCode string

const (
	ReasonWithinTolerance  ReasonCode = "within_tolerance"
	ReasonTimingCutoff     ReasonCode = "timing_cutoff"
	ReasonPayoutInTransit  ReasonCode = "payout_in_transit"
	ReasonRefundFailure    ReasonCode = "refund_failure"
	ReasonVoidVsRefund     ReasonCode = "void_vs_refund"
	ReasonAuthNotCaptured  ReasonCode = "auth_not_captured"
	ReasonProcessorOnly    ReasonCode = "processor_only"
	ReasonSPIOnly          ReasonCode = "spi_only"
	ReasonAdjustmentNoSPI  ReasonCode = "adjustment_no_spi"
	ReasonDisputeLifecycle ReasonCode = "dispute_lifecycle"
	ReasonFeeVariance      ReasonCode = "fee_variance"
	ReasonDataMissing      ReasonCode = "data_missing"
	ReasonUnexplained      ReasonCode = "unexplained"
)

// reasonPriority lists every reason code in top-reason selection order.
var reasonPriority = []ReasonCode{
	ReasonWithinTolerance,
	ReasonTimingCutoff,
	ReasonPayoutInTransit,
	ReasonRefundFailure,
	ReasonVoidVsRefund,
	ReasonAuthNotCaptured,
	ReasonProcessorOnly,
	ReasonSPIOnly,
	ReasonAdjustmentNoSPI,
	ReasonDisputeLifecycle,
	ReasonFeeVariance,
	ReasonDataMissing,
	ReasonUnexplained,
}

// Priority returns the rank of the reason code (lower wins the top slot).
func (r ReasonCode) Priority() int {
	for i, rc := range reasonPriority {
		if rc == r {
			return i
		}
	}
	return len(reasonPriority)
}

// Valid reports whether r is a member of the closed enumeration.
func (r ReasonCode) Valid() bool {
	return r.Priority() < len(reasonPriority)
}

// TopReason returns the highest-priority code from a non-empty list.
func TopReason(codes []ReasonCode) ReasonCode {
	if len(codes) == 0 {
		return ReasonUnexplained
	}
	top := codes[0]
	for _, rc := range codes[1:] {
		if rc.Priority() < top.Priority() {
			top = rc
		}
	}
	return top
}

// =============================================================================
// DIRECTION
// =============================================================================

// Direction records which side an exception amount sits on.
type Direction string

const (
	DirectionSPIOnly       Direction = "spi_only"
	DirectionProcessorOnly Direction = "processor_only"
	DirectionMismatch      Direction = "mismatch"
)

// =============================================================================
// RESOLUTION LIFECYCLE
// =============================================================================

// ResolutionStatus is the operator-driven lifecycle of an Exception:
//
//	needs_review -> in_progress -> resolved | approved_variance
//
// Runs only ever create exceptions into needs_review; every other
// transition is operator-triggered. Resolved and approved_variance are
// terminal for reporting but an operator may reopen to needs_review.
type ResolutionStatus string

const (
	ResolutionNeedsReview      ResolutionStatus = "needs_review"
	ResolutionInProgress       ResolutionStatus = "in_progress"
	ResolutionResolved         ResolutionStatus = "resolved"
	ResolutionApprovedVariance ResolutionStatus = "approved_variance"
)

// Valid reports whether s is a member of the closed enumeration.
func (s ResolutionStatus) Valid() bool {
	switch s {
	case ResolutionNeedsReview, ResolutionInProgress, ResolutionResolved, ResolutionApprovedVariance:
		return true
	}
	return false
}

// Terminal reports whether the status is excluded from open counts.
func (s ResolutionStatus) Terminal() bool {
	return s == ResolutionResolved || s == ResolutionApprovedVariance
}

// CanTransition reports whether an operator move from s to next is legal.
// Reopening any state back to needs_review is always allowed.
func (s ResolutionStatus) CanTransition(next ResolutionStatus) bool {
	if !next.Valid() {
		return false
	}
	if next == s {
		return true
	}
	if next == ResolutionNeedsReview {
		return true
	}
	switch s {
	case ResolutionNeedsReview:
		return next == ResolutionInProgress
	case ResolutionInProgress:
		return next == ResolutionResolved || next == ResolutionApprovedVariance
	}
	return false
}

// =============================================================================
// DAILY TOTALS - one side's rollup for a (entity, processor, day)
// =============================================================================

// DailyTotals aggregates one source's records for a single day.
type DailyTotals struct {
	EntityID  string
	Processor string
	Date      time.Time
	Source    Source

	ChargeGross        Cents
	RefundGross        Cents // negative
	RefundFailureGross Cents // positive
	FeeAmount          Cents // negative
	DisputeGross       Cents
	AdjustmentGross    Cents

	ChargeCount        int
	RefundCount        int
	RefundFailureCount int
	FeeCount           int
	DisputeCount       int
	AdjustmentCount    int
}

// TotalCount is the number of underlying records in this rollup.
func (t *DailyTotals) TotalCount() int {
	return t.ChargeCount + t.RefundCount + t.RefundFailureCount +
		t.FeeCount + t.DisputeCount + t.AdjustmentCount
}

// =============================================================================
// VARIANCE BREAKDOWN
// =============================================================================

// VarianceBreakdown attributes a day's variance to reason buckets.
// The buckets plus Unexplained sum to the full variance amount.
type VarianceBreakdown struct {
	TimingCutoff  Cents `json:"timing_cutoff"`
	RefundFailure Cents `json:"refund_failure"`
	VoidVsRefund  Cents `json:"void_vs_refund"`
	ProcessorOnly Cents `json:"processor_only"`
	SPIOnly       Cents `json:"spi_only"`
	Adjustments   Cents `json:"adjustments"`
	Disputes      Cents `json:"disputes"`
	Fees          Cents `json:"fees"`
	Unexplained   Cents `json:"unexplained"`
}

// Attributed is the total amount explained by non-unexplained buckets.
func (vb *VarianceBreakdown) Attributed() Cents {
	return vb.TimingCutoff + vb.RefundFailure + vb.VoidVsRefund +
		vb.ProcessorOnly + vb.SPIOnly + vb.Adjustments + vb.Disputes + vb.Fees
}

// AmountFor returns the bucket amount for a reason code, or zero for codes
// without a bucket.
func (vb *VarianceBreakdown) AmountFor(rc ReasonCode) Cents {
	switch rc {
	case ReasonTimingCutoff, ReasonPayoutInTransit:
		return vb.TimingCutoff
	case ReasonRefundFailure:
		return vb.RefundFailure
	case ReasonVoidVsRefund:
		return vb.VoidVsRefund
	case ReasonProcessorOnly:
		return vb.ProcessorOnly
	case ReasonSPIOnly:
		return vb.SPIOnly
	case ReasonAdjustmentNoSPI:
		return vb.Adjustments
	case ReasonDisputeLifecycle:
		return vb.Disputes
	case ReasonFeeVariance:
		return vb.Fees
	case ReasonUnexplained:
		return vb.Unexplained
	}
	return 0
}

// =============================================================================
// DAILY STATUS - the daily reconciliation verdict
// =============================================================================

// DailyStatus is the reconciliation result for one (entity, processor, day).
// It is always computed fresh from the full record set for that day, never
// partially updated.
type DailyStatus struct {
	EntityID  string
	Processor string
	Date      time.Time

	SPIChargeGross        Cents
	SPIRefundGross        Cents
	SPIRefundFailureGross Cents
	SPITargetGross        Cents
	SPIChargeCount        int
	SPIRefundCount        int

	ProcChargeGross Cents
	ProcRefundGross Cents
	ProcFeeAmount   Cents
	ProcTargetGross Cents
	ProcChargeCount int
	ProcRefundCount int

	// VarianceAmount == SPITargetGross - ProcTargetGross, exactly.
	VarianceAmount Cents
	VariancePct    float64

	Status        Status
	TopReasonCode ReasonCode
	ReasonCodes   []ReasonCode
	Breakdown     VarianceBreakdown

	// Data presence distinguishes "source reported zero" from "no source
	// file landed at all". Set from the ingestion result, never inferred
	// from amounts.
	SPIDataPresent  bool
	ProcDataPresent bool

	ComputedAt time.Time
}

// DateKey returns the canonical YYYY-MM-DD key for the day.
func (ds *DailyStatus) DateKey() string {
	return ds.Date.Format("2006-01-02")
}

// Period returns the YYYY-MM period the day belongs to.
func (ds *DailyStatus) Period() string {
	return ds.Date.Format("2006-01")
}

// HasReason reports whether rc was triggered for this day.
func (ds *DailyStatus) HasReason(rc ReasonCode) bool {
	for _, r := range ds.ReasonCodes {
		if r == rc {
			return true
		}
	}
	return false
}

// =============================================================================
// EXCEPTION
// =============================================================================

// Exception is one variance bucket surfaced for operator review.
// Its ID is derived deterministically so reruns upsert instead of
// duplicating; see DerivedExceptionID.
type Exception struct {
	ID        string
	EntityID  string
	Date      time.Time
	Period    string // YYYY-MM
	Processor string

	ReasonCode ReasonCode
	Direction  Direction
	Amount     Cents
	ItemCount  int

	ResolutionStatus ResolutionStatus
	ResolvedBy       string
	ResolvedAt       *time.Time
	Notes            string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DerivedExceptionID builds the stable exception key. Re-running the same
// day for the same variance bucket always produces the same id.
func DerivedExceptionID(entityID string, date time.Time, processor string, rc ReasonCode, dir Direction) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", entityID, date.Format("2006-01-02"), processor, rc, dir)
}

// ProcessorTotal is the synthetic processor name for the per-day aggregate
// row comparing total SPI activity against the sum of all processors.
const ProcessorTotal = "TOTAL"

// Day truncates t to UTC midnight, the canonical day representation.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
