/*
classify.go - Variance classification rules

PURPOSE:
  Assigns the traffic-light status and ranked reason codes to a
  DailyStatus. Rules run in priority order; the first matching rule wins
  the top_reason_code slot, every matching rule lands in reason_codes, and
  the day's status is the worst status among triggered rules.

RULE ORDER:
  1. within tolerance (exact zero always matches, whatever the config)
  2. one side absent within the settlement lag  -> payout_in_transit/timing
  3. refund-failure / void-vs-refund heuristics
  4. entire amount on one side only             -> spi_only/processor_only
  5. residual explained by fee delta            -> fee_variance
  6. anything left                              -> unexplained

  A side absent beyond the settlement lag is data_missing (red), not a
  timing yellow: the file should have landed by now.

AMOUNT ATTRIBUTION:
  Each matching rule moves part of the variance into its breakdown bucket;
  whatever no rule accounts for ends in Unexplained. Buckets always sum to
  the full variance amount.

SEE ALSO:
  - aggregate.go: builds the unclassified DailyStatus
  - exceptions.go: turns breakdown buckets into Exception rows
*/
package recon

import "time"

// ClassifyConfig carries the tunable thresholds for classification.
// None of these are business constants; they are configuration.
type ClassifyConfig struct {
	ToleranceAbs      Cents   // absolute variance tolerance
	TolerancePct      float64 // percentage variance tolerance
	SettlementLagDays int     // business days a lagging source file is excused
	DateWindowDays    int     // counterpart search window for one-sided amounts
	Today             time.Time
}

// Classify assigns status, reason codes, and the variance breakdown.
// It returns a ClassificationError for impossible numeric states (the day
// is still classified red/unexplained rather than aborting the run).
func Classify(ds *DailyStatus, cfg ClassifyConfig) *ClassificationError {
	ds.ReasonCodes = nil
	ds.Breakdown = VarianceBreakdown{}
	ds.Status = StatusGreen

	// Impossible state: no data on either side yet a nonzero variance.
	if !ds.SPIDataPresent && !ds.ProcDataPresent && ds.VarianceAmount != 0 {
		ds.addReason(ReasonUnexplained, StatusRed)
		ds.Breakdown.Unexplained = ds.VarianceAmount
		ds.TopReasonCode = ReasonUnexplained
		return &ClassificationError{
			EntityID:  ds.EntityID,
			Processor: ds.Processor,
			Date:      ds.Date,
			Detail:    "both sides absent with nonzero variance",
		}
	}

	// Rule 1: within tolerance. Exact zero always matches so zero-activity
	// days never touch the percentage denominator.
	if ds.VarianceAmount == 0 || ds.withinTolerance(cfg) {
		ds.addReason(ReasonWithinTolerance, StatusGreen)
		ds.TopReasonCode = ReasonWithinTolerance
		return nil
	}

	// Rule 2: one side's file has not landed.
	if ds.SPIDataPresent != ds.ProcDataPresent {
		if withinSettlementLag(ds.Date, cfg.Today, cfg.SettlementLagDays) {
			ds.addReason(ReasonPayoutInTransit, StatusYellow)
			ds.addReason(ReasonTimingCutoff, StatusYellow)
			ds.Breakdown.TimingCutoff = ds.VarianceAmount
		} else {
			ds.addReason(ReasonDataMissing, StatusRed)
			if ds.SPIDataPresent {
				ds.addReason(ReasonSPIOnly, StatusRed)
				ds.Breakdown.SPIOnly = ds.VarianceAmount
			} else {
				ds.addReason(ReasonProcessorOnly, StatusRed)
				ds.Breakdown.ProcessorOnly = ds.VarianceAmount
			}
		}
		ds.TopReasonCode = TopReason(ds.ReasonCodes)
		return nil
	}

	residual := ds.VarianceAmount

	// Rule 3a: refund failures recorded on the SPI side only.
	if ds.SPIRefundFailureGross != 0 && (residual-ds.SPIRefundFailureGross).Abs() <= cfg.ToleranceAbs {
		ds.addReason(ReasonRefundFailure, StatusYellow)
		ds.Breakdown.RefundFailure = ds.SPIRefundFailureGross
		residual -= ds.SPIRefundFailureGross
	}

	// Rule 3b: refund-count mismatch whose gross delta explains the gap,
	// the classic void-recorded-as-refund miscoding.
	refundDelta := ds.SPIRefundGross - ds.ProcRefundGross
	if residual != 0 && refundDelta != 0 &&
		ds.SPIRefundCount != ds.ProcRefundCount &&
		(residual-refundDelta).Abs() <= cfg.ToleranceAbs {
		ds.addReason(ReasonVoidVsRefund, StatusYellow)
		ds.Breakdown.VoidVsRefund = refundDelta
		residual -= refundDelta
	}

	// Rule 4: the whole remaining amount lives on one side.
	if residual != 0 {
		switch {
		case ds.ProcTargetGross == 0 && ds.SPITargetGross != 0:
			ds.addReason(ReasonSPIOnly, StatusRed)
			ds.Breakdown.SPIOnly += residual
			residual = 0
		case ds.SPITargetGross == 0 && ds.ProcTargetGross != 0:
			ds.addReason(ReasonProcessorOnly, StatusRed)
			ds.Breakdown.ProcessorOnly += residual
			residual = 0
		}
	}

	// Rule 5: residual tracks the processor's fee amount.
	if residual != 0 && ds.ProcFeeAmount != 0 &&
		(residual+ds.ProcFeeAmount).Abs() <= cfg.ToleranceAbs {
		ds.addReason(ReasonFeeVariance, StatusYellow)
		ds.Breakdown.Fees = residual
		residual = 0
	}

	// Rule 6: unattributed residual.
	if residual != 0 {
		ds.addReason(ReasonUnexplained, StatusRed)
		ds.Breakdown.Unexplained = residual
	}

	ds.TopReasonCode = TopReason(ds.ReasonCodes)
	return nil
}

// withinTolerance applies the configured absolute and percentage bands.
func (ds *DailyStatus) withinTolerance(cfg ClassifyConfig) bool {
	if ds.VarianceAmount.Abs() <= cfg.ToleranceAbs {
		return true
	}
	pct := ds.VariancePct
	if pct < 0 {
		pct = -pct
	}
	return cfg.TolerancePct > 0 && pct <= cfg.TolerancePct
}

// addReason appends a triggered code and folds its status into the day.
func (ds *DailyStatus) addReason(rc ReasonCode, st Status) {
	if !ds.HasReason(rc) {
		ds.ReasonCodes = append(ds.ReasonCodes, rc)
	}
	ds.Status = ds.Status.Worse(st)
}

// withinSettlementLag reports whether day is at most lag business days
// before today. A lagging source file inside this window is expected to
// self-resolve once the file lands.
func withinSettlementLag(day, today time.Time, lag int) bool {
	day = Day(day)
	today = Day(today)
	if !day.Before(today) {
		return true
	}
	bdays := 0
	for cur := day.AddDate(0, 0, 1); !cur.After(today); cur = cur.AddDate(0, 0, 1) {
		if wd := cur.Weekday(); wd != time.Saturday && wd != time.Sunday {
			bdays++
		}
		if bdays > lag {
			return false
		}
	}
	return bdays <= lag
}
