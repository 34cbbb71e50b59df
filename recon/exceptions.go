/*
exceptions.go - Exception derivation and idempotent merge

PURPOSE:
  Turns a classified DailyStatus into Exception rows (one per
  (reason_code, direction) pair with a non-zero attributed amount) and
  merges recomputed exceptions into existing ones without clobbering
  operator state.

MERGE CONTRACT:
  The run may refresh: Amount, ItemCount, UpdatedAt.
  The run must preserve: ResolutionStatus, Notes, ResolvedBy, ResolvedAt.
  Everything else is part of the derived key and cannot differ.

  This is the allow-list merge from the engine design notes: a rerun is a
  pure recomputation of the money, never of the human workflow attached
  to it.

SEE ALSO:
  - classify.go: populates the breakdown buckets consumed here
  - store/sqlite: persists exceptions keyed by the derived id
*/
package recon

import "time"

// exceptionBucket pairs a breakdown bucket with its derived direction.
type exceptionBucket struct {
	reason ReasonCode
	amount Cents
	items  int
	dir    Direction
}

// MaterializeExceptions derives Exception rows for a classified day.
// Green days produce nothing. Each non-zero breakdown bucket becomes one
// exception whose id is stable across reruns.
func MaterializeExceptions(ds *DailyStatus, now time.Time) []Exception {
	if ds.Status == StatusGreen {
		return nil
	}

	buckets := collectBuckets(ds)
	out := make([]Exception, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, Exception{
			ID:               DerivedExceptionID(ds.EntityID, ds.Date, ds.Processor, b.reason, b.dir),
			EntityID:         ds.EntityID,
			Date:             ds.Date,
			Period:           ds.Period(),
			Processor:        ds.Processor,
			ReasonCode:       b.reason,
			Direction:        b.dir,
			Amount:           b.amount,
			ItemCount:        b.items,
			ResolutionStatus: ResolutionNeedsReview,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return out
}

func collectBuckets(ds *DailyStatus) []exceptionBucket {
	vb := ds.Breakdown
	itemCount := ds.SPIChargeCount + ds.SPIRefundCount + ds.ProcChargeCount + ds.ProcRefundCount

	var out []exceptionBucket
	add := func(rc ReasonCode, amount Cents, dir Direction) {
		if amount == 0 {
			return
		}
		items := 1
		if itemCount > 0 {
			items = itemCount
		}
		out = append(out, exceptionBucket{reason: rc, amount: amount, items: items, dir: dir})
	}

	add(ReasonTimingCutoff, vb.TimingCutoff, directionFromSign(vb.TimingCutoff))
	add(ReasonRefundFailure, vb.RefundFailure, DirectionMismatch)
	add(ReasonVoidVsRefund, vb.VoidVsRefund, DirectionMismatch)
	add(ReasonProcessorOnly, vb.ProcessorOnly, DirectionProcessorOnly)
	add(ReasonSPIOnly, vb.SPIOnly, DirectionSPIOnly)
	add(ReasonAdjustmentNoSPI, vb.Adjustments, DirectionProcessorOnly)
	add(ReasonDisputeLifecycle, vb.Disputes, DirectionMismatch)
	add(ReasonFeeVariance, vb.Fees, DirectionMismatch)
	add(ReasonUnexplained, vb.Unexplained, directionFromSign(vb.Unexplained))

	// A day red purely because a source file is missing carries no amount;
	// it still needs a reviewable row.
	if len(out) == 0 && ds.HasReason(ReasonDataMissing) {
		out = append(out, exceptionBucket{reason: ReasonDataMissing, amount: 0, items: 1, dir: DirectionMismatch})
	}
	return out
}

// directionFromSign maps a signed amount to the side holding the excess:
// positive variance means SPI recorded more than the processor.
func directionFromSign(amount Cents) Direction {
	if amount >= 0 {
		return DirectionSPIOnly
	}
	return DirectionProcessorOnly
}

// MergeException folds a recomputed exception into an existing row with
// the same derived id. Operator-owned fields survive; run-owned fields
// are refreshed.
func MergeException(existing, computed Exception) Exception {
	merged := computed
	merged.CreatedAt = existing.CreatedAt
	merged.ResolutionStatus = existing.ResolutionStatus
	merged.Notes = existing.Notes
	merged.ResolvedBy = existing.ResolvedBy
	merged.ResolvedAt = existing.ResolvedAt
	return merged
}
