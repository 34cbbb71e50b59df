/*
aggregate.go - Per-day aggregation of normalized records

PURPOSE:
  Rolls normalized TransactionRecords into per-(entity, processor, day)
  DailyTotals for each side, then pairs SPI and processor totals into a
  DailyStatus with target gross and exact integer variance.

TARGET GROSS:
  SPI side:       charges + refunds + refund failures
  Processor side: charges + refunds, plus fees when the processor reports
                  fees separately (FeesNetted=false). Processors that net
                  fees before reporting already carry them inside amounts.

DATA PRESENCE:
  Whether a side "was present" comes from the ingestion result, never from
  amounts: a day with a delivered file full of zero activity is present,
  a day whose file never landed is not.

SEE ALSO:
  - classify.go: consumes the DailyStatus produced here
  - ingest/normalize.go: produces the TransactionRecords consumed here
*/
package recon

import "time"

// AggregateConfig controls target-gross computation.
type AggregateConfig struct {
	// FeesNetted marks processors that net fees out of reported amounts.
	// For those, fee rows are informational and excluded from target gross.
	FeesNetted map[string]bool
}

// feeInTarget reports whether fee rows contribute to the processor target.
func (c AggregateConfig) feeInTarget(processor string) bool {
	return !c.FeesNetted[processor]
}

// totalsKey identifies one side's rollup bucket.
type totalsKey struct {
	entityID  string
	processor string
	date      string
	source    Source
}

// Aggregate rolls records into DailyTotals keyed by (entity, processor,
// day, source). Records are not filtered; callers pass the full set for
// the days under reconciliation.
func Aggregate(records []TransactionRecord) map[string]*DailyTotals {
	out := make(map[string]*DailyTotals)
	for _, rec := range records {
		day := Day(rec.Date)
		key := totalsKey{rec.EntityID, rec.Processor, day.Format("2006-01-02"), rec.Source}
		id := key.entityID + "|" + key.processor + "|" + key.date + "|" + string(key.source)

		t, ok := out[id]
		if !ok {
			t = &DailyTotals{
				EntityID:  rec.EntityID,
				Processor: rec.Processor,
				Date:      day,
				Source:    rec.Source,
			}
			out[id] = t
		}

		switch rec.Type {
		case TxCharge:
			t.ChargeGross += rec.Amount
			t.ChargeCount++
		case TxRefund:
			t.RefundGross += rec.Amount
			t.RefundCount++
		case TxRefundFailure:
			t.RefundFailureGross += rec.Amount
			t.RefundFailureCount++
		case TxFee:
			t.FeeAmount += rec.Amount
			t.FeeCount++
		case TxDispute:
			t.DisputeGross += rec.Amount
			t.DisputeCount++
		case TxAdjustment:
			t.AdjustmentGross += rec.Amount
			t.AdjustmentCount++
		}
	}
	return out
}

// TotalsFor extracts one side's rollup for a (entity, processor, day) from
// an Aggregate result, or nil when no records landed in that bucket.
func TotalsFor(totals map[string]*DailyTotals, entityID, processor string, date time.Time, source Source) *DailyTotals {
	id := entityID + "|" + processor + "|" + Day(date).Format("2006-01-02") + "|" + string(source)
	return totals[id]
}

// SPITarget computes the SPI-side target gross from a rollup.
func SPITarget(t *DailyTotals) Cents {
	if t == nil {
		return 0
	}
	return t.ChargeGross + t.RefundGross + t.RefundFailureGross
}

// ProcTarget computes the processor-side target gross from a rollup.
func ProcTarget(t *DailyTotals, cfg AggregateConfig, processor string) Cents {
	if t == nil {
		return 0
	}
	target := t.ChargeGross + t.RefundGross
	if cfg.feeInTarget(processor) {
		target += t.FeeAmount
	}
	return target
}

// BuildDailyStatus pairs SPI and processor rollups for one day into an
// unclassified DailyStatus. Either side may be nil (no records); the
// presence flags must come from ingestion, not from the rollups.
func BuildDailyStatus(entityID, processor string, date time.Time,
	spi, proc *DailyTotals, spiPresent, procPresent bool, cfg AggregateConfig) *DailyStatus {

	ds := &DailyStatus{
		EntityID:        entityID,
		Processor:       processor,
		Date:            Day(date),
		SPIDataPresent:  spiPresent,
		ProcDataPresent: procPresent,
		ComputedAt:      time.Now().UTC(),
	}

	if spi != nil {
		ds.SPIChargeGross = spi.ChargeGross
		ds.SPIRefundGross = spi.RefundGross
		ds.SPIRefundFailureGross = spi.RefundFailureGross
		ds.SPIChargeCount = spi.ChargeCount
		ds.SPIRefundCount = spi.RefundCount
	}
	if proc != nil {
		ds.ProcChargeGross = proc.ChargeGross
		ds.ProcRefundGross = proc.RefundGross
		ds.ProcFeeAmount = proc.FeeAmount
		ds.ProcChargeCount = proc.ChargeCount
		ds.ProcRefundCount = proc.RefundCount
	}

	ds.SPITargetGross = SPITarget(spi)
	ds.ProcTargetGross = ProcTarget(proc, cfg, processor)
	ds.VarianceAmount = ds.SPITargetGross - ds.ProcTargetGross
	ds.VariancePct = variancePct(ds.VarianceAmount, ds.SPITargetGross, ds.ProcTargetGross)

	return ds
}

// BuildAggregateStatus builds the synthetic TOTAL row comparing all SPI
// activity for the day against the sum of every processor's target.
func BuildAggregateStatus(entityID string, date time.Time, statuses []*DailyStatus) *DailyStatus {
	agg := &DailyStatus{
		EntityID:   entityID,
		Processor:  ProcessorTotal,
		Date:       Day(date),
		ComputedAt: time.Now().UTC(),
	}

	for _, ds := range statuses {
		if ds.Processor == ProcessorTotal {
			continue
		}
		agg.SPIChargeGross += ds.SPIChargeGross
		agg.SPIRefundGross += ds.SPIRefundGross
		agg.SPIRefundFailureGross += ds.SPIRefundFailureGross
		agg.SPITargetGross += ds.SPITargetGross
		agg.SPIChargeCount += ds.SPIChargeCount
		agg.SPIRefundCount += ds.SPIRefundCount
		agg.ProcChargeGross += ds.ProcChargeGross
		agg.ProcRefundGross += ds.ProcRefundGross
		agg.ProcFeeAmount += ds.ProcFeeAmount
		agg.ProcTargetGross += ds.ProcTargetGross
		agg.ProcChargeCount += ds.ProcChargeCount
		agg.ProcRefundCount += ds.ProcRefundCount
		agg.SPIDataPresent = agg.SPIDataPresent || ds.SPIDataPresent
		agg.ProcDataPresent = agg.ProcDataPresent || ds.ProcDataPresent
	}

	agg.VarianceAmount = agg.SPITargetGross - agg.ProcTargetGross
	agg.VariancePct = variancePct(agg.VarianceAmount, agg.SPITargetGross, agg.ProcTargetGross)
	return agg
}

// variancePct computes the variance as a percentage of the larger side.
// The denominator is clamped to one dollar so zero-activity days never
// divide by zero.
func variancePct(variance, spiTarget, procTarget Cents) float64 {
	denom := spiTarget.Abs()
	if procTarget.Abs() > denom {
		denom = procTarget.Abs()
	}
	if denom < 100 {
		denom = 100
	}
	return float64(variance) / float64(denom) * 100
}
