package recon_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yomali/recon-engine/recon"
)

func TestMaterializeExceptions_GreenDayProducesNothing(t *testing.T) {
	ds := pairedStatus(10000, 10000)
	require.Nil(t, recon.Classify(ds, defaultConfig()))
	assert.Empty(t, recon.MaterializeExceptions(ds, time.Now()))
}

func TestMaterializeExceptions_OneExceptionPerBucket(t *testing.T) {
	// GIVEN: a day where a refund-count mismatch explains most of the
	//        variance and a 50-cent residual stays unexplained
	spi := &recon.DailyTotals{
		EntityID: "helpgrid", Processor: "stripe", Date: testDay, Source: recon.SourceSPI,
		ChargeGross: 20000, ChargeCount: 3, RefundGross: -3000, RefundCount: 2,
	}
	proc := &recon.DailyTotals{
		EntityID: "helpgrid", Processor: "stripe", Date: testDay, Source: recon.SourceProcessor,
		ChargeGross: 20050, ChargeCount: 3, RefundGross: -500, RefundCount: 1,
	}
	ds := recon.BuildDailyStatus("helpgrid", "stripe", testDay, spi, proc, true, true, recon.AggregateConfig{})
	require.Nil(t, recon.Classify(ds, defaultConfig()))

	// WHEN: exceptions are materialized
	excs := recon.MaterializeExceptions(ds, time.Now())

	// THEN: one exception per bucket, each starting in needs_review
	require.Len(t, excs, 2)
	seen := make(map[string]bool)
	var total recon.Cents
	for _, e := range excs {
		assert.Equal(t, recon.ResolutionNeedsReview, e.ResolutionStatus)
		assert.Equal(t, "helpgrid", e.EntityID)
		assert.Equal(t, "2025-10", e.Period)
		assert.False(t, seen[e.ID], "derived ids must be unique within a day")
		seen[e.ID] = true
		total += e.Amount
	}
	assert.Equal(t, ds.VarianceAmount, total,
		"exception amounts must cover the full variance")
}

func TestMaterializeExceptions_DeterministicIDs(t *testing.T) {
	// GIVEN: the same day classified twice
	build := func() []recon.Exception {
		ds := pairedStatus(10000, 8000)
		require.Nil(t, recon.Classify(ds, defaultConfig()))
		return recon.MaterializeExceptions(ds, time.Now())
	}

	first := build()
	second := build()

	// THEN: identical ids in identical order, regardless of wall clock
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestMaterializeExceptions_MissingFileRowCarriesNoAmount(t *testing.T) {
	// GIVEN: a red day caused purely by a missing processor file where the
	//        SPI side also reported nothing
	ds := recon.BuildDailyStatus("helpgrid", "stripe", testDay, nil, nil, true, false, recon.AggregateConfig{})
	ds.ReasonCodes = []recon.ReasonCode{recon.ReasonDataMissing}
	ds.Status = recon.StatusRed
	ds.TopReasonCode = recon.ReasonDataMissing

	excs := recon.MaterializeExceptions(ds, time.Now())

	require.Len(t, excs, 1)
	assert.Equal(t, recon.ReasonDataMissing, excs[0].ReasonCode)
	assert.Equal(t, recon.Cents(0), excs[0].Amount)
}

func TestDerivedExceptionID_Format(t *testing.T) {
	id := recon.DerivedExceptionID("helpgrid", testDay, "stripe",
		recon.ReasonUnexplained, recon.DirectionSPIOnly)
	assert.Equal(t, "helpgrid:2025-10-15:stripe:unexplained:spi_only", id)
}

func TestMergeException_PreservesOperatorState(t *testing.T) {
	// GIVEN: an existing exception an operator already worked
	resolvedAt := time.Date(2025, time.October, 16, 9, 30, 0, 0, time.UTC)
	existing := recon.Exception{
		ID:               "helpgrid:2025-10-15:stripe:unexplained:spi_only",
		Amount:           2000,
		ItemCount:        4,
		ResolutionStatus: recon.ResolutionResolved,
		ResolvedBy:       "ops@yomali.com",
		ResolvedAt:       &resolvedAt,
		Notes:            "confirmed duplicate capture, reversed",
		CreatedAt:        time.Date(2025, time.October, 15, 3, 0, 0, 0, time.UTC),
	}

	// WHEN: a rerun recomputes the same bucket with fresher numbers
	computed := recon.Exception{
		ID:               existing.ID,
		Amount:           2150,
		ItemCount:        5,
		ResolutionStatus: recon.ResolutionNeedsReview,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	merged := recon.MergeException(existing, computed)

	// THEN: money refreshed, workflow preserved
	assert.Equal(t, recon.Cents(2150), merged.Amount)
	assert.Equal(t, 5, merged.ItemCount)
	assert.Equal(t, recon.ResolutionResolved, merged.ResolutionStatus)
	assert.Equal(t, "ops@yomali.com", merged.ResolvedBy)
	assert.Equal(t, &resolvedAt, merged.ResolvedAt)
	assert.Equal(t, "confirmed duplicate capture, reversed", merged.Notes)
	assert.Equal(t, existing.CreatedAt, merged.CreatedAt)
}

func TestResolutionStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to recon.ResolutionStatus
		ok       bool
	}{
		{recon.ResolutionNeedsReview, recon.ResolutionInProgress, true},
		{recon.ResolutionInProgress, recon.ResolutionResolved, true},
		{recon.ResolutionInProgress, recon.ResolutionApprovedVariance, true},
		{recon.ResolutionNeedsReview, recon.ResolutionResolved, false},
		{recon.ResolutionResolved, recon.ResolutionInProgress, false},
		{recon.ResolutionResolved, recon.ResolutionNeedsReview, true}, // reopen
		{recon.ResolutionApprovedVariance, recon.ResolutionNeedsReview, true},
		{recon.ResolutionInProgress, recon.ResolutionInProgress, true}, // no-op
		{recon.ResolutionNeedsReview, recon.ResolutionStatus("bogus"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestResolutionStatus_Terminal(t *testing.T) {
	assert.False(t, recon.ResolutionNeedsReview.Terminal())
	assert.False(t, recon.ResolutionInProgress.Terminal())
	assert.True(t, recon.ResolutionResolved.Terminal())
	assert.True(t, recon.ResolutionApprovedVariance.Terminal())
}
