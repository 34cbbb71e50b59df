package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerUntilNextRun(t *testing.T) {
	ts := newTestServer(t)
	s := NewScheduler(ts.orch, ts.cfg, testLoggerQuiet())

	// 01:00 ET with a 02:30 run time waits 90 minutes.
	s.now = func() time.Time {
		return time.Date(2025, time.November, 4, 1, 0, 0, 0, s.loc)
	}
	assert.Equal(t, 90*time.Minute, s.untilNextRun())

	// Past today's run time rolls to tomorrow.
	s.now = func() time.Time {
		return time.Date(2025, time.November, 4, 3, 0, 0, 0, s.loc)
	}
	assert.Equal(t, 23*time.Hour+30*time.Minute, s.untilNextRun())
}

func TestSchedulerRunCycle_WalksLookbackWindow(t *testing.T) {
	ts := newTestServer(t)
	ts.seedDay(t, "100.00") // files for 2025-11-03 only

	settings := ts.orch.Settings()
	settings.LookbackBusinessDays = 2
	require.NoError(t, ts.orch.UpdateSettings(context.Background(), settings))

	s := NewScheduler(ts.orch, ts.cfg, testLoggerQuiet())
	// Tuesday Nov 4: the 2-day window is Mon Nov 3 and Tue Nov 4.
	s.now = func() time.Time {
		return time.Date(2025, time.November, 4, 2, 30, 0, 0, s.loc)
	}
	s.runCycle()

	for _, day := range []string{"2025-11-03", "2025-11-04"} {
		rec, err := ts.store.GetRun(context.Background(), "acme", "daily", day)
		require.NoError(t, err)
		require.NotNil(t, rec, day)
		assert.Equal(t, "completed", rec.Status, day)
	}

	// A second cycle skips everything through run idempotency.
	first, err := ts.store.GetRun(context.Background(), "acme", "daily", "2025-11-03")
	require.NoError(t, err)
	s.runCycle()
	second, err := ts.store.GetRun(context.Background(), "acme", "daily", "2025-11-03")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
