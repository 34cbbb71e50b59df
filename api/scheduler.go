/*
scheduler.go - Nightly auto-run scheduler

PURPOSE:
  Fires the daily reconciliation automatically at the configured
  Eastern-time wall clock, walking back over the lookback window of
  business days so late-arriving files still get picked up. Days that
  already completed are skipped by run idempotency; manual runs bypass
  the scheduler entirely.

DESIGN:
  - Background goroutine sleeping until the next AutoTimeET in
    America/New_York, re-reading settings each cycle so PATCH /settings
    takes effect without a restart
  - Conflicts (a manual run racing the scheduler) are logged and
    skipped, never retried within the cycle

USAGE:
  s := NewScheduler(orch, cfg, log)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - run/orchestrator.go: RunDaily and BusinessDaysLookback
*/
package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yomali/recon-engine/config"
	"github.com/yomali/recon-engine/recon"
	"github.com/yomali/recon-engine/run"
)

// Scheduler triggers nightly reconciliation runs.
type Scheduler struct {
	Orch *run.Orchestrator
	Cfg  *config.Config
	Log  logrus.FieldLogger

	loc  *time.Location
	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	once bool

	// now is replaceable for deterministic tests.
	now func() time.Time
}

// NewScheduler creates a scheduler. It does not start until Start.
func NewScheduler(orch *run.Orchestrator, cfg *config.Config, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Scheduler{
		Orch: orch,
		Cfg:  cfg,
		Log:  log,
		loc:  loc,
		stop: make(chan struct{}),
		now:  time.Now,
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.once {
		return
	}
	s.once = true

	s.wg.Add(1)
	go s.loop()
	s.Log.WithField("auto_time_et", s.Orch.Settings().AutoTimeET).Info("scheduler started")
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.once {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		wait := s.untilNextRun()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if s.Orch.Settings().AutoEnabled {
				s.runCycle()
			}
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// untilNextRun computes the sleep until the next AutoTimeET wall clock
// in Eastern time. A malformed stored time falls back to an hourly poll.
func (s *Scheduler) untilNextRun() time.Duration {
	hhmm, err := time.Parse("15:04", s.Orch.Settings().AutoTimeET)
	if err != nil {
		return time.Hour
	}
	now := s.now().In(s.loc)
	target := time.Date(now.Year(), now.Month(), now.Day(),
		hhmm.Hour(), hhmm.Minute(), 0, 0, s.loc)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now)
}

// runCycle walks the lookback window for every entity. Completed days
// are skipped by run idempotency inside RunDaily.
func (s *Scheduler) runCycle() {
	settings := s.Orch.Settings()
	today := s.now().In(s.loc)
	days := run.BusinessDaysLookback(today, settings.LookbackBusinessDays)

	var entityIDs []string
	for id := range s.Cfg.Entities {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	for _, entityID := range entityIDs {
		for _, day := range days {
			select {
			case <-s.stop:
				return
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.Cfg.RunTimeout)
			_, err := s.Orch.RunDaily(ctx, entityID, day, false)
			cancel()
			if err != nil {
				if errors.Is(err, recon.ErrRunInProgress) {
					s.Log.WithFields(logrus.Fields{
						"entity": entityID, "date": day.Format("2006-01-02"),
					}).Info("manual run in progress, scheduler skipping day")
					continue
				}
				s.Log.WithError(err).WithFields(logrus.Fields{
					"entity": entityID, "date": day.Format("2006-01-02"),
				}).Error("scheduled run failed")
			}
		}
	}
}
