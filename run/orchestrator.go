/*
orchestrator.go - Run lifecycle for daily and super reconciliations

PURPOSE:
  Drives one reconciliation run end to end: discover source files,
  normalize them, aggregate per day, classify variances, materialize
  exceptions, persist, and render the xlsx report. Owns idempotency
  (completed runs are skipped unless forced) and per-(entity, date)
  serialization so two writers never race on the same day's rows.

RUN KINDS:
  daily - ingest + classify one calendar day for one entity
  super - re-aggregate a month of already-computed daily results;
          never re-runs classification, fails when a business day in
          the period has no completed daily run

SEE ALSO:
  api/server.go    - HTTP surface invoking these runs
  api/scheduler.go - nightly auto-run walking the lookback window
*/
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yomali/recon-engine/config"
	"github.com/yomali/recon-engine/ingest"
	"github.com/yomali/recon-engine/recon"
	"github.com/yomali/recon-engine/report"
	"github.com/yomali/recon-engine/store/sqlite"
)

const (
	KindDaily = "daily"
	KindSuper = "super"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Summary is the machine-readable result stored on a completed run.
type Summary struct {
	EntityID      string   `json:"entity_id"`
	Target        string   `json:"target"`
	Processors    int      `json:"processors"`
	GreenCount    int      `json:"green_count"`
	YellowCount   int      `json:"yellow_count"`
	RedCount      int      `json:"red_count"`
	Exceptions    int      `json:"exceptions"`
	Records       int      `json:"records"`
	FilesRead     int      `json:"files_read"`
	TotalVariance string   `json:"total_variance"`
	ExcludedDays  []string `json:"excluded_days,omitempty"`
	Skipped       bool     `json:"skipped,omitempty"`
}

// Orchestrator coordinates runs for every entity against one store.
type Orchestrator struct {
	cfg    *config.Config
	store  *sqlite.Store
	writer *report.Writer
	log    logrus.FieldLogger

	settingsMu sync.RWMutex
	settings   config.Settings

	// active serializes runs per (entity, target) key.
	activeMu sync.Mutex
	active   map[string]bool

	// now is replaceable for deterministic tests.
	now func() time.Time
}

func New(cfg *config.Config, st *sqlite.Store, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		writer:   report.NewWriter(log),
		log:      log,
		settings: cfg.Settings,
		active:   make(map[string]bool),
		now:      time.Now,
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

// LoadSettings overlays persisted settings on the environment defaults.
// Called once at startup.
func (o *Orchestrator) LoadSettings(ctx context.Context) error {
	raw, err := o.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	s := o.Settings()
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return fmt.Errorf("decode stored settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("stored settings invalid: %w", err)
	}
	o.settingsMu.Lock()
	o.settings = s
	o.settingsMu.Unlock()
	return nil
}

// Settings returns a copy of the current engine settings.
func (o *Orchestrator) Settings() config.Settings {
	o.settingsMu.RLock()
	defer o.settingsMu.RUnlock()
	return o.settings
}

// inputRoot honors a settings override of the environment path.
func (o *Orchestrator) inputRoot() string {
	if root := o.Settings().InputRoot; root != "" {
		return root
	}
	return o.cfg.InputRoot
}

func (o *Orchestrator) outputDir() string {
	if dir := o.Settings().OutputDir; dir != "" {
		return dir
	}
	return o.cfg.OutputDir
}

// UpdateSettings validates, persists, and applies new settings.
func (o *Orchestrator) UpdateSettings(ctx context.Context, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := o.store.SaveSettings(ctx, s.JSON()); err != nil {
		return err
	}
	o.settingsMu.Lock()
	o.settings = s
	o.settingsMu.Unlock()
	o.log.Info("engine settings updated")
	return nil
}

// =============================================================================
// RUN SERIALIZATION
// =============================================================================

func (o *Orchestrator) tryLock(key string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if o.active[key] {
		return false
	}
	o.active[key] = true
	return true
}

func (o *Orchestrator) unlock(key string) {
	o.activeMu.Lock()
	delete(o.active, key)
	o.activeMu.Unlock()
}

// =============================================================================
// DAILY RUN
// =============================================================================

// RunDaily reconciles one calendar day for one entity. A previously
// completed run returns immediately with Skipped set unless force.
func (o *Orchestrator) RunDaily(ctx context.Context, entityID string, date time.Time, force bool) (*sqlite.RunRecord, error) {
	entity, ok := o.cfg.Entity(entityID)
	if !ok {
		return nil, &recon.ValidationError{Field: "entity_id", Message: "unknown entity " + entityID}
	}
	day := recon.Day(date)
	dateKey := day.Format("2006-01-02")

	if !o.tryLock(entityID + "|" + dateKey) {
		return nil, &recon.RunConflictError{EntityID: entityID, Date: day}
	}
	defer o.unlock(entityID + "|" + dateKey)

	if !force {
		existing, err := o.store.GetRun(ctx, entityID, KindDaily, dateKey)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status == StatusCompleted {
			o.log.WithFields(logrus.Fields{"entity": entityID, "date": dateKey}).
				Info("daily run already completed, skipping")
			return markSkipped(existing), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	started := o.now().UTC()
	rec := sqlite.RunRecord{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		Kind:       KindDaily,
		TargetDate: dateKey,
		Status:     StatusRunning,
		StartedAt:  &started,
		CreatedAt:  started,
	}
	if err := o.store.SaveRun(ctx, rec); err != nil {
		return nil, err
	}

	result, err := o.executeDaily(ctx, entity, day)
	if err != nil {
		return nil, o.failRun(ctx, rec, err)
	}

	completed := o.now().UTC()
	rec.Status = StatusCompleted
	rec.ReportPath = result.reportPath
	rec.DownloadToken = uuid.NewString()
	rec.SummaryJSON = result.summaryJSON(entityID, dateKey)
	rec.CompletedAt = &completed
	if err := o.store.SaveRun(ctx, rec); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"entity":     entityID,
		"date":       dateKey,
		"processors": len(result.statuses),
		"exceptions": len(result.exceptions),
	}).Info("daily run completed")
	return &rec, nil
}

// PreviewResult is the outcome of a dry run.
type PreviewResult struct {
	Statuses   []*recon.DailyStatus
	Exceptions []recon.Exception
	Summary    Summary
}

// PreviewDaily reconciles one day without persisting anything: no
// status rows, no exceptions, no run record, no report file. It never
// consumes the completed-run skip, so a preview before a real run has
// no effect on idempotency.
func (o *Orchestrator) PreviewDaily(ctx context.Context, entityID string, date time.Time) (*PreviewResult, error) {
	entity, ok := o.cfg.Entity(entityID)
	if !ok {
		return nil, &recon.ValidationError{Field: "entity_id", Message: "unknown entity " + entityID}
	}
	day := recon.Day(date)
	result := o.computeDaily(entity, day)
	return &PreviewResult{
		Statuses:   result.statuses,
		Exceptions: result.exceptions,
		Summary:    result.summary(entityID, day.Format("2006-01-02")),
	}, nil
}

// dailyResult carries the pipeline output into run completion.
type dailyResult struct {
	statuses   []*recon.DailyStatus
	exceptions []recon.Exception
	files      []string
	excluded   []string
	records    int
	reportPath string
}

func (r *dailyResult) summary(entityID, target string) Summary {
	s := Summary{
		EntityID:  entityID,
		Target:    target,
		Records:   r.records,
		FilesRead: len(r.files),
	}
	var variance recon.Cents
	for _, ds := range r.statuses {
		if ds.Processor == recon.ProcessorTotal {
			continue
		}
		s.Processors++
		variance += ds.VarianceAmount
		switch ds.Status {
		case recon.StatusGreen:
			s.GreenCount++
		case recon.StatusYellow:
			s.YellowCount++
		default:
			s.RedCount++
		}
	}
	s.Exceptions = len(r.exceptions)
	s.TotalVariance = variance.String()
	s.ExcludedDays = r.excluded
	return s
}

func (r *dailyResult) summaryJSON(entityID, target string) string {
	b, _ := json.Marshal(r.summary(entityID, target))
	return string(b)
}

// computeDaily runs the read-only part of the pipeline: ingest,
// aggregate, classify, materialize. Nothing is persisted.
func (o *Orchestrator) computeDaily(entity config.EntityConfig, day time.Time) *dailyResult {
	settings := o.Settings()
	parser := ingest.NewParser(o.log)
	parser.DedupeRefs = settings.DedupeRefs

	records, files, procPresent, spiPresent := o.collectRecords(parser, entity, day)
	totals := recon.Aggregate(records)
	aggCfg := recon.AggregateConfig{FeesNetted: settings.FeesNetted}

	// Every processor seen on either side gets a status row, plus every
	// processor a folder exists for, so an undelivered feed still shows up.
	processors := make(map[string]bool)
	for proc := range procPresent {
		processors[proc] = true
	}
	for _, rec := range records {
		processors[rec.Processor] = true
	}
	var names []string
	for proc := range processors {
		if proc == "" || proc == "unknown" {
			continue
		}
		names = append(names, proc)
	}
	sort.Strings(names)

	classifyCfg := recon.ClassifyConfig{
		ToleranceAbs:      settings.ToleranceAbs(),
		TolerancePct:      settings.TolerancePct,
		SettlementLagDays: settings.SettlementLagDays,
		DateWindowDays:    settings.DateWindowDays,
		Today:             recon.Day(o.now()),
	}

	var statuses []*recon.DailyStatus
	var exceptions []recon.Exception
	for _, proc := range names {
		spi := recon.TotalsFor(totals, entity.ID, proc, day, recon.SourceSPI)
		procTotals := recon.TotalsFor(totals, entity.ID, proc, day, recon.SourceProcessor)
		ds := recon.BuildDailyStatus(entity.ID, proc, day, spi, procTotals,
			spiPresent, procPresent[proc], aggCfg)
		if cerr := recon.Classify(ds, classifyCfg); cerr != nil {
			o.log.WithError(cerr).Warn("classification anomaly")
		}
		statuses = append(statuses, ds)
		exceptions = append(exceptions, recon.MaterializeExceptions(ds, o.now().UTC())...)
	}

	total := recon.BuildAggregateStatus(entity.ID, day, statuses)
	if cerr := recon.Classify(total, classifyCfg); cerr != nil {
		o.log.WithError(cerr).Warn("classification anomaly on aggregate row")
	}
	statuses = append(statuses, total)

	return &dailyResult{
		statuses:   statuses,
		exceptions: exceptions,
		files:      files,
		records:    len(records),
	}
}

func (o *Orchestrator) executeDaily(ctx context.Context, entity config.EntityConfig, day time.Time) (*dailyResult, error) {
	result := o.computeDaily(entity, day)

	if err := o.store.SaveDailyStatuses(ctx, result.statuses); err != nil {
		return nil, err
	}
	if err := o.store.UpsertExceptions(ctx, result.exceptions); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(o.outputDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	result.reportPath = filepath.Join(o.outputDir(), report.DailyReportName(entity.ID, day))
	meta := report.Meta{
		EntityID:   entity.ID,
		EntityName: entity.Name,
		Label:      day.Format("2006-01-02"),
		Files:      result.files,
		Generated:  o.now().UTC(),
	}
	excPtrs := make([]*recon.Exception, len(result.exceptions))
	for i := range result.exceptions {
		excPtrs[i] = &result.exceptions[i]
	}
	if err := o.writer.Write(result.reportPath, result.statuses, excPtrs, meta); err != nil {
		return nil, err
	}
	return result, nil
}

// collectRecords discovers and parses every source file for the day.
// Individual file failures are logged and skipped; a feed that delivered
// nothing at all is reported absent through the presence maps.
func (o *Orchestrator) collectRecords(parser *ingest.Parser, entity config.EntityConfig, day time.Time) (
	records []recon.TransactionRecord, files []string, procPresent map[string]bool, spiPresent bool) {

	procPresent = make(map[string]bool)
	entityRoot := filepath.Join(o.inputRoot(), entity.Name)

	// SPI/ERP side. Daily extracts resolve by exact date; weekly vendor
	// activity files cover a date range and arrive under a flat folder.
	spiRoot := filepath.Join(entityRoot, entity.CRMFolder)
	spiFiles := ingest.FilesForDate(spiRoot, day)
	if len(spiFiles) == 0 {
		spiFiles = ingest.FilesCoveringDate(ingest.ListFiles(spiRoot), day)
	}
	for _, path := range spiFiles {
		recs, err := parser.ParseSPIFile(path, entity.ID)
		if err != nil {
			o.log.WithError(err).WithField("file", path).Warn("skipping spi file")
			continue
		}
		records = append(records, filterDay(recs, day)...)
		files = append(files, relPath(o.inputRoot(), path))
		spiPresent = true
	}

	// Processor side, one folder per processor family.
	for _, folder := range entity.ProcessorFolders {
		root := filepath.Join(entityRoot, folder)
		for _, path := range ingest.FilesForDate(root, day) {
			proc := processorForFile(root, folder, path)
			recs, err := parser.ParseProcessorFile(path, entity.ID, proc)
			if err != nil {
				o.log.WithError(err).WithField("file", path).Warn("skipping processor file")
				continue
			}
			records = append(records, filterDay(recs, day)...)
			files = append(files, relPath(o.inputRoot(), path))
			procPresent[proc] = true
		}
	}
	return records, files, procPresent, spiPresent
}

// filterDay keeps only records dated on the run's target day. Range
// files carry surrounding days that belong to other runs.
func filterDay(records []recon.TransactionRecord, day time.Time) []recon.TransactionRecord {
	out := records[:0]
	for _, rec := range records {
		if recon.Day(rec.Date).Equal(day) {
			out = append(out, rec)
		}
	}
	return out
}

// dateLikeFolder matches the YYYY-MM / DD nesting used for date-organized
// drops, which must not be mistaken for a processor subfolder.
var dateLikeFolder = regexp.MustCompile(`^(\d{4}-\d{2}|\d{1,2})$`)

// processorForFile resolves the processor for a discovered file. A
// non-date subfolder under the processor root (e.g. an NMI gateway
// folder) wins over the root folder name.
func processorForFile(root, folder, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		parts := strings.Split(rel, string(filepath.Separator))
		for _, part := range parts[:len(parts)-1] {
			if !dateLikeFolder.MatchString(part) {
				return ingest.ProcessorFromFolder(part)
			}
		}
	}
	return ingest.ProcessorFromFolder(folder)
}

func relPath(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

// =============================================================================
// SUPER RUN
// =============================================================================

// RunSuper aggregates a month of already-completed daily runs into a
// single report. It never re-runs classification; a business day in the
// period with no completed daily run fails the request.
func (o *Orchestrator) RunSuper(ctx context.Context, entityID, period string, force bool) (*sqlite.RunRecord, error) {
	entity, ok := o.cfg.Entity(entityID)
	if !ok {
		return nil, &recon.ValidationError{Field: "entity", Message: "unknown entity " + entityID}
	}
	first, err := time.Parse("2006-01", period)
	if err != nil {
		return nil, &recon.ValidationError{Field: "period", Message: "expected YYYY-MM"}
	}

	if !o.tryLock(entityID + "|" + period) {
		return nil, &recon.RunConflictError{EntityID: entityID, Date: first}
	}
	defer o.unlock(entityID + "|" + period)

	if !force {
		existing, err := o.store.GetRun(ctx, entityID, KindSuper, period)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status == StatusCompleted {
			return markSkipped(existing), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	started := o.now().UTC()
	rec := sqlite.RunRecord{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Kind:      KindSuper,
		Period:    period,
		Status:    StatusRunning,
		StartedAt: &started,
		CreatedAt: started,
	}
	if err := o.store.SaveRun(ctx, rec); err != nil {
		return nil, err
	}

	result, err := o.executeSuper(ctx, entity, period, first)
	if err != nil {
		return nil, o.failRun(ctx, rec, err)
	}

	completed := o.now().UTC()
	rec.Status = StatusCompleted
	rec.ReportPath = result.reportPath
	rec.DownloadToken = uuid.NewString()
	rec.SummaryJSON = result.summaryJSON(entityID, period)
	rec.CompletedAt = &completed
	if err := o.store.SaveRun(ctx, rec); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{"entity": entityID, "period": period}).
		Info("super run completed")
	return &rec, nil
}

func (o *Orchestrator) executeSuper(ctx context.Context, entity config.EntityConfig, period string, first time.Time) (*dailyResult, error) {
	last := first.AddDate(0, 1, -1)
	today := recon.Day(o.now())
	if last.After(today) {
		last = today
	}

	// Every business day of the period needs a daily run on record
	// before its rows can be trusted in a month-end aggregate. A day
	// whose run failed is excluded from the aggregate rather than
	// sinking the whole super run; a day never attempted fails it.
	var excluded []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		daily, err := o.store.GetRun(ctx, entity.ID, KindDaily, d.Format("2006-01-02"))
		if err != nil {
			return nil, err
		}
		if daily == nil {
			return nil, &recon.MissingDailyRunError{EntityID: entity.ID, Period: period, Date: d}
		}
		if daily.Status != StatusCompleted {
			excluded = append(excluded, d.Format("2006-01-02"))
			o.log.WithFields(logrus.Fields{"entity": entity.ID, "date": d.Format("2006-01-02")}).
				Warn("daily run not completed, excluding day from super run")
		}
	}

	statuses, err := o.store.GetDailyStatuses(ctx, entity.ID, first, last)
	if err != nil {
		return nil, err
	}
	if len(excluded) > 0 {
		skip := make(map[string]bool, len(excluded))
		for _, d := range excluded {
			skip[d] = true
		}
		kept := statuses[:0]
		for _, ds := range statuses {
			if !skip[ds.DateKey()] {
				kept = append(kept, ds)
			}
		}
		statuses = kept
	}
	exceptions, err := o.store.ListExceptions(ctx, sqlite.ExceptionFilter{
		EntityID: entity.ID,
		Period:   period,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(o.outputDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	reportPath := filepath.Join(o.outputDir(), report.SuperReportName(entity.ID, period))
	meta := report.Meta{
		EntityID:     entity.ID,
		EntityName:   entity.Name,
		Label:        period,
		ExcludedDays: excluded,
		Generated:    o.now().UTC(),
	}
	excPtrs := make([]*recon.Exception, len(exceptions))
	for i := range exceptions {
		excPtrs[i] = &exceptions[i]
	}
	if err := o.writer.Write(reportPath, statuses, excPtrs, meta); err != nil {
		return nil, err
	}

	return &dailyResult{
		statuses:   statuses,
		exceptions: exceptions,
		excluded:   excluded,
		reportPath: reportPath,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) failRun(ctx context.Context, rec sqlite.RunRecord, cause error) error {
	completed := o.now().UTC()
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	rec.CompletedAt = &completed
	if saveErr := o.store.SaveRun(ctx, rec); saveErr != nil {
		o.log.WithError(saveErr).Error("could not persist failed run")
	}
	return cause
}

// markSkipped flags an idempotent-skip response without touching the
// stored record.
func markSkipped(rec *sqlite.RunRecord) *sqlite.RunRecord {
	out := *rec
	var s Summary
	if out.SummaryJSON != "" && json.Unmarshal([]byte(out.SummaryJSON), &s) == nil {
		s.Skipped = true
		if b, err := json.Marshal(s); err == nil {
			out.SummaryJSON = string(b)
		}
	}
	return &out
}

// BusinessDaysLookback returns the last n weekdays ending at end,
// oldest first. The scheduler walks this window every night.
func BusinessDaysLookback(end time.Time, n int) []time.Time {
	var days []time.Time
	cur := recon.Day(end)
	for len(days) < n {
		if wd := cur.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, cur)
		}
		cur = cur.AddDate(0, 0, -1)
	}
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	return days
}
