/*
Package sqlite provides the SQLite-backed persistence layer.

PURPOSE:
  Stores daily reconciliation statuses, exceptions, run records, and the
  mutable engine settings. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  daily_status: one row per (entity, processor, day), fully replaced on
                every rerun - a status is never partially updated
  exceptions:   keyed by the derived exception id so reruns upsert;
                operator workflow fields survive the merge
  runs:         one row per (entity, kind, target), refreshed in place
  settings:     single-row mutable engine settings as JSON

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Serialization of runs themselves
  happens in the run package; the store only guards connection access.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time.

USAGE:
  store, err := sqlite.New("./data/recon.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - recon/types.go: the domain types persisted here
  - run/orchestrator.go: writes statuses, exceptions, and run records
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/yomali/recon-engine/recon"
)

// Store implements persistence for the reconciliation engine.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
/// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Daily reconciliation statuses (replaced whole on every rerun)
	CREATE TABLE IF NOT EXISTS daily_status (
		entity_id TEXT NOT NULL,
		processor TEXT NOT NULL,
		date TEXT NOT NULL,
		spi_charge_gross INTEGER NOT NULL DEFAULT 0,
		spi_refund_gross INTEGER NOT NULL DEFAULT 0,
		spi_refund_failure_gross INTEGER NOT NULL DEFAULT 0,
		spi_target_gross INTEGER NOT NULL DEFAULT 0,
		spi_charge_count INTEGER NOT NULL DEFAULT 0,
		spi_refund_count INTEGER NOT NULL DEFAULT 0,
		proc_charge_gross INTEGER NOT NULL DEFAULT 0,
		proc_refund_gross INTEGER NOT NULL DEFAULT 0,
		proc_fee_amount INTEGER NOT NULL DEFAULT 0,
		proc_target_gross INTEGER NOT NULL DEFAULT 0,
		proc_charge_count INTEGER NOT NULL DEFAULT 0,
		proc_refund_count INTEGER NOT NULL DEFAULT 0,
		variance_amount INTEGER NOT NULL DEFAULT 0,
		variance_pct REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		top_reason_code TEXT NOT NULL,
		reason_codes_json TEXT NOT NULL,
		breakdown_json TEXT NOT NULL,
		spi_present BOOLEAN NOT NULL DEFAULT FALSE,
		proc_present BOOLEAN NOT NULL DEFAULT FALSE,
		computed_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, processor, date)
	);

	CREATE INDEX IF NOT EXISTS idx_daily_status_entity_date
		ON daily_status(entity_id, date);
	CREATE INDEX IF NOT EXISTS idx_daily_status_status
		ON daily_status(status);

	-- Exceptions, keyed by the derived id so reruns upsert
	CREATE TABLE IF NOT EXISTS exceptions (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		date TEXT NOT NULL,
		period TEXT NOT NULL,
		processor TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0,
		item_count INTEGER NOT NULL DEFAULT 0,
		resolution_status TEXT NOT NULL DEFAULT 'needs_review',
		resolved_by TEXT,
		resolved_at TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_entity_period
		ON exceptions(entity_id, period);
	CREATE INDEX IF NOT EXISTS idx_exceptions_entity_date
		ON exceptions(entity_id, date);
	CREATE INDEX IF NOT EXISTS idx_exceptions_resolution
		ON exceptions(resolution_status);
	CREATE INDEX IF NOT EXISTS idx_exceptions_reason
		ON exceptions(reason_code);

	-- Run records: one per (entity, kind, target), refreshed in place
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		run_key TEXT NOT NULL UNIQUE,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		target_date TEXT,
		period TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		report_path TEXT,
		download_token TEXT,
		summary_json TEXT,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_entity_kind
		ON runs(entity_id, kind, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status
		ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_token
		ON runs(download_token) WHERE download_token IS NOT NULL;

	-- Mutable engine settings (single row)
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		settings_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DAILY STATUS STORE
// =============================================================================

// SaveDailyStatuses replaces the stored rows for each (entity, processor,
// day) atomically. Statuses are always computed fresh, never patched.
func (s *Store) SaveDailyStatuses(ctx context.Context, statuses []*recon.DailyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT OR REPLACE INTO daily_status
		(entity_id, processor, date,
		 spi_charge_gross, spi_refund_gross, spi_refund_failure_gross, spi_target_gross,
		 spi_charge_count, spi_refund_count,
		 proc_charge_gross, proc_refund_gross, proc_fee_amount, proc_target_gross,
		 proc_charge_count, proc_refund_count,
		 variance_amount, variance_pct, status, top_reason_code,
		 reason_codes_json, breakdown_json, spi_present, proc_present, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, ds := range statuses {
		reasonsJSON, _ := json.Marshal(ds.ReasonCodes)
		breakdownJSON, _ := json.Marshal(ds.Breakdown)

		_, err := tx.ExecContext(ctx, query,
			ds.EntityID, ds.Processor, ds.DateKey(),
			int64(ds.SPIChargeGross), int64(ds.SPIRefundGross),
			int64(ds.SPIRefundFailureGross), int64(ds.SPITargetGross),
			ds.SPIChargeCount, ds.SPIRefundCount,
			int64(ds.ProcChargeGross), int64(ds.ProcRefundGross),
			int64(ds.ProcFeeAmount), int64(ds.ProcTargetGross),
			ds.ProcChargeCount, ds.ProcRefundCount,
			int64(ds.VarianceAmount), ds.VariancePct,
			string(ds.Status), string(ds.TopReasonCode),
			string(reasonsJSON), string(breakdownJSON),
			ds.SPIDataPresent, ds.ProcDataPresent,
			ds.ComputedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to save daily status: %w", err)
		}
	}

	return tx.Commit()
}

const dailyStatusColumns = `
	entity_id, processor, date,
	spi_charge_gross, spi_refund_gross, spi_refund_failure_gross, spi_target_gross,
	spi_charge_count, spi_refund_count,
	proc_charge_gross, proc_refund_gross, proc_fee_amount, proc_target_gross,
	proc_charge_count, proc_refund_count,
	variance_amount, variance_pct, status, top_reason_code,
	reason_codes_json, breakdown_json, spi_present, proc_present, computed_at`

// GetDailyStatuses returns statuses for an entity in a date range,
// inclusive on both ends, ordered by date then processor.
func (s *Store) GetDailyStatuses(ctx context.Context, entityID string, from, to time.Time) ([]*recon.DailyStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + dailyStatusColumns + `
		FROM daily_status
		WHERE entity_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC, processor ASC
	`
	return s.queryDailyStatuses(ctx, query,
		entityID, recon.Day(from).Format("2006-01-02"), recon.Day(to).Format("2006-01-02"))
}

// GetDailyStatusesForDate returns every processor's status for one day.
func (s *Store) GetDailyStatusesForDate(ctx context.Context, entityID string, day time.Time) ([]*recon.DailyStatus, error) {
	return s.GetDailyStatuses(ctx, entityID, day, day)
}

func (s *Store) queryDailyStatuses(ctx context.Context, query string, args ...any) ([]*recon.DailyStatus, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily statuses: %w", err)
	}
	defer rows.Close()

	var out []*recon.DailyStatus
	for rows.Next() {
		ds, err := scanDailyStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func scanDailyStatus(rows *sql.Rows) (*recon.DailyStatus, error) {
	var (
		ds                       recon.DailyStatus
		dateStr, computedAt      string
		spiCharge, spiRefund     int64
		spiRefundFailure         int64
		spiTarget                int64
		procCharge, procRefund   int64
		procFee, procTarget      int64
		variance                 int64
		status, topReason        string
		reasonsJSON, brkdnJSON   string
	)

	err := rows.Scan(
		&ds.EntityID, &ds.Processor, &dateStr,
		&spiCharge, &spiRefund, &spiRefundFailure, &spiTarget,
		&ds.SPIChargeCount, &ds.SPIRefundCount,
		&procCharge, &procRefund, &procFee, &procTarget,
		&ds.ProcChargeCount, &ds.ProcRefundCount,
		&variance, &ds.VariancePct, &status, &topReason,
		&reasonsJSON, &brkdnJSON, &ds.SPIDataPresent, &ds.ProcDataPresent, &computedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan daily status: %w", err)
	}

	ds.Date, _ = time.Parse("2006-01-02", dateStr)
	ds.SPIChargeGross = recon.Cents(spiCharge)
	ds.SPIRefundGross = recon.Cents(spiRefund)
	ds.SPIRefundFailureGross = recon.Cents(spiRefundFailure)
	ds.SPITargetGross = recon.Cents(spiTarget)
	ds.ProcChargeGross = recon.Cents(procCharge)
	ds.ProcRefundGross = recon.Cents(procRefund)
	ds.ProcFeeAmount = recon.Cents(procFee)
	ds.ProcTargetGross = recon.Cents(procTarget)
	ds.VarianceAmount = recon.Cents(variance)
	ds.Status = recon.Status(status)
	ds.TopReasonCode = recon.ReasonCode(topReason)
	ds.ComputedAt, _ = time.Parse(time.RFC3339, computedAt)
	json.Unmarshal([]byte(reasonsJSON), &ds.ReasonCodes)
	json.Unmarshal([]byte(brkdnJSON), &ds.Breakdown)

	return &ds, nil
}

// =============================================================================
// EXCEPTION STORE
// =============================================================================

// UpsertExceptions merges recomputed exceptions into storage. New ids
// insert as-is; existing ids keep their operator workflow fields and
// refresh the run-owned amounts.
func (s *Store) UpsertExceptions(ctx context.Context, excs []recon.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, exc := range excs {
		existing, err := getExceptionTx(ctx, tx, exc.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			exc = recon.MergeException(*existing, exc)
		}
		if err := saveExceptionTx(ctx, tx, exc); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveException writes one exception row, replacing any existing row
// with the same id. Used for operator updates after the transition has
// been validated.
func (s *Store) SaveException(ctx context.Context, exc recon.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveExceptionTx(ctx, s.db, exc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveExceptionTx(ctx context.Context, db execer, exc recon.Exception) error {
	query := `
		INSERT OR REPLACE INTO exceptions
		(id, entity_id, date, period, processor, reason_code, direction,
		 amount, item_count, resolution_status, resolved_by, resolved_at,
		 notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var resolvedAt *string
	if exc.ResolvedAt != nil {
		t := exc.ResolvedAt.UTC().Format(time.RFC3339)
		resolvedAt = &t
	}

	_, err := db.ExecContext(ctx, query,
		exc.ID, exc.EntityID, exc.Date.Format("2006-01-02"), exc.Period,
		exc.Processor, string(exc.ReasonCode), string(exc.Direction),
		int64(exc.Amount), exc.ItemCount, string(exc.ResolutionStatus),
		nullString(exc.ResolvedBy), resolvedAt, nullString(exc.Notes),
		exc.CreatedAt.UTC().Format(time.RFC3339),
		exc.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save exception: %w", err)
	}
	return nil
}

const exceptionColumns = `
	id, entity_id, date, period, processor, reason_code, direction,
	amount, item_count, resolution_status, resolved_by, resolved_at,
	notes, created_at, updated_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetException retrieves an exception by derived id. Returns nil when
// no row exists.
func (s *Store) GetException(ctx context.Context, id string) (*recon.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getExceptionTx(ctx, s.db, id)
}

func getExceptionTx(ctx context.Context, db querier, id string) (*recon.Exception, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+exceptionColumns+" FROM exceptions WHERE id = ?", id)

	exc, err := scanException(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exc, nil
}

// DeleteException removes an exception row. Deleting a row whose
// underlying variance persists only lasts until the next rerun, which
// re-creates it under the same derived id.
func (s *Store) DeleteException(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM exceptions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete exception: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exception %s: %w", id, recon.ErrNotFound)
	}
	return nil
}

// DeleteExceptions removes all exception rows, optionally scoped to one
// entity. Returns the number of rows removed.
func (s *Store) DeleteExceptions(ctx context.Context, entityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "DELETE FROM exceptions"
	var args []any
	if entityID != "" {
		query += " WHERE entity_id = ?"
		args = append(args, entityID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete exceptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanException(row scannable) (*recon.Exception, error) {
	var (
		exc                          recon.Exception
		dateStr, createdAt, updatedAt string
		reason, direction, status     string
		amount                        int64
		resolvedBy, resolvedAt, notes sql.NullString
	)

	err := row.Scan(
		&exc.ID, &exc.EntityID, &dateStr, &exc.Period, &exc.Processor,
		&reason, &direction, &amount, &exc.ItemCount, &status,
		&resolvedBy, &resolvedAt, &notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exc.Date, _ = time.Parse("2006-01-02", dateStr)
	exc.ReasonCode = recon.ReasonCode(reason)
	exc.Direction = recon.Direction(direction)
	exc.Amount = recon.Cents(amount)
	exc.ResolutionStatus = recon.ResolutionStatus(status)
	exc.ResolvedBy = resolvedBy.String
	exc.Notes = notes.String
	exc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	exc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, resolvedAt.String)
		exc.ResolvedAt = &t
	}

	return &exc, nil
}

// ExceptionFilter narrows ListExceptions. Zero values mean "any".
type ExceptionFilter struct {
	EntityID         string
	Period           string // YYYY-MM
	Date             string // YYYY-MM-DD
	Processor        string
	ReasonCode       string
	ResolutionStatus string
	Limit            int
	Offset           int
}

// ListExceptions returns exceptions matching the filter, newest day
// first, largest absolute amount first within a day.
func (s *Store) ListExceptions(ctx context.Context, f ExceptionFilter) ([]recon.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conds []string
	var args []any
	add := func(cond, val string) {
		if val != "" {
			conds = append(conds, cond)
			args = append(args, val)
		}
	}
	add("entity_id = ?", f.EntityID)
	add("period = ?", f.Period)
	add("date = ?", f.Date)
	add("processor = ?", f.Processor)
	add("reason_code = ?", f.ReasonCode)
	add("resolution_status = ?", f.ResolutionStatus)

	query := "SELECT " + exceptionColumns + " FROM exceptions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date DESC, ABS(amount) DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exceptions: %w", err)
	}
	defer rows.Close()

	var out []recon.Exception
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exc)
	}
	return out, rows.Err()
}

// ExceptionStats summarizes exceptions for the dashboard.
type ExceptionStats struct {
	Total           int
	Open            int
	ByReason        map[string]int
	ByResolution    map[string]int
	OpenAmountCents int64
}

// GetExceptionStats aggregates counts and open amounts, optionally
// scoped to an entity and period.
func (s *Store) GetExceptionStats(ctx context.Context, entityID, period string) (*ExceptionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conds []string
	var args []any
	if entityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, entityID)
	}
	if period != "" {
		conds = append(conds, "period = ?")
		args = append(args, period)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	stats := &ExceptionStats{
		ByReason:     make(map[string]int),
		ByResolution: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT reason_code, resolution_status, amount FROM exceptions"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exception stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason, resolution string
		var amount int64
		if err := rows.Scan(&reason, &resolution, &amount); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByReason[reason]++
		stats.ByResolution[resolution]++
		if !recon.ResolutionStatus(resolution).Terminal() {
			stats.Open++
			stats.OpenAmountCents += amount
		}
	}
	return stats, rows.Err()
}

// =============================================================================
// RUN STORE
// =============================================================================

// RunRecord is one reconciliation run's lifecycle row.
type RunRecord struct {
	ID            string
	EntityID      string
	Kind          string // daily | super
	TargetDate    string // YYYY-MM-DD for daily runs
	Period        string // YYYY-MM for super runs
	Status        string // running | completed | failed
	ReportPath    string
	DownloadToken string
	SummaryJSON   string
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// Key is the natural run identity: reruns of the same target refresh
// the same row.
func (r *RunRecord) Key() string {
	target := r.TargetDate
	if r.Kind == "super" {
		target = r.Period
	}
	return r.EntityID + "|" + r.Kind + "|" + target
}

// SaveRun inserts or refreshes a run record by its natural key.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO runs (id, run_key, entity_id, kind, target_date, period,
			status, report_path, download_token, summary_json, error,
			started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_key) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			report_path = excluded.report_path,
			download_token = excluded.download_token,
			summary_json = excluded.summary_json,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	var startedAt, completedAt *string
	if r.StartedAt != nil {
		t := r.StartedAt.UTC().Format(time.RFC3339)
		startedAt = &t
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &t
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Key(), r.EntityID, r.Kind,
		nullString(r.TargetDate), nullString(r.Period),
		r.Status, nullString(r.ReportPath), nullString(r.DownloadToken),
		nullString(r.SummaryJSON), nullString(r.Error),
		startedAt, completedAt,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `
	id, entity_id, kind, target_date, period, status, report_path,
	download_token, summary_json, error, started_at, completed_at, created_at`

// GetRun retrieves a run by its natural key components. Returns nil
// when the target has never been run.
func (s *Store) GetRun(ctx context.Context, entityID, kind, target string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE run_key = ?",
		entityID+"|"+kind+"|"+target)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRunByToken resolves a download token to its run. Returns nil for
// unknown tokens.
func (s *Store) GetRunByToken(ctx context.Context, token string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE download_token = ?", token)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LatestCompletedRun returns the newest completed run for an entity,
// any kind, or nil when none exists.
func (s *Store) LatestCompletedRun(ctx context.Context, entityID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+` FROM runs
		 WHERE entity_id = ? AND status = 'completed'
		 ORDER BY completed_at DESC LIMIT 1`, entityID)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns runs for an entity, newest first.
func (s *Store) ListRuns(ctx context.Context, entityID string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+` FROM runs
		 WHERE entity_id = ?
		 ORDER BY created_at DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRun(row scannable) (*RunRecord, error) {
	var (
		r                              RunRecord
		targetDate, period, reportPath sql.NullString
		token, summary, errStr         sql.NullString
		startedAt, completedAt         sql.NullString
		createdAt                      string
	)

	err := row.Scan(
		&r.ID, &r.EntityID, &r.Kind, &targetDate, &period, &r.Status,
		&reportPath, &token, &summary, &errStr, &startedAt, &completedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	r.TargetDate = targetDate.String
	r.Period = period.String
	r.ReportPath = reportPath.String
	r.DownloadToken = token.String
	r.SummaryJSON = summary.String
	r.Error = errStr.String
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		r.CompletedAt = &t
	}

	return &r, nil
}

// =============================================================================
// SETTINGS STORE
// =============================================================================

// SaveSettings persists the mutable engine settings as a single JSON
// row. The caller owns the shape; the store only round-trips it.
func (s *Store) SaveSettings(ctx context.Context, settingsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO settings (id, settings_json, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		settingsJSON, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetSettings returns the persisted settings JSON, or "" when none have
// been saved yet.
func (s *Store) GetSettings(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out string
	err := s.db.QueryRowContext(ctx,
		"SELECT settings_json FROM settings WHERE id = 1").Scan(&out)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return out, err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"daily_status", "exceptions", "runs", "settings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
