/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All engine error kinds in one place. Collaborating packages (ingest,
  run, api, store) wrap these with additional context and classify them
  for HTTP status mapping.

ERROR CATEGORIES:
  1. Ingest errors - malformed or empty source files (skip file, continue)
  2. Classification errors - impossible numeric state (log, mark day red)
  3. Run errors - conflicts and idempotency
  4. Request errors - not-found and validation

USAGE:
  Wrap with context and test with errors.Is/errors.As:

    if errors.Is(err, recon.ErrRunInProgress) {
        writeError(w, http.StatusConflict, ...)
    }
*/
package recon

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEmptyOrUnrecognizedFormat is returned when a source file yields
	// zero parseable rows. The file is skipped; the batch continues.
	ErrEmptyOrUnrecognizedFormat = errors.New("empty or unrecognized source format")

	// ErrRunInProgress is returned when a run for the same (entity, date)
	// is already executing. The new request is rejected, not queued.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrNotFound is returned for unknown exception ids or entities.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed request parameters.
	ErrValidation = errors.New("validation failed")

	// ErrMissingDailyRun is returned when a super run covers a day that
	// has never been reconciled.
	ErrMissingDailyRun = errors.New("daily run missing for period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IngestError describes a source file that could not be ingested.
type IngestError struct {
	File   string
	Reason string
	Err    error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %s", e.File, e.Reason)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// ClassificationError describes an unexpected numeric state during
// classification, e.g. both sides absent with nonzero variance. The day
// is marked red/unexplained rather than aborting the run.
type ClassificationError struct {
	EntityID  string
	Processor string
	Date      time.Time
	Detail    string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s/%s %s: %s",
		e.EntityID, e.Processor, e.Date.Format("2006-01-02"), e.Detail)
}

// RunConflictError identifies the run that blocked a new request.
type RunConflictError struct {
	EntityID string
	Date     time.Time
}

func (e *RunConflictError) Error() string {
	return fmt.Sprintf("run already in progress for %s on %s",
		e.EntityID, e.Date.Format("2006-01-02"))
}

func (e *RunConflictError) Unwrap() error {
	return ErrRunInProgress
}

// MissingDailyRunError names the first uncovered day of a super run period.
type MissingDailyRunError struct {
	EntityID string
	Period   string
	Date     time.Time
}

func (e *MissingDailyRunError) Error() string {
	return fmt.Sprintf("super run %s for %s: no daily run for %s",
		e.Period, e.EntityID, e.Date.Format("2006-01-02"))
}

func (e *MissingDailyRunError) Unwrap() error {
	return ErrMissingDailyRun
}

// ValidationError carries the offending field for a bad request parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMissingDailyRun)
}

// IsConflict reports whether the error maps to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRunInProgress)
}

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
