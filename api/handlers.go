/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the run
  orchestrator and store.

ENDPOINTS:
  GET    /health                 Liveness probe
  GET    /status                 Per-entity last-run summary + settings
  POST   /run/daily              Run/re-run one day for one entity
  POST   /run/super              Aggregate a month for one entity
  GET    /download/last          Fetch last generated report for an entity
  GET    /download/{token}       Fetch a report by download token
  GET    /exceptions             List/filter exceptions
  GET    /exceptions/stats       Exception counts and open amount
  GET    /exceptions/{id}        Fetch one exception
  PATCH  /exceptions/{id}        Operator update (resolution/notes)
  DELETE /exceptions/{id}        Remove an exception row
  DELETE /exceptions             Bulk clear (confirm=true, entity_id?)
  PATCH  /settings               Update engine settings

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, missing daily runs in a super period
  - 404: Unknown exception id or download token
  - 409: A run for the same (entity, date) is already executing
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - run/orchestrator.go: the run pipeline behind /run/*
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/yomali/recon-engine/config"
	"github.com/yomali/recon-engine/recon"
	"github.com/yomali/recon-engine/run"
	"github.com/yomali/recon-engine/store/sqlite"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store *sqlite.Store
	Orch  *run.Orchestrator
	Cfg   *config.Config
	Log   logrus.FieldLogger

	// et resolves "today" for runs triggered without a date.
	et *time.Location
}

// NewHandler creates a new handler around the orchestrator and store.
func NewHandler(st *sqlite.Store, orch *run.Orchestrator, cfg *config.Config, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		et = time.UTC
	}
	return &Handler{Store: st, Orch: orch, Cfg: cfg, Log: log, et: et}
}

// =============================================================================
// HEALTH / STATUS
// =============================================================================

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Status returns engine settings plus each entity's recent runs.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := h.Orch.Settings()

	entities := make(map[string]any, len(h.Cfg.Entities))
	for id, entity := range h.Cfg.Entities {
		var lastDTO *RunDTO
		last, err := h.Store.LatestCompletedRun(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read runs", err)
			return
		}
		if last != nil {
			dto := toRunDTO(last)
			lastDTO = &dto
		}
		runs, err := h.Store.ListRuns(ctx, id, 10)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read runs", err)
			return
		}
		dtos := make([]RunDTO, len(runs))
		for i := range runs {
			dtos[i] = toRunDTO(&runs[i])
		}
		entities[id] = map[string]any{
			"name":        entity.Name,
			"last_run":    lastDTO,
			"recent_runs": dtos,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"settings": settings,
		"entities": entities,
	})
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// RunDaily triggers one day's reconciliation. Parameters come from the
// JSON body or, for curl convenience, query parameters.
func (h *Handler) RunDaily(w http.ResponseWriter, r *http.Request) {
	var req RunDailyRequest
	decodeBody(r, &req)
	if v := r.URL.Query().Get("entity_id"); v != "" {
		req.EntityID = v
	}
	if v := r.URL.Query().Get("date_str"); v != "" {
		req.DateStr = v
	}
	if r.URL.Query().Get("force") == "true" {
		req.Force = true
	}
	if r.URL.Query().Get("save") == "false" {
		f := false
		req.Save = &f
	}

	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required", nil)
		return
	}
	day := time.Now().In(h.et)
	if req.DateStr != "" {
		parsed, err := time.Parse("2006-01-02", req.DateStr)
		if err != nil {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid date: %s (expected YYYY-MM-DD)", req.DateStr), err)
			return
		}
		day = parsed
	}

	// save=false previews the day: full pipeline, nothing persisted.
	if req.Save != nil && !*req.Save {
		res, err := h.Orch.PreviewDaily(r.Context(), req.EntityID, day)
		if err != nil {
			writeDomainError(w, "Daily preview failed", err)
			return
		}
		statuses := make([]DailyStatusDTO, len(res.Statuses))
		for i, ds := range res.Statuses {
			statuses[i] = toDailyStatusDTO(ds)
		}
		exceptions := make([]ExceptionDTO, len(res.Exceptions))
		for i := range res.Exceptions {
			exceptions[i] = toExceptionDTO(&res.Exceptions[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"summary":    res.Summary,
			"statuses":   statuses,
			"exceptions": exceptions,
		})
		return
	}

	rec, err := h.Orch.RunDaily(r.Context(), req.EntityID, day, req.Force)
	if err != nil {
		writeDomainError(w, "Daily run failed", err)
		return
	}
	writeRunResponse(w, rec)
}

// RunSuper triggers a month-end aggregation over completed daily runs.
func (h *Handler) RunSuper(w http.ResponseWriter, r *http.Request) {
	var req RunSuperRequest
	decodeBody(r, &req)
	if v := r.URL.Query().Get("entity"); v != "" {
		req.Entity = v
	}
	if v := r.URL.Query().Get("period"); v != "" {
		req.Period = v
	}
	if r.URL.Query().Get("force") == "true" {
		req.Force = true
	}

	if req.Entity == "" || req.Period == "" {
		writeError(w, http.StatusBadRequest, "entity and period are required", nil)
		return
	}

	rec, err := h.Orch.RunSuper(r.Context(), req.Entity, req.Period, req.Force)
	if err != nil {
		writeDomainError(w, "Super run failed", err)
		return
	}
	writeRunResponse(w, rec)
}

func writeRunResponse(w http.ResponseWriter, rec *sqlite.RunRecord) {
	resp := map[string]any{"run": toRunDTO(rec)}
	if rec.SummaryJSON != "" {
		resp["summary"] = json.RawMessage(rec.SummaryJSON)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DOWNLOAD HANDLERS
// =============================================================================

// DownloadLast streams the most recent completed report for an entity.
func (h *Handler) DownloadLast(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity")
	if entityID == "" {
		writeError(w, http.StatusBadRequest, "entity is required", nil)
		return
	}

	rec, err := h.Store.LatestCompletedRun(r.Context(), entityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read runs", err)
		return
	}
	if rec == nil || rec.ReportPath == "" {
		writeError(w, http.StatusNotFound, "No completed run for entity", nil)
		return
	}
	h.serveReport(w, r, rec.ReportPath)
}

// DownloadByToken streams the report a specific run produced.
func (h *Handler) DownloadByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	rec, err := h.Store.GetRunByToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read runs", err)
		return
	}
	if rec == nil || rec.ReportPath == "" {
		writeError(w, http.StatusNotFound, "Unknown token", nil)
		return
	}
	h.serveReport(w, r, rec.ReportPath)
}

func (h *Handler) serveReport(w http.ResponseWriter, r *http.Request, path string) {
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "Report file no longer exists", err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename=%q`, filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// =============================================================================
// EXCEPTION HANDLERS
// =============================================================================

// ListExceptions lists exceptions with optional filters.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sqlite.ExceptionFilter{
		EntityID:         q.Get("entity_id"),
		Period:           q.Get("period"),
		Date:             q.Get("date"),
		Processor:        q.Get("processor"),
		ReasonCode:       q.Get("reason_code"),
		ResolutionStatus: q.Get("resolution_status"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	excs, err := h.Store.ListExceptions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list exceptions", err)
		return
	}

	dtos := make([]ExceptionDTO, len(excs))
	for i := range excs {
		dtos[i] = toExceptionDTO(&excs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": dtos, "count": len(dtos)})
}

// ExceptionStats returns counts by reason/resolution and the open amount.
func (h *Handler) ExceptionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GetExceptionStats(r.Context(),
		r.URL.Query().Get("entity_id"), r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         stats.Total,
		"open":          stats.Open,
		"by_reason":     stats.ByReason,
		"by_resolution": stats.ByResolution,
		"open_amount":   recon.Cents(stats.OpenAmountCents).Dollars(),
	})
}

// GetException fetches one exception by derived id.
func (h *Handler) GetException(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exc, err := h.Store.GetException(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get exception", err)
		return
	}
	if exc == nil {
		writeError(w, http.StatusNotFound, "Exception not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionDTO(exc))
}

// UpdateException applies an operator edit. Resolution transitions go
// through the lifecycle rules; illegal jumps are rejected.
func (h *Handler) UpdateException(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	exc, err := h.Store.GetException(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get exception", err)
		return
	}
	if exc == nil {
		writeError(w, http.StatusNotFound, "Exception not found", nil)
		return
	}

	now := time.Now().UTC()
	if req.ResolutionStatus != nil {
		next := recon.ResolutionStatus(*req.ResolutionStatus)
		if !next.Valid() {
			writeError(w, http.StatusBadRequest,
				"Invalid resolution_status: "+*req.ResolutionStatus, nil)
			return
		}
		if !exc.ResolutionStatus.CanTransition(next) {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("Cannot transition %s -> %s", exc.ResolutionStatus, next), nil)
			return
		}
		if exc.ResolutionStatus != next {
			exc.ResolutionStatus = next
			if next.Terminal() {
				exc.ResolvedAt = &now
			} else {
				exc.ResolvedAt = nil
				exc.ResolvedBy = ""
			}
		}
	}
	if req.Notes != nil {
		exc.Notes = *req.Notes
	}
	if req.ResolvedBy != nil {
		exc.ResolvedBy = *req.ResolvedBy
	}
	exc.UpdatedAt = now

	if err := h.Store.SaveException(r.Context(), *exc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update exception", err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionDTO(exc))
}

// DeleteException removes an exception row. The next rerun of the same
// day re-creates it if the variance persists.
func (h *Handler) DeleteException(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Store.DeleteException(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete exception", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// DeleteExceptions bulk-clears the exception queue, optionally scoped
// to one entity. Requires confirm=true so a stray DELETE cannot wipe
// operator state.
func (h *Handler) DeleteExceptions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "Confirmation required",
			&recon.ValidationError{Field: "confirm", Message: "pass confirm=true to bulk-clear exceptions"})
		return
	}
	entityID := r.URL.Query().Get("entity_id")

	n, err := h.Store.DeleteExceptions(r.Context(), entityID)
	if err != nil {
		writeDomainError(w, "Failed to delete exceptions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_count": n})
}

// =============================================================================
// SETTINGS HANDLER
// =============================================================================

// UpdateSettings applies a partial settings change. The body overlays
// the current settings, so clients send only the fields they change.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings := h.Orch.Settings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Orch.UpdateSettings(r.Context(), settings); err != nil {
		writeDomainError(w, "Failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// decodeBody tolerates an empty body; callers validate required fields.
func decodeBody(r *http.Request, dst any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine error kinds to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case recon.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case recon.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case recon.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
