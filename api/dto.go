/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes exchanged with clients. Amounts cross this boundary as
  dollar floats; everything inside the engine stays in integer cents.

SEE ALSO:
  - handlers.go: builds these from domain types
*/
package api

import (
	"time"

	"github.com/yomali/recon-engine/recon"
	"github.com/yomali/recon-engine/store/sqlite"
)

// ErrorResponse is the standard error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// RunDailyRequest triggers one day's reconciliation. DateStr defaults
// to today in Eastern time when empty.
type RunDailyRequest struct {
	EntityID string `json:"entity_id"`
	DateStr  string `json:"date_str"`
	Force    bool   `json:"force"`
	Save     *bool  `json:"save"` // nil or true runs for real; false previews
}

// RunSuperRequest triggers a month-end aggregation.
type RunSuperRequest struct {
	Entity string `json:"entity"`
	Period string `json:"period"` // YYYY-MM
	Force  bool   `json:"force"`
}

// UpdateExceptionRequest is the operator PATCH body. Nil fields are
// left untouched.
type UpdateExceptionRequest struct {
	ResolutionStatus *string `json:"resolution_status"`
	Notes            *string `json:"notes"`
	ResolvedBy       *string `json:"resolved_by"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// DailyStatusDTO is one (processor, day) reconciliation row.
type DailyStatusDTO struct {
	EntityID  string `json:"entity_id"`
	Processor string `json:"processor"`
	Date      string `json:"date"`

	SPITargetGross  float64 `json:"spi_target_gross"`
	ProcTargetGross float64 `json:"proc_target_gross"`
	VarianceAmount  float64 `json:"variance_amount"`
	VariancePct     float64 `json:"variance_pct"`

	Status        string   `json:"status"`
	TopReasonCode string   `json:"top_reason_code"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`

	SPIDataPresent  bool `json:"spi_data_present"`
	ProcDataPresent bool `json:"proc_data_present"`
}

// ExceptionDTO is one exception row with its resolution workflow state.
type ExceptionDTO struct {
	ID               string  `json:"id"`
	EntityID         string  `json:"entity_id"`
	Date             string  `json:"date"`
	Period           string  `json:"period"`
	Processor        string  `json:"processor"`
	ReasonCode       string  `json:"reason_code"`
	Direction        string  `json:"direction"`
	Amount           float64 `json:"amount"`
	ItemCount        int     `json:"item_count"`
	ResolutionStatus string  `json:"resolution_status"`
	ResolvedBy       string  `json:"resolved_by,omitempty"`
	ResolvedAt       string  `json:"resolved_at,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// RunDTO summarizes one run record.
type RunDTO struct {
	ID            string `json:"id"`
	EntityID      string `json:"entity_id"`
	Kind          string `json:"kind"`
	TargetDate    string `json:"target_date,omitempty"`
	Period        string `json:"period,omitempty"`
	Status        string `json:"status"`
	DownloadToken string `json:"download_token,omitempty"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toDailyStatusDTO(ds *recon.DailyStatus) DailyStatusDTO {
	codes := make([]string, len(ds.ReasonCodes))
	for i, rc := range ds.ReasonCodes {
		codes[i] = string(rc)
	}
	return DailyStatusDTO{
		EntityID:        ds.EntityID,
		Processor:       ds.Processor,
		Date:            ds.DateKey(),
		SPITargetGross:  ds.SPITargetGross.Dollars(),
		ProcTargetGross: ds.ProcTargetGross.Dollars(),
		VarianceAmount:  ds.VarianceAmount.Dollars(),
		VariancePct:     ds.VariancePct,
		Status:          string(ds.Status),
		TopReasonCode:   string(ds.TopReasonCode),
		ReasonCodes:     codes,
		SPIDataPresent:  ds.SPIDataPresent,
		ProcDataPresent: ds.ProcDataPresent,
	}
}

func toExceptionDTO(exc *recon.Exception) ExceptionDTO {
	dto := ExceptionDTO{
		ID:               exc.ID,
		EntityID:         exc.EntityID,
		Date:             exc.Date.Format("2006-01-02"),
		Period:           exc.Period,
		Processor:        exc.Processor,
		ReasonCode:       string(exc.ReasonCode),
		Direction:        string(exc.Direction),
		Amount:           exc.Amount.Dollars(),
		ItemCount:        exc.ItemCount,
		ResolutionStatus: string(exc.ResolutionStatus),
		ResolvedBy:       exc.ResolvedBy,
		Notes:            exc.Notes,
		CreatedAt:        exc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        exc.UpdatedAt.Format(time.RFC3339),
	}
	if exc.ResolvedAt != nil {
		dto.ResolvedAt = exc.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

func toRunDTO(r *sqlite.RunRecord) RunDTO {
	dto := RunDTO{
		ID:            r.ID,
		EntityID:      r.EntityID,
		Kind:          r.Kind,
		TargetDate:    r.TargetDate,
		Period:        r.Period,
		Status:        r.Status,
		DownloadToken: r.DownloadToken,
		Error:         r.Error,
	}
	if r.StartedAt != nil {
		dto.StartedAt = r.StartedAt.Format(time.RFC3339)
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
