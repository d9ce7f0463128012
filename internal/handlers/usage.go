package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"worktrack-collector/internal/models"
)

type usageService interface {
	DailyTotal(ctx context.Context, deviceID, day string) (models.DeviceUsage, error)
	ResetDailyTotal(ctx context.Context, deviceID, day string) error
}

type reportService interface {
	DailySummary(ctx context.Context, deviceID, startDay, endDay string) (models.DailyReport, error)
	SystemTotals(ctx context.Context, day string) (models.SystemTotals, error)
}

type UsageHandler struct {
	usage   usageService
	reports reportService
}

func NewUsageHandler(usage usageService, reports reportService) *UsageHandler {
	return &UsageHandler{usage: usage, reports: reports}
}

// DeviceUsage returns a device's total for ?day= (default today), including
// minutes not yet flushed to the ledger.
func (h *UsageHandler) DeviceUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.usage.DailyTotal(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("day"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *UsageHandler) DailyReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := h.reports.DailySummary(r.Context(), q.Get("device_id"), q.Get("start"), q.Get("end"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *UsageHandler) SystemReport(w http.ResponseWriter, r *http.Request) {
	totals, err := h.reports.SystemTotals(r.Context(), r.URL.Query().Get("day"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// ResetUsage discards a device's minutes for one day.
func (h *UsageHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	day := chi.URLParam(r, "day")
	if day == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Day is required", r))
		return
	}
	if err := h.usage.ResetDailyTotal(r.Context(), deviceID, day); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Daily total reset",
		"device_id":   deviceID,
		"logical_day": day,
	})
}
