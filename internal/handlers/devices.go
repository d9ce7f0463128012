package handlers

import (
	"context"
	"net/http"

	"worktrack-collector/internal/models"
)

type deviceLister interface {
	List(ctx context.Context) ([]models.Device, error)
}

type DeviceHandler struct {
	devices deviceLister
}

func NewDeviceHandler(devices deviceLister) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list devices", r))
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}

	online := 0
	for _, d := range devices {
		if d.IsOnline {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
		"online":  online,
	})
}
