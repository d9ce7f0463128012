package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/quartz"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/ingest"
	"worktrack-collector/internal/models"
)

const maxHeartbeatBytes = 1 << 20

type heartbeatDispatcher interface {
	Dispatch(ctx context.Context, transport string, p models.HeartbeatPayload) (accounting.Result, error)
}

type HeartbeatHandler struct {
	dispatcher heartbeatDispatcher
	clock      quartz.Clock
}

func NewHeartbeatHandler(dispatcher heartbeatDispatcher, clock quartz.Clock) *HeartbeatHandler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &HeartbeatHandler{dispatcher: dispatcher, clock: clock}
}

// Record accepts one heartbeat from an agent. Agents retry on any non 2xx
// answer, so only malformed payloads are refused.
func (h *HeartbeatHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHeartbeatBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), ingest.TransportHTTP, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.HeartbeatAck{
		Status:       "accepted",
		ServerTime:   h.clock.Now().UTC().Format(time.RFC3339),
		LogicalDay:   res.LogicalDay,
		TotalMinutes: res.Total,
		Counted:      res.Counted,
	})
}
