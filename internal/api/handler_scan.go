package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
)

type scanRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// handleScanDrawing queues a full-drawing scan and returns 202 with the job id
func (h *Handler) handleScanDrawing(w http.ResponseWriter, r *http.Request) {
	if h.Scans == nil {
		writeJsonStatus(w, http.StatusServiceUnavailable, map[string]any{
			"error_code": "SCAN_QUEUE_UNAVAILABLE",
			"message":    "drawing scans are not enabled",
		})
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	if req.UserID == "" {
		writeBadRequest(w, "userId is required")
		return
	}

	job := &scan.DrawingJob{
		JobID:     uuid.New().String(),
		UserID:    req.UserID,
		DrawingID: chi.URLParam(r, "id"),
		SessionID: req.SessionID,
	}

	info, err := h.Scans.EnqueueDrawingScan(r.Context(), job)
	if err != nil {
		h.logger.Error("Failed to queue drawing scan", "drawing_id", job.DrawingID, "error", err)
		writeError(w, err)
		return
	}

	writeJsonStatus(w, http.StatusAccepted, map[string]any{
		"jobId":     job.JobID,
		"drawingId": job.DrawingID,
		"queue":     info.Queue,
	})
}
