package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

func (h *Handler) handleDrawingItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Items.ItemsByDrawing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJson(w, items)
}

func (h *Handler) handleSearchItems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeBadRequest(w, "q is required")
		return
	}

	limit := defaultSearchLimit
	if val := r.URL.Query().Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	matches, err := h.Items.SearchItems(r.Context(), query, r.URL.Query().Get("drawingId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJson(w, matches)
}

// handleDeleteItem removes a saved item and clears the overlay of the
// session that captured it.
func (h *Handler) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeBadRequest(w, "item id must be a UUID")
		return
	}

	rec, err := h.Items.DeleteItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if rec.SessionID != "" {
		h.Captures.Clear(rec.SessionID)
	}

	if h.Events != nil {
		ctx := context.WithoutCancel(r.Context())
		if err := h.Events.Publish(ctx, "item:deleted", rec.SessionID, map[string]interface{}{
			"itemId":    rec.ID,
			"drawingId": rec.DrawingID,
		}); err != nil {
			h.logger.Warn("Failed to publish item deletion", "item_id", rec.ID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
