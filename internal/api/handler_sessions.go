package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/adverant/nexus/drawingextract-worker/internal/capture"
)

const defaultNotificationLimit = 20

type openSessionResponse struct {
	SessionID string        `json:"sessionId"`
	State     capture.State `json:"state"`
}

type selectDivisionRequest struct {
	DivisionID int `json:"divisionId"`
}

type pointerRequest struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

type renderResponse struct {
	State    capture.State         `json:"state"`
	Commands []capture.DrawCommand `json:"commands"`
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req capture.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}

	// Title-block metadata fills in whatever the caller left out.
	if h.Drawings != nil && req.DrawingID != "" && req.Sheet.SheetNumber == "" {
		drawing, err := h.Drawings.GetDrawing(r.Context(), req.DrawingID)
		if err != nil {
			h.logger.Warn("Sheet metadata lookup failed", "drawing_id", req.DrawingID, "error", err)
		} else {
			req.Sheet = drawing.SheetMetadata(req.Page)
		}
	}

	machine, err := h.Captures.Open(&req)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	writeJsonStatus(w, http.StatusCreated, openSessionResponse{
		SessionID: machine.Session().ID,
		State:     machine.State(),
	})
}

func (h *Handler) handleSelectDivision(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.session(w, r)
	if !ok {
		return
	}

	var req selectDivisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if _, err := machine.SelectDivision(req.DivisionID); err != nil {
		writeError(w, err)
		return
	}

	writeJson(w, machine.State())
}

// handlePointer feeds one pointer event to the session. Events the machine
// ignores still return 200 with accepted=false.
func (h *Handler) handlePointer(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.session(w, r)
	if !ok {
		return
	}

	var req pointerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	p := capture.Point{X: req.X, Y: req.Y}

	var accepted bool
	switch req.Type {
	case "down":
		accepted = machine.PointerDown(p)
	case "move":
		accepted = machine.PointerMove(p)
	case "up":
		accepted = machine.PointerUp(p)
	default:
		writeBadRequest(w, "pointer type must be down, move or up")
		return
	}

	writeJson(w, map[string]any{
		"accepted": accepted,
		"state":    machine.State(),
	})
}

func (h *Handler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if !h.Captures.Clear(chi.URLParam(r, "id")) {
		writeError(w, errSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRenderSession(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.session(w, r)
	if !ok {
		return
	}

	st := machine.State()
	writeJson(w, renderResponse{State: st, Commands: capture.Render(st)})
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !h.Captures.Close(chi.URLParam(r, "id")) {
		writeError(w, errSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Notifications == nil {
		writeJson(w, []any{})
		return
	}

	limit := defaultNotificationLimit
	if val := r.URL.Query().Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := h.Notifications.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJson(w, items)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*capture.Machine, bool) {
	machine, ok := h.Captures.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, errSessionNotFound)
	}
	return machine, ok
}
