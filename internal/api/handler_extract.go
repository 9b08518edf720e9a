package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// handleExtract runs one synchronous extraction without persisting it.
// The page comes from a multipart "file", a "url", or "drawingId" + "page".
func (h *Handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	page := 1
	if val := r.FormValue("page"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			writeBadRequest(w, fmt.Sprintf("invalid page %q", val))
			return
		}
		page = n
	}

	ref := processor.PageImageRef{
		DrawingID: r.FormValue("drawingId"),
		Page:      page,
		URL:       r.FormValue("url"),
	}

	if file, header, err := r.FormFile("file"); err == nil {
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("failed to read upload: %v", err))
			return
		}
		ref.Data = data
		ref.MimeType = header.Header.Get("Content-Type")
	}

	if ref.Data == nil && ref.URL == "" && ref.DrawingID == "" {
		writeBadRequest(w, "one of file, url or drawingId is required")
		return
	}

	req := &processor.ExtractRequest{
		JobID:              uuid.New().String(),
		Page:               ref,
		AvailableDivisions: h.Divisions,
		Sheet: processor.SheetMetadata{
			SheetNumber: r.FormValue("sheetNumber"),
			SheetName:   r.FormValue("sheetName"),
			Category:    r.FormValue("category"),
			Scale:       r.FormValue("scale"),
			Discipline:  r.FormValue("discipline"),
		},
	}

	if val := r.FormValue("region"); val != "" {
		region, err := processor.ParseRegion(val, page)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		req.Region = region
	}

	if val := r.FormValue("division"); val != "" {
		d, ok := divisions.ParseID(h.Divisions, val)
		if !ok {
			writeBadRequest(w, fmt.Sprintf("unknown division %q", val))
			return
		}
		req.DivisionContext = &d
	}

	result, err := h.Extractor.ExtractRegionOrPage(r.Context(), req)
	if err != nil {
		h.logger.Warn("Extraction failed", "job_id", req.JobID, "error", err)
		writeError(w, err)
		return
	}

	writeJson(w, result)
}
