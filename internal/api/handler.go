package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/drawingextract-worker/internal/capture"
	"github.com/adverant/nexus/drawingextract-worker/internal/clients"
	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/notify"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
)

const maxUploadSize = 50 << 20

var errSessionNotFound = errors.New("session not found")

// ItemStore reads and deletes persisted items
type ItemStore interface {
	DeleteItem(ctx context.Context, itemID string) (*storage.ItemRecord, error)
	ItemsByDrawing(ctx context.Context, drawingID string) ([]*storage.ItemRecord, error)
	SearchItems(ctx context.Context, query, drawingID string, limit int) ([]*storage.ItemMatch, error)
}

// ScanQueue schedules whole-drawing scans
type ScanQueue interface {
	EnqueueDrawingScan(ctx context.Context, job *scan.DrawingJob) (*asynq.TaskInfo, error)
}

// NotificationHistory returns a session's recent notifications
type NotificationHistory interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]notify.Notification, error)
}

// EventPublisher receives item lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event string, sessionID string, data map[string]interface{}) error
}

// DrawingSource resolves sheet metadata for new sessions
type DrawingSource interface {
	GetDrawing(ctx context.Context, drawingID string) (*clients.Drawing, error)
}

// Config holds handler collaborators. Everything but Extractor, Captures
// and Items is optional.
type Config struct {
	Extractor     processor.Extractor
	Captures      *capture.Manager
	Items         ItemStore
	Scans         ScanQueue
	Notifications NotificationHistory
	Events        EventPublisher
	Drawings      DrawingSource
	Divisions     []divisions.Division
	Checks        map[string]func(ctx context.Context) error
	// Stats are reported by /health but never make it fail
	Stats map[string]func(ctx context.Context) (any, error)
}

type Handler struct {
	*Config
	logger *logging.Logger
}

func New(cfg *Config) (*Handler, error) {
	if cfg == nil || cfg.Extractor == nil || cfg.Captures == nil || cfg.Items == nil {
		return nil, errors.New("extractor, capture manager and item store are required")
	}

	if len(cfg.Divisions) == 0 {
		cfg.Divisions = divisions.Seed()
	}

	h := &Handler{
		Config: cfg,
		logger: logging.NewLogger("API"),
	}

	return h, nil
}

// Routes returns the HTTP router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.handleHealth)

	r.Route("/api", h.Attach)

	return r
}

func (h *Handler) Attach(r chi.Router) {
	r.Get("/divisions", h.handleDivisions)
	r.Post("/extract", h.handleExtract)

	r.Post("/sessions", h.handleOpenSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Post("/division", h.handleSelectDivision)
		r.Post("/pointer", h.handlePointer)
		r.Post("/clear", h.handleClearSession)
		r.Get("/render", h.handleRenderSession)
		r.Get("/notifications", h.handleNotifications)
		r.Delete("/", h.handleCloseSession)
	})

	r.Get("/drawings/{id}/items", h.handleDrawingItems)
	r.Post("/drawings/{id}/scan", h.handleScanDrawing)

	r.Get("/items/search", h.handleSearchItems)
	r.Delete("/items/{id}", h.handleDeleteItem)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}

	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	stats := map[string]any{}
	for name, stat := range h.Stats {
		v, err := stat(ctx)
		if err != nil {
			h.logger.Warn("Health stats unavailable", "source", name, "error", err)
			stats[name] = map[string]string{"error": err.Error()}
			continue
		}
		stats[name] = v
	}

	writeJsonStatus(w, status, map[string]any{
		"status":   overall,
		"checks":   checks,
		"stats":    stats,
		"sessions": h.Captures.Count(),
	})
}

func (h *Handler) handleDivisions(w http.ResponseWriter, r *http.Request) {
	writeJson(w, h.Divisions)
}

func writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(v)
}

func writeJsonStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(v)
}

// writeError maps extraction error codes to HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	if extractionErr, ok := apperrors.From(err); ok {
		writeJsonStatus(w, statusFor(extractionErr.Code), extractionErr.ToMap())
		return
	}

	code := http.StatusInternalServerError
	if errors.Is(err, storage.ErrItemNotFound) || errors.Is(err, errSessionNotFound) {
		code = http.StatusNotFound
	}

	writeJsonStatus(w, code, map[string]any{
		"error_code": http.StatusText(code),
		"message":    err.Error(),
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeError(w, apperrors.NewInvalidRequestError(msg))
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrorInvalidRequest, apperrors.ErrorInvalidSelection:
		return http.StatusBadRequest
	case apperrors.ErrorInsufficientCredits:
		return http.StatusPaymentRequired
	case apperrors.ErrorMalformedAIResponse:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorExternalService, apperrors.ErrorRecognitionUnavailable:
		return http.StatusBadGateway
	case apperrors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
