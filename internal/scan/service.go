/**
 * Scan Service for the Drawing Extraction Worker
 *
 * Runs queued (non-interactive) extractions:
 * 1. Credit pre-check against the estimated cost
 * 2. Hybrid extraction of the page or region
 * 3. Persist items, debit credits when the vision model ran
 * 4. Record job status and publish job events
 */

package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/clients"
	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
)

// Job statuses recorded in extraction_jobs
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Credit operations reported to the billing service
const (
	OperationSmartExtraction = "smart_extraction"
	OperationBulkExtraction  = "bulk_extraction"
)

// CreditService checks and charges AI credits
type CreditService interface {
	Balance(ctx context.Context, userID string) (float64, error)
	DebitForRun(ctx context.Context, userID, operation string, d time.Duration) error
}

// DrawingSource resolves drawing metadata
type DrawingSource interface {
	GetDrawing(ctx context.Context, drawingID string) (*clients.Drawing, error)
}

// ResultStore persists items and job status
type ResultStore interface {
	PersistExtraction(ctx context.Context, meta *storage.ExtractionMeta, items []processor.ResultItem) ([]string, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// EventPublisher receives job lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event string, sessionID string, data map[string]interface{}) error
}

// PageJob is one page (or region) to scan
type PageJob struct {
	JobID          string            `json:"jobId"`
	UserID         string            `json:"userId"`
	DrawingID      string            `json:"drawingId"`
	SessionID      string            `json:"sessionId,omitempty"`
	Page           int               `json:"page"`
	PageURL        string            `json:"pageUrl,omitempty"`
	PageData       []byte            `json:"-"`
	MimeType       string            `json:"mimeType,omitempty"`
	Region         *processor.Region `json:"region,omitempty"`
	DivisionID     int               `json:"divisionId,omitempty"`
	ExtractionType string            `json:"extractionType,omitempty"`
}

// DrawingJob scans every page of a drawing
type DrawingJob struct {
	JobID     string `json:"jobId"`
	UserID    string `json:"userId"`
	DrawingID string `json:"drawingId"`
	SessionID string `json:"sessionId,omitempty"`
}

// PageOutcome is the result of one scanned page
type PageOutcome struct {
	JobID   string                         `json:"jobId"`
	Page    int                            `json:"page"`
	ItemIDs []string                       `json:"itemIds"`
	Result  *processor.ExtractionRunResult `json:"result"`
}

// DrawingOutcome aggregates a bulk scan
type DrawingOutcome struct {
	JobID      string         `json:"jobId"`
	DrawingID  string         `json:"drawingId"`
	Pages      []*PageOutcome `json:"pages"`
	FailedPage []int          `json:"failedPages,omitempty"`
	ItemCount  int            `json:"itemCount"`
}

// Config holds scan service collaborators. Drawings and Events are optional.
type Config struct {
	Extractor   processor.Extractor
	Credits     CreditService
	Drawings    DrawingSource
	Store       ResultStore
	Events      EventPublisher
	Divisions   []divisions.Division
	PurchaseURL string
	// AnalyzeRequirements runs the requirements pass on every scanned page
	AnalyzeRequirements bool
}

// Service runs page and drawing scans. It is safe for concurrent use.
type Service struct {
	extractor   processor.Extractor
	credits     CreditService
	drawings    DrawingSource
	store       ResultStore
	events      EventPublisher
	divisions   []divisions.Division
	purchaseURL string
	logger      *logging.Logger

	analyzeRequirements bool
}

// NewService creates a new scan service
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Credits == nil {
		return nil, fmt.Errorf("credit service is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	available := cfg.Divisions
	if len(available) == 0 {
		available = divisions.Seed()
	}

	return &Service{
		extractor:   cfg.Extractor,
		credits:     cfg.Credits,
		drawings:    cfg.Drawings,
		store:       cfg.Store,
		events:      cfg.Events,
		divisions:   available,
		purchaseURL: cfg.PurchaseURL,
		logger:      logging.NewLogger("ScanService"),

		analyzeRequirements: cfg.AnalyzeRequirements,
	}, nil
}

// ScanPage pre-checks credits, extracts one page and stores the result
func (s *Service) ScanPage(ctx context.Context, job *PageJob) (*PageOutcome, error) {
	if err := validatePageJob(job); err != nil {
		return nil, err
	}

	if err := s.checkCredits(ctx, job.UserID, clients.EstimateCost(1)); err != nil {
		s.fail(ctx, job, err)
		return nil, err
	}

	var sheet processor.SheetMetadata
	if drawing := s.lookupDrawing(ctx, job.DrawingID); drawing != nil {
		sheet = drawing.SheetMetadata(job.Page)
	}

	return s.scanPage(ctx, job, sheet, OperationSmartExtraction)
}

// ScanDrawing scans all pages of a drawing after one aggregate credit check.
// Failed pages are recorded and skipped; the scan fails only if every page fails.
func (s *Service) ScanDrawing(ctx context.Context, job *DrawingJob) (*DrawingOutcome, error) {
	if job == nil || job.DrawingID == "" || job.UserID == "" {
		return nil, apperrors.NewInvalidRequestError("drawing ID and user ID are required")
	}
	if s.drawings == nil {
		return nil, apperrors.NewInvalidRequestError("drawing scans need the drawings service")
	}

	drawing, err := s.drawings.GetDrawing(ctx, job.DrawingID)
	if err != nil {
		return nil, apperrors.NewExternalServiceError("drawings", err).WithJobID(job.JobID)
	}
	if drawing.PageCount <= 0 {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("drawing %s has no pages", job.DrawingID))
	}

	if err := s.checkCredits(ctx, job.UserID, clients.EstimateCost(drawing.PageCount)); err != nil {
		return nil, err
	}

	s.publish(ctx, "scan:started", job.SessionID, map[string]interface{}{
		"jobId":     job.JobID,
		"drawingId": job.DrawingID,
		"pages":     drawing.PageCount,
	})

	outcome := &DrawingOutcome{JobID: job.JobID, DrawingID: job.DrawingID}
	var lastErr error
	for page := 1; page <= drawing.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		pageJob := &PageJob{
			JobID:          fmt.Sprintf("%s-p%d", job.JobID, page),
			UserID:         job.UserID,
			DrawingID:      job.DrawingID,
			SessionID:      job.SessionID,
			Page:           page,
			ExtractionType: storage.ExtractionTypeBulk,
		}

		result, err := s.scanPage(ctx, pageJob, drawing.SheetMetadata(page), OperationBulkExtraction)
		if err != nil {
			s.logger.Warn("Page scan failed", "jobId", job.JobID, "page", page, "error", err)
			outcome.FailedPage = append(outcome.FailedPage, page)
			lastErr = err
			continue
		}

		outcome.Pages = append(outcome.Pages, result)
		outcome.ItemCount += len(result.ItemIDs)
	}

	if len(outcome.Pages) == 0 && lastErr != nil {
		return outcome, lastErr
	}

	s.publish(ctx, "scan:completed", job.SessionID, map[string]interface{}{
		"jobId":       job.JobID,
		"drawingId":   job.DrawingID,
		"itemCount":   outcome.ItemCount,
		"failedPages": outcome.FailedPage,
	})

	return outcome, nil
}

func (s *Service) scanPage(ctx context.Context, job *PageJob, sheet processor.SheetMetadata, operation string) (*PageOutcome, error) {
	log := s.logger.With("jobId", job.JobID)

	s.updateStatus(ctx, &storage.JobUpdate{
		JobID:     job.JobID,
		UserID:    job.UserID,
		DrawingID: job.DrawingID,
		Page:      job.Page,
		Status:    StatusProcessing,
	})

	req := &processor.ExtractRequest{
		JobID: job.JobID,
		Page: processor.PageImageRef{
			DrawingID: job.DrawingID,
			Page:      job.Page,
			URL:       job.PageURL,
			Data:      job.PageData,
			MimeType:  job.MimeType,
		},
		Region:              job.Region,
		AvailableDivisions:  s.divisions,
		Sheet:               sheet,
		AnalyzeRequirements: s.analyzeRequirements,
	}
	if job.DivisionID > 0 {
		if d, ok := divisions.ByID(s.divisions, job.DivisionID); ok {
			req.DivisionContext = &d
		}
	}

	result, err := s.extractor.ExtractRegionOrPage(ctx, req)
	if err != nil {
		s.fail(ctx, job, err)
		return nil, err
	}

	extractionType := job.ExtractionType
	if extractionType == "" {
		extractionType = storage.ExtractionTypeSmart
	}

	ids, err := s.store.PersistExtraction(ctx, &storage.ExtractionMeta{
		JobID:          job.JobID,
		DrawingID:      job.DrawingID,
		UserID:         job.UserID,
		SessionID:      job.SessionID,
		Page:           job.Page,
		ExtractionType: extractionType,
		Summary:        result.Summary,
	}, result.Items)
	if err != nil {
		s.fail(ctx, job, err)
		return nil, err
	}

	// Only the vision model costs credits; a run that stayed on the text pass is free
	if result.Summary.AIInvoked {
		if err := s.credits.DebitForRun(ctx, job.UserID, operation, result.Summary.ProcessingTime); err != nil {
			log.Error("Failed to debit credits", "userId", job.UserID, "error", err)
		}
	}

	s.updateStatus(ctx, &storage.JobUpdate{
		JobID:            job.JobID,
		UserID:           job.UserID,
		DrawingID:        job.DrawingID,
		Page:             job.Page,
		Status:           StatusCompleted,
		Method:           result.Summary.Method,
		Confidence:       result.Summary.Confidence,
		ProcessingTimeMs: result.Summary.ProcessingTime.Milliseconds(),
		ItemCount:        len(ids),
		Metadata:         jobMetadata(result),
	})

	event := map[string]interface{}{
		"jobId":      job.JobID,
		"drawingId":  job.DrawingID,
		"page":       job.Page,
		"itemCount":  len(ids),
		"method":     result.Summary.Method,
		"confidence": result.Summary.Confidence,
	}
	if insights := result.Summary.Insights; insights != nil {
		event["extractionQuality"] = insights.ExtractionQuality
	}
	s.publish(ctx, "page:completed", job.SessionID, event)

	log.Info("Page scan complete",
		"page", job.Page,
		"items", len(ids),
		"method", result.Summary.Method,
		"aiInvoked", result.Summary.AIInvoked)

	return &PageOutcome{JobID: job.JobID, Page: job.Page, ItemIDs: ids, Result: result}, nil
}

// checkCredits fails with InsufficientCredits when the balance cannot cover cost
func (s *Service) checkCredits(ctx context.Context, userID string, cost float64) error {
	balance, err := s.credits.Balance(ctx, userID)
	if err != nil {
		return apperrors.NewExternalServiceError("credits", err)
	}
	if balance <= 0 || balance < cost {
		s.logger.Warn("Insufficient credits", "userId", userID, "balance", balance, "required", cost)
		insufficient := apperrors.NewInsufficientCreditsError(balance, s.purchaseURL)
		insufficient.Details["required"] = cost
		return insufficient
	}
	return nil
}

func (s *Service) lookupDrawing(ctx context.Context, drawingID string) *clients.Drawing {
	if s.drawings == nil || drawingID == "" {
		return nil
	}
	drawing, err := s.drawings.GetDrawing(ctx, drawingID)
	if err != nil {
		// Sheet metadata only sharpens the escalation policy; scan without it
		s.logger.Warn("Drawing metadata unavailable", "drawingId", drawingID, "error", err)
		return nil
	}
	return drawing
}

func (s *Service) fail(ctx context.Context, job *PageJob, err error) {
	s.updateStatus(ctx, &storage.JobUpdate{
		JobID:        job.JobID,
		UserID:       job.UserID,
		DrawingID:    job.DrawingID,
		Page:         job.Page,
		Status:       StatusFailed,
		ErrorCode:    string(apperrors.CodeOf(err)),
		ErrorMessage: err.Error(),
	})
	s.publish(ctx, "page:failed", job.SessionID, map[string]interface{}{
		"jobId":     job.JobID,
		"drawingId": job.DrawingID,
		"page":      job.Page,
		"code":      string(apperrors.CodeOf(err)),
		"error":     err.Error(),
	})
}

func (s *Service) updateStatus(ctx context.Context, update *storage.JobUpdate) {
	// Job bookkeeping must not mask the scan's own outcome
	if err := s.store.UpdateJobStatus(context.WithoutCancel(ctx), update); err != nil {
		s.logger.Warn("Failed to update job status", "jobId", update.JobID, "status", update.Status, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event, sessionID string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), event, sessionID, data); err != nil {
		s.logger.Warn("Failed to publish event", "event", event, "error", err)
	}
}

func validatePageJob(job *PageJob) error {
	if job == nil {
		return apperrors.NewInvalidRequestError("page job is required")
	}
	if job.JobID == "" {
		return apperrors.NewInvalidRequestError("job ID is required")
	}
	if job.UserID == "" || job.DrawingID == "" {
		return apperrors.NewInvalidRequestError("drawing ID and user ID are required")
	}
	if job.Page < 1 {
		return apperrors.NewInvalidRequestError(fmt.Sprintf("page must be >= 1, got %d", job.Page))
	}
	return nil
}

func jobMetadata(result *processor.ExtractionRunResult) map[string]interface{} {
	metadata := map[string]interface{}{
		"escalationReason":   result.Summary.EscalationReason,
		"costSavingsPercent": result.Summary.CostSavingsPercent,
		"modelUsed":          result.Summary.ModelUsed,
	}
	if insights := result.Summary.Insights; insights != nil {
		metadata["insights"] = insights
		metadata["requirementCount"] = result.Requirements.Count()
	}
	return metadata
}
