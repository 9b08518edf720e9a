/**
 * Extraction Pipeline for the Drawing Extraction Worker
 *
 * Orchestrates one region or page of a construction drawing:
 * - Cheap text-recognition pass on every request
 * - Escalation policy deciding whether the vision model is needed
 * - AI vision pass only on escalation (full page/region or flagged items)
 * - Merge, dedupe and per-item division classification
 */

package processor

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

// Extractor is the entry point consumed by capture sessions, queue workers and the API
type Extractor interface {
	ExtractRegionOrPage(ctx context.Context, req *ExtractRequest) (*ExtractionRunResult, error)
}

// PipelineConfig holds pipeline collaborators
type PipelineConfig struct {
	// Recognizer is optional; without it every run escalates fully
	Recognizer LineRecognizer
	// Vision is optional; a run that needs escalation fails without it
	Vision *VisionAnalyzer
	// Requirements is optional; requests asking for it skip the pass without it
	Requirements *RequirementsAnalyzer
	Pages        PageFetcher
	MaxImageSize int64
	Logger       *logging.Logger
}

// Pipeline implements Extractor. It holds no per-run state and is safe for
// concurrent use.
type Pipeline struct {
	cheap        *TextRecognitionPass
	vision       *VisionAnalyzer
	requirements *RequirementsAnalyzer
	loader       *pageLoader
	logger       *logging.Logger
	newCalloutID func() string
}

// NewPipeline creates a new extraction pipeline
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Pipeline")
	}

	if cfg.Recognizer == nil {
		logger.Warn("No text recognizer configured; every extraction will escalate to the vision model")
	}
	if cfg.Vision == nil {
		logger.Warn("No vision model configured; extractions that need escalation will fail")
	}

	return &Pipeline{
		cheap:        NewTextRecognitionPass(cfg.Recognizer, logger),
		vision:       cfg.Vision,
		requirements: cfg.Requirements,
		loader:       newPageLoader(cfg.Pages, cfg.MaxImageSize, logger),
		logger:       logger,
		newCalloutID: newCalloutID,
	}, nil
}

// ExtractRegionOrPage runs the hybrid extraction for one page, or for one region
// of it when req.Region is set. Cheap-pass failures downgrade to full escalation;
// vision failures abort the run.
func (p *Pipeline) ExtractRegionOrPage(ctx context.Context, req *ExtractRequest) (*ExtractionRunResult, error) {
	start := time.Now()

	if req == nil {
		return nil, apperrors.NewInvalidRequestError("extract request is required")
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	log := p.logger.With("job_id", jobID)

	// Step 1: Load the page image
	log.Info("Step 1: Loading page image", "drawing_id", req.Page.DrawingID, "page", req.Page.Page)
	data, mimeType, err := p.loader.load(ctx, jobID, req.Page)
	if err != nil {
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("failed to load page image: %v", err)).WithJobID(jobID)
	}

	// Step 2: Scope to the selected region
	scoped, scopedMime := data, mimeType
	scopedRegion := req.Region
	originX, originY := 0, 0
	if r := req.Region; r != nil {
		if r.Width <= 0 || r.Height <= 0 {
			return nil, apperrors.NewInvalidSelectionError(fmt.Sprintf("region %dx%d is empty", r.Width, r.Height)).WithJobID(jobID)
		}
		cropped, rect, err := cropRegion(data, *r)
		if err != nil {
			return nil, apperrors.NewInvalidSelectionError(err.Error()).WithJobID(jobID)
		}
		scoped, scopedMime = cropped, "image/png"
		originX, originY = rect.Min.X, rect.Min.Y
		scopedRegion = &Region{X: originX, Y: originY, Width: rect.Dx(), Height: rect.Dy(), Page: r.Page}
		log.Info("Step 2: Scoped to region", "x", originX, "y", originY, "width", rect.Dx(), "height", rect.Dy())
	}

	// Step 3: Cheap pass. Errors here never abort the run.
	ocr, err := p.cheap.Recognize(ctx, scoped, req.Sheet)
	if err != nil {
		log.Warn("Step 3: Text recognition unavailable, escalating fully", "error", err)
	} else {
		log.Info("Step 3: Text recognition complete",
			"items", len(ocr.Items), "text_confidence", ocr.TextConfidence)
	}

	// Step 4: Escalation policy
	decision := ShouldEscalate(ocr, req.Sheet)
	log.Info("Step 4: Escalation decision",
		"required", decision.Required, "full", decision.Full,
		"reason", decision.Reason, "items_to_verify", len(decision.ItemsToVerify))

	// Step 5: Vision pass on escalation
	var aiItems []ResultItem
	modelUsed := ocr.Engine
	if decision.Required {
		vision, err := p.runVision(ctx, scoped, scopedMime, req, decision, ocr.FullText)
		if err != nil {
			log.Error("Step 5: Vision pass failed", "error", err)
			return nil, withJobID(err, jobID)
		}
		aiItems = vision.Items
		modelUsed = vision.Model
		log.Info("Step 5: Vision pass complete", "items", len(aiItems), "model", vision.Model)
	}

	// Step 6: Classify cheap-pass items, merge and dedupe
	ocrItems := p.classifyCandidates(ocr.Items, req, originX, originY)
	for i := range aiItems {
		aiItems[i].Location = aiItems[i].Location.Offset(originX, originY)
	}

	merged := Merge(ocrItems, aiItems)
	page := req.Page.Page
	if req.Region != nil && req.Region.Page > 0 {
		page = req.Region.Page
	}
	for i := range merged {
		merged[i].CalloutID = p.newCalloutID()
		merged[i].DrawingLocation = fmt.Sprintf("Page %d (%d,%d)", page, merged[i].Location.X, merged[i].Location.Y)
	}

	summary := Summarize(merged, ocr.TextConfidence)
	summary.AIInvoked = decision.Required
	summary.EscalationReason = decision.Reason
	summary.ModelUsed = modelUsed

	// Step 7: Requirements pass and combined insights, when asked for
	var requirements *RequirementsResult
	if req.AnalyzeRequirements {
		requirements = p.runRequirements(ctx, log, scoped, scopedMime, ocr.FullText)
		if requirements != nil {
			summary.AIInvoked = true
		}
		insights := GenerateInsights(len(merged), requirements.Count())
		summary.Insights = &insights
		log.Info("Step 7: Combined insights",
			"requirements", requirements.Count(),
			"coverage", insights.RequirementsCoverage,
			"quality", insights.ExtractionQuality)
	}

	summary.ProcessingTime = time.Since(start)

	log.Info("Extraction complete",
		"method", summary.Method,
		"ocr_items", summary.OCRItemCount,
		"ai_items", summary.AIItemCount,
		"cost_savings_percent", summary.CostSavingsPercent,
		"confidence", summary.Confidence,
		"duration_ms", summary.ProcessingTime.Milliseconds())

	return &ExtractionRunResult{
		Items:        merged,
		Summary:      summary,
		FullText:     ocr.FullText,
		Escalation:   decision,
		Region:       scopedRegion,
		Requirements: requirements,
	}, nil
}

func (p *Pipeline) runVision(ctx context.Context, image []byte, mimeType string, req *ExtractRequest, decision EscalationDecision, ocrText string) (*VisionResult, error) {
	if p.vision == nil {
		return nil, apperrors.NewExternalServiceError("vision", fmt.Errorf("no vision model configured"))
	}

	img, imgMime, err := visionImage(image, mimeType)
	if err != nil {
		return nil, apperrors.NewInvalidRequestError(err.Error())
	}

	return p.vision.Analyze(ctx, &VisionRequest{
		Image:     img,
		MimeType:  imgMime,
		Divisions: req.AvailableDivisions,
		Sheet:     req.Sheet,
		Verify:    decision.ItemsToVerify,
		OCRText:   ocrText,
	})
}

// runRequirements never fails the run: a missing analyzer or a failed call
// yields nil
func (p *Pipeline) runRequirements(ctx context.Context, log *logging.Logger, image []byte, mimeType, ocrText string) *RequirementsResult {
	if p.requirements == nil {
		log.Warn("Step 7: Requirements pass requested but no analyzer configured")
		return nil
	}

	img, imgMime, err := visionImage(image, mimeType)
	if err != nil {
		log.Warn("Step 7: Requirements pass skipped", "error", err)
		return nil
	}

	result, err := p.requirements.Analyze(ctx, img, imgMime, ocrText)
	if err != nil {
		log.Warn("Step 7: Requirements pass failed", "error", err)
		return nil
	}
	return result
}

// classifyCandidates keeps the cheap-pass items that are not under verification
// and assigns each a division, preferring the caller's division context when no
// keyword rule applies
func (p *Pipeline) classifyCandidates(candidates []CandidateItem, req *ExtractRequest, originX, originY int) []ResultItem {
	items := make([]ResultItem, 0, len(candidates))
	for _, c := range candidates {
		if c.NeedsAIVerification {
			continue
		}
		items = append(items, ResultItem{
			ItemName:       c.ItemName,
			Category:       c.Category,
			Division:       divisions.ClassifyWithDefault(c.ItemName, c.Category, req.AvailableDivisions, req.DivisionContext),
			Location:       c.ApproxLocation.Offset(originX, originY),
			Quantity:       c.Quantity,
			Specifications: c.Specification,
			Confidence:     clamp01(c.Confidence),
			Source:         SourceOCR,
		})
	}
	return items
}

func withJobID(err error, jobID string) error {
	var extractionErr *apperrors.ExtractionError
	if stderrors.As(err, &extractionErr) {
		return extractionErr.WithJobID(jobID)
	}
	return err
}

func newCalloutID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}
