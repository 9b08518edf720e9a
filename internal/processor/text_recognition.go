package processor

import (
	"context"
	"time"

	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

// LineRecognizer is the low-cost recognizer engine behind the cheap pass
type LineRecognizer interface {
	RecognizeLines(ctx context.Context, image []byte) (*RawRecognition, error)
	Name() string
}

// TextRecognitionPass runs the recognizer and segments its output
type TextRecognitionPass struct {
	engine LineRecognizer
	layout *LayoutAnalyzer
	logger *logging.Logger
}

// NewTextRecognitionPass creates the cheap pass. A nil engine is allowed; every
// call then reports RecognitionUnavailable.
func NewTextRecognitionPass(engine LineRecognizer, logger *logging.Logger) *TextRecognitionPass {
	if logger == nil {
		logger = logging.NewLogger("TextRecognition")
	}
	return &TextRecognitionPass{
		engine: engine,
		layout: NewLayoutAnalyzer(),
		logger: logger,
	}
}

// Recognize runs the cheap pass over an image. The returned result is never nil;
// on error it is empty and marked Unavailable.
func (p *TextRecognitionPass) Recognize(ctx context.Context, image []byte, sheet SheetMetadata) (*OCRResult, error) {
	start := time.Now()

	if p.engine == nil {
		return &OCRResult{Items: []CandidateItem{}, Unavailable: true},
			apperrors.NewRecognitionUnavailableError("none", nil)
	}

	raw, err := p.engine.RecognizeLines(ctx, image)
	if err != nil {
		p.logger.Warn("Recognizer failed", "engine", p.engine.Name(), "error", err)
		return &OCRResult{Items: []CandidateItem{}, Engine: p.engine.Name(), Unavailable: true, Duration: time.Since(start)},
			apperrors.NewRecognitionUnavailableError(p.engine.Name(), err)
	}

	width, height := imageSize(image)
	layout := p.layout.Analyze(raw, width, height)

	result := &OCRResult{
		Items:          layout.Items,
		FullText:       raw.Text,
		TextConfidence: clamp01(raw.MeanConfidence),
		Engine:         raw.Engine,
		Duration:       time.Since(start),
	}

	p.logger.Debug("Cheap pass complete",
		"sheet", sheet.SheetNumber,
		"items", len(result.Items),
		"flagged", len(result.VerificationSubset()),
		"tables", len(layout.TableRegions),
		"text_confidence", result.TextConfidence,
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}
