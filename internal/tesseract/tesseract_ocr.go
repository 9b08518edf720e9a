/**
 * Tesseract OCR - Cheap pass engine
 *
 * Simple, free, offline OCR using Tesseract.
 * Reports text lines with boxes and confidence for the text-recognition pass.
 * Lives in its own package so callers of the pipeline build without cgo.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// Characters found on construction drawings: tags, dimensions, units, notes
const constructionWhitelist = `ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 .,:;'"-/#@&()[]x=+%~|`

// TesseractOCR handles basic OCR using Tesseract
type TesseractOCR struct {
	language  string
	whitelist string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language string
	// Whitelist overrides the default construction character set; "-" disables it
	Whitelist string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	t := &TesseractOCR{language: "eng", whitelist: constructionWhitelist}
	if cfg == nil {
		return t
	}
	if cfg.Language != "" {
		t.language = cfg.Language
	}
	switch cfg.Whitelist {
	case "":
	case "-":
		t.whitelist = ""
	default:
		t.whitelist = cfg.Whitelist
	}
	return t
}

// Name identifies the engine in results and logs
func (t *TesseractOCR) Name() string {
	return "tesseract"
}

// RecognizeLines runs Tesseract in single-block mode and reports text lines
func (t *TesseractOCR) RecognizeLines(ctx context.Context, image []byte) (*processor.RawRecognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if t.whitelist != "" {
		if err := client.SetWhitelist(t.whitelist); err != nil {
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("failed to read text lines: %w", err)
	}

	return toRawRecognition(text, boxes), nil
}

// toRawRecognition converts textline boxes; the mean confidence is weighted by
// line length so a stray mark does not dominate
func toRawRecognition(text string, boxes []gosseract.BoundingBox) *processor.RawRecognition {
	raw := &processor.RawRecognition{
		Text:   text,
		Engine: "tesseract",
		Lines:  make([]processor.RecognizedLine, 0, len(boxes)),
	}

	var weighted, weight float64
	for _, b := range boxes {
		line := strings.TrimSpace(b.Word)
		if line == "" {
			continue
		}
		conf := b.Confidence / 100
		raw.Lines = append(raw.Lines, processor.RecognizedLine{
			Text:       line,
			Confidence: conf,
			Box: processor.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
			HasBox: true,
		})
		n := float64(len([]rune(line)))
		weighted += conf * n
		weight += n
	}

	if weight > 0 {
		raw.MeanConfidence = weighted / weight
	}
	return raw
}
