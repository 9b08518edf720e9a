/**
 * OCR Types - Shared data structures for the text-recognition pass
 *
 * The recognizer engine reports raw lines; the pass turns them into
 * candidate items that the escalation policy and merger consume.
 */

package processor

import (
	"fmt"
	"time"
)

// BoundingBox represents coordinates of a region in image pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Offset shifts the box by the origin of the region it was measured in
func (b BoundingBox) Offset(dx, dy int) BoundingBox {
	return BoundingBox{X: b.X + dx, Y: b.Y + dy, Width: b.Width, Height: b.Height}
}

// RecognizedLine is one text line as reported by the recognizer engine
type RecognizedLine struct {
	Text       string
	Confidence float64 // 0..1
	Box        BoundingBox
	HasBox     bool
}

// RawRecognition is the engine output before segmentation
type RawRecognition struct {
	Text           string
	Lines          []RecognizedLine
	MeanConfidence float64 // 0..1, engine-reported
	Engine         string
}

// CandidateItem is one item proposed by the text-recognition pass
type CandidateItem struct {
	ItemName            string      `json:"itemName"`
	Category            string      `json:"category"`
	Quantity            string      `json:"quantity,omitempty"`
	Specification       string      `json:"specification,omitempty"`
	Confidence          float64     `json:"confidence"`
	NeedsAIVerification bool        `json:"needsAIVerification"`
	ApproxLocation      BoundingBox `json:"approxLocation"`
	Line                int         `json:"line"`
}

// OCRResult represents the result of the text-recognition pass
type OCRResult struct {
	Items          []CandidateItem
	FullText       string
	TextConfidence float64
	Engine         string
	Duration       time.Duration
	// Unavailable is set when the engine could not run; the result is empty
	Unavailable bool
}

// VerificationSubset returns the items flagged for AI verification
func (r *OCRResult) VerificationSubset() []CandidateItem {
	var out []CandidateItem
	for _, item := range r.Items {
		if item.NeedsAIVerification {
			out = append(out, item)
		}
	}
	return out
}

// SheetMetadata describes the drawing sheet a page belongs to
type SheetMetadata struct {
	SheetNumber string `json:"sheetNumber,omitempty"`
	SheetName   string `json:"sheetName,omitempty"`
	Category    string `json:"category,omitempty"`
	Scale       string `json:"scale,omitempty"`
	Discipline  string `json:"discipline,omitempty"`
}

func (s SheetMetadata) String() string {
	return fmt.Sprintf("%s %s", s.SheetNumber, s.SheetName)
}
