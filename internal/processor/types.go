package processor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
)

// Extraction methods reported in a run summary
const (
	MethodOCR    = "ocr"
	MethodAI     = "ai"
	MethodHybrid = "hybrid"
)

// Item sources
const (
	SourceOCR = "ocr"
	SourceAI  = "ai"
)

// Region is a user-drawn rectangle in page image pixel space
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Page   int `json:"page"`
}

// SourceLocation encodes the region the way extracted rows reference it
func (r Region) SourceLocation() string {
	return fmt.Sprintf("Page %d (%d,%d)", r.Page, r.X, r.Y)
}

// ParseRegion reads "x,y,width,height" as used by the CLI and the HTTP API
func ParseRegion(s string, page int) (*Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("region must be x,y,width,height, got %q", s)
	}

	var v [4]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid region value %q: %w", part, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("region values must not be negative, got %d", n)
		}
		v[i] = n
	}

	if v[2] == 0 || v[3] == 0 {
		return nil, fmt.Errorf("region width and height must be positive")
	}

	return &Region{X: v[0], Y: v[1], Width: v[2], Height: v[3], Page: page}, nil
}

// PageImageRef identifies a rasterized drawing page.
// Data wins over Path, Path over URL; with none set the page is fetched from
// the drawings service by DrawingID and Page.
type PageImageRef struct {
	DrawingID string `json:"drawingId,omitempty"`
	Page      int    `json:"page"`
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"-"`
	MimeType  string `json:"mimeType,omitempty"`
}

// ExtractRequest is the input of Pipeline.ExtractRegionOrPage
type ExtractRequest struct {
	JobID              string
	Page               PageImageRef
	Region             *Region
	DivisionContext    *divisions.Division
	AvailableDivisions []divisions.Division
	Sheet              SheetMetadata
	// AnalyzeRequirements adds the requirements pass and combined insights
	AnalyzeRequirements bool
}

// ProcurementData carries the purchasing details a vision model reports
type ProcurementData struct {
	Quantity      string `json:"quantity,omitempty"`
	Unit          string `json:"unit,omitempty"`
	Specification string `json:"specification,omitempty"`
	Size          string `json:"size,omitempty"`
	Manufacturer  string `json:"manufacturer,omitempty"`
	Model         string `json:"model,omitempty"`
}

// ResultItem is one final extracted item
type ResultItem struct {
	ItemName        string             `json:"itemName"`
	Category        string             `json:"category,omitempty"`
	Division        divisions.Division `json:"csiDivision"`
	DrawingLocation string             `json:"drawingLocation"`
	Location        BoundingBox        `json:"location"`
	Quantity        string             `json:"quantity,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Specifications  string             `json:"specifications,omitempty"`
	Procurement     *ProcurementData   `json:"procurementData,omitempty"`
	Confidence      float64            `json:"confidence"`
	CalloutID       string             `json:"calloutId"`
	Source          string             `json:"source"`
}

// RunSummary aggregates one extraction run. Counts are taken after dedupe.
type RunSummary struct {
	Method             string            `json:"method"`
	OCRItemCount       int               `json:"ocrItemCount"`
	AIItemCount        int               `json:"aiItemCount"`
	CostSavingsPercent int               `json:"costSavingsPercent"`
	Confidence         float64           `json:"confidence"`
	AIInvoked          bool              `json:"aiInvoked"`
	EscalationReason   string            `json:"escalationReason,omitempty"`
	ModelUsed          string            `json:"modelUsed,omitempty"`
	ProcessingTime     time.Duration     `json:"processingTime"`
	Insights           *CombinedInsights `json:"insights,omitempty"`
}

// ExtractionRunResult is the output of Pipeline.ExtractRegionOrPage
type ExtractionRunResult struct {
	Items        []ResultItem        `json:"items"`
	Summary      RunSummary          `json:"summary"`
	FullText     string              `json:"fullText"`
	Escalation   EscalationDecision  `json:"escalation"`
	Region       *Region             `json:"region,omitempty"`
	Requirements *RequirementsResult `json:"requirements,omitempty"`
}

// CharacterCount is the combined length of the extracted item names
func (r *ExtractionRunResult) CharacterCount() int {
	n := 0
	for _, item := range r.Items {
		n += len([]rune(item.ItemName))
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
