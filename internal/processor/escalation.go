package processor

import "strings"

// Escalation reasons, in rule order
const (
	ReasonLowTextConfidence     = "low_text_confidence"
	ReasonUnsegmentedText       = "text_without_items"
	ReasonItemsNeedVerification = "items_need_verification"
	ReasonSparseComplexSheet    = "sparse_complex_sheet"
	ReasonRecognitionFailed     = "recognition_unavailable"
	ReasonNone                  = "none"
)

const (
	minTextConfidence     = 0.6
	unsegmentedTextLength = 100
	sparseItemThreshold   = 3
)

// complexSheetTerms are sheet types known to be content-dense
var complexSheetTerms = []string{"detail", "section", "elevation", "schedule", "legend"}

// EscalationDecision is the verdict of ShouldEscalate.
// Full with an empty ItemsToVerify means re-run the whole page under AI.
type EscalationDecision struct {
	Required      bool            `json:"required"`
	Full          bool            `json:"full"`
	Reason        string          `json:"reason"`
	ItemsToVerify []CandidateItem `json:"itemsToVerify"`
}

// ShouldEscalate decides whether the AI vision pass runs. First matching rule wins.
func ShouldEscalate(ocr *OCRResult, sheet SheetMetadata) EscalationDecision {
	if ocr == nil || ocr.Unavailable {
		return fullEscalation(ReasonRecognitionFailed)
	}

	if ocr.TextConfidence < minTextConfidence {
		return fullEscalation(ReasonLowTextConfidence)
	}

	if len(ocr.Items) == 0 && len([]rune(ocr.FullText)) > unsegmentedTextLength {
		return fullEscalation(ReasonUnsegmentedText)
	}

	if subset := ocr.VerificationSubset(); len(subset) > 0 {
		return EscalationDecision{
			Required:      true,
			Reason:        ReasonItemsNeedVerification,
			ItemsToVerify: subset,
		}
	}

	if isComplexSheet(sheet) && len(ocr.Items) < sparseItemThreshold {
		return fullEscalation(ReasonSparseComplexSheet)
	}

	return EscalationDecision{Reason: ReasonNone, ItemsToVerify: []CandidateItem{}}
}

func fullEscalation(reason string) EscalationDecision {
	return EscalationDecision{
		Required:      true,
		Full:          true,
		Reason:        reason,
		ItemsToVerify: []CandidateItem{},
	}
}

func isComplexSheet(sheet SheetMetadata) bool {
	text := strings.ToLower(sheet.SheetName + " " + sheet.Category)
	for _, term := range complexSheetTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
