package processor

import (
	"math"
	"strings"
	"unicode"
)

// DedupeKey normalizes an item name: lowercase with all whitespace removed
func DedupeKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Merge concatenates OCR items before AI items and keeps the first item per
// dedupe key, so a cheap-pass item wins over an AI item with the same name.
// Confidences are clamped on the way through.
func Merge(ocrItems, aiItems []ResultItem) []ResultItem {
	merged := make([]ResultItem, 0, len(ocrItems)+len(aiItems))
	seen := make(map[string]bool, len(ocrItems)+len(aiItems))

	for _, list := range [][]ResultItem{ocrItems, aiItems} {
		for _, item := range list {
			key := DedupeKey(item.ItemName)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			item.Confidence = clamp01(item.Confidence)
			merged = append(merged, item)
		}
	}

	return merged
}

// Summarize computes run metrics over merged items. fallbackConfidence is
// reported when no item survived.
func Summarize(merged []ResultItem, fallbackConfidence float64) RunSummary {
	var ocrCount, aiCount int
	var ocrSum, aiSum float64

	for _, item := range merged {
		if item.Source == SourceAI {
			aiCount++
			aiSum += item.Confidence
		} else {
			ocrCount++
			ocrSum += item.Confidence
		}
	}

	summary := RunSummary{
		OCRItemCount:       ocrCount,
		AIItemCount:        aiCount,
		CostSavingsPercent: costSavingsPercent(ocrCount+aiCount, aiCount),
	}

	switch {
	case aiCount == 0:
		summary.Method = MethodOCR
	case ocrCount == 0:
		summary.Method = MethodAI
	default:
		summary.Method = MethodHybrid
	}

	switch {
	case ocrCount > 0 && aiCount > 0:
		summary.Confidence = (ocrSum/float64(ocrCount) + aiSum/float64(aiCount)) / 2
	case ocrCount > 0:
		summary.Confidence = ocrSum / float64(ocrCount)
	case aiCount > 0:
		summary.Confidence = aiSum / float64(aiCount)
	default:
		summary.Confidence = fallbackConfidence
	}
	summary.Confidence = clamp01(summary.Confidence)

	return summary
}

func costSavingsPercent(total, ai int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(total-ai) / float64(total)))
}
