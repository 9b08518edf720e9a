package processor

// Extraction quality grades
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// CombinedInsights scores a scan from its item and requirement counts
type CombinedInsights struct {
	TotalDataPoints      int      `json:"totalDataPoints"`
	RequirementsCoverage int      `json:"requirementsCoverage"`
	RecommendedActions   []string `json:"recommendedActions"`
	ExtractionQuality    string   `json:"extractionQuality"`
}

// GenerateInsights grades a run. Coverage is items per requirement as a
// percentage, capped at 100, and zero unless both counts are positive.
func GenerateInsights(itemCount, requirementCount int) CombinedInsights {
	total := itemCount + requirementCount

	coverage := 0
	if itemCount > 0 && requirementCount > 0 {
		coverage = min(100, itemCount*100/requirementCount)
	}

	var quality string
	switch {
	case total >= 15 && coverage >= 70:
		quality = QualityExcellent
	case total >= 10 && coverage >= 50:
		quality = QualityGood
	case total >= 5 && coverage >= 30:
		quality = QualityFair
	default:
		quality = QualityPoor
	}

	actions := []string{}
	if itemCount < 5 {
		actions = append(actions, "Consider manual extraction for items not detected automatically")
	}
	if coverage < 50 {
		actions = append(actions, "Review document for additional specifications and requirements")
	}
	if quality == QualityExcellent {
		actions = append(actions, "Document analysis is comprehensive - consider this a template for similar drawings")
	}

	return CombinedInsights{
		TotalDataPoints:      total,
		RequirementsCoverage: coverage,
		RecommendedActions:   actions,
		ExtractionQuality:    quality,
	}
}
