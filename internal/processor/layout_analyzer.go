/**
 * Layout Analyzer for the text-recognition pass
 *
 * Segments recognizer output into candidate items:
 * - One candidate per text line (schedule rows split into cells)
 * - Best-effort category, quantity and specification
 * - Per-item confidence and the needs-verification flag
 *
 * Locations are line-position estimates, not geometric detection.
 */

package processor

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// Items below this confidence are re-verified by the vision pass
	itemVerifyThreshold = 0.75
	// Share of symbol characters above which text is considered garbled
	maxSymbolRatio = 0.3
	minItemLetters = 3

	// Weight of the recognizer line score against the text-quality heuristic
	lineScoreWeight = 0.85

	defaultLineHeight = 24
	defaultCharWidth  = 10
)

var (
	quantityPattern     = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(EA|LF|SF|SY|CY|TON|TONS|LB|LBS|GAL|PCS|PC)\b`)
	equipmentTagPattern = regexp.MustCompile(`^[A-Z]{1,4}-\d+[A-Z]?\b`)
	numberedNotePattern = regexp.MustCompile(`^(?i)(note|notes|general notes)\b|^\d{1,2}[.)]\s`)
	dimensionOnly       = regexp.MustCompile(`^[\d\s'"\-/x×.@#=+,:]+$`)
	multiSpace          = regexp.MustCompile(`\s{3,}`)
)

var fixtureTerms = []string{"fixture", "luminaire", "lavatory", "sink", "water closet", "urinal", "faucet", "diffuser"}

var scheduleHeaderTerms = []string{"mark", "qty", "quantity", "description", "size", "type", "remarks", "manufacturer", "model"}

// LayoutAnalyzer turns recognized lines into candidate items
type LayoutAnalyzer struct {
	verifyThreshold float64
}

// LayoutResult represents the result of segmentation
type LayoutResult struct {
	Items        []CandidateItem
	TableRegions []TableRegion
}

// TableRegion is a run of consecutive lines sharing a delimiter
type TableRegion struct {
	StartLine int
	EndLine   int
	Delimiter string
}

// NewLayoutAnalyzer creates a new layout analyzer
func NewLayoutAnalyzer() *LayoutAnalyzer {
	return &LayoutAnalyzer{verifyThreshold: itemVerifyThreshold}
}

// Analyze segments raw recognizer output. width and height are the image size
// used for estimated locations when the engine reports no line boxes.
func (l *LayoutAnalyzer) Analyze(raw *RawRecognition, width, height int) *LayoutResult {
	result := &LayoutResult{Items: []CandidateItem{}}
	if raw == nil {
		return result
	}

	lines := raw.Lines
	if len(lines) == 0 {
		lines = linesFromText(raw.Text, raw.MeanConfidence)
	}
	if len(lines) == 0 {
		return result
	}

	texts := make([]string, len(lines))
	for i, line := range lines {
		texts[i] = line.Text
	}
	result.TableRegions = detectTableRegions(texts)
	delimiterAt := make(map[int]string)
	for _, region := range result.TableRegions {
		for i := region.StartLine; i <= region.EndLine; i++ {
			delimiterAt[i] = region.Delimiter
		}
	}

	lineHeight := defaultLineHeight
	if height > 0 && len(lines) > 0 && height/len(lines) < lineHeight {
		lineHeight = max(height/len(lines), 1)
	}

	for idx, line := range lines {
		text := strings.TrimSpace(line.Text)
		if isNoise(text) {
			continue
		}

		var cells []string
		if delim, ok := delimiterAt[idx]; ok {
			cells = extractCellsFromLine(text, delim)
		} else {
			cells = []string{text}
		}
		if isScheduleHeader(cells) {
			continue
		}

		item := l.buildItem(cells, line, idx)
		if item.ItemName == "" {
			continue
		}

		if line.HasBox {
			item.ApproxLocation = line.Box
		} else {
			item.ApproxLocation = estimateLocation(text, idx, lineHeight, width)
		}

		result.Items = append(result.Items, item)
	}

	return result
}

func (l *LayoutAnalyzer) buildItem(cells []string, line RecognizedLine, idx int) CandidateItem {
	name := ""
	var rest []string
	for _, cell := range cells {
		cell = trimWhitespace(cell)
		if cell == "" {
			continue
		}
		if name == "" && !dimensionOnly.MatchString(cell) && !isQuantityOnly(cell) {
			name = cell
			continue
		}
		rest = append(rest, cell)
	}

	item := CandidateItem{Line: idx}
	if name == "" {
		return item
	}

	full := strings.Join(cells, " ")
	if m := quantityPattern.FindStringSubmatch(full); m != nil {
		item.Quantity = m[1] + " " + strings.ToUpper(m[2])
		name = strings.TrimSpace(quantityPattern.ReplaceAllString(name, ""))
	}

	var specs []string
	for _, cell := range rest {
		if isQuantityOnly(cell) {
			continue
		}
		specs = append(specs, cell)
	}

	item.ItemName = strings.Join(strings.Fields(name), " ")
	item.Specification = strings.Join(specs, "; ")
	item.Category = guessCategory(item.ItemName)

	score := lineScoreWeight*clamp01(line.Confidence) + (1-lineScoreWeight)*textQuality(full)
	item.Confidence = clamp01(score)
	item.NeedsAIVerification = item.Confidence < l.verifyThreshold || isAmbiguous(item.ItemName)

	return item
}

func isQuantityOnly(cell string) bool {
	return quantityPattern.MatchString(cell) && strings.TrimSpace(quantityPattern.ReplaceAllString(cell, "")) == ""
}

// guessCategory assigns material, equipment, fixture or note
func guessCategory(text string) string {
	if equipmentTagPattern.MatchString(text) {
		return "equipment"
	}
	if numberedNotePattern.MatchString(text) {
		return "note"
	}
	lower := strings.ToLower(text)
	for _, term := range fixtureTerms {
		if strings.Contains(lower, term) {
			return "fixture"
		}
	}
	return "material"
}

// isAmbiguous flags garbled or truncated text
func isAmbiguous(text string) bool {
	letters, symbols, visible := 0, 0, 0
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			continue
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
		default:
			symbols++
		}
		visible++
	}

	if letters < minItemLetters {
		return true
	}
	if visible > 0 && float64(symbols)/float64(visible) > maxSymbolRatio {
		return true
	}

	fields := strings.Fields(text)
	last := fields[len(fields)-1]
	return strings.HasSuffix(last, "-") || strings.HasSuffix(last, "~")
}

// textQuality estimates how clean a line reads, 0..1
func textQuality(text string) float64 {
	quality := 0.5

	alpha, total := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if total == 0 {
		return 0
	}

	ratio := float64(alpha) / float64(total)
	if ratio > 0.5 {
		quality += 0.3
	}
	if len(strings.Fields(text)) >= 2 {
		quality += 0.2
	}
	return clamp01(quality)
}

// isNoise skips blank, letterless and dimension-only lines
func isNoise(text string) bool {
	if len(text) < 2 {
		return true
	}
	if dimensionOnly.MatchString(text) {
		return true
	}
	for _, r := range text {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func isScheduleHeader(cells []string) bool {
	if len(cells) < 2 {
		return false
	}
	hits := 0
	for _, cell := range cells {
		cell = strings.ToLower(trimWhitespace(cell))
		for _, term := range scheduleHeaderTerms {
			if cell == term {
				hits++
				break
			}
		}
	}
	return hits >= 2 && hits*2 >= len(cells)
}

func estimateLocation(text string, idx, lineHeight, width int) BoundingBox {
	w := len([]rune(text)) * defaultCharWidth
	if width > 0 && w > width {
		w = width
	}
	return BoundingBox{X: 0, Y: idx * lineHeight, Width: w, Height: lineHeight}
}

func linesFromText(text string, confidence float64) []RecognizedLine {
	var lines []RecognizedLine
	for _, line := range splitIntoLines(text) {
		lines = append(lines, RecognizedLine{Text: line, Confidence: confidence})
	}
	return lines
}

// detectTableRegions identifies runs of lines with a shared delimiter
func detectTableRegions(lines []string) []TableRegion {
	regions := make([]TableRegion, 0)

	i := 0
	for i < len(lines) {
		delimiter := detectDelimiter(lines[i])
		if delimiter == "" {
			i++
			continue
		}

		startLine := i
		expectedCols := len(extractCellsFromLine(lines[i], delimiter))

		i++
		for i < len(lines) && detectDelimiter(lines[i]) == delimiter {
			// Accept ±1 column variation for irregular schedules
			if abs(len(extractCellsFromLine(lines[i], delimiter))-expectedCols) > 1 {
				break
			}
			i++
		}

		if i-startLine >= 2 {
			regions = append(regions, TableRegion{StartLine: startLine, EndLine: i - 1, Delimiter: delimiter})
		}
	}

	return regions
}

// detectDelimiter identifies the delimiter used in a line
func detectDelimiter(line string) string {
	for _, delim := range []string{"|", "\t"} {
		if strings.Count(line, delim) >= 2 {
			return delim
		}
	}
	if len(multiSpace.FindAllStringIndex(strings.TrimSpace(line), -1)) >= 1 {
		return "   "
	}
	return ""
}

// extractCellsFromLine splits line into cells based on delimiter
func extractCellsFromLine(line string, delimiter string) []string {
	var cells []string
	switch delimiter {
	case "   ":
		cells = multiSpace.Split(strings.TrimSpace(line), -1)
	case "|":
		cells = strings.Split(line, "|")
		// Leading/trailing pipes produce empty edge cells
		if len(cells) > 0 && strings.TrimSpace(cells[0]) == "" {
			cells = cells[1:]
		}
		if len(cells) > 0 && strings.TrimSpace(cells[len(cells)-1]) == "" {
			cells = cells[:len(cells)-1]
		}
	default:
		cells = strings.Split(line, delimiter)
	}
	return cells
}

// splitIntoLines splits text into non-empty lines
func splitIntoLines(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' })
}

func trimWhitespace(text string) string {
	return strings.Trim(text, " \t")
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
