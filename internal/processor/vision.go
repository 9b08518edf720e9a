/**
 * AI Vision Pass
 *
 * Sends a page or region image to an external vision model with a prompt that
 * enumerates the division taxonomy, then parses the model's JSON defensively.
 * Only invoked when the escalation policy requires it.
 */

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

const (
	defaultItemConfidence = 0.8
	defaultCategory       = "material"
	defaultBoxSize        = 50
)

// itemSchema is the minimum shape an AI item must have to be kept
const itemSchema = `{
  "type": "object",
  "required": ["itemName"],
  "properties": {
    "itemName": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "confidence": {"type": "number"},
    "location": {
      "type": "object",
      "properties": {
        "confidence": {"type": "number"},
        "coordinates": {"type": "object"}
      }
    },
    "procurementData": {"type": "object"}
  }
}`

// VisionModel is the black-box vision call: image plus prompts in, text out
type VisionModel interface {
	CallVisionModel(ctx context.Context, image []byte, mimeType, systemPrompt, userPrompt string) (string, error)
	ModelName() string
}

// VisionRequest is the input of VisionAnalyzer.Analyze
type VisionRequest struct {
	Image     []byte
	MimeType  string
	Divisions []divisions.Division
	Sheet     SheetMetadata
	// Verify holds the cheap-pass items under partial escalation
	Verify []CandidateItem
	// OCRText is the cheap pass's full text, appended to the user prompt
	OCRText string
}

// VisionSummary is the model's own account of what it found
type VisionSummary struct {
	TotalItemsFound    int    `json:"totalItemsFound"`
	DivisionsFound     int    `json:"divisionsFound"`
	ExtractionApproach string `json:"extractionApproach"`
}

// VisionResult holds validated AI items. Locations are relative to the image sent.
type VisionResult struct {
	Items         []ResultItem
	Summary       VisionSummary
	DroppedGroups []string
	// DroppedBranches names top-level response fields of the wrong shape
	DroppedBranches []string
	DroppedItems    int
	Model           string
	Duration        time.Duration
}

// VisionAnalyzer runs the expensive pass
type VisionAnalyzer struct {
	model  VisionModel
	schema *jsonschema.Schema
	logger *logging.Logger
}

// NewVisionAnalyzer creates a vision analyzer around a model adapter
func NewVisionAnalyzer(model VisionModel, logger *logging.Logger) (*VisionAnalyzer, error) {
	if model == nil {
		return nil, fmt.Errorf("vision model is required")
	}
	if logger == nil {
		logger = logging.NewLogger("VisionAnalyzer")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("item.json", strings.NewReader(itemSchema)); err != nil {
		return nil, fmt.Errorf("add item schema: %w", err)
	}
	schema, err := compiler.Compile("item.json")
	if err != nil {
		return nil, fmt.Errorf("compile item schema: %w", err)
	}

	return &VisionAnalyzer{model: model, schema: schema, logger: logger}, nil
}

// ModelName reports the model behind the analyzer
func (a *VisionAnalyzer) ModelName() string {
	return a.model.ModelName()
}

// Analyze calls the vision model and parses its response. Call failures and empty
// responses are ExternalServiceErrors; a response with no JSON object at all is a
// MalformedAIResponse. Malformed branches, groups and items inside a valid object
// are dropped.
func (a *VisionAnalyzer) Analyze(ctx context.Context, req *VisionRequest) (*VisionResult, error) {
	start := time.Now()
	modelName := a.model.ModelName()

	text, err := a.model.CallVisionModel(ctx, req.Image, req.MimeType,
		buildSystemPrompt(req.Divisions), buildUserPrompt(req.Sheet, req.Verify, req.OCRText))
	if err != nil {
		return nil, apperrors.NewExternalServiceError(modelName, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewExternalServiceError(modelName, fmt.Errorf("model returned no text content"))
	}

	result, err := a.parseResponse(text, req.Divisions)
	if err != nil {
		return nil, err
	}

	result.Model = modelName
	result.Duration = time.Since(start)

	a.logger.Info("Vision pass complete",
		"model", modelName,
		"items", len(result.Items),
		"dropped_groups", len(result.DroppedGroups),
		"dropped_branches", len(result.DroppedBranches),
		"dropped_items", result.DroppedItems,
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}

type aiItem struct {
	ItemName        string         `json:"itemName"`
	Category        string         `json:"category"`
	CSIDivision     *aiDivisionRef `json:"csiDivision"`
	ProcurementData *aiProcurement `json:"procurementData"`
	Quantity        flexString     `json:"quantity"`
	Specification   flexString     `json:"specification"`
	Notes           string         `json:"notes"`
	Confidence      *float64       `json:"confidence"`
	Location        *aiLocation    `json:"location"`
}

type aiDivisionRef struct {
	ID   *int   `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type aiProcurement struct {
	Quantity      flexString `json:"quantity"`
	Unit          flexString `json:"unit"`
	Specification flexString `json:"specification"`
	Size          flexString `json:"size"`
	Manufacturer  flexString `json:"manufacturer"`
	Model         flexString `json:"model"`
}

type aiLocation struct {
	Coordinates *aiCoordinates `json:"coordinates"`
	Confidence  *float64       `json:"confidence"`
}

type aiCoordinates struct {
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

// extractJSONObject returns the first complete JSON object in text. Prose after
// the object may contain braces, so the object is read with a decoder first and
// only then by slicing from the first '{' to the last '}'.
func extractJSONObject(text string) (map[string]json.RawMessage, error) {
	start := strings.Index(text, "{")
	if start == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&obj); err == nil {
		return obj, nil
	}

	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// parseResponse honors every branch of the response it can read. A branch of
// the wrong shape is dropped and logged; only a response with no readable
// object at all is malformed.
func (a *VisionAnalyzer) parseResponse(text string, available []divisions.Division) (*VisionResult, error) {
	resp, err := extractJSONObject(text)
	if err != nil {
		return nil, apperrors.NewMalformedAIResponseError("response is not valid JSON", err)
	}

	result := &VisionResult{Items: []ResultItem{}}

	if raw, ok := resp["summary"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &result.Summary); err != nil {
			a.dropBranch(result, "summary", err)
		}
	}

	var groups map[string]json.RawMessage
	if raw, ok := resp["extractedData"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &groups); err != nil {
			a.dropBranch(result, "extractedData", err)
		}
	}

	for _, key := range sortedGroupKeys(groups) {
		division, ok := divisions.ParseID(available, key)
		if !ok {
			a.dropGroup(result, key, "unknown division id")
			continue
		}

		var raws []json.RawMessage
		if err := json.Unmarshal(groups[key], &raws); err != nil {
			a.dropGroup(result, key, "group is not an array")
			continue
		}

		for _, raw := range raws {
			item, ok := a.decodeItem(raw)
			if !ok {
				result.DroppedItems++
				continue
			}
			result.Items = append(result.Items, toResultItem(item, division))
		}
	}

	var flat []json.RawMessage
	if raw, ok := resp["extractedItems"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &flat); err != nil {
			a.dropBranch(result, "extractedItems", err)
		}
	}

	for _, raw := range flat {
		item, ok := a.decodeItem(raw)
		if !ok {
			result.DroppedItems++
			continue
		}
		result.Items = append(result.Items, toResultItem(item, resolveDivision(item, available)))
	}

	return result, nil
}

func (a *VisionAnalyzer) dropBranch(result *VisionResult, branch string, cause error) {
	err := apperrors.NewMalformedAIResponseError(branch+" has an unexpected shape", cause)
	a.logger.Warn("Dropping AI response branch", "branch", branch, "code", err.Code, "error", cause)
	result.DroppedBranches = append(result.DroppedBranches, branch)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func (a *VisionAnalyzer) dropGroup(result *VisionResult, key, reason string) {
	err := apperrors.NewMalformedAIResponseError(reason, nil)
	a.logger.Warn("Dropping AI item group", "division_key", key, "code", err.Code, "reason", reason)
	result.DroppedGroups = append(result.DroppedGroups, key)
}

// decodeItem validates one raw item against the item schema and decodes it
func (a *VisionAnalyzer) decodeItem(raw json.RawMessage) (*aiItem, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if err := a.schema.Validate(v); err != nil {
		a.logger.Debug("Dropping AI item", "error", err)
		return nil, false
	}

	var item aiItem
	if err := json.Unmarshal(raw, &item); err != nil {
		a.logger.Debug("Dropping AI item", "error", err)
		return nil, false
	}
	item.ItemName = strings.Join(strings.Fields(item.ItemName), " ")
	if item.ItemName == "" {
		return nil, false
	}
	return &item, true
}

// resolveDivision maps a flat item's reported division onto the taxonomy,
// falling back to keyword classification
func resolveDivision(item *aiItem, available []divisions.Division) divisions.Division {
	if item.CSIDivision != nil {
		ref := divisions.Ref{ID: item.CSIDivision.ID, Code: item.CSIDivision.Code, Name: item.CSIDivision.Name}
		if d, ok := divisions.Match(ref, available); ok {
			return d
		}
	}
	return divisions.Classify(item.ItemName, item.Category, available)
}

func toResultItem(item *aiItem, division divisions.Division) ResultItem {
	out := ResultItem{
		ItemName:   item.ItemName,
		Category:   item.Category,
		Division:   division,
		Location:   itemLocation(item.Location),
		Confidence: itemConfidence(item),
		Notes:      strings.TrimSpace(item.Notes),
		Source:     SourceAI,
	}
	if out.Category == "" {
		out.Category = defaultCategory
	}

	quantity := string(item.Quantity)
	unit := ""
	specs := []string{}
	if s := string(item.Specification); s != "" {
		specs = append(specs, s)
	}

	if p := item.ProcurementData; p != nil {
		out.Procurement = &ProcurementData{
			Quantity:      string(p.Quantity),
			Unit:          string(p.Unit),
			Specification: string(p.Specification),
			Size:          string(p.Size),
			Manufacturer:  string(p.Manufacturer),
			Model:         string(p.Model),
		}
		if quantity == "" {
			quantity = string(p.Quantity)
		}
		unit = string(p.Unit)
		for _, s := range []string{string(p.Specification), string(p.Size)} {
			if s != "" {
				specs = append(specs, s)
			}
		}
		if out.Notes == "" {
			out.Notes = strings.TrimSpace(strings.Join(nonEmpty(string(p.Manufacturer), string(p.Model)), " "))
		}
	}

	if quantity != "" {
		out.Quantity = strings.TrimSpace(quantity + " " + unit)
	}
	out.Specifications = strings.Join(specs, "; ")

	return out
}

func itemConfidence(item *aiItem) float64 {
	switch {
	case item.Confidence != nil:
		return clamp01(*item.Confidence)
	case item.Location != nil && item.Location.Confidence != nil:
		return clamp01(*item.Location.Confidence)
	default:
		return defaultItemConfidence
	}
}

func itemLocation(loc *aiLocation) BoundingBox {
	box := BoundingBox{Width: defaultBoxSize, Height: defaultBoxSize}
	if loc == nil || loc.Coordinates == nil {
		return box
	}

	c := loc.Coordinates
	if c.X != nil {
		box.X = int(*c.X)
	}
	if c.Y != nil {
		box.Y = int(*c.Y)
	}
	if c.Width != nil && *c.Width > 0 {
		box.Width = int(*c.Width)
	}
	if c.Height != nil && *c.Height > 0 {
		box.Height = int(*c.Height)
	}
	return box
}

// sortedGroupKeys orders division keys numerically, non-numeric keys last
func sortedGroupKeys(groups map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(strings.TrimSpace(keys[i]))
		b, errB := strconv.Atoi(strings.TrimSpace(keys[j]))
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
