/**
 * Requirements and Compliance Pass
 *
 * Optional second model call for scans: reads the technical requirements and
 * code compliance items a sheet states. Its count feeds the combined insights
 * of the run. A response that cannot be parsed yields an empty result.
 */

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

const requirementsSystemPrompt = `You analyze construction documents for requirements and compliance.
Identify:
1. Technical requirements, specifications and referenced standards
2. Building code, safety and regulatory compliance items
3. The document's discipline, project phase and type

Respond with a single JSON object and nothing else:
{
  "requirements": [
    {
      "id": "unique id",
      "content": "requirement text",
      "category": "structural|electrical|mechanical|safety|material|performance",
      "priority": "critical|high|medium|low",
      "source": "building_code|specification|standard|drawing_note",
      "compliance_standard": "applicable standard if identified"
    }
  ],
  "compliance": [
    {
      "requirement": "compliance requirement",
      "standard": "building code or standard",
      "category": "safety|structural|electrical|fire|accessibility",
      "criticality": "mandatory|recommended|optional"
    }
  ],
  "document_context": {
    "discipline": "architectural|structural|mechanical|electrical|civil",
    "project_phase": "design|construction|as_built",
    "document_type": "drawing|specification|schedule|detail"
  },
  "summary": {
    "totalRequirements": 0,
    "criticalRequirements": 0,
    "complianceItemsIdentified": 0,
    "recommendedActions": []
  }
}
Use construction terminology and cite industry standards where the document does.`

// Requirement is one technical requirement stated on a sheet
type Requirement struct {
	ID                 string `json:"id,omitempty"`
	Content            string `json:"content"`
	Category           string `json:"category,omitempty"`
	Priority           string `json:"priority,omitempty"`
	Source             string `json:"source,omitempty"`
	ComplianceStandard string `json:"complianceStandard,omitempty"`
}

// ComplianceItem is a code or standard the sheet must satisfy
type ComplianceItem struct {
	Requirement string `json:"requirement"`
	Standard    string `json:"standard,omitempty"`
	Category    string `json:"category,omitempty"`
	Criticality string `json:"criticality,omitempty"`
}

type DocumentContext struct {
	Discipline   string `json:"discipline,omitempty"`
	ProjectPhase string `json:"projectPhase,omitempty"`
	DocumentType string `json:"documentType,omitempty"`
}

type RequirementsSummary struct {
	TotalRequirements         int      `json:"totalRequirements"`
	CriticalRequirements      int      `json:"criticalRequirements"`
	ComplianceItemsIdentified int      `json:"complianceItemsIdentified"`
	RecommendedActions        []string `json:"recommendedActions"`
}

// RequirementsResult is the output of RequirementsAnalyzer.Analyze
type RequirementsResult struct {
	Requirements []Requirement       `json:"requirements"`
	Compliance   []ComplianceItem    `json:"compliance"`
	Context      DocumentContext     `json:"documentContext"`
	Summary      RequirementsSummary `json:"summary"`
	Model        string              `json:"model,omitempty"`
	Duration     time.Duration       `json:"duration"`
}

// Count is the model's requirement total, or the number of requirements it
// listed when it reported none
func (r *RequirementsResult) Count() int {
	if r == nil {
		return 0
	}
	if r.Summary.TotalRequirements > 0 {
		return r.Summary.TotalRequirements
	}
	return len(r.Requirements)
}

type aiRequirement struct {
	ID                 flexString `json:"id"`
	Content            string     `json:"content"`
	Category           string     `json:"category"`
	Priority           string     `json:"priority"`
	Source             string     `json:"source"`
	ComplianceStandard string     `json:"compliance_standard"`
}

type aiDocumentContext struct {
	Discipline   string `json:"discipline"`
	ProjectPhase string `json:"project_phase"`
	DocumentType string `json:"document_type"`
}

// RequirementsAnalyzer runs the requirements and compliance pass
type RequirementsAnalyzer struct {
	model  VisionModel
	logger *logging.Logger
}

func NewRequirementsAnalyzer(model VisionModel, logger *logging.Logger) (*RequirementsAnalyzer, error) {
	if model == nil {
		return nil, fmt.Errorf("vision model is required")
	}
	if logger == nil {
		logger = logging.NewLogger("RequirementsAnalyzer")
	}
	return &RequirementsAnalyzer{model: model, logger: logger}, nil
}

// Analyze sends the page and its recognized text to the model. Only a failed
// call is an error.
func (a *RequirementsAnalyzer) Analyze(ctx context.Context, image []byte, mimeType, ocrText string) (*RequirementsResult, error) {
	start := time.Now()
	modelName := a.model.ModelName()

	userPrompt := "Analyze this construction document for requirements and compliance."
	if text := strings.TrimSpace(ocrText); text != "" {
		userPrompt += "\n\nOCR Text: " + truncateRunes(text, maxPromptOCRText)
	}

	text, err := a.model.CallVisionModel(ctx, image, mimeType, requirementsSystemPrompt, userPrompt)
	if err != nil {
		return nil, apperrors.NewExternalServiceError(modelName, err)
	}

	result := a.parse(text)
	result.Model = modelName
	result.Duration = time.Since(start)

	a.logger.Info("Requirements pass complete",
		"model", modelName,
		"requirements", result.Count(),
		"compliance_items", len(result.Compliance),
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}

func (a *RequirementsAnalyzer) parse(text string) *RequirementsResult {
	result := &RequirementsResult{Requirements: []Requirement{}, Compliance: []ComplianceItem{}}

	resp, err := extractJSONObject(text)
	if err != nil {
		a.logger.Warn("Requirements response is not JSON", "error", err)
		return result
	}

	decode := func(key string, v any) {
		raw, ok := resp[key]
		if !ok || isNull(raw) {
			return
		}
		if err := json.Unmarshal(raw, v); err != nil {
			a.logger.Warn("Dropping requirements response branch", "branch", key, "error", err)
		}
	}

	var reqs []aiRequirement
	decode("requirements", &reqs)
	for _, r := range reqs {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		result.Requirements = append(result.Requirements, Requirement{
			ID:                 string(r.ID),
			Content:            content,
			Category:           r.Category,
			Priority:           r.Priority,
			Source:             r.Source,
			ComplianceStandard: r.ComplianceStandard,
		})
	}

	var compliance []ComplianceItem
	decode("compliance", &compliance)
	for _, c := range compliance {
		if strings.TrimSpace(c.Requirement) != "" {
			result.Compliance = append(result.Compliance, c)
		}
	}

	var docContext aiDocumentContext
	decode("document_context", &docContext)
	result.Context = DocumentContext(docContext)

	decode("summary", &result.Summary)

	return result
}
