/**
 * Gemini Vision Client
 *
 * Alternate vision model adapter on generative-ai-go. Requests a JSON reply
 * at temperature 0 and returns the first text part of the first candidate.
 */

package clients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

// GeminiVisionClient implements processor.VisionModel on generative-ai-go
type GeminiVisionClient struct {
	client *genai.Client
	model  string
	logger *logging.Logger
}

// NewGeminiVisionClient creates a Gemini adapter; call Close when done
func NewGeminiVisionClient(ctx context.Context, apiKey, model string) (*GeminiVisionClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("Gemini model is required")
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiVisionClient{
		client: cl,
		model:  model,
		logger: logging.NewLogger("GeminiVisionClient"),
	}, nil
}

// CallVisionModel implements processor.VisionModel
func (c *GeminiVisionClient) CallVisionModel(ctx context.Context, image []byte, mimeType, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()

	m := c.client.GenerativeModel(c.model)
	if m == nil {
		return "", fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	resp, err := m.GenerateContent(ctx,
		genai.Text(userPrompt),
		genai.Blob{MIMEType: mimeType, Data: image},
	)
	if err != nil {
		return "", fmt.Errorf("gemini generate content failed: %w", err)
	}

	text := firstText(resp)

	c.logger.Info("Vision call complete",
		"model", c.model,
		"textLength", len(text),
		"durationMs", time.Since(start).Milliseconds())

	return text, nil
}

// ModelName returns the configured model id
func (c *GeminiVisionClient) ModelName() string {
	return c.model
}

// Close releases the underlying gRPC connection
func (c *GeminiVisionClient) Close() error {
	return c.client.Close()
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
