/**
 * Anthropic Vision Client
 *
 * Calls the Anthropic Messages API with the page image and the extraction
 * prompts and returns the concatenated text blocks of the reply.
 */

package clients

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

const defaultAnthropicMaxTokens = 4000

// AnthropicVisionClient implements processor.VisionModel on anthropic-sdk-go
type AnthropicVisionClient struct {
	messages  anthropic.MessageService
	model     string
	maxTokens int64
	logger    *logging.Logger
}

// AnthropicConfig holds the adapter settings
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string // empty uses https://api.anthropic.com/
	MaxTokens int
	Client    *http.Client
}

// NewAnthropicVisionClient creates a new Anthropic vision adapter
func NewAnthropicVisionClient(cfg *AnthropicConfig) (*AnthropicVisionClient, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("Anthropic model is required")
	}

	url := cfg.BaseURL
	if url == "" {
		url = "https://api.anthropic.com/"
	}
	url = strings.TrimRight(url, "/") + "/"

	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicVisionClient{
		messages: anthropic.NewMessageService(
			option.WithBaseURL(url),
			option.WithAPIKey(cfg.APIKey),
			option.WithHTTPClient(httpClient),
		),
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logging.NewLogger("AnthropicVisionClient"),
	}, nil
}

// CallVisionModel implements processor.VisionModel
func (c *AnthropicVisionClient) CallVisionModel(ctx context.Context, image []byte, mimeType, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
					Data:      base64.StdEncoding.EncodeToString(image),
					MediaType: anthropic.Base64ImageSourceMediaType(mimeType),
				}),
				anthropic.NewTextBlock(userPrompt),
			),
		},
	}

	message, err := c.messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("anthropic messages request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Info("Vision call complete",
		"model", c.model,
		"stopReason", string(message.StopReason),
		"inputTokens", message.Usage.InputTokens,
		"outputTokens", message.Usage.OutputTokens,
		"durationMs", time.Since(start).Milliseconds())

	return text.String(), nil
}

// ModelName returns the configured model id
func (c *AnthropicVisionClient) ModelName() string {
	return c.model
}
