/**
 * MageAgent Client - Delegated Vision Model Calls
 *
 * This client delegates the AI vision call to the MageAgent service, which
 * picks the vision model itself (health testing, fallback chains). The worker
 * only sends the image and prompts and receives the model's raw text.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

const mageAgentDefaultModel = "mageagent-auto"

// MageAgentClient handles communication with MageAgent service
type MageAgentClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger

	mu        sync.RWMutex
	modelUsed string
}

// VisionAnalyzeRequest represents a prompt-driven image analysis request
type VisionAnalyzeRequest struct {
	Image          string                 `json:"image"`  // Base64 encoded image
	Format         string                 `json:"format"` // always "base64"
	MimeType       string                 `json:"mimeType"`
	SystemPrompt   string                 `json:"systemPrompt"`
	Prompt         string                 `json:"prompt"`
	PreferAccuracy bool                   `json:"preferAccuracy"`
	ResponseFormat string                 `json:"responseFormat,omitempty"` // "json" asks the model for a JSON object
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// VisionAnalyzeResponse represents the response from vision analysis
type VisionAnalyzeResponse struct {
	Success bool              `json:"success"`
	Data    VisionAnalyzeData `json:"data"`
	Message string            `json:"message,omitempty"`
}

// VisionAnalyzeData contains the model's raw answer
type VisionAnalyzeData struct {
	Text           string `json:"text"`
	ModelUsed      string `json:"modelUsed"`
	ProcessingTime int64  `json:"processingTime"` // ms
}

// NewMageAgentClient creates a new MageAgent client
func NewMageAgentClient(baseURL string) *MageAgentClient {
	return &MageAgentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Vision models can take a while on full sheets
		},
		logger:    logging.NewLogger("MageAgentClient"),
		modelUsed: mageAgentDefaultModel,
	}
}

// Analyze sends an image with prompts to MageAgent's internal vision endpoint
func (c *MageAgentClient) Analyze(ctx context.Context, req *VisionAnalyzeRequest) (*VisionAnalyzeResponse, error) {
	c.logger.Info("Requesting vision analysis from MageAgent",
		"mimeType", req.MimeType,
		"imageChars", len(req.Image))

	// Use internal endpoint (rate-limit exempt for worker traffic)
	endpoint := fmt.Sprintf("%s/api/internal/vision/analyze", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "drawingextract-worker") // Identify source for logging
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("vision-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to MageAgent failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MageAgent returned error status %d: %s", resp.StatusCode, string(body))
	}

	var analyzeResp VisionAnalyzeResponse
	if err := json.Unmarshal(body, &analyzeResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !analyzeResp.Success {
		return nil, fmt.Errorf("MageAgent operation failed: %s", analyzeResp.Message)
	}

	if analyzeResp.Data.ModelUsed != "" {
		c.mu.Lock()
		c.modelUsed = analyzeResp.Data.ModelUsed
		c.mu.Unlock()
	}

	c.logger.Info("Vision analysis complete",
		"modelUsed", analyzeResp.Data.ModelUsed,
		"processingTime", analyzeResp.Data.ProcessingTime,
		"textLength", len(analyzeResp.Data.Text))

	return &analyzeResp, nil
}

// CallVisionModel implements processor.VisionModel
func (c *MageAgentClient) CallVisionModel(ctx context.Context, image []byte, mimeType, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.Analyze(ctx, &VisionAnalyzeRequest{
		Image:          base64.StdEncoding.EncodeToString(image),
		Format:         "base64",
		MimeType:       mimeType,
		SystemPrompt:   systemPrompt,
		Prompt:         userPrompt,
		PreferAccuracy: true,
		ResponseFormat: "json",
		Metadata: map[string]interface{}{
			"source":    "drawingextract-worker",
			"timestamp": time.Now().Unix(),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Data.Text, nil
}

// ModelName reports the last model MageAgent selected
func (c *MageAgentClient) ModelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelUsed
}

// HealthCheck verifies MageAgent service is available
func (c *MageAgentClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
