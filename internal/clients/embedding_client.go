/**
 * Embedding Client for extracted drawing items
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions) so items can be
 * looked up across sheets by name and specification.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

const (
	voyageModel      = "voyage-3"
	voyageDimensions = 1024
	voyageBatchSize  = 100
	voyageMaxChars   = 16000
)

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

// VoyageBatchEmbeddingRequest represents a batch request to VoyageAI API
type VoyageBatchEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// VoyageEmbeddingResponse represents the response from VoyageAI API
type VoyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(apiKey string) (*EmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}

	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: "https://api.voyageai.com/v1/embeddings",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("EmbeddingClient"),
	}, nil
}

// Dimensions is the vector size produced by the client
func (e *EmbeddingClient) Dimensions() int {
	return voyageDimensions
}

// GenerateEmbeddingBatch embeds texts in chunks of 100 (VoyageAI API limit).
// The result is index-aligned with texts.
func (e *EmbeddingClient) GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += voyageBatchSize {
		end := min(i+voyageBatchSize, len(texts))

		batch, err := e.generateBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d failed: %w", i, end-1, err)
		}
		all = append(all, batch...)
	}

	return all, nil
}

func (e *EmbeddingClient) generateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	truncated := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > voyageMaxChars {
			text = text[:voyageMaxChars]
		}
		truncated[i] = text
	}

	jsonData, err := json.Marshal(VoyageBatchEmbeddingRequest{Input: truncated, Model: voyageModel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI batch API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp VoyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}

	if len(voyageResp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(voyageResp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range voyageResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		if len(data.Embedding) != voyageDimensions {
			return nil, fmt.Errorf("unexpected embedding dimensions for text %d: got %d, expected %d", data.Index, len(data.Embedding), voyageDimensions)
		}
		embeddings[data.Index] = data.Embedding
	}

	e.logger.Debug("VoyageAI batch embedding complete",
		"texts", len(texts),
		"tokens", voyageResp.Usage.TotalTokens,
		"duration_ms", time.Since(startTime).Milliseconds())

	return embeddings, nil
}
