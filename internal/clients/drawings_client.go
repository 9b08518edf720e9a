/**
 * Drawings Client for the Drawing Extraction Worker
 *
 * Reads drawing metadata and rendered page bitmaps from the drawings service.
 *
 * Fetch Flow:
 * 1. Capture session or queue job names a drawing id and page
 * 2. Worker calls GET /api/drawings/{id} for page count and sheet metadata
 * 3. Worker calls GET /api/drawings/{id}/pages/{page}/image for the bitmap
 * 4. Bitmap goes through the extraction pipeline (crop, text pass, vision)
 */

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// DrawingsClient handles communication with the drawings service
type DrawingsClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Drawing is the drawings service's metadata for one uploaded set
type Drawing struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ProjectID string  `json:"projectId,omitempty"`
	PageCount int     `json:"pageCount"`
	Sheets    []Sheet `json:"sheets"`
}

// Sheet is the title-block metadata of one page
type Sheet struct {
	Page        int    `json:"page"`
	SheetNumber string `json:"sheetNumber"`
	SheetName   string `json:"sheetName"`
	Category    string `json:"category"`
	Scale       string `json:"scale"`
	Discipline  string `json:"discipline"`
}

// NewDrawingsClient creates a new drawings client
func NewDrawingsClient(baseURL, serviceToken string) *DrawingsClient {
	return &DrawingsClient{
		baseURL: baseURL,
		token:   serviceToken,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // large sheet renders
		},
	}
}

// HealthCheck verifies the drawings service is available
func (c *DrawingsClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("drawings service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("drawings service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// GetDrawing retrieves drawing metadata by ID
func (c *DrawingsClient) GetDrawing(ctx context.Context, drawingID string) (*Drawing, error) {
	if drawingID == "" {
		return nil, fmt.Errorf("drawing ID is required")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/drawings/"+drawingID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get drawing request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get drawing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("drawing not found: %s", drawingID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get drawing returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result Drawing
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse drawing response: %w", err)
	}

	return &result, nil
}

// FetchPage implements processor.PageFetcher
func (c *DrawingsClient) FetchPage(ctx context.Context, drawingID string, page int) ([]byte, string, error) {
	if drawingID == "" {
		return nil, "", fmt.Errorf("drawing ID is required")
	}
	if page < 1 {
		return nil, "", fmt.Errorf("page must be >= 1, got %d", page)
	}

	url := fmt.Sprintf("%s/api/drawings/%s/pages/%d/image", c.baseURL, drawingID, page)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create page request: %w", err)
	}
	c.setHeaders(req)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP request for page image failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("page %d of drawing %s not found", page, drawingID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("page image request returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read page image: %w", err)
	}

	log.Printf("[DrawingsClient] Fetched page image: drawing=%s, page=%d, size=%d bytes, duration=%v",
		drawingID, page, len(data), time.Since(startTime))

	return data, resp.Header.Get("Content-Type"), nil
}

// SheetMetadata returns the title-block data for a page, or zero values
func (d *Drawing) SheetMetadata(page int) processor.SheetMetadata {
	for _, s := range d.Sheets {
		if s.Page == page {
			return processor.SheetMetadata{
				SheetNumber: s.SheetNumber,
				SheetName:   s.SheetName,
				Category:    s.Category,
				Scale:       s.Scale,
				Discipline:  s.Discipline,
			}
		}
	}
	return processor.SheetMetadata{}
}

func (c *DrawingsClient) setHeaders(req *http.Request) {
	req.Header.Set("X-Source", "drawingextract-worker")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
