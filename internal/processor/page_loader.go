package processor

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

// PageFetcher retrieves a rasterized page from the drawings service
type PageFetcher interface {
	FetchPage(ctx context.Context, drawingID string, page int) ([]byte, string, error)
}

// pageLoader resolves a PageImageRef into image bytes
type pageLoader struct {
	fetcher     PageFetcher
	httpClient  *http.Client
	maxSize     int64
	backoffBase time.Duration
	logger      *logging.Logger
}

const (
	maxDownloadRetries = 5
	initialBackoffMs   = 1000
	maxBackoffMs       = 32000
	downloadTimeout    = 10 * time.Minute
)

func newPageLoader(fetcher PageFetcher, maxSize int64, logger *logging.Logger) *pageLoader {
	return &pageLoader{
		fetcher:     fetcher,
		httpClient:  &http.Client{Timeout: downloadTimeout},
		maxSize:     maxSize,
		backoffBase: time.Millisecond,
		logger:      logger,
	}
}

// load returns the page bytes and their detected MIME type
func (l *pageLoader) load(ctx context.Context, jobID string, ref PageImageRef) ([]byte, string, error) {
	data, mimeType, err := l.read(ctx, jobID, ref)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("page image is empty")
	}
	if l.maxSize > 0 && int64(len(data)) > l.maxSize {
		return nil, "", fmt.Errorf("page image exceeds maximum: %d > %d bytes", len(data), l.maxSize)
	}

	// Drawings served as application/octet-stream are common
	if detected := detectMimeTypeFromMagicBytes(data); detected != "" && (mimeType == "" || mimeType == "application/octet-stream") {
		l.logger.Debug("Corrected MIME type", "job_id", jobID, "from", mimeType, "to", detected)
		mimeType = detected
	}
	if mimeType == "application/pdf" {
		return nil, "", fmt.Errorf("page %d is a PDF; pages must be rasterized before extraction", ref.Page)
	}

	return data, mimeType, nil
}

func (l *pageLoader) read(ctx context.Context, jobID string, ref PageImageRef) ([]byte, string, error) {
	if len(ref.Data) > 0 {
		return ref.Data, ref.MimeType, nil
	}

	if ref.Path != "" {
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read page image: %w", err)
		}
		return data, ref.MimeType, nil
	}

	if ref.URL != "" {
		data, err := l.download(ctx, jobID, ref.URL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download page image: %w", err)
		}
		return data, ref.MimeType, nil
	}

	if ref.DrawingID != "" && l.fetcher != nil {
		data, mimeType, err := l.fetcher.FetchPage(ctx, ref.DrawingID, ref.Page)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch page %d of drawing %s: %w", ref.Page, ref.DrawingID, err)
		}
		return data, mimeType, nil
	}

	return nil, "", fmt.Errorf("no page source provided (data, path, url or drawing id)")
}

// download fetches a page with exponential backoff between attempts
func (l *pageLoader) download(ctx context.Context, jobID, url string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadRetries; attempt++ {
		l.logger.Debug("Download attempt", "job_id", jobID, "attempt", attempt, "url", url)

		data, err := l.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		l.logger.Warn("Download attempt failed", "job_id", jobID, "attempt", attempt, "error", err)

		if attempt < maxDownloadRetries {
			backoffMs := initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
			if backoffMs > maxBackoffMs {
				backoffMs = maxBackoffMs
			}
			select {
			case <-time.After(time.Duration(backoffMs) * l.backoffBase):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", maxDownloadRetries, lastErr)
}

func (l *pageLoader) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if l.maxSize > 0 && resp.ContentLength > l.maxSize {
		return nil, fmt.Errorf("page image exceeds maximum: %d > %d bytes", resp.ContentLength, l.maxSize)
	}

	limit := l.maxSize
	if limit == 0 {
		limit = 1 << 30
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit+1))
}
