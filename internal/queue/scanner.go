package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
)

const defaultProcessingTimeout = 180 * time.Second

// Scanner runs page and drawing scans (implemented by scan.Service)
type Scanner interface {
	ScanPage(ctx context.Context, job *scan.PageJob) (*scan.PageOutcome, error)
	ScanDrawing(ctx context.Context, job *scan.DrawingJob) (*scan.DrawingOutcome, error)
}

// processingTimeout converts a millisecond setting, falling back to the default
func processingTimeout(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultProcessingTimeout
}

// withTimeout runs fn under a deadline and turns a deadline overrun into a
// ProcessingTimeout error
func withTimeout(parent context.Context, jobID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	log.Printf("[Job %s] Processing timeout set to: %v", jobID, timeout)

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	startTime := time.Now()
	err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", jobID, time.Since(startTime), timeout)
		return errors.NewProcessingTimeoutError(jobID, timeout, err)
	}
	return err
}

// isRetryable reports whether running the job again could succeed
func isRetryable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorInsufficientCredits, errors.ErrorInvalidRequest, errors.ErrorInvalidSelection:
		return false
	}
	return true
}

func describeFailure(err error) map[string]interface{} {
	if extractionErr, ok := errors.From(err); ok {
		return extractionErr.ToMap()
	}
	return map[string]interface{}{
		"error": fmt.Sprint(err),
	}
}
