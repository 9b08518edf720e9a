/**
 * Bulk Scan Queue for the Drawing Extraction Worker
 *
 * Whole-drawing scans run as Asynq tasks: the API enqueues a "scan-drawing"
 * task, a worker pre-checks credits for every page and scans them in order.
 * Single pages can also be scheduled as "scan-page" tasks.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
)

// Task types
const (
	TypeScanDrawing = "scan-drawing"
	TypeScanPage    = "scan-page"
)

const (
	defaultMaxRetry    = 3
	drawingScanTimeout = 2 * time.Hour
)

// Consumer handles bulk scan tasks
type Consumer struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	scanner Scanner
	config  *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Scanner           Scanner
	ProcessingTimeout int64 // milliseconds; applies to scan-page tasks
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Scanner == nil {
		return nil, fmt.Errorf("Scanner is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			// Exponential backoff: 5s, 10s, 20s, capped at a minute
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:  client,
		server:  server,
		mux:     mux,
		scanner: cfg.Scanner,
		config:  cfg,
	}

	mux.HandleFunc(TypeScanDrawing, consumer.handleScanDrawing)
	mux.HandleFunc(TypeScanPage, consumer.handleScanPage)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting bulk scan consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start bulk scan consumer: %w", err)
	}

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping bulk scan consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	log.Printf("Bulk scan consumer stopped")
	return nil
}

// EnqueueDrawingScan schedules a scan of every page of a drawing
func (c *Consumer) EnqueueDrawingScan(ctx context.Context, job *scan.DrawingJob) (*asynq.TaskInfo, error) {
	task, err := NewScanDrawingTask(job)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.config.QueueName), asynq.TaskID(job.JobID))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue drawing scan: %w", err)
	}
	log.Printf("[Job %s] Drawing scan enqueued: drawing=%s queue=%s", job.JobID, job.DrawingID, info.Queue)
	return info, nil
}

// EnqueuePageScan schedules a single page scan
func (c *Consumer) EnqueuePageScan(ctx context.Context, job *scan.PageJob) (*asynq.TaskInfo, error) {
	task, err := NewScanPageTask(job)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.config.QueueName), asynq.TaskID(job.JobID))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue page scan: %w", err)
	}
	return info, nil
}

// NewScanDrawingTask builds a scan-drawing task
func NewScanDrawingTask(job *scan.DrawingJob) (*asynq.Task, error) {
	if job == nil || job.JobID == "" {
		return nil, fmt.Errorf("drawing scan needs a job ID")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal drawing scan: %w", err)
	}
	return asynq.NewTask(TypeScanDrawing, payload,
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(drawingScanTimeout)), nil
}

// NewScanPageTask builds a scan-page task. Inline page bytes are not carried.
func NewScanPageTask(job *scan.PageJob) (*asynq.Task, error) {
	if job == nil || job.JobID == "" {
		return nil, fmt.Errorf("page scan needs a job ID")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal page scan: %w", err)
	}
	return asynq.NewTask(TypeScanPage, payload, asynq.MaxRetry(defaultMaxRetry)), nil
}

func (c *Consumer) handleScanDrawing(ctx context.Context, task *asynq.Task) error {
	var job scan.DrawingJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal drawing scan: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Job %s] Scanning drawing: drawing=%s, user=%s", job.JobID, job.DrawingID, job.UserID)
	startTime := time.Now()

	// Bounded by the task timeout set in NewScanDrawingTask
	outcome, err := c.scanner.ScanDrawing(ctx, &job)
	if err != nil {
		return c.taskError(job.JobID, err)
	}

	log.Printf("[Job %s] Drawing scan completed in %v: pages=%d, failed=%d, items=%d",
		job.JobID, time.Since(startTime), len(outcome.Pages), len(outcome.FailedPage), outcome.ItemCount)
	return nil
}

func (c *Consumer) handleScanPage(ctx context.Context, task *asynq.Task) error {
	var job scan.PageJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal page scan: %v: %w", err, asynq.SkipRetry)
	}

	timeout := processingTimeout(c.config.ProcessingTimeout)
	err := withTimeout(ctx, job.JobID, timeout, func(ctx context.Context) error {
		_, err := c.scanner.ScanPage(ctx, &job)
		return err
	})
	if err != nil {
		return c.taskError(job.JobID, err)
	}

	log.Printf("[Job %s] Page scan completed: drawing=%s page=%d", job.JobID, job.DrawingID, job.Page)
	return nil
}

// taskError marks permanent failures so asynq does not retry them
func (c *Consumer) taskError(jobID string, err error) error {
	log.Printf("[Job %s] Scan failed: %v", jobID, err)
	if !isRetryable(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// GetStatistics reports the consumer's queue and concurrency
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
