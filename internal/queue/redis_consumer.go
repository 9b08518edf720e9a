/**
 * Direct Redis Queue Consumer for the Drawing Extraction Worker
 *
 * Compatible with the TypeScript RedisQueue implementation used by the
 * drawings API: job ids are LPUSHed onto the queue list and the job body
 * lives in the "<queue>:data" hash.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
)

var errNoJobs = fmt.Errorf("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Payload    PagePayload `json:"payload"`
	CreatedAt  time.Time   `json:"createdAt"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"maxRetries"`
}

// PagePayload contains the page scan request
type PagePayload struct {
	JobID          string            `json:"jobId"`
	UserID         string            `json:"userId"`
	DrawingID      string            `json:"drawingId"`
	SessionID      string            `json:"sessionId,omitempty"`
	Page           int               `json:"page"`
	PageURL        string            `json:"pageUrl,omitempty"`
	MimeType       string            `json:"mimeType,omitempty"`
	Region         *processor.Region `json:"region,omitempty"`
	DivisionID     int               `json:"divisionId,omitempty"`
	ExtractionType string            `json:"extractionType,omitempty"`
	PageImage      []byte            `json:"-"` // Will be set by custom UnmarshalJSON
}

// UnmarshalJSON implements custom JSON unmarshaling for PagePayload to handle Buffer serialization
// Supports both base64 string format (new) and Node.js Buffer object format (legacy)
func (p *PagePayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias PagePayload
	aux := &struct {
		PageImage interface{} `json:"pageImage,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal PagePayload: %w", err)
	}

	if aux.PageImage == nil {
		return nil
	}

	switch v := aux.PageImage.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 pageImage: %w", err)
		}
		p.PageImage = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.PageImage = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.PageImage[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("pageImage must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes PageImage back as base64 so re-queued jobs keep their bytes
func (p PagePayload) MarshalJSON() ([]byte, error) {
	type Alias PagePayload
	aux := struct {
		Alias
		PageImage string `json:"pageImage,omitempty"`
	}{
		Alias: Alias(p),
	}
	if len(p.PageImage) > 0 {
		aux.PageImage = base64.StdEncoding.EncodeToString(p.PageImage)
	}
	return json.Marshal(aux)
}

// toPageJob converts the queue payload to a scan job
func (p *PagePayload) toPageJob() *scan.PageJob {
	return &scan.PageJob{
		JobID:          p.JobID,
		UserID:         p.UserID,
		DrawingID:      p.DrawingID,
		SessionID:      p.SessionID,
		Page:           p.Page,
		PageURL:        p.PageURL,
		PageData:       p.PageImage,
		MimeType:       p.MimeType,
		Region:         p.Region,
		DivisionID:     p.DivisionID,
		ExtractionType: p.ExtractionType,
	}
}

// RedisConsumer handles page scan jobs from a Redis list
type RedisConsumer struct {
	client  *redis.Client
	scanner Scanner
	config  *RedisConsumerConfig
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Scanner           Scanner
	ProcessingTimeout int64 // milliseconds (default: 180000 = 3 minutes)
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "drawingextract:jobs"
	}

	if cfg.Scanner == nil {
		return nil, fmt.Errorf("Scanner is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:  client,
		scanner: cfg.Scanner,
		config:  cfg,
		ctx:     consumerCtx,
		cancel:  cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if err != errNoJobs && c.ctx.Err() == nil {
					log.Printf("Worker %d error: %v", id, err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil || c.ctx.Err() != nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(job.Payload.JobID, id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = id
	}

	c.markProcessing(job.Payload.JobID)

	log.Printf("Processing job %s: drawing=%s page=%d", job.Payload.JobID, job.Payload.DrawingID, job.Payload.Page)

	outcome, err := c.processJob(&job)
	if err != nil {
		log.Printf("Job %s failed: %v", job.Payload.JobID, err)

		job.Attempts++
		if isRetryable(err) && job.Attempts < job.MaxRetries {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			log.Printf("Job %s re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
			return nil
		}

		failure := describeFailure(err)
		failure["attempts"] = job.Attempts
		c.markFailed(job.Payload.JobID, id, failure)
		return nil
	}

	c.markCompleted(job.Payload.JobID, outcome)
	log.Printf("Job %s completed successfully", job.Payload.JobID)
	return nil
}

// processJob runs the scan under the processing timeout
func (c *RedisConsumer) processJob(job *RedisJobData) (*scan.PageOutcome, error) {
	var outcome *scan.PageOutcome
	timeout := processingTimeout(c.config.ProcessingTimeout)

	err := withTimeout(c.ctx, job.Payload.JobID, timeout, func(ctx context.Context) error {
		var err error
		outcome, err = c.scanner.ScanPage(ctx, job.Payload.toPageJob())
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (c *RedisConsumer) markProcessing(jobID string) {
	c.client.SAdd(c.ctx, c.key("processing"), jobID)
	c.publishStatus(jobID, "processing")
}

func (c *RedisConsumer) markCompleted(jobID string, outcome *scan.PageOutcome) {
	pipe := c.client.TxPipeline()
	pipe.SRem(c.ctx, c.key("processing"), jobID)
	pipe.SAdd(c.ctx, c.key("completed"), jobID)
	if outcome != nil {
		resultData, _ := json.Marshal(outcome)
		pipe.HSet(c.ctx, c.key("results"), jobID, resultData)
	}
	if _, err := pipe.Exec(c.ctx); err != nil {
		log.Printf("[Job %s] Warning: Failed to record completion in Redis: %v", jobID, err)
	}
	c.publishStatus(jobID, "completed")
}

func (c *RedisConsumer) markFailed(jobID, queueID string, failure map[string]interface{}) {
	if jobID == "" {
		jobID = queueID
	}
	pipe := c.client.TxPipeline()
	pipe.SRem(c.ctx, c.key("processing"), jobID)
	pipe.SAdd(c.ctx, c.key("failed"), jobID)
	errorData, _ := json.Marshal(failure)
	pipe.HSet(c.ctx, c.key("errors"), jobID, errorData)
	if _, err := pipe.Exec(c.ctx); err != nil {
		log.Printf("[Job %s] Warning: Failed to record failure in Redis: %v", jobID, err)
	}
	c.publishStatus(jobID, "failed")
}

// publishStatus publishes a job event for WebSocket streaming
func (c *RedisConsumer) publishStatus(jobID, status string) {
	eventData, _ := json.Marshal(statusEvent(jobID, status, time.Now()))
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

func (c *RedisConsumer) key(suffix string) string {
	return queueKey(c.config.QueueName, suffix)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func queueKey(queue, suffix string) string {
	return fmt.Sprintf("%s:%s", queue, suffix)
}

func statusEvent(jobID, status string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
}
