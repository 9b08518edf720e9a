package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
)

type fakeScanner struct {
	pageJobs    []*scan.PageJob
	drawingJobs []*scan.DrawingJob
	err         error
	block       bool
}

func (f *fakeScanner) ScanPage(ctx context.Context, job *scan.PageJob) (*scan.PageOutcome, error) {
	f.pageJobs = append(f.pageJobs, job)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &scan.PageOutcome{JobID: job.JobID, Page: job.Page}, nil
}

func (f *fakeScanner) ScanDrawing(_ context.Context, job *scan.DrawingJob) (*scan.DrawingOutcome, error) {
	f.drawingJobs = append(f.drawingJobs, job)
	if f.err != nil {
		return nil, f.err
	}
	return &scan.DrawingOutcome{JobID: job.JobID, DrawingID: job.DrawingID}, nil
}

func TestPagePayload_UnmarshalBase64(t *testing.T) {
	raw := `{"jobId":"j1","userId":"u1","drawingId":"d1","page":2,"pageImage":"iVBORw==","region":{"x":10,"y":20,"width":30,"height":40,"page":2}}`

	var p PagePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, 2, p.Page)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, p.PageImage)
	require.NotNil(t, p.Region)
	assert.Equal(t, 30, p.Region.Width)
}

func TestPagePayload_UnmarshalNodeBuffer(t *testing.T) {
	raw := `{"jobId":"j1","pageImage":{"type":"Buffer","data":[137,80,78,71]}}`

	var p PagePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, p.PageImage)
}

func TestPagePayload_UnmarshalInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad base64", `{"pageImage":"***"}`},
		{"wrong buffer type", `{"pageImage":{"type":"Blob","data":[1]}}`},
		{"missing data", `{"pageImage":{"type":"Buffer"}}`},
		{"byte out of range", `{"pageImage":{"type":"Buffer","data":[300]}}`},
		{"number", `{"pageImage":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p PagePayload
			assert.Error(t, json.Unmarshal([]byte(tt.raw), &p))
		})
	}
}

func TestRedisJobData_RequeueKeepsPageImage(t *testing.T) {
	job := RedisJobData{
		ID:         "q-1",
		Payload:    PagePayload{JobID: "j1", Page: 1, PageImage: []byte{1, 2, 3}},
		Attempts:   1,
		MaxRetries: 3,
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var back RedisJobData
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []byte{1, 2, 3}, back.Payload.PageImage)
	assert.Equal(t, 1, back.Attempts)
}

func TestPagePayload_ToPageJob(t *testing.T) {
	p := PagePayload{JobID: "j1", UserID: "u1", DrawingID: "d1", Page: 3, DivisionID: 20, PageImage: []byte{1}}

	job := p.toPageJob()
	assert.Equal(t, "j1", job.JobID)
	assert.Equal(t, 3, job.Page)
	assert.Equal(t, 20, job.DivisionID)
	assert.Equal(t, []byte{1}, job.PageData)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(errors.NewInsufficientCreditsError(0, "")))
	assert.False(t, isRetryable(errors.NewInvalidRequestError("bad")))
	assert.True(t, isRetryable(errors.NewExternalServiceError("vision", nil)))
	assert.True(t, isRetryable(stderrors.New("connection reset")))
}

func TestWithTimeout_ReportsProcessingTimeout(t *testing.T) {
	err := withTimeout(context.Background(), "j1", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.True(t, errors.HasCode(err, errors.ErrorProcessingTimeout))
}

func TestWithTimeout_PassesThroughErrors(t *testing.T) {
	cause := errors.NewStorageFailedError("j1", nil)
	err := withTimeout(context.Background(), "j1", time.Second, func(context.Context) error {
		return cause
	})
	assert.Equal(t, cause, err)
}

func TestDescribeFailure(t *testing.T) {
	m := describeFailure(errors.NewInsufficientCreditsError(0, "/credits"))
	assert.Equal(t, "INSUFFICIENT_CREDITS", m["error_code"])

	m = describeFailure(stderrors.New("plain"))
	assert.Equal(t, "plain", m["error"])
}

func TestStatusEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := statusEvent("j1", "completed", at)

	assert.Equal(t, "job:completed", ev["event"])
	assert.Equal(t, "j1", ev["jobId"])
	assert.Equal(t, "2026-03-01T12:00:00Z", ev["timestamp"])
	assert.Equal(t, "drawingextract:jobs:events", queueKey("drawingextract:jobs", "events"))
}

func TestHandleScanDrawing(t *testing.T) {
	scanner := &fakeScanner{}
	c := &Consumer{scanner: scanner, config: &ConsumerConfig{QueueName: "bulk"}}

	task, err := NewScanDrawingTask(&scan.DrawingJob{JobID: "b1", UserID: "u1", DrawingID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, TypeScanDrawing, task.Type())

	require.NoError(t, c.handleScanDrawing(context.Background(), task))
	require.Len(t, scanner.drawingJobs, 1)
	assert.Equal(t, "d1", scanner.drawingJobs[0].DrawingID)
}

func TestHandleScanDrawing_SkipsRetryWithoutCredits(t *testing.T) {
	scanner := &fakeScanner{err: errors.NewInsufficientCreditsError(0, "")}
	c := &Consumer{scanner: scanner, config: &ConsumerConfig{QueueName: "bulk"}}

	task, err := NewScanDrawingTask(&scan.DrawingJob{JobID: "b1", UserID: "u1", DrawingID: "d1"})
	require.NoError(t, err)

	err = c.handleScanDrawing(context.Background(), task)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
	assert.True(t, errors.HasCode(err, errors.ErrorInsufficientCredits))
}

func TestHandleScanPage_RetriesTransientErrors(t *testing.T) {
	scanner := &fakeScanner{err: errors.NewExternalServiceError("vision", nil)}
	c := &Consumer{scanner: scanner, config: &ConsumerConfig{QueueName: "bulk"}}

	task, err := NewScanPageTask(&scan.PageJob{JobID: "p1", UserID: "u1", DrawingID: "d1", Page: 1})
	require.NoError(t, err)

	err = c.handleScanPage(context.Background(), task)
	require.Error(t, err)
	assert.False(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestHandleScanPage_Timeout(t *testing.T) {
	scanner := &fakeScanner{block: true}
	c := &Consumer{scanner: scanner, config: &ConsumerConfig{QueueName: "bulk", ProcessingTimeout: 10}}

	task, err := NewScanPageTask(&scan.PageJob{JobID: "p1", UserID: "u1", DrawingID: "d1", Page: 1})
	require.NoError(t, err)

	err = c.handleScanPage(context.Background(), task)
	assert.True(t, errors.HasCode(err, errors.ErrorProcessingTimeout))
}

func TestHandleScanPage_BadPayload(t *testing.T) {
	c := &Consumer{scanner: &fakeScanner{}, config: &ConsumerConfig{QueueName: "bulk"}}

	err := c.handleScanPage(context.Background(), asynq.NewTask(TypeScanPage, []byte("{not json")))
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))
}

func TestNewScanTasks_RequireJobID(t *testing.T) {
	_, err := NewScanDrawingTask(&scan.DrawingJob{})
	assert.Error(t, err)
	_, err = NewScanPageTask(nil)
	assert.Error(t, err)
}

func TestConsumer_GetStatistics(t *testing.T) {
	c := &Consumer{scanner: &fakeScanner{}, config: &ConsumerConfig{QueueName: "bulk", Concurrency: 3}}

	assert.Equal(t, map[string]interface{}{"concurrency": 3, "queue": "bulk"}, c.GetStatistics())
}

func TestRedisConsumer_GetStats(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	queue := "drawingextract:test:" + time.Now().Format("150405.000000")
	c, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: url, QueueName: queue, Scanner: &fakeScanner{}})
	require.NoError(t, err)

	ctx := context.Background()
	t.Cleanup(func() {
		c.client.Del(ctx, queue, queueKey(queue, "failed"))
		c.client.Close()
	})
	require.NoError(t, c.client.LPush(ctx, queue, "a", "b").Err())
	require.NoError(t, c.client.SAdd(ctx, queueKey(queue, "failed"), "j1").Err())

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["waiting"])
	assert.Equal(t, int64(1), stats["failed"])
	assert.Equal(t, int64(0), stats["processing"])
}
