package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/drawingextract-worker/internal/clients"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
)

type fakeExtractor struct {
	mu       sync.Mutex
	requests []*processor.ExtractRequest
	result   *processor.ExtractionRunResult
	failPage int
}

func (f *fakeExtractor) ExtractRegionOrPage(_ context.Context, req *processor.ExtractRequest) (*processor.ExtractionRunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failPage > 0 && req.Page.Page == f.failPage {
		return nil, apperrors.NewExternalServiceError("vision", errors.New("boom"))
	}
	return f.result, nil
}

type fakeCredits struct {
	balance    float64
	balanceErr error
	debits     []time.Duration
	operations []string
}

func (f *fakeCredits) Balance(context.Context, string) (float64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeCredits) DebitForRun(_ context.Context, _ string, operation string, d time.Duration) error {
	f.debits = append(f.debits, d)
	f.operations = append(f.operations, operation)
	return nil
}

type fakeDrawings struct {
	drawing *clients.Drawing
	err     error
}

func (f *fakeDrawings) GetDrawing(context.Context, string) (*clients.Drawing, error) {
	return f.drawing, f.err
}

type fakeStore struct {
	metas    []*storage.ExtractionMeta
	statuses []*storage.JobUpdate
	err      error
}

func (f *fakeStore) PersistExtraction(_ context.Context, meta *storage.ExtractionMeta, items []processor.ResultItem) ([]string, error) {
	if f.err != nil {
		return nil, apperrors.NewStorageFailedError(meta.JobID, f.err)
	}
	f.metas = append(f.metas, meta)
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = meta.JobID + "-item"
	}
	return ids, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, update *storage.JobUpdate) error {
	f.statuses = append(f.statuses, update)
	return nil
}

func (f *fakeStore) lastStatus() string {
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1].Status
}

type fakeEvents struct {
	events []string
}

func (f *fakeEvents) Publish(_ context.Context, event string, _ string, _ map[string]interface{}) error {
	f.events = append(f.events, event)
	return nil
}

func runResult(aiInvoked bool) *processor.ExtractionRunResult {
	return &processor.ExtractionRunResult{
		Items: []processor.ResultItem{{ItemName: "Panel LP-1", Confidence: 0.9, Source: processor.SourceOCR}},
		Summary: processor.RunSummary{
			Method:         processor.MethodOCR,
			OCRItemCount:   1,
			Confidence:     0.9,
			AIInvoked:      aiInvoked,
			ProcessingTime: 3 * time.Second,
		},
	}
}

func newTestService(t *testing.T, ext *fakeExtractor, credits *fakeCredits, drawings DrawingSource, store *fakeStore, events *fakeEvents) *Service {
	t.Helper()
	cfg := &Config{
		Extractor:   ext,
		Credits:     credits,
		Drawings:    drawings,
		Store:       store,
		PurchaseURL: "/credits/purchase",
	}
	if events != nil {
		cfg.Events = events
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil)
	assert.Error(t, err)

	_, err = NewService(&Config{Credits: &fakeCredits{}, Store: &fakeStore{}})
	assert.Error(t, err)

	_, err = NewService(&Config{Extractor: &fakeExtractor{}, Store: &fakeStore{}})
	assert.Error(t, err)
}

func TestScanPage_Success(t *testing.T) {
	ext := &fakeExtractor{result: runResult(false)}
	credits := &fakeCredits{balance: 10}
	drawings := &fakeDrawings{drawing: &clients.Drawing{
		ID:        "d1",
		PageCount: 2,
		Sheets:    []clients.Sheet{{Page: 1, SheetNumber: "E-101", SheetName: "Power Plan"}},
	}}
	store := &fakeStore{}
	events := &fakeEvents{}
	svc := newTestService(t, ext, credits, drawings, store, events)

	out, err := svc.ScanPage(context.Background(), &PageJob{
		JobID:      "job-1",
		UserID:     "u1",
		DrawingID:  "d1",
		Page:       1,
		DivisionID: 26,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1-item"}, out.ItemIDs)

	require.Len(t, ext.requests, 1)
	req := ext.requests[0]
	assert.Equal(t, "E-101", req.Sheet.SheetNumber)
	require.NotNil(t, req.DivisionContext)
	assert.Equal(t, 26, req.DivisionContext.ID)
	assert.NotEmpty(t, req.AvailableDivisions)
	assert.False(t, req.AnalyzeRequirements)

	require.Len(t, store.metas, 1)
	assert.Equal(t, storage.ExtractionTypeSmart, store.metas[0].ExtractionType)
	assert.Equal(t, StatusCompleted, store.lastStatus())
	assert.Empty(t, credits.debits, "text-only runs are not charged")
	assert.Equal(t, []string{"page:completed"}, events.events)
}

func TestScanPage_DebitsWhenVisionRan(t *testing.T) {
	credits := &fakeCredits{balance: 10}
	svc := newTestService(t, &fakeExtractor{result: runResult(true)}, credits, nil, &fakeStore{}, nil)

	_, err := svc.ScanPage(context.Background(), &PageJob{JobID: "job-1", UserID: "u1", DrawingID: "d1", Page: 1})
	require.NoError(t, err)

	require.Len(t, credits.debits, 1)
	assert.Equal(t, 3*time.Second, credits.debits[0])
	assert.Equal(t, OperationSmartExtraction, credits.operations[0])
}

func TestScanPage_RequirementsAnalysis(t *testing.T) {
	result := runResult(true)
	insights := processor.GenerateInsights(1, 2)
	result.Summary.Insights = &insights
	result.Requirements = &processor.RequirementsResult{
		Requirements: []processor.Requirement{{Content: "Panels rated 225A"}, {Content: "Label all circuits"}},
	}
	ext := &fakeExtractor{result: result}
	store := &fakeStore{}

	svc, err := NewService(&Config{
		Extractor:           ext,
		Credits:             &fakeCredits{balance: 10},
		Store:               store,
		AnalyzeRequirements: true,
	})
	require.NoError(t, err)

	_, err = svc.ScanPage(context.Background(), &PageJob{JobID: "job-1", UserID: "u1", DrawingID: "d1", Page: 1})
	require.NoError(t, err)

	require.Len(t, ext.requests, 1)
	assert.True(t, ext.requests[0].AnalyzeRequirements)

	metadata := store.statuses[len(store.statuses)-1].Metadata
	assert.Equal(t, &insights, metadata["insights"])
	assert.Equal(t, 2, metadata["requirementCount"])
}

func TestScanPage_InsufficientCredits(t *testing.T) {
	ext := &fakeExtractor{result: runResult(false)}
	store := &fakeStore{}
	svc := newTestService(t, ext, &fakeCredits{balance: 0}, nil, store, nil)

	_, err := svc.ScanPage(context.Background(), &PageJob{JobID: "job-1", UserID: "u1", DrawingID: "d1", Page: 1})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorInsufficientCredits))

	var extractionErr *apperrors.ExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Equal(t, "/credits/purchase", extractionErr.Details["action_url"])

	assert.Empty(t, ext.requests, "pipeline must not run without credits")
	assert.Equal(t, StatusFailed, store.lastStatus())
}

func TestScanPage_CreditServiceDown(t *testing.T) {
	svc := newTestService(t, &fakeExtractor{}, &fakeCredits{balanceErr: errors.New("refused")}, nil, &fakeStore{}, nil)

	_, err := svc.ScanPage(context.Background(), &PageJob{JobID: "job-1", UserID: "u1", DrawingID: "d1", Page: 1})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorExternalService))
}

func TestScanPage_StorageFailure(t *testing.T) {
	credits := &fakeCredits{balance: 10}
	store := &fakeStore{err: errors.New("db down")}
	svc := newTestService(t, &fakeExtractor{result: runResult(true)}, credits, nil, store, nil)

	_, err := svc.ScanPage(context.Background(), &PageJob{JobID: "job-1", UserID: "u1", DrawingID: "d1", Page: 1})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorStorageFailed))
	assert.Empty(t, credits.debits, "failed runs are not charged")
	assert.Equal(t, StatusFailed, store.lastStatus())
}

func TestScanPage_Validation(t *testing.T) {
	svc := newTestService(t, &fakeExtractor{}, &fakeCredits{balance: 1}, nil, &fakeStore{}, nil)

	tests := []struct {
		name string
		job  *PageJob
	}{
		{"nil job", nil},
		{"missing job id", &PageJob{UserID: "u", DrawingID: "d", Page: 1}},
		{"missing user", &PageJob{JobID: "j", DrawingID: "d", Page: 1}},
		{"page zero", &PageJob{JobID: "j", UserID: "u", DrawingID: "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ScanPage(context.Background(), tt.job)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrorInvalidRequest))
		})
	}
}

func TestScanDrawing_AllPages(t *testing.T) {
	ext := &fakeExtractor{result: runResult(true), failPage: 2}
	credits := &fakeCredits{balance: 5}
	drawings := &fakeDrawings{drawing: &clients.Drawing{ID: "d1", PageCount: 3}}
	store := &fakeStore{}
	events := &fakeEvents{}
	svc := newTestService(t, ext, credits, drawings, store, events)

	out, err := svc.ScanDrawing(context.Background(), &DrawingJob{JobID: "bulk-1", UserID: "u1", DrawingID: "d1"})
	require.NoError(t, err)

	assert.Len(t, ext.requests, 3)
	assert.Len(t, out.Pages, 2)
	assert.Equal(t, []int{2}, out.FailedPage)
	assert.Equal(t, 2, out.ItemCount)
	assert.Equal(t, "bulk-1-p1", out.Pages[0].JobID)

	for _, meta := range store.metas {
		assert.Equal(t, storage.ExtractionTypeBulk, meta.ExtractionType)
	}
	assert.Len(t, credits.debits, 2)
	assert.Equal(t, OperationBulkExtraction, credits.operations[0])
	assert.Equal(t, "scan:started", events.events[0])
	assert.Equal(t, "scan:completed", events.events[len(events.events)-1])
}

func TestScanDrawing_AggregateCreditCheck(t *testing.T) {
	ext := &fakeExtractor{result: runResult(false)}
	// 10 pages at 0.25 need 2.5 credits
	drawings := &fakeDrawings{drawing: &clients.Drawing{ID: "d1", PageCount: 10}}
	svc := newTestService(t, ext, &fakeCredits{balance: 2}, drawings, &fakeStore{}, nil)

	_, err := svc.ScanDrawing(context.Background(), &DrawingJob{JobID: "bulk-1", UserID: "u1", DrawingID: "d1"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorInsufficientCredits))
	assert.Empty(t, ext.requests)
}

func TestScanDrawing_EveryPageFails(t *testing.T) {
	ext := &fakeExtractor{result: runResult(false), failPage: 1}
	drawings := &fakeDrawings{drawing: &clients.Drawing{ID: "d1", PageCount: 1}}
	svc := newTestService(t, ext, &fakeCredits{balance: 2}, drawings, &fakeStore{}, nil)

	_, err := svc.ScanDrawing(context.Background(), &DrawingJob{JobID: "bulk-1", UserID: "u1", DrawingID: "d1"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorExternalService))
}

func TestScanDrawing_NeedsDrawingsService(t *testing.T) {
	svc := newTestService(t, &fakeExtractor{}, &fakeCredits{balance: 2}, nil, &fakeStore{}, nil)

	_, err := svc.ScanDrawing(context.Background(), &DrawingJob{JobID: "bulk-1", UserID: "u1", DrawingID: "d1"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorInvalidRequest))
}
