package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/notify"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
)

const electricalID = 20 // "26 00 00" in the seed taxonomy

type fakeExtractor struct {
	calls  int32
	gate   chan struct{}
	result *processor.ExtractionRunResult
	err    error
	last   *processor.ExtractRequest
}

func (f *fakeExtractor) ExtractRegionOrPage(_ context.Context, req *processor.ExtractRequest) (*processor.ExtractionRunResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.last = req
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCredits struct {
	balance float64
	err     error
	debits  int32
}

func (f *fakeCredits) Balance(context.Context, string) (float64, error) {
	return f.balance, f.err
}

func (f *fakeCredits) DebitForRun(context.Context, string, string, time.Duration) error {
	atomic.AddInt32(&f.debits, 1)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	metas   []*storage.ExtractionMeta
	deleted []string
	err     error
	// onPersist runs inside PersistExtraction, outside the store lock
	onPersist func()
}

func (f *fakeStore) PersistExtraction(_ context.Context, meta *storage.ExtractionMeta, items []processor.ResultItem) ([]string, error) {
	if f.onPersist != nil {
		f.onPersist()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.metas = append(f.metas, meta)
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = "item-" + items[i].CalloutID
	}
	return ids, nil
}

func (f *fakeStore) DeleteItem(_ context.Context, itemID string) (*storage.ItemRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, itemID)
	return &storage.ItemRecord{}, nil
}

func (f *fakeStore) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type sent struct {
	kind        notify.Kind
	title       string
	description string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeNotifier) NotifyUser(_ context.Context, _ string, kind notify.Kind, title, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{kind: kind, title: title, description: description})
	return nil
}

func (f *fakeNotifier) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type harness struct {
	m        *Machine
	ext      *fakeExtractor
	credits  *fakeCredits
	store    *fakeStore
	notifier *fakeNotifier

	mu     sync.Mutex
	resets []func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ext: &fakeExtractor{result: &processor.ExtractionRunResult{
			Items: []processor.ResultItem{{ItemName: "Panel LP-1", Confidence: 0.92, CalloutID: "c1", Source: processor.SourceOCR}},
			Summary: processor.RunSummary{
				Method:             processor.MethodOCR,
				OCRItemCount:       1,
				CostSavingsPercent: 100,
				Confidence:         0.92,
			},
		}},
		credits:  &fakeCredits{balance: 5},
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
	}

	m, err := NewMachine(&Session{
		ID:          "s1",
		UserID:      "u1",
		DrawingID:   "d1",
		Page:        processor.PageImageRef{Page: 2},
		Extractor:   h.ext,
		Credits:     h.credits,
		Debits:      h.credits,
		Store:       h.store,
		Notifier:    h.notifier,
		PurchaseURL: "/credits/purchase",
	})
	require.NoError(t, err)

	m.after = func(_ time.Duration, f func()) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.resets = append(h.resets, f)
	}
	h.m = m
	return h
}

func (h *harness) fireResets() {
	h.mu.Lock()
	resets := h.resets
	h.resets = nil
	h.mu.Unlock()
	for _, f := range resets {
		f()
	}
}

func (h *harness) drag(from, to Point) bool {
	h.m.PointerDown(from)
	h.m.PointerMove(to)
	return h.m.PointerUp(to)
}

func (h *harness) selectElectrical(t *testing.T) {
	t.Helper()
	_, err := h.m.SelectDivision(electricalID)
	require.NoError(t, err)
}

func TestNewMachine_Validation(t *testing.T) {
	_, err := NewMachine(nil)
	assert.Error(t, err)

	_, err = NewMachine(&Session{ID: "s1", UserID: "u1", DrawingID: "d1"})
	assert.Error(t, err, "collaborators are required")
}

func TestPointerDown_IgnoredWithoutDivision(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.m.PointerDown(Point{X: 10, Y: 10}))
	assert.Equal(t, PhaseIdle, h.m.State().Phase)
	assert.Nil(t, h.m.State().Region)
}

func TestSelectDivision_Unknown(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.SelectDivision(999)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorInvalidSelection))
}

func TestSelecting_NormalisesRectangle(t *testing.T) {
	h := newHarness(t)
	h.selectElectrical(t)

	require.True(t, h.m.PointerDown(Point{X: 100, Y: 100}))
	require.True(t, h.m.PointerMove(Point{X: 40, Y: 160}))

	st := h.m.State()
	assert.Equal(t, PhaseSelecting, st.Phase)
	require.NotNil(t, st.Region)
	assert.Equal(t, processor.Region{X: 40, Y: 100, Width: 60, Height: 60, Page: 2}, *st.Region)
	require.NotNil(t, st.Division)
	assert.Equal(t, "26 00 00", st.Division.Code)
}

func TestSmallSelection_ReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.selectElectrical(t)

	started := h.drag(Point{X: 50, Y: 50}, Point{X: 55, Y: 70}) // 5 x 20
	h.m.Wait()

	assert.False(t, started)
	assert.Equal(t, PhaseIdle, h.m.State().Phase)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.ext.calls))
	assert.Empty(t, h.notifier.all())
}

func TestInsufficientCredits_NotifiesOnceWithoutExtracting(t *testing.T) {
	h := newHarness(t)
	h.credits.balance = 0
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 10}, Point{X: 200, Y: 120}))
	h.m.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&h.ext.calls))

	sent := h.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindError, sent[0].kind)
	assert.Equal(t, "Insufficient AI Credits", sent[0].title)
	assert.Contains(t, sent[0].description, "/credits/purchase")

	st := h.m.State()
	assert.Equal(t, PhaseDiscarded, st.Phase)
	assert.Nil(t, st.Region)

	h.fireResets()
	assert.Equal(t, PhaseIdle, h.m.State().Phase)
}

func TestSuccessfulCapture_PersistsAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Wait()

	req := h.ext.last
	require.NotNil(t, req)
	require.NotNil(t, req.Region)
	assert.Equal(t, processor.Region{X: 10, Y: 20, Width: 200, Height: 120, Page: 2}, *req.Region)
	require.NotNil(t, req.DivisionContext)
	assert.Equal(t, electricalID, req.DivisionContext.ID)
	assert.Equal(t, "d1", req.Page.DrawingID)

	require.Len(t, h.store.metas, 1)
	meta := h.store.metas[0]
	assert.Equal(t, storage.ExtractionTypeManual, meta.ExtractionType)
	assert.Equal(t, "s1", meta.SessionID)
	assert.Equal(t, 2, meta.Page)

	sent := h.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindInfo, sent[0].kind)
	assert.Contains(t, sent[0].description, "10 characters")
	assert.Contains(t, sent[0].description, "92% confidence")

	st := h.m.State()
	assert.Equal(t, PhaseCommitted, st.Phase)
	assert.Equal(t, []string{"item-c1"}, st.ItemIDs)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.credits.debits), "text-only runs are free")

	h.fireResets()
	st = h.m.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	require.NotNil(t, st.Division, "division stays selected for the next gesture")
	assert.True(t, h.m.PointerDown(Point{X: 1, Y: 1}))
}

func TestSuccessfulCapture_DebitsWhenVisionRan(t *testing.T) {
	h := newHarness(t)
	h.ext.result.Summary.AIInvoked = true
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.credits.debits))
}

func TestFailedExtraction_Discards(t *testing.T) {
	h := newHarness(t)
	h.ext.err = apperrors.NewExternalServiceError("vision model", errors.New("quota exceeded"))
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Wait()

	sent := h.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindError, sent[0].kind)
	assert.Equal(t, "Extraction Failed", sent[0].title)
	assert.Contains(t, sent[0].description, "quota exceeded")
	assert.NotContains(t, sent[0].description, "EXTERNAL_SERVICE_ERROR")

	st := h.m.State()
	assert.Equal(t, PhaseDiscarded, st.Phase)
	assert.Nil(t, st.Region)
	assert.Empty(t, h.store.metas)
}

func TestPersistFailure_Discards(t *testing.T) {
	h := newHarness(t)
	h.store.err = apperrors.NewStorageFailedError("j1", errors.New("db down"))
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Wait()

	assert.Equal(t, PhaseDiscarded, h.m.State().Phase)
	sent := h.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.KindError, sent[0].kind)
}

func TestPointerDown_RejectedWhileExtracting(t *testing.T) {
	h := newHarness(t)
	h.ext.gate = make(chan struct{})
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	assert.Equal(t, PhaseExtracting, h.m.State().Phase)
	assert.False(t, h.m.PointerDown(Point{X: 300, Y: 300}))

	close(h.ext.gate)
	h.m.Wait()
	assert.Equal(t, PhaseCommitted, h.m.State().Phase)
}

func TestClear_DropsInFlightResult(t *testing.T) {
	h := newHarness(t)
	h.ext.gate = make(chan struct{})
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Clear()
	assert.Equal(t, PhaseIdle, h.m.State().Phase)

	close(h.ext.gate)
	h.m.Wait()

	assert.Equal(t, PhaseIdle, h.m.State().Phase)
	assert.Empty(t, h.store.metas, "cleared results are not committed")
	assert.Empty(t, h.notifier.all())
}

func TestClear_DuringSaveRemovesRows(t *testing.T) {
	h := newHarness(t)
	h.ext.result.Summary.AIInvoked = true
	h.store.onPersist = h.m.Clear
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Wait()

	assert.Equal(t, PhaseIdle, h.m.State().Phase)
	assert.Empty(t, h.m.State().ItemIDs)
	assert.Equal(t, []string{"item-c1"}, h.store.deletedIDs())
	assert.Empty(t, h.notifier.all())
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.credits.debits))
}

func TestStaleReset_DoesNotClobberNewGesture(t *testing.T) {
	h := newHarness(t)
	h.credits.balance = 0
	h.selectElectrical(t)

	require.True(t, h.drag(Point{X: 10, Y: 20}, Point{X: 210, Y: 140}))
	h.m.Wait()
	h.m.Clear()

	require.True(t, h.m.PointerDown(Point{X: 5, Y: 5}))
	h.fireResets()
	assert.Equal(t, PhaseSelecting, h.m.State().Phase)
}

func TestClose_IgnoresLaterEvents(t *testing.T) {
	h := newHarness(t)
	h.selectElectrical(t)
	h.m.Close()

	assert.False(t, h.m.PointerDown(Point{X: 1, Y: 1}))
	_, err := h.m.SelectDivision(electricalID)
	assert.Error(t, err)
}
