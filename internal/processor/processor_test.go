package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
)

type fakeRecognizer struct {
	raw       *RawRecognition
	err       error
	lastImage []byte
}

func (f *fakeRecognizer) RecognizeLines(_ context.Context, image []byte) (*RawRecognition, error) {
	f.lastImage = image
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

func (f *fakeRecognizer) Name() string { return "fake-ocr" }

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, rec LineRecognizer, model VisionModel) *Pipeline {
	t.Helper()
	cfg := &PipelineConfig{Recognizer: rec}
	if model != nil {
		cfg.Vision = newTestAnalyzer(t, model)
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	n := 0
	p.newCalloutID = func() string {
		n++
		return "callout-" + string(rune('0'+n))
	}
	return p
}

func line(text string, conf float64, x, y int) RecognizedLine {
	return RecognizedLine{Text: text, Confidence: conf, Box: BoundingBox{X: x, Y: y, Width: 100, Height: 20}, HasBox: true}
}

func TestExtractRegionOrPage_OCROnly(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text:           "Electrical panel LP-1",
		Lines:          []RecognizedLine{line("Electrical panel LP-1", 0.95, 40, 60)},
		MeanConfidence: 0.95,
		Engine:         "fake-ocr",
	}}
	model := &fakeVisionModel{response: `{"extractedData": {}}`}
	p := newTestPipeline(t, rec, model)

	available := []divisions.Division{{ID: 1, Code: "03", Name: "Concrete"}, {ID: 2, Code: "26", Name: "Electrical"}}
	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 200, 100), Page: 2},
		AvailableDivisions: available,
		Sheet:              SheetMetadata{SheetName: "First Floor Power Plan"},
	})
	require.NoError(t, err)

	assert.False(t, got.Escalation.Required)
	assert.Equal(t, 0, model.callCount())
	assert.Equal(t, MethodOCR, got.Summary.Method)
	assert.Equal(t, 0, got.Summary.AIItemCount)
	assert.Equal(t, 100, got.Summary.CostSavingsPercent)
	assert.False(t, got.Summary.AIInvoked)

	require.Len(t, got.Items, 1)
	item := got.Items[0]
	assert.Equal(t, "26", item.Division.Code)
	assert.Equal(t, "Page 2 (40,60)", item.DrawingLocation)
	assert.Equal(t, "callout-1", item.CalloutID)
	assert.Equal(t, "Electrical panel LP-1", got.FullText)
}

func TestExtractRegionOrPage_PartialEscalation(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text: "Electrical panel LP-1\nStl bm W1-",
		Lines: []RecognizedLine{
			line("Electrical panel LP-1", 0.95, 0, 0),
			line("Stl bm W1-", 0.5, 0, 30),
		},
		MeanConfidence: 0.8,
	}}
	model := &fakeVisionModel{response: `{"extractedData": {
		"6": [{"itemName": "Steel W18x35 Beam", "location": {"coordinates": {"x": 5, "y": 35, "width": 90, "height": 20}}}],
		"20": [{"itemName": "electrical PANEL lp-1", "confidence": 0.99}]
	}}`}
	p := newTestPipeline(t, rec, model)

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 200, 100), Page: 1},
		AvailableDivisions: divisions.Seed(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, model.callCount())
	assert.Contains(t, model.lastUser, "Stl bm W1-")
	assert.Equal(t, ReasonItemsNeedVerification, got.Summary.EscalationReason)
	assert.True(t, got.Summary.AIInvoked)
	assert.Equal(t, "fake-vision", got.Summary.ModelUsed)

	require.Len(t, got.Items, 2)
	assert.Equal(t, SourceOCR, got.Items[0].Source)
	assert.Equal(t, "Electrical panel LP-1", got.Items[0].ItemName)
	assert.Equal(t, "Steel W18x35 Beam", got.Items[1].ItemName)
	assert.Equal(t, "05 00 00", got.Items[1].Division.Code)

	assert.Equal(t, MethodHybrid, got.Summary.Method)
	assert.Equal(t, 1, got.Summary.OCRItemCount)
	assert.Equal(t, 1, got.Summary.AIItemCount)
	assert.Equal(t, 50, got.Summary.CostSavingsPercent)
}

func TestExtractRegionOrPage_RegionScopesAndOffsets(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text:           "Copper pipe run",
		Lines:          []RecognizedLine{line("Copper pipe run", 0.95, 10, 10)},
		MeanConfidence: 0.95,
	}}
	p := newTestPipeline(t, rec, nil)

	region := &Region{X: 100, Y: 50, Width: 200, Height: 100, Page: 3}
	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 400, 300), Page: 3},
		Region:             region,
		AvailableDivisions: divisions.Seed(),
	})
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(rec.lastImage))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 100, cfg.Height)

	require.Len(t, got.Items, 1)
	assert.Equal(t, BoundingBox{X: 110, Y: 60, Width: 100, Height: 20}, got.Items[0].Location)
	assert.Equal(t, "Page 3 (110,60)", got.Items[0].DrawingLocation)
	assert.Equal(t, "22 00 00", got.Items[0].Division.Code)
	assert.Equal(t, region, got.Region)
}

func TestExtractRegionOrPage_RegionClippedToPage(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text:           "Copper pipe run",
		Lines:          []RecognizedLine{line("Copper pipe run", 0.95, 10, 10)},
		MeanConfidence: 0.95,
	}}
	p := newTestPipeline(t, rec, nil)

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 400, 300), Page: 1},
		Region:             &Region{X: -40, Y: -20, Width: 140, Height: 120, Page: 1},
		AvailableDivisions: divisions.Seed(),
	})
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(rec.lastImage))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 100, cfg.Height)

	require.Len(t, got.Items, 1)
	assert.Equal(t, BoundingBox{X: 10, Y: 10, Width: 100, Height: 20}, got.Items[0].Location)
	assert.Equal(t, "Page 1 (10,10)", got.Items[0].DrawingLocation)
	assert.Equal(t, &Region{X: 0, Y: 0, Width: 100, Height: 100, Page: 1}, got.Region)
}

func TestExtractRegionOrPage_DivisionContextIsFallback(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Lines:          []RecognizedLine{line("Type B assembly", 0.95, 0, 0)},
		MeanConfidence: 0.95,
	}}
	p := newTestPipeline(t, rec, nil)
	selected := divisions.Division{ID: 10, Code: "09 00 00", Name: "09 - Finishes"}

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 50, 50)},
		DivisionContext:    &selected,
		AvailableDivisions: divisions.Seed(),
	})
	require.NoError(t, err)

	require.Len(t, got.Items, 1)
	assert.Equal(t, selected, got.Items[0].Division)
}

func TestExtractRegionOrPage_VisionFailureIsSurfaced(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Lines:          []RecognizedLine{line("Electrical panel", 0.3, 0, 0)},
		MeanConfidence: 0.3,
	}}
	model := &fakeVisionModel{err: errors.New("connection reset")}
	p := newTestPipeline(t, rec, model)

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		JobID:              "job-1",
		Page:               PageImageRef{Data: testPNG(t, 50, 50)},
		AvailableDivisions: divisions.Seed(),
	})

	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrorExternalService))

	var extractionErr *apperrors.ExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Equal(t, "job-1", extractionErr.JobID)
}

func TestExtractRegionOrPage_RecognizerFailureEscalatesFully(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("tessdata missing")}
	model := &fakeVisionModel{response: `{"extractedData": {"20": [{"itemName": "Panel LP-1", "confidence": 0.9}]}}`}
	p := newTestPipeline(t, rec, model)

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 50, 50)},
		AvailableDivisions: divisions.Seed(),
	})
	require.NoError(t, err)

	assert.True(t, got.Escalation.Full)
	assert.Equal(t, ReasonRecognitionFailed, got.Summary.EscalationReason)
	assert.Equal(t, MethodAI, got.Summary.Method)
	assert.Equal(t, 0, got.Summary.CostSavingsPercent)
	assert.InDelta(t, 0.9, got.Summary.Confidence, 1e-9)
}

func TestExtractRegionOrPage_NoVisionModelConfigured(t *testing.T) {
	p := newTestPipeline(t, nil, nil)

	_, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page: PageImageRef{Data: testPNG(t, 50, 50)},
	})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrorExternalService))
}

func TestExtractRegionOrPage_InvalidInput(t *testing.T) {
	p := newTestPipeline(t, &fakeRecognizer{raw: &RawRecognition{}}, nil)
	page := PageImageRef{Data: testPNG(t, 100, 100)}

	tests := []struct {
		name     string
		req      *ExtractRequest
		wantCode apperrors.ErrorCode
	}{
		{"nil request", nil, apperrors.ErrorInvalidRequest},
		{"no page source", &ExtractRequest{}, apperrors.ErrorInvalidRequest},
		{"pdf page", &ExtractRequest{Page: PageImageRef{Data: []byte("%PDF-1.7 ...")}}, apperrors.ErrorInvalidRequest},
		{"empty region", &ExtractRequest{Page: page, Region: &Region{Width: 0, Height: 20}}, apperrors.ErrorInvalidSelection},
		{"region off page", &ExtractRequest{Page: page, Region: &Region{X: 500, Y: 500, Width: 20, Height: 20}}, apperrors.ErrorInvalidSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ExtractRegionOrPage(context.Background(), tt.req)
			assert.True(t, apperrors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestPageLoader_RetriesDownload(t *testing.T) {
	page := testPNG(t, 10, 10)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	p := newTestPipeline(t, nil, nil)
	p.loader.backoffBase = time.Microsecond

	data, mimeType, err := p.loader.load(context.Background(), "job-1", PageImageRef{URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, page, data)
	assert.Equal(t, "image/png", mimeType)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

type fakeFetcher struct{ data []byte }

func (f *fakeFetcher) FetchPage(_ context.Context, drawingID string, page int) ([]byte, string, error) {
	if drawingID != "dwg-1" || page != 4 {
		return nil, "", errors.New("not found")
	}
	return f.data, "image/png", nil
}

func TestPageLoader_FetchesByDrawingID(t *testing.T) {
	l := newPageLoader(&fakeFetcher{data: testPNG(t, 10, 10)}, 0, logging.NewLogger("PageLoaderTest"))

	data, mimeType, err := l.load(context.Background(), "job", PageImageRef{DrawingID: "dwg-1", Page: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, "image/png", mimeType)

	_, _, err = l.load(context.Background(), "job", PageImageRef{DrawingID: "dwg-1", Page: 5})
	assert.Error(t, err)
}

func TestPageLoader_MaxSize(t *testing.T) {
	l := newTestPipeline(t, nil, nil).loader
	l.maxSize = 10

	_, _, err := l.load(context.Background(), "job", PageImageRef{Data: testPNG(t, 20, 20)})
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestExtractRegionOrPage_RequirementsPass(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text:           "Electrical panel LP-1",
		Lines:          []RecognizedLine{line("Electrical panel LP-1", 0.95, 40, 60)},
		MeanConfidence: 0.95,
	}}
	vision := &fakeVisionModel{response: `{"extractedData": {}}`}
	reqModel := &fakeVisionModel{response: `{"requirements": [
		{"id": "r1", "content": "Panels rated 225A minimum"},
		{"id": "r2", "content": "Label all circuits"}
	]}`}
	p := newTestPipeline(t, rec, vision)
	p.requirements = newTestRequirementsAnalyzer(t, reqModel)

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:                PageImageRef{Data: testPNG(t, 200, 100), Page: 1},
		AvailableDivisions:  divisions.Seed(),
		AnalyzeRequirements: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, vision.callCount())
	assert.Equal(t, 1, reqModel.callCount())
	assert.Contains(t, reqModel.lastUser, "Electrical panel LP-1")
	assert.True(t, got.Summary.AIInvoked)

	require.NotNil(t, got.Requirements)
	assert.Equal(t, 2, got.Requirements.Count())

	require.NotNil(t, got.Summary.Insights)
	assert.Equal(t, 3, got.Summary.Insights.TotalDataPoints)
	assert.Equal(t, 50, got.Summary.Insights.RequirementsCoverage)
	assert.Equal(t, QualityPoor, got.Summary.Insights.ExtractionQuality)
}

func TestExtractRegionOrPage_RequirementsPassDegrades(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text:           "Electrical panel LP-1",
		Lines:          []RecognizedLine{line("Electrical panel LP-1", 0.95, 40, 60)},
		MeanConfidence: 0.95,
	}}

	tests := []struct {
		name     string
		analyzer func(t *testing.T) *RequirementsAnalyzer
	}{
		{"no analyzer", func(*testing.T) *RequirementsAnalyzer { return nil }},
		{"call fails", func(t *testing.T) *RequirementsAnalyzer {
			return newTestRequirementsAnalyzer(t, &fakeVisionModel{err: errors.New("overloaded")})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, rec, &fakeVisionModel{response: `{"extractedData": {}}`})
			p.requirements = tt.analyzer(t)

			got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
				Page:                PageImageRef{Data: testPNG(t, 200, 100), Page: 1},
				AvailableDivisions:  divisions.Seed(),
				AnalyzeRequirements: true,
			})
			require.NoError(t, err)

			assert.Nil(t, got.Requirements)
			assert.False(t, got.Summary.AIInvoked)
			require.NotNil(t, got.Summary.Insights)
			assert.Equal(t, 0, got.Summary.Insights.RequirementsCoverage)
			assert.Equal(t, 1, got.Summary.Insights.TotalDataPoints)
		})
	}
}

func TestExtractRegionOrPage_RequirementsPassIsOptIn(t *testing.T) {
	rec := &fakeRecognizer{raw: &RawRecognition{
		Text:           "Electrical panel LP-1",
		Lines:          []RecognizedLine{line("Electrical panel LP-1", 0.95, 40, 60)},
		MeanConfidence: 0.95,
	}}
	reqModel := &fakeVisionModel{response: `{"requirements": []}`}
	p := newTestPipeline(t, rec, &fakeVisionModel{response: `{"extractedData": {}}`})
	p.requirements = newTestRequirementsAnalyzer(t, reqModel)

	got, err := p.ExtractRegionOrPage(context.Background(), &ExtractRequest{
		Page:               PageImageRef{Data: testPNG(t, 200, 100), Page: 1},
		AvailableDivisions: divisions.Seed(),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, reqModel.callCount())
	assert.Nil(t, got.Summary.Insights)
	assert.Nil(t, got.Requirements)
}
