package clients

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// LimitedVisionModel throttles calls to a wrapped vision model
type LimitedVisionModel struct {
	limiter *rate.Limiter
	model   processor.VisionModel
}

// NewLimitedVisionModel wraps model with a limiter; a nil limiter passes calls through
func NewLimitedVisionModel(l *rate.Limiter, model processor.VisionModel) *LimitedVisionModel {
	return &LimitedVisionModel{
		limiter: l,
		model:   model,
	}
}

// PerMinute builds a limiter allowing n calls per minute with a burst of one
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}

func (m *LimitedVisionModel) CallVisionModel(ctx context.Context, image []byte, mimeType, systemPrompt, userPrompt string) (string, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	return m.model.CallVisionModel(ctx, image, mimeType, systemPrompt, userPrompt)
}

func (m *LimitedVisionModel) ModelName() string {
	return m.model.ModelName()
}
