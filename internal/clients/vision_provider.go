package clients

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/drawingextract-worker/internal/config"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// NewVisionModel builds the adapter for cfg.VisionProvider, wrapped in the
// per-minute rate limit.
func NewVisionModel(ctx context.Context, cfg *config.Config) (*LimitedVisionModel, error) {
	var (
		model processor.VisionModel
		err   error
	)

	switch cfg.VisionProvider {
	case config.VisionProviderAnthropic, "":
		model, err = NewAnthropicVisionClient(&AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.VisionMaxTokens,
		})
	case config.VisionProviderGemini:
		model, err = NewGeminiVisionClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case config.VisionProviderMageAgent:
		model = NewMageAgentClient(cfg.MageAgentURL)
	default:
		return nil, fmt.Errorf("unknown vision provider %q", cfg.VisionProvider)
	}
	if err != nil {
		return nil, err
	}

	rate := cfg.VisionRatePerMinute
	if rate < 1 {
		rate = 30
	}
	return NewLimitedVisionModel(PerMinute(rate), model), nil
}

// Close releases the wrapped adapter's resources when it holds any
func (m *LimitedVisionModel) Close() error {
	if closer, ok := m.model.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
