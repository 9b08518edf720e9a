package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/adverant/nexus/drawingextract-worker/internal/clients"
	"github.com/adverant/nexus/drawingextract-worker/internal/config"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/tesseract"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	_ = godotenv.Load(".env.drawingextract")
	logging.SetOutput(os.Stderr)
	logging.SetLevel(os.Getenv("LOG_LEVEL"))

	if err := newCLIApp(newPipeline).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newPipeline builds a local pipeline: Tesseract plus, unless ocrOnly, the
// vision provider configured through the environment.
func newPipeline(ctx context.Context, c *cli.Context, ocrOnly bool) (processor.Extractor, error) {
	cfg := &processor.PipelineConfig{
		Recognizer:   tesseract.NewTesseractOCR(&tesseract.TesseractConfig{Language: os.Getenv("TESSERACT_LANGUAGE")}),
		MaxImageSize: 50 << 20,
		Logger:       logging.NewLogger("extractctl"),
	}

	if !ocrOnly {
		model, err := clients.NewVisionModel(ctx, &config.Config{
			VisionProvider:      c.String("provider"),
			AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicModel:      os.Getenv("ANTHROPIC_MODEL"),
			GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
			GeminiModel:         os.Getenv("GEMINI_MODEL"),
			MageAgentURL:        os.Getenv("MAGEAGENT_URL"),
			VisionMaxTokens:     4000,
			VisionRatePerMinute: 30,
		})
		if err != nil {
			return nil, err
		}

		vision, err := processor.NewVisionAnalyzer(model, cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Vision = vision
	}

	return processor.NewPipeline(cfg)
}
