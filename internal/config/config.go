/**
 * Configuration for the Drawing Extraction Worker
 *
 * Loads configuration from environment variables matching .env.drawingextract
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Vision providers accepted by VISION_PROVIDER
const (
	VisionProviderAnthropic = "anthropic"
	VisionProviderGemini    = "gemini"
	VisionProviderMageAgent = "mageagent"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL      string
	QueueName     string
	BulkQueueName string
	NotifyChannel string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration (optional item index)
	QdrantURL        string
	QdrantCollection string
	VoyageAPIKey     string

	// Vision model
	VisionProvider      string
	AnthropicAPIKey     string
	AnthropicModel      string
	GeminiAPIKey        string
	GeminiModel         string
	MageAgentURL        string
	VisionRatePerMinute int
	VisionMaxTokens     int

	// Collaborator service URLs
	CreditsURL         string
	DrawingsURL        string
	PurchaseCreditsURL string
	ServiceToken       string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	MaxImageSize      int64

	// Capture sessions
	CaptureResetDelay time.Duration

	// Whole-drawing scans also run the requirements pass
	ScanRequirements bool

	// Tesseract configuration
	TesseractLanguage string

	// Division taxonomy override (YAML); empty uses the built-in list
	TaxonomyFile string

	// HTTP API
	HTTPAddr string

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:           getEnvOrDefault("QUEUE_NAME", "drawingextract:jobs"),
		BulkQueueName:       getEnvOrDefault("BULK_QUEUE_NAME", "drawingextract-bulk"),
		NotifyChannel:       getEnvOrDefault("NOTIFY_CHANNEL", "drawingextract:notifications"),
		DatabaseURL:         getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:           getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:    getEnvOrDefault("QDRANT_COLLECTION", "drawing_items"),
		VoyageAPIKey:        getEnvOrDefault("VOYAGE_API_KEY", ""),
		VisionProvider:      strings.ToLower(getEnvOrDefault("VISION_PROVIDER", VisionProviderAnthropic)),
		AnthropicAPIKey:     getEnvOrDefault("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      getEnvOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		GeminiAPIKey:        getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:         getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-pro"),
		MageAgentURL:        getEnvOrDefault("MAGEAGENT_URL", "http://nexus-mageagent:8080"),
		VisionRatePerMinute: getEnvAsIntOrDefault("VISION_RATE_PER_MINUTE", 30),
		VisionMaxTokens:     getEnvAsIntOrDefault("VISION_MAX_TOKENS", 4000),
		CreditsURL:          getEnvOrDefault("CREDITS_URL", "http://nexus-billing:8097"),
		DrawingsURL:         getEnvOrDefault("DRAWINGS_URL", "http://nexus-drawings:8098"),
		PurchaseCreditsURL:  getEnvOrDefault("PURCHASE_CREDITS_URL", "/credits/purchase"),
		ServiceToken:        getEnvOrDefault("SERVICE_TOKEN", ""),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeout:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 180000), // 3 minutes
		MaxImageSize:        getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 52428800),  // 50MB
		CaptureResetDelay:   getEnvAsDurationOrDefault("CAPTURE_RESET_DELAY", 1500*time.Millisecond),
		ScanRequirements:    getEnvAsBoolOrDefault("SCAN_REQUIREMENTS_ANALYSIS", false),
		TesseractLanguage:   getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		TaxonomyFile:        getEnvOrDefault("TAXONOMY_FILE", ""),
		HTTPAddr:            getEnvOrDefault("HTTP_ADDR", ":8099"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.VisionProvider {
	case VisionProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when VISION_PROVIDER=%s", c.VisionProvider)
		}
	case VisionProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when VISION_PROVIDER=%s", c.VisionProvider)
		}
	case VisionProviderMageAgent:
		if c.MageAgentURL == "" {
			return fmt.Errorf("MAGEAGENT_URL is required when VISION_PROVIDER=%s", c.VisionProvider)
		}
	default:
		return fmt.Errorf("VISION_PROVIDER must be one of anthropic, gemini, mageagent, got %q", c.VisionProvider)
	}

	if c.QdrantURL != "" && c.VoyageAPIKey == "" {
		return fmt.Errorf("VOYAGE_API_KEY is required when QDRANT_URL is set")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.VisionRatePerMinute < 1 || c.VisionRatePerMinute > 6000 {
		return fmt.Errorf("VISION_RATE_PER_MINUTE must be between 1 and 6000, got %d", c.VisionRatePerMinute)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 1GB, got %d", c.MaxImageSize)
	}

	if c.CaptureResetDelay < 0 || c.CaptureResetDelay > time.Minute {
		return fmt.Errorf("CAPTURE_RESET_DELAY must be between 0 and 1m, got %s", c.CaptureResetDelay)
	}

	return nil
}

// ProcessingTimeoutDuration returns PROCESSING_TIMEOUT as a duration
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("1500ms") or bare milliseconds ("1500")
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}

	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
