/**
 * DrawingExtract Worker - Main Entry Point
 *
 * Go worker for construction drawing extraction.
 *
 * Architecture:
 * - Interactive capture sessions over HTTP (select division, drag region, extract)
 * - Asynq consumer for whole-drawing scans, Redis list consumer for page jobs
 * - Hybrid pipeline: Tesseract first, vision model only when escalation requires it
 * - PostgreSQL persistence, optional Qdrant item index with VoyageAI embeddings
 * - Redis pub/sub notifications for session toasts and job events
 *
 * Cost Model:
 * - OCR-only runs are free
 * - Vision runs are debited per processing second
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/drawingextract-worker/internal/api"
	"github.com/adverant/nexus/drawingextract-worker/internal/capture"
	"github.com/adverant/nexus/drawingextract-worker/internal/clients"
	"github.com/adverant/nexus/drawingextract-worker/internal/config"
	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/notify"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/queue"
	"github.com/adverant/nexus/drawingextract-worker/internal/scan"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
	"github.com/adverant/nexus/drawingextract-worker/internal/tesseract"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.drawingextract"); err != nil {
		log.Printf("Warning: .env.drawingextract not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)

	log.Printf("DrawingExtract Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Qdrant=%s, Vision=%s, Workers=%d",
		cfg.RedisURL, cfg.QdrantURL, cfg.VisionProvider, cfg.WorkerConcurrency)

	taxonomy := divisions.Seed()
	if cfg.TaxonomyFile != "" {
		taxonomy, err = divisions.LoadTaxonomy(cfg.TaxonomyFile)
		if err != nil {
			log.Fatalf("Failed to load division taxonomy: %v", err)
		}
	}
	log.Printf("Division taxonomy loaded (%d divisions)", len(taxonomy))

	// Initialize unified storage manager (PostgreSQL + optional Qdrant)
	storageCfg := &storage.ManagerConfig{
		PostgresURL:      cfg.DatabaseURL,
		QdrantAddress:    cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
	}
	if cfg.QdrantURL != "" {
		embedder, err := clients.NewEmbeddingClient(cfg.VoyageAPIKey)
		if err != nil {
			log.Fatalf("Failed to initialize embedding client: %v", err)
		}
		storageCfg.Embedder = embedder
	}

	storageManager, err := storage.NewStorageManager(storageCfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	defer storageManager.Close()
	log.Printf("Storage manager initialized")

	// Vision model, rate limited regardless of provider
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model, err := clients.NewVisionModel(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize vision model: %v", err)
	}
	defer model.Close()

	vision, err := processor.NewVisionAnalyzer(model, logging.NewLogger("Vision"))
	if err != nil {
		log.Fatalf("Failed to initialize vision analyzer: %v", err)
	}

	requirements, err := processor.NewRequirementsAnalyzer(model, logging.NewLogger("Requirements"))
	if err != nil {
		log.Fatalf("Failed to initialize requirements analyzer: %v", err)
	}

	drawingsClient := clients.NewDrawingsClient(cfg.DrawingsURL, cfg.ServiceToken)
	creditClient := clients.NewCreditClient(cfg.CreditsURL, cfg.ServiceToken)

	pipeline, err := processor.NewPipeline(&processor.PipelineConfig{
		Recognizer:   tesseract.NewTesseractOCR(&tesseract.TesseractConfig{Language: cfg.TesseractLanguage}),
		Vision:       vision,
		Requirements: requirements,
		Pages:        drawingsClient,
		MaxImageSize: cfg.MaxImageSize,
		Logger:       logging.NewLogger("Pipeline"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize extraction pipeline: %v", err)
	}
	log.Printf("Extraction pipeline initialized (Tesseract + %s)", cfg.VisionProvider)

	// Notifications share the queue's Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	notifier := notify.NewRedisNotifier(redisClient, cfg.NotifyChannel)

	scanner, err := scan.NewService(&scan.Config{
		Extractor:   pipeline,
		Credits:     creditClient,
		Drawings:    drawingsClient,
		Store:       storageManager,
		Events:      notifier,
		Divisions:   taxonomy,
		PurchaseURL: cfg.PurchaseCreditsURL,

		AnalyzeRequirements: cfg.ScanRequirements,
	})
	if err != nil {
		log.Fatalf("Failed to initialize scan service: %v", err)
	}

	// Page jobs pushed by the API gateway
	log.Printf("Connecting to Redis queue...")
	pageConsumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Scanner:           scanner,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	// Whole-drawing scans
	bulkConsumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.BulkQueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Scanner:           scanner,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	})
	if err != nil {
		log.Fatalf("Failed to initialize bulk consumer: %v", err)
	}

	captures := capture.NewManager(capture.Dependencies{
		Extractor:      pipeline,
		Credits:        creditClient,
		Debits:         creditClient,
		Store:          storageManager,
		Notifier:       notifier,
		Divisions:      taxonomy,
		PurchaseURL:    cfg.PurchaseCreditsURL,
		ResetDelay:     cfg.CaptureResetDelay,
		ExtractTimeout: cfg.ProcessingTimeoutDuration(),
	})

	handler, err := api.New(&api.Config{
		Extractor:     pipeline,
		Captures:      captures,
		Items:         storageManager,
		Scans:         bulkConsumer,
		Notifications: notifier,
		Events:        notifier,
		Drawings:      drawingsClient,
		Divisions:     taxonomy,
		Checks: map[string]func(context.Context) error{
			"storage":  storageManager.Ping,
			"drawings": drawingsClient.HealthCheck,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		Stats: map[string]func(context.Context) (any, error){
			"storage": func(ctx context.Context) (any, error) {
				return storageManager.GetStats(ctx)
			},
			"pageQueue": func(ctx context.Context) (any, error) {
				return pageConsumer.GetStats(ctx)
			},
			"bulkQueue": func(context.Context) (any, error) {
				return bulkConsumer.GetStatistics(), nil
			},
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize HTTP API: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start consumers and the API
	if err := pageConsumer.Start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}
	if err := bulkConsumer.Start(ctx); err != nil {
		log.Fatalf("Failed to start bulk consumer: %v", err)
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("===========================================")
	log.Printf("DrawingExtract Worker is READY")
	log.Printf("===========================================")
	log.Printf("Page queue: %s", cfg.QueueName)
	log.Printf("Bulk queue: %s", cfg.BulkQueueName)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("HTTP: %s", cfg.HTTPAddr)
	log.Printf("===========================================")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}

	captures.Shutdown()

	if err := pageConsumer.Stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}
	if err := bulkConsumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping bulk consumer: %v", err)
	}

	log.Printf("Shutdown complete")
}
