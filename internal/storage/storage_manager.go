/**
 * Storage Manager for the Drawing Extraction Worker
 *
 * Coordinates storage of extracted items across PostgreSQL (rows) and Qdrant
 * (item vectors). Qdrant is written first and rolled back when the row insert
 * fails, so every indexed point has a row behind it.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// Embedder turns item text into vectors
type Embedder interface {
	GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

type itemRepository interface {
	InsertItems(ctx context.Context, records []*ItemRecord) error
	DeleteItem(ctx context.Context, itemID string) (*ItemRecord, error)
	ItemsByDrawing(ctx context.Context, drawingID string) ([]*ItemRecord, error)
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error)
	Ping(ctx context.Context) error
	GetStats() sql.DBStats
	Close() error
}

type vectorIndex interface {
	UpsertVectors(ctx context.Context, points []*VectorPoint) error
	DeleteVectors(ctx context.Context, pointIDs []string) error
	SearchVectors(ctx context.Context, queryVector []float32, drawingID string, limit int) ([]*VectorPoint, error)
	GetCollectionInfo(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	items    itemRepository
	vectors  vectorIndex
	embedder Embedder
	logger   *logging.Logger
}

// ManagerConfig configures NewStorageManager. Qdrant is optional.
type ManagerConfig struct {
	PostgresURL      string
	QdrantAddress    string
	QdrantCollection string
	Embedder         Embedder
}

// ExtractionMeta describes the run whose items are being persisted
type ExtractionMeta struct {
	JobID          string
	DrawingID      string
	UserID         string
	SessionID      string
	Page           int
	ExtractionType string
	Summary        processor.RunSummary
}

// ItemMatch is a similarity search hit
type ItemMatch struct {
	ItemID         string  `json:"itemId"`
	ItemName       string  `json:"itemName"`
	DrawingID      string  `json:"drawingId"`
	SourceLocation string  `json:"sourceLocation"`
	DivisionCode   string  `json:"divisionCode"`
	Score          float32 `json:"score"`
}

// NewStorageManager creates a new storage manager
func NewStorageManager(cfg *ManagerConfig) (*StorageManager, error) {
	postgres, err := NewPostgresClient(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	if err := postgres.EnsureSchema(context.Background()); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := newStorageManager(postgres, nil, nil)

	if cfg.QdrantAddress == "" {
		sm.logger.Warn("QDRANT_URL not set, item vectors disabled")
		return sm, nil
	}

	if cfg.Embedder == nil {
		postgres.Close()
		return nil, fmt.Errorf("an embedder is required when Qdrant is configured")
	}

	qdrant, err := NewQdrantClient(cfg.QdrantAddress, cfg.QdrantCollection, cfg.Embedder.Dimensions())
	if err != nil {
		postgres.Close() // Cleanup on failure
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}

	sm.vectors = qdrant
	sm.embedder = cfg.Embedder
	return sm, nil
}

func newStorageManager(items itemRepository, vectors vectorIndex, embedder Embedder) *StorageManager {
	return &StorageManager{
		items:    items,
		vectors:  vectors,
		embedder: embedder,
		logger:   logging.NewLogger("StorageManager"),
	}
}

// PersistExtraction stores a run's items and returns their row IDs in item order
func (sm *StorageManager) PersistExtraction(ctx context.Context, meta *ExtractionMeta, items []processor.ResultItem) ([]string, error) {
	if meta == nil {
		return nil, apperrors.NewInvalidRequestError("extraction metadata is required")
	}

	if meta.DrawingID == "" || meta.UserID == "" {
		return nil, apperrors.NewInvalidRequestError("drawing ID and user ID are required to persist items")
	}

	if len(items) == 0 {
		return []string{}, nil
	}

	records := buildRecords(meta, items)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	// Step 1: index vectors first (fails fast on embedding problems)
	pointIDs, err := sm.indexRecords(ctx, records)
	if err != nil {
		return nil, apperrors.NewStorageFailedError(meta.JobID, err)
	}

	// Step 2: insert rows; roll the points back on failure
	if err := sm.items.InsertItems(ctx, records); err != nil {
		if len(pointIDs) > 0 {
			if delErr := sm.vectors.DeleteVectors(ctx, pointIDs); delErr != nil {
				sm.logger.Error("Failed to roll back item vectors",
					"jobId", meta.JobID, "points", len(pointIDs), "error", delErr)
			}
		}
		return nil, apperrors.NewStorageFailedError(meta.JobID, err)
	}

	sm.logger.Info("Extraction persisted",
		"jobId", meta.JobID,
		"drawingId", meta.DrawingID,
		"items", len(records),
		"vectors", len(pointIDs),
		"method", meta.Summary.Method)

	return ids, nil
}

func (sm *StorageManager) indexRecords(ctx context.Context, records []*ItemRecord) ([]string, error) {
	if sm.vectors == nil || sm.embedder == nil {
		return nil, nil
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = embeddingText(r)
	}

	vectors, err := sm.embedder.GenerateEmbeddingBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed items: %w", err)
	}

	if len(vectors) != len(records) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(records))
	}

	points := make([]*VectorPoint, len(records))
	pointIDs := make([]string, len(records))
	now := time.Now().Unix()
	for i, r := range records {
		r.QdrantPointID = uuid.New().String()
		pointIDs[i] = r.QdrantPointID
		points[i] = &VectorPoint{
			ID:     r.QdrantPointID,
			Vector: vectors[i],
			Metadata: map[string]interface{}{
				"item_id":         r.ID,
				"item_name":       r.ItemName,
				"drawing_id":      r.DrawingID,
				"division_code":   r.DivisionCode,
				"source_location": r.SourceLocation,
				"created_at":      now,
			},
		}
	}

	if err := sm.vectors.UpsertVectors(ctx, points); err != nil {
		for _, r := range records {
			r.QdrantPointID = ""
		}
		return nil, fmt.Errorf("failed to store vectors in Qdrant: %w", err)
	}

	return pointIDs, nil
}

// DeleteItem removes an item row and its vector
func (sm *StorageManager) DeleteItem(ctx context.Context, itemID string) (*ItemRecord, error) {
	record, err := sm.items.DeleteItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if record.QdrantPointID != "" && sm.vectors != nil {
		if err := sm.vectors.DeleteVectors(ctx, []string{record.QdrantPointID}); err != nil {
			// The row is gone; a stale point only costs a dangling search hit
			sm.logger.Warn("Failed to delete item vector",
				"itemId", itemID, "point", record.QdrantPointID, "error", err)
		}
	}

	return record, nil
}

// SearchItems finds items similar to query, optionally within one drawing
func (sm *StorageManager) SearchItems(ctx context.Context, query, drawingID string, limit int) ([]*ItemMatch, error) {
	if sm.vectors == nil || sm.embedder == nil {
		return nil, fmt.Errorf("item search requires Qdrant to be configured")
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	vectors, err := sm.embedder.GenerateEmbeddingBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	points, err := sm.vectors.SearchVectors(ctx, vectors[0], drawingID, limit)
	if err != nil {
		return nil, err
	}

	matches := make([]*ItemMatch, 0, len(points))
	for _, p := range points {
		itemID, _ := p.Metadata["item_id"].(string)
		if itemID == "" {
			continue
		}
		name, _ := p.Metadata["item_name"].(string)
		drawing, _ := p.Metadata["drawing_id"].(string)
		location, _ := p.Metadata["source_location"].(string)
		code, _ := p.Metadata["division_code"].(string)

		matches = append(matches, &ItemMatch{
			ItemID:         itemID,
			ItemName:       name,
			DrawingID:      drawing,
			SourceLocation: location,
			DivisionCode:   code,
			Score:          p.Score,
		})
	}

	return matches, nil
}

// ItemsByDrawing lists persisted items of a drawing
func (sm *StorageManager) ItemsByDrawing(ctx context.Context, drawingID string) ([]*ItemRecord, error) {
	return sm.items.ItemsByDrawing(ctx, drawingID)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.items.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.items.GetJobByID(ctx, jobID)
}

// Ping checks the database
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.items.Ping(ctx)
}

// GetStats returns pool statistics and, when vectors are enabled, the item
// collection's counts
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.items.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.vectors == nil {
		return stats, nil
	}

	qdrantStats, err := sm.vectors.GetCollectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
	}
	stats["qdrant"] = qdrantStats

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.items != nil {
		pgErr = sm.items.Close()
	}

	if sm.vectors != nil {
		qdErr = sm.vectors.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

func buildRecords(meta *ExtractionMeta, items []processor.ResultItem) []*ItemRecord {
	extractionType := meta.ExtractionType
	if extractionType == "" {
		extractionType = ExtractionTypeManual
	}

	records := make([]*ItemRecord, len(items))
	for i, item := range items {
		data := map[string]interface{}{
			"itemName":       item.ItemName,
			"category":       item.Category,
			"quantity":       item.Quantity,
			"notes":          item.Notes,
			"specifications": item.Specifications,
			"source":         item.Source,
			"location": map[string]interface{}{
				"x":      item.Location.X,
				"y":      item.Location.Y,
				"width":  item.Location.Width,
				"height": item.Location.Height,
			},
			"escalationReason": meta.Summary.EscalationReason,
		}
		if item.Procurement != nil {
			data["procurementData"] = item.Procurement
		}

		records[i] = &ItemRecord{
			ID:               uuid.New().String(),
			JobID:            meta.JobID,
			DrawingID:        meta.DrawingID,
			UserID:           meta.UserID,
			SessionID:        meta.SessionID,
			DivisionID:       item.Division.ID,
			DivisionCode:     item.Division.Code,
			ExtractionType:   extractionType,
			SourceLocation:   item.DrawingLocation,
			ItemName:         item.ItemName,
			Data:             data,
			Confidence:       item.Confidence,
			ExtractionMethod: meta.Summary.Method,
			ModelUsed:        meta.Summary.ModelUsed,
			ProcessingTimeMs: meta.Summary.ProcessingTime.Milliseconds(),
			CalloutID:        item.CalloutID,
		}
	}
	return records
}

func embeddingText(r *ItemRecord) string {
	parts := []string{r.ItemName}
	if spec, ok := r.Data["specifications"].(string); ok && spec != "" {
		parts = append(parts, spec)
	}
	if r.DivisionCode != "" {
		parts = append(parts, "Division "+r.DivisionCode)
	}
	return strings.Join(parts, " | ")
}

// sanitizeJSONForPostgres removes Unicode escapes PostgreSQL JSONB rejects:
// \u0000 is dropped and other control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}
