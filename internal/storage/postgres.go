/**
 * PostgreSQL Client for the Drawing Extraction Worker
 *
 * Handles database operations for extraction job status and extracted items.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Extraction types recorded on item rows
const (
	ExtractionTypeManual = "manual"
	ExtractionTypeSmart  = "smart_extraction"
	ExtractionTypeBulk   = "bulk_extraction"
)

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS drawingextract;

CREATE TABLE IF NOT EXISTS drawingextract.extraction_jobs (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL DEFAULT 'anonymous',
	drawing_id         TEXT,
	page               INTEGER,
	status             TEXT NOT NULL,
	method             TEXT,
	confidence         NUMERIC(5,4),
	processing_time_ms BIGINT,
	item_count         INTEGER,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS drawingextract.extracted_items (
	id                 UUID PRIMARY KEY,
	job_id             TEXT,
	drawing_id         TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	session_id         TEXT,
	division_id        INTEGER NOT NULL,
	division_code      TEXT NOT NULL,
	extraction_type    TEXT NOT NULL,
	source_location    TEXT NOT NULL,
	item_name          TEXT NOT NULL,
	data               JSONB NOT NULL,
	confidence         NUMERIC(5,4) NOT NULL,
	extraction_method  TEXT NOT NULL,
	model_used         TEXT,
	processing_time_ms BIGINT,
	callout_id         TEXT,
	qdrant_point_id    UUID,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS extracted_items_drawing_idx ON drawingextract.extracted_items (drawing_id);
`

// ErrItemNotFound is returned when an item id matches no row
var ErrItemNotFound = errors.New("item not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	UserID           string
	DrawingID        string
	Page             int
	Status           string
	Method           string
	Confidence       float64
	ProcessingTimeMs int64
	ItemCount        int
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// ItemRecord is one persisted extracted item
type ItemRecord struct {
	ID               string                 `json:"id"`
	JobID            string                 `json:"jobId,omitempty"`
	DrawingID        string                 `json:"drawingId"`
	UserID           string                 `json:"userId"`
	SessionID        string                 `json:"sessionId,omitempty"`
	DivisionID       int                    `json:"divisionId"`
	DivisionCode     string                 `json:"divisionCode"`
	ExtractionType   string                 `json:"extractionType"`
	SourceLocation   string                 `json:"sourceLocation"`
	ItemName         string                 `json:"itemName"`
	Data             map[string]interface{} `json:"data,omitempty"`
	Confidence       float64                `json:"confidence"`
	ExtractionMethod string                 `json:"extractionMethod"`
	ModelUsed        string                 `json:"modelUsed,omitempty"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	CalloutID        string                 `json:"calloutId,omitempty"`
	QdrantPointID    string                 `json:"-"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// sanitizeConfidence rounds confidence to 4 decimal places to fit NUMERIC(5,4)
// and clamps it to [0.0, 1.0].
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	// Round to 4 decimal places (e.g., 0.9632000000000001 → 0.9632)
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the worker's schema and tables when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts job status in the database
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	// UPSERT so the worker can create the job row if the API did not
	query := `
		INSERT INTO drawingextract.extraction_jobs (
			id, user_id, drawing_id, page,
			status, method, confidence, processing_time_ms, item_count,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1, COALESCE(NULLIF($2, ''), 'anonymous'), NULLIF($3, ''), NULLIF($4, 0),
			$5, NULLIF($6, ''), NULLIF($7::NUMERIC(5,4), 0), NULLIF($8, 0), $9,
			NULLIF($10, ''), NULLIF($11, ''),
			COALESCE($12::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			method = COALESCE(EXCLUDED.method, drawingextract.extraction_jobs.method),
			confidence = COALESCE(EXCLUDED.confidence, drawingextract.extraction_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, drawingextract.extraction_jobs.processing_time_ms),
			item_count = EXCLUDED.item_count,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = COALESCE(EXCLUDED.metadata, drawingextract.extraction_jobs.metadata),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.UserID,           // $2
		update.DrawingID,        // $3
		update.Page,             // $4
		update.Status,           // $5
		update.Method,           // $6
		sanitizedConfidence,     // $7 (sanitized to 4 decimals)
		update.ProcessingTimeMs, // $8
		update.ItemCount,        // $9
		update.ErrorCode,        // $10
		update.ErrorMessage,     // $11
		metadataJSON,            // $12
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// InsertItems stores extracted items in one transaction
func (p *PostgresClient) InsertItems(ctx context.Context, records []*ItemRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO drawingextract.extracted_items (
			id, job_id, drawing_id, user_id, session_id,
			division_id, division_code, extraction_type, source_location,
			item_name, data, confidence, extraction_method, model_used,
			processing_time_ms, callout_id, qdrant_point_id, created_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, $4, NULLIF($5, ''),
			$6, $7, $8, $9,
			$10, $11::jsonb, $12::NUMERIC(5,4), $13, NULLIF($14, ''),
			NULLIF($15, 0), NULLIF($16, ''),
			CASE WHEN $17 = '' THEN NULL ELSE $17::uuid END,
			NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		dataJSON, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal item data (item=%s): %w", r.ID, err)
		}
		dataJSON = sanitizeJSONForPostgres(dataJSON)

		if _, err := stmt.ExecContext(ctx,
			r.ID, r.JobID, r.DrawingID, r.UserID, r.SessionID,
			r.DivisionID, r.DivisionCode, r.ExtractionType, r.SourceLocation,
			r.ItemName, dataJSON, sanitizeConfidence(r.Confidence), r.ExtractionMethod, r.ModelUsed,
			r.ProcessingTimeMs, r.CalloutID, r.QdrantPointID,
		); err != nil {
			return fmt.Errorf("failed to insert item (item=%s, name=%q): %w", r.ID, r.ItemName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}

	return nil
}

// DeleteItem removes an item row and returns what was deleted
func (p *PostgresClient) DeleteItem(ctx context.Context, itemID string) (*ItemRecord, error) {
	if itemID == "" {
		return nil, fmt.Errorf("item ID is required")
	}

	query := `
		DELETE FROM drawingextract.extracted_items
		WHERE id = $1::uuid
		RETURNING id, drawing_id, user_id, COALESCE(session_id, ''), item_name,
			COALESCE(callout_id, ''), COALESCE(qdrant_point_id::text, '')
	`

	var r ItemRecord
	err := p.db.QueryRowContext(ctx, query, itemID).Scan(
		&r.ID, &r.DrawingID, &r.UserID, &r.SessionID, &r.ItemName, &r.CalloutID, &r.QdrantPointID,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to delete item: %w", err)
	}

	return &r, nil
}

// ItemsByDrawing lists a drawing's extracted items, newest first
func (p *PostgresClient) ItemsByDrawing(ctx context.Context, drawingID string) ([]*ItemRecord, error) {
	if drawingID == "" {
		return nil, fmt.Errorf("drawing ID is required")
	}

	query := `
		SELECT
			id, COALESCE(job_id, ''), drawing_id, user_id, COALESCE(session_id, ''),
			division_id, division_code, extraction_type, source_location,
			item_name, data, confidence, extraction_method, COALESCE(model_used, ''),
			COALESCE(processing_time_ms, 0), COALESCE(callout_id, ''),
			COALESCE(qdrant_point_id::text, ''), created_at
		FROM drawingextract.extracted_items
		WHERE drawing_id = $1
		ORDER BY created_at DESC
	`

	rows, err := p.db.QueryContext(ctx, query, drawingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	records := make([]*ItemRecord, 0)
	for rows.Next() {
		var (
			r        ItemRecord
			dataJSON []byte
		)
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.DrawingID, &r.UserID, &r.SessionID,
			&r.DivisionID, &r.DivisionCode, &r.ExtractionType, &r.SourceLocation,
			&r.ItemName, &dataJSON, &r.Confidence, &r.ExtractionMethod, &r.ModelUsed,
			&r.ProcessingTimeMs, &r.CalloutID, &r.QdrantPointID, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &r.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal item data: %w", err)
			}
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}

	return records, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id,
			user_id,
			drawing_id,
			page,
			status,
			method,
			confidence,
			processing_time_ms,
			item_count,
			error_code,
			error_message,
			metadata,
			created_at,
			updated_at
		FROM drawingextract.extraction_jobs
		WHERE id = $1
	`

	var (
		id, userID, status      string
		drawingID, method       sql.NullString
		page, itemCount         sql.NullInt64
		confidence              sql.NullFloat64
		processingTimeMs        sql.NullInt64
		errorCode, errorMessage sql.NullString
		metadataJSON            []byte
		createdAt, updatedAt    time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &userID, &drawingID, &page, &status, &method,
		&confidence, &processingTimeMs, &itemCount,
		&errorCode, &errorMessage,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if drawingID.Valid {
		result["drawingId"] = drawingID.String
	}
	if page.Valid {
		result["page"] = page.Int64
	}
	if method.Valid {
		result["method"] = method.String
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if itemCount.Valid {
		result["itemCount"] = itemCount.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
