package capture

import (
	"context"
	"time"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	"github.com/adverant/nexus/drawingextract-worker/internal/notify"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
)

// DefaultResetDelay is how long Committed and Discarded stay visible
const DefaultResetDelay = 1500 * time.Millisecond

const defaultExtractTimeout = 3 * time.Minute

// CreditChecker reads a user's AI credit balance
type CreditChecker interface {
	Balance(ctx context.Context, userID string) (float64, error)
}

// CreditDebiter charges a user for a paid run
type CreditDebiter interface {
	DebitForRun(ctx context.Context, userID, operation string, d time.Duration) error
}

// ResultPersister stores a committed extraction, and removes its rows again
// when the selection was cleared while they were being written
type ResultPersister interface {
	PersistExtraction(ctx context.Context, meta *storage.ExtractionMeta, items []processor.ResultItem) ([]string, error)
	DeleteItem(ctx context.Context, itemID string) (*storage.ItemRecord, error)
}

// Notifier surfaces user-facing signals
type Notifier interface {
	NotifyUser(ctx context.Context, sessionID string, kind notify.Kind, title, description string) error
}

// Session is the context one capture machine works in: who is capturing,
// which page, and the collaborators it calls. Debits is optional.
type Session struct {
	ID        string
	UserID    string
	DrawingID string
	Page      processor.PageImageRef
	Sheet     processor.SheetMetadata
	Divisions []divisions.Division

	Extractor processor.Extractor
	Credits   CreditChecker
	Debits    CreditDebiter
	Store     ResultPersister
	Notifier  Notifier

	PurchaseURL    string
	ResetDelay     time.Duration
	ExtractTimeout time.Duration
}
