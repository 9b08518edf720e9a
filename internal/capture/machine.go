package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	apperrors "github.com/adverant/nexus/drawingextract-worker/internal/errors"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/notify"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
	"github.com/adverant/nexus/drawingextract-worker/internal/storage"
)

// Machine drives one capture session. Events are safe to call from any
// goroutine; at most one extraction is in flight at a time.
//
// Every extraction is tagged with a generation. Clear and Close bump the
// generation, so a result arriving for an older one is dropped without
// committing or notifying.
type Machine struct {
	session *Session
	logger  *logging.Logger
	after   func(d time.Duration, f func())

	mu         sync.Mutex
	state      State
	selected   *divisions.Division
	generation uint64
	closed     bool

	wg sync.WaitGroup
}

// NewMachine creates an idle machine for the session
func NewMachine(session *Session) (*Machine, error) {
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if session.ID == "" || session.UserID == "" || session.DrawingID == "" {
		return nil, fmt.Errorf("session ID, user ID and drawing ID are required")
	}
	if session.Extractor == nil || session.Credits == nil || session.Store == nil || session.Notifier == nil {
		return nil, fmt.Errorf("session is missing a collaborator")
	}
	if session.Page.Page < 1 {
		session.Page.Page = 1
	}
	if session.Page.DrawingID == "" {
		session.Page.DrawingID = session.DrawingID
	}
	if len(session.Divisions) == 0 {
		session.Divisions = divisions.Seed()
	}
	if session.ResetDelay <= 0 {
		session.ResetDelay = DefaultResetDelay
	}
	if session.ExtractTimeout <= 0 {
		session.ExtractTimeout = defaultExtractTimeout
	}

	return &Machine{
		session: session,
		logger:  logging.NewLogger("Capture").With("session_id", session.ID),
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		state: State{Phase: PhaseIdle},
	}, nil
}

// Session returns the machine's session context
func (m *Machine) Session() *Session {
	return m.session
}

// State returns a snapshot of the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// SelectDivision makes a division active for the next gestures. ID 0 deselects.
func (m *Machine) SelectDivision(id int) (*divisions.Division, error) {
	var selected *divisions.Division
	if id != 0 {
		d, ok := divisions.ByID(m.session.Divisions, id)
		if !ok {
			return nil, apperrors.NewInvalidSelectionError(fmt.Sprintf("unknown division %d", id))
		}
		selected = &d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, apperrors.NewInvalidSelectionError("session is closed")
	}
	m.selected = selected
	if m.state.Phase == PhaseIdle {
		m.state.Division = cloneDivision(selected)
	}
	return cloneDivision(selected), nil
}

// PointerDown starts a selection. It is ignored without an active division
// and while another capture is running.
func (m *Machine) PointerDown(p Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.selected == nil || m.state.Phase != PhaseIdle {
		return false
	}

	region := normalize(p, p, m.session.Page.Page)
	m.state = State{
		Phase:    PhaseSelecting,
		Start:    p,
		Current:  p,
		Region:   &region,
		Division: cloneDivision(m.selected),
	}
	return true
}

// PointerMove stretches the selection rectangle
func (m *Machine) PointerMove(p Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state.Phase != PhaseSelecting {
		return false
	}

	region := normalize(m.state.Start, p, m.session.Page.Page)
	m.state.Current = p
	m.state.Region = &region
	return true
}

// PointerUp ends the gesture. A rectangle that is too small returns the
// machine to Idle; otherwise extraction starts in the background and true
// is returned.
func (m *Machine) PointerUp(p Point) bool {
	m.mu.Lock()

	if m.closed || m.state.Phase != PhaseSelecting {
		m.mu.Unlock()
		return false
	}

	region := normalize(m.state.Start, p, m.session.Page.Page)
	if !largeEnough(region) {
		m.state = m.idleState()
		m.mu.Unlock()
		m.logger.Debug("Selection below minimum size", "width", region.Width, "height", region.Height)
		return false
	}

	division := *m.state.Division
	m.generation++
	gen := m.generation
	m.state.Phase = PhaseExtracting
	m.state.Current = p
	m.state.Region = &region
	m.wg.Add(1)
	m.mu.Unlock()

	go m.extract(gen, region, division)
	return true
}

// Clear forces the machine back to Idle. An extraction in flight keeps
// running but its result is dropped.
func (m *Machine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.generation++
	m.state = m.idleState()
}

// Close ends the session. Later events are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.generation++
	m.state = State{Phase: PhaseIdle}
}

// Wait blocks until background extractions have returned
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) extract(gen uint64, region processor.Region, division divisions.Division) {
	defer m.wg.Done()

	s := m.session
	ctx, cancel := context.WithTimeout(context.Background(), s.ExtractTimeout)
	defer cancel()

	jobID := uuid.New().String()
	log := m.logger.With("job_id", jobID)

	balance, err := s.Credits.Balance(ctx, s.UserID)
	if err != nil {
		log.Error("Credit check failed", "error", err)
		m.discard(ctx, gen, "Extraction Failed", "Could not verify your AI credit balance. Please try again.")
		return
	}
	if balance <= 0 {
		log.Warn("Insufficient credits", "balance", balance)
		m.discard(ctx, gen, "Insufficient AI Credits", insufficientCreditsMessage(balance, s.PurchaseURL))
		return
	}

	// Skip the pipeline when the selection was cleared during the credit check
	if !m.current(gen) {
		return
	}

	result, err := s.Extractor.ExtractRegionOrPage(ctx, &processor.ExtractRequest{
		JobID:              jobID,
		Page:               s.Page,
		Region:             &region,
		DivisionContext:    &division,
		AvailableDivisions: s.Divisions,
		Sheet:              s.Sheet,
	})
	if err != nil {
		log.Error("Region extraction failed", "error", err)
		m.discard(ctx, gen, "Extraction Failed", userMessage(err))
		return
	}

	if !m.current(gen) {
		log.Info("Discarding extraction for cleared selection", "items", len(result.Items))
		return
	}

	ids, err := s.Store.PersistExtraction(ctx, &storage.ExtractionMeta{
		JobID:          jobID,
		DrawingID:      s.DrawingID,
		UserID:         s.UserID,
		SessionID:      s.ID,
		Page:           region.Page,
		ExtractionType: storage.ExtractionTypeManual,
		Summary:        result.Summary,
	}, result.Items)
	if err != nil {
		log.Error("Failed to save extraction", "error", err)
		m.discard(ctx, gen, "Extraction Failed", userMessage(err))
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		log.Info("Selection cleared while saving, removing items", "items", len(ids))
		m.removeItems(ctx, ids)
		return
	}
	m.state.Phase = PhaseCommitted
	m.state.ItemIDs = ids
	m.state.Message = ""
	m.mu.Unlock()

	if result.Summary.AIInvoked && s.Debits != nil {
		if err := s.Debits.DebitForRun(ctx, s.UserID, storage.ExtractionTypeManual, result.Summary.ProcessingTime); err != nil {
			log.Error("Failed to debit credits", "error", err)
		}
	}

	m.notify(ctx, notify.KindInfo, "Region Extracted", successMessage(result, division))
	m.scheduleReset(gen)
}

// removeItems deletes rows written for a selection that no longer exists
func (m *Machine) removeItems(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if _, err := m.session.Store.DeleteItem(ctx, id); err != nil {
			m.logger.Warn("Failed to remove item of cleared selection", "item_id", id, "error", err)
		}
	}
}

// discard moves a current extraction to Discarded and tells the user why
func (m *Machine) discard(ctx context.Context, gen uint64, title, description string) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.state.Phase = PhaseDiscarded
	m.state.Region = nil
	m.state.Message = description
	m.mu.Unlock()

	m.notify(ctx, notify.KindError, title, description)
	m.scheduleReset(gen)
}

func (m *Machine) notify(ctx context.Context, kind notify.Kind, title, description string) {
	if err := m.session.Notifier.NotifyUser(context.WithoutCancel(ctx), m.session.ID, kind, title, description); err != nil {
		m.logger.Warn("Failed to notify user", "title", title, "error", err)
	}
}

func (m *Machine) scheduleReset(gen uint64) {
	m.after(m.session.ResetDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.generation {
			return
		}
		if m.state.Phase == PhaseCommitted || m.state.Phase == PhaseDiscarded {
			m.state = m.idleState()
		}
	})
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.generation
}

// idleState must be called with mu held
func (m *Machine) idleState() State {
	return State{Phase: PhaseIdle, Division: cloneDivision(m.selected)}
}

// snapshot must be called with mu held
func (m *Machine) snapshot() State {
	st := m.state
	if st.Region != nil {
		r := *st.Region
		st.Region = &r
	}
	st.Division = cloneDivision(st.Division)
	if st.ItemIDs != nil {
		st.ItemIDs = append([]string(nil), st.ItemIDs...)
	}
	return st
}

func cloneDivision(d *divisions.Division) *divisions.Division {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func insufficientCreditsMessage(balance float64, purchaseURL string) string {
	msg := fmt.Sprintf("Your AI credit balance is %.2f.", balance)
	if purchaseURL != "" {
		msg += " Purchase credits to continue: " + purchaseURL
	}
	return msg
}

func successMessage(result *processor.ExtractionRunResult, division divisions.Division) string {
	return fmt.Sprintf("Extracted %d characters into %s (%.0f%% confidence, %s)",
		result.CharacterCount(), division.Name, result.Summary.Confidence*100, result.Summary.Method)
}

// userMessage keeps the short reason of an ExtractionError and drops its code
func userMessage(err error) string {
	if extractionErr, ok := apperrors.From(err); ok {
		if extractionErr.Cause != nil {
			return fmt.Sprintf("%s: %v", extractionErr.Message, extractionErr.Cause)
		}
		return extractionErr.Message
	}
	return err.Error()
}
