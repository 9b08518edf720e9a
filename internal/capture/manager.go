package capture

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/adverant/nexus/drawingextract-worker/internal/divisions"
	"github.com/adverant/nexus/drawingextract-worker/internal/logging"
	"github.com/adverant/nexus/drawingextract-worker/internal/processor"
)

// Dependencies are the collaborators shared by every session a Manager opens
type Dependencies struct {
	Extractor      processor.Extractor
	Credits        CreditChecker
	Debits         CreditDebiter
	Store          ResultPersister
	Notifier       Notifier
	Divisions      []divisions.Division
	PurchaseURL    string
	ResetDelay     time.Duration
	ExtractTimeout time.Duration
}

// OpenRequest describes a new capture session
type OpenRequest struct {
	UserID    string                  `json:"userId"`
	DrawingID string                  `json:"drawingId"`
	Page      int                     `json:"page"`
	PageURL   string                  `json:"pageUrl,omitempty"`
	Sheet     processor.SheetMetadata `json:"sheet"`
}

// Manager keeps one Machine per session id
type Manager struct {
	deps     Dependencies
	sessions sync.Map // session id -> *Machine
	logger   *logging.Logger
	newID    func() string
}

// NewManager creates a session manager
func NewManager(deps Dependencies) *Manager {
	return &Manager{
		deps:   deps,
		logger: logging.NewLogger("CaptureManager"),
		newID: func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		},
	}
}

// Open creates and registers a machine for a new session
func (m *Manager) Open(req *OpenRequest) (*Machine, error) {
	if req == nil {
		return nil, fmt.Errorf("open request is required")
	}

	session := &Session{
		ID:        m.newID(),
		UserID:    req.UserID,
		DrawingID: req.DrawingID,
		Page: processor.PageImageRef{
			DrawingID: req.DrawingID,
			Page:      req.Page,
			URL:       req.PageURL,
		},
		Sheet:          req.Sheet,
		Divisions:      m.deps.Divisions,
		Extractor:      m.deps.Extractor,
		Credits:        m.deps.Credits,
		Debits:         m.deps.Debits,
		Store:          m.deps.Store,
		Notifier:       m.deps.Notifier,
		PurchaseURL:    m.deps.PurchaseURL,
		ResetDelay:     m.deps.ResetDelay,
		ExtractTimeout: m.deps.ExtractTimeout,
	}

	machine, err := NewMachine(session)
	if err != nil {
		return nil, err
	}

	m.sessions.Store(session.ID, machine)
	m.logger.Info("Capture session opened",
		"session_id", session.ID,
		"drawing_id", session.DrawingID,
		"page", session.Page.Page)
	return machine, nil
}

// Get returns the machine for a session
func (m *Manager) Get(sessionID string) (*Machine, bool) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Machine), true
}

// Close closes and forgets a session
func (m *Manager) Close(sessionID string) bool {
	v, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return false
	}
	v.(*Machine).Close()
	m.logger.Info("Capture session closed", "session_id", sessionID)
	return true
}

// Clear forces a session back to Idle, e.g. after one of its items was deleted
func (m *Manager) Clear(sessionID string) bool {
	machine, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	machine.Clear()
	return true
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown closes every session and waits for in-flight extractions
func (m *Manager) Shutdown() {
	var machines []*Machine
	m.sessions.Range(func(key, v any) bool {
		m.sessions.Delete(key)
		machine := v.(*Machine)
		machine.Close()
		machines = append(machines, machine)
		return true
	})
	for _, machine := range machines {
		machine.Wait()
	}
}
