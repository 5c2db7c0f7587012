package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusEnded   = "ended"
)

// ErrSessionNotFound is returned when the session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// maxExtendMarkers bounds the extend-once bookkeeping. Sessions abandoned
// without an End call would otherwise pin their entries forever. Losing a
// marker on reset only permits one extra extension for that session.
const maxExtendMarkers = 1024

// Session is a time-boxed grant allowing a customer to see a runner's live
// position for one order. A nil ExpiresAt means "until delivery".
type Session struct {
	ID         string
	OrderID    string
	CustomerID int64
	RunnerID   int64 // zero until a runner accepts the order
	Status     string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, s Session) error
}

// Manager owns the create/extend/revoke lifecycle of location-sharing
// grants, independent of the order's own status bookkeeping.
type Manager struct {
	store Store
	now   func() time.Time

	mu sync.Mutex
	// extendedFor remembers, per session, the expiry value that has already
	// been pushed forward so repeated polling cannot extend without bound.
	extendedFor map[string]time.Time
}

// NewManager constructs a Manager backed by the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:       store,
		now:         time.Now,
		extendedFor: make(map[string]time.Time),
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create starts a new active session with no runner bound yet.
func (m *Manager) Create(ctx context.Context, orderID string, customerID int64, expiresAt *time.Time) (Session, error) {
	s := Session{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		CustomerID: customerID,
		Status:     StatusActive,
		ExpiresAt:  expiresAt,
		CreatedAt:  m.now(),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns the session by id.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// BindRunner attaches the accepting runner to the session. When the current
// expiry is unset or already elapsed it is pushed to now+minExpiry; a future
// expiry is never shortened.
func (m *Manager) BindRunner(ctx context.Context, sessionID string, runnerID int64, minExpiry time.Duration) (Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	now := m.now()
	s.RunnerID = runnerID
	if s.ExpiresAt == nil || !s.ExpiresAt.After(now) {
		exp := now.Add(minExpiry)
		s.ExpiresAt = &exp
		s.Status = StatusActive
	}
	if err := m.store.Update(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// ExtendIfExpired pushes an elapsed expiry forward by extension exactly
// once. Repeated calls while the same expiry is still being extended are
// no-ops, which keeps polling clients from stacking extensions.
func (m *Manager) ExtendIfExpired(ctx context.Context, sessionID string, extension time.Duration) (Session, bool, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	if s.Status == StatusEnded {
		return s, false, nil
	}
	now := m.now()
	if s.ExpiresAt == nil || s.ExpiresAt.After(now) {
		return s, false, nil
	}

	m.mu.Lock()
	already, ok := m.extendedFor[sessionID]
	if ok && already.Equal(*s.ExpiresAt) {
		m.mu.Unlock()
		return s, false, nil
	}
	if len(m.extendedFor) >= maxExtendMarkers {
		m.extendedFor = make(map[string]time.Time)
	}
	m.extendedFor[sessionID] = *s.ExpiresAt
	m.mu.Unlock()

	exp := now.Add(extension)
	s.ExpiresAt = &exp
	s.Status = StatusActive
	if err := m.store.Update(ctx, s); err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}

// End terminates the session. Location reads for an ended session must
// report the customer-facing pin as stale even if the order's runnerVisible
// flag has not been cleared yet.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status == StatusEnded {
		return nil
	}
	s.Status = StatusEnded
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.extendedFor, sessionID)
	m.mu.Unlock()
	return nil
}

// Fresh reports whether the session still authorises live position reads.
func (m *Manager) Fresh(s Session) bool {
	if s.Status != StatusActive {
		return false
	}
	if s.ExpiresAt == nil {
		return true
	}
	return s.ExpiresAt.After(m.now())
}
