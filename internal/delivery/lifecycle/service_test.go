package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dastarBack/internal/delivery/fsm"
	"dastarBack/internal/delivery/geo"
	"dastarBack/internal/delivery/session"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

// memOrders mimics the conditional-update semantics of the SQL store.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]Order
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[string]Order)}
}

func (m *memOrders) Create(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *memOrders) Get(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (m *memOrders) Accept(_ context.Context, orderID string, runnerID int64, ev StatusEvent) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != fsm.StatusPending || o.RunnerID != 0 {
		return Order{}, ErrAlreadyAccepted
	}
	o.RunnerID = runnerID
	o.appendStatus(ev.Status, ev.At, ev.By)
	o.LiveLocation.RunnerVisible = true
	m.orders[orderID] = o
	return o, nil
}

func (m *memOrders) ApplyTransition(_ context.Context, orderID, fromStatus string, ev StatusEvent) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != fromStatus {
		return Order{}, ErrInvalidTransition
	}
	o.appendStatus(ev.Status, ev.At, ev.By)
	if fsm.Terminal(ev.Status) {
		o.LiveLocation.RunnerVisible = false
	}
	m.orders[orderID] = o
	return o, nil
}

func (m *memOrders) AddRejection(_ context.Context, orderID string, runnerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.RejectedBy = append(o.RejectedBy, runnerID)
	m.orders[orderID] = o
	return nil
}

func (m *memOrders) SetLiveSession(_ context.Context, orderID, sessionID string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.LiveLocation.SessionID = sessionID
	o.LiveLocation.ExpiresAt = expiresAt
	m.orders[orderID] = o
	return nil
}

type stubSessions struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]session.Session
	ended    []string
	now      func() time.Time
}

func newStubSessions(now func() time.Time) *stubSessions {
	return &stubSessions{sessions: make(map[string]session.Session), now: now}
}

func (s *stubSessions) Create(_ context.Context, orderID string, customerID int64, expiresAt *time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	sess := session.Session{
		ID:         fmt.Sprintf("sess-%d", s.seq),
		OrderID:    orderID,
		CustomerID: customerID,
		Status:     session.StatusActive,
		ExpiresAt:  expiresAt,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *stubSessions) BindRunner(_ context.Context, sessionID string, runnerID int64, minExpiry time.Duration) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	now := s.now()
	sess.RunnerID = runnerID
	if sess.ExpiresAt == nil || !sess.ExpiresAt.After(now) {
		exp := now.Add(minExpiry)
		sess.ExpiresAt = &exp
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *stubSessions) End(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	events  []string
	ratings []string
	credits []int64
	grants  []string
	revokes []string
}

func (r *recorder) Notify(_ context.Context, event, orderID string, actorID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) CreatePending(_ context.Context, customerID int64, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ratings = append(r.ratings, fmt.Sprintf("%d:%s", customerID, orderID))
	return nil
}

func (r *recorder) AddDeliveryCredit(_ context.Context, runnerID, payout int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credits = append(r.credits, payout)
	return nil
}

func (r *recorder) Grant(_ context.Context, customerID, runnerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = append(r.grants, fmt.Sprintf("%d:%d", customerID, runnerID))
	return nil
}

func (r *recorder) Revoke(_ context.Context, customerID, runnerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revokes = append(r.revokes, fmt.Sprintf("%d:%d", customerID, runnerID))
	return nil
}

type fixedPayout int64

func (p fixedPayout) CurrentValue() int64 { return int64(p) }

// testClock lets a test move both the service and session clocks together.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestService(t *testing.T, start time.Time) (*Service, *memOrders, *stubSessions, *recorder, *testClock) {
	t.Helper()
	clock := &testClock{t: start}
	store := newMemOrders()
	sessions := newStubSessions(clock.Now)
	rec := &recorder{}
	cfg := Config{CancelWindow: 15 * time.Minute, SessionWindow: 30 * time.Minute}
	svc := NewService(cfg, store, sessions, rec, rec, rec, rec, fixedPayout(700), testLogger{})
	svc.SetClock(clock.Now)
	return svc, store, sessions, rec, clock
}

func TestEndToEndDeliveredFlow(t *testing.T) {
	t0 := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	svc, _, sessions, rec, clock := newTestService(t, t0)

	order, err := svc.Create(context.Background(), CreateInput{
		CustomerID: 10,
		Dropoff:    geo.GeoPoint{Lon: 76.91, Lat: 43.25},
		LiveShare:  true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.Status != fsm.StatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.LiveLocation.SessionID == "" {
		t.Fatal("expected a live location session on opt-in")
	}

	t1 := t0.Add(2 * time.Minute)
	clock.Set(t1)
	accepted, err := svc.Accept(context.Background(), order.ID, 77)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.RunnerID != 77 || accepted.Status != fsm.StatusAccepted {
		t.Fatalf("unexpected order after accept: %+v", accepted)
	}
	if !accepted.LiveLocation.RunnerVisible {
		t.Fatal("runner must be visible after accept")
	}
	if accepted.LiveLocation.ExpiresAt == nil || !accepted.LiveLocation.ExpiresAt.Equal(t1.Add(30*time.Minute)) {
		t.Fatalf("session window not applied: %v", accepted.LiveLocation.ExpiresAt)
	}
	if len(rec.grants) != 1 || rec.grants[0] != "10:77" {
		t.Fatalf("expected location grant 10:77, got %v", rec.grants)
	}

	t2 := t0.Add(10 * time.Minute)
	clock.Set(t2)
	if _, err := svc.Transition(context.Background(), order.ID, fsm.StatusOnRoute, fsm.RoleRunner, 77); err != nil {
		t.Fatalf("on_route: %v", err)
	}

	t3 := t0.Add(25 * time.Minute)
	clock.Set(t3)
	final, err := svc.Transition(context.Background(), order.ID, fsm.StatusDelivered, fsm.RoleRunner, 77)
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}

	wantHistory := []string{fsm.StatusPending, fsm.StatusAccepted, fsm.StatusOnRoute, fsm.StatusDelivered}
	if len(final.History) != len(wantHistory) {
		t.Fatalf("expected %d history entries, got %d", len(wantHistory), len(final.History))
	}
	for i, want := range wantHistory {
		if final.History[i].Status != want {
			t.Fatalf("history[%d] = %s, want %s", i, final.History[i].Status, want)
		}
	}
	if final.LiveLocation.RunnerVisible {
		t.Fatal("runner must not be visible after delivery")
	}
	if !final.StatusTimestamps[fsm.StatusDelivered].Equal(t3) {
		t.Fatalf("delivered timestamp mismatch: %v", final.StatusTimestamps[fsm.StatusDelivered])
	}
	if len(sessions.ended) != 1 {
		t.Fatalf("expected session teardown, got %v", sessions.ended)
	}
	if len(rec.ratings) != 1 || rec.ratings[0] != "10:"+order.ID {
		t.Fatalf("expected pending rating for customer, got %v", rec.ratings)
	}
	if len(rec.credits) != 1 || rec.credits[0] != 700 {
		t.Fatalf("expected one delivery credit of 700, got %v", rec.credits)
	}
	if len(rec.revokes) != 1 || rec.revokes[0] != "10:77" {
		t.Fatalf("expected access revoke, got %v", rec.revokes)
	}

	wantEvents := []string{EventOrderCreated, EventOrderAccepted, EventOrderDelivered}
	if len(rec.events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", rec.events, wantEvents)
	}
	for i, want := range wantEvents {
		if rec.events[i] != want {
			t.Fatalf("events[%d] = %s, want %s", i, rec.events[i], want)
		}
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	t0 := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	svc, store, _, _, _ := newTestService(t, t0)

	order, err := svc.Create(context.Background(), CreateInput{CustomerID: 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, runner := range []int64{77, 88} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := svc.Accept(context.Background(), order.ID, id)
			results <- err
		}(runner)
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyAccepted):
			losses++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}

	final, _ := store.Get(context.Background(), order.ID)
	if final.RunnerID != 77 && final.RunnerID != 88 {
		t.Fatalf("runner id not set: %d", final.RunnerID)
	}
}

func TestRejectKeepsStatusAndRemembersRunner(t *testing.T) {
	t0 := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	svc, store, _, rec, _ := newTestService(t, t0)

	order, _ := svc.Create(context.Background(), CreateInput{CustomerID: 10})
	if err := svc.Reject(context.Background(), order.ID, 55); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	// repeated reject is a no-op
	if err := svc.Reject(context.Background(), order.ID, 55); err != nil {
		t.Fatalf("second Reject: %v", err)
	}

	got, _ := store.Get(context.Background(), order.ID)
	if got.Status != fsm.StatusPending {
		t.Fatalf("reject must not change status, got %s", got.Status)
	}
	if !got.HasRejected(55) {
		t.Fatal("runner 55 must be recorded as rejected")
	}
	if len(got.RejectedBy) != 1 {
		t.Fatalf("expected a single rejection entry, got %v", got.RejectedBy)
	}
	if len(rec.events) != 1 {
		t.Fatalf("reject must not notify, got %v", rec.events)
	}

	// a rejecting runner can no longer accept
	if _, err := svc.Accept(context.Background(), order.ID, 55); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for rejected runner, got %v", err)
	}
}

func TestCustomerCancelWindow(t *testing.T) {
	t0 := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	svc, _, _, _, clock := newTestService(t, t0)

	order, _ := svc.Create(context.Background(), CreateInput{CustomerID: 10})
	late, _ := svc.Create(context.Background(), CreateInput{CustomerID: 10})

	clock.Set(t0.Add(15*time.Minute - time.Second))
	if _, err := svc.Transition(context.Background(), order.ID, fsm.StatusCancelled, fsm.RoleCustomer, 10); err != nil {
		t.Fatalf("cancel within window: %v", err)
	}

	clock.Set(t0.Add(15*time.Minute + time.Second))
	if _, err := svc.Transition(context.Background(), late.ID, fsm.StatusCancelled, fsm.RoleCustomer, 10); !errors.Is(err, ErrCancelWindowExpired) {
		t.Fatalf("expected ErrCancelWindowExpired, got %v", err)
	}

	// admins are not subject to the window
	if _, err := svc.Transition(context.Background(), late.ID, fsm.StatusCancelled, fsm.RoleAdmin, 1); err != nil {
		t.Fatalf("admin cancel after window: %v", err)
	}
}

func TestForbiddenAndInvalidActors(t *testing.T) {
	t0 := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	svc, _, _, _, _ := newTestService(t, t0)

	order, _ := svc.Create(context.Background(), CreateInput{CustomerID: 10})
	if _, err := svc.Accept(context.Background(), order.ID, 77); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if _, err := svc.Transition(context.Background(), order.ID, fsm.StatusPickedUp, fsm.RoleRunner, 88); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign runner, got %v", err)
	}
	if _, err := svc.Transition(context.Background(), order.ID, fsm.StatusPickedUp, fsm.RoleCustomer, 10); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for customer pickup, got %v", err)
	}
	if _, err := svc.Transition(context.Background(), order.ID, fsm.StatusDelivered, fsm.RoleRunner, 77); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for accepted -> delivered, got %v", err)
	}
}

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	t0 := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	svc, _, _, _, _ := newTestService(t, t0)

	order, _ := svc.Create(context.Background(), CreateInput{CustomerID: 10, LiveShare: true})
	if _, err := svc.Accept(context.Background(), order.ID, 77); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	cancelled, err := svc.Transition(context.Background(), order.ID, fsm.StatusCancelled, fsm.RoleRunner, 77)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.LiveLocation.RunnerVisible {
		t.Fatal("cancelled order must clear runner visibility")
	}

	for _, next := range []string{fsm.StatusAccepted, fsm.StatusOnRoute, fsm.StatusDelivered, fsm.StatusPending} {
		if _, err := svc.Transition(context.Background(), order.ID, next, fsm.RoleAdmin, 1); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("transition %s after cancel: expected ErrInvalidTransition, got %v", next, err)
		}
	}
	if err := svc.Reject(context.Background(), order.ID, 55); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject after cancel: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.Accept(context.Background(), order.ID, 88); !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("accept after cancel: expected ErrAlreadyAccepted, got %v", err)
	}
}
