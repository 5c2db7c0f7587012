package session

import (
	"context"
	"testing"
	"time"
)

type memStore struct {
	sessions map[string]Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]Session)}
}

func (s *memStore) Create(_ context.Context, sess Session) error {
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *memStore) Update(_ context.Context, sess Session) error {
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBindRunnerSetsExpiryWhenMissing(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.SetClock(fixedClock(now))

	s, err := mgr.Create(context.Background(), "order-1", 10, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bound, err := mgr.BindRunner(context.Background(), s.ID, 77, 30*time.Minute)
	if err != nil {
		t.Fatalf("BindRunner: %v", err)
	}
	if bound.RunnerID != 77 {
		t.Fatalf("expected runner 77, got %d", bound.RunnerID)
	}
	if bound.ExpiresAt == nil || !bound.ExpiresAt.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("expected expiry at now+30m, got %v", bound.ExpiresAt)
	}
}

func TestBindRunnerNeverShortensFutureExpiry(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.SetClock(fixedClock(now))

	far := now.Add(2 * time.Hour)
	s, err := mgr.Create(context.Background(), "order-1", 10, &far)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bound, err := mgr.BindRunner(context.Background(), s.ID, 77, 30*time.Minute)
	if err != nil {
		t.Fatalf("BindRunner: %v", err)
	}
	if !bound.ExpiresAt.Equal(far) {
		t.Fatalf("expiry moved backward: %v", bound.ExpiresAt)
	}
}

func TestExtendIfExpiredIsIdempotent(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.SetClock(fixedClock(now))

	past := now.Add(-time.Minute)
	s, err := mgr.Create(context.Background(), "order-1", 10, &past)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, extended, err := mgr.ExtendIfExpired(context.Background(), s.ID, 15*time.Minute)
	if err != nil {
		t.Fatalf("ExtendIfExpired: %v", err)
	}
	if !extended {
		t.Fatal("expected first call to extend")
	}
	if !first.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", first.ExpiresAt)
	}

	// Simulate a second polling client racing on the stale read.
	stale := first
	pastCopy := past
	stale.ExpiresAt = &pastCopy
	store.sessions[s.ID] = stale

	_, extended, err = mgr.ExtendIfExpired(context.Background(), s.ID, 15*time.Minute)
	if err != nil {
		t.Fatalf("ExtendIfExpired second: %v", err)
	}
	if extended {
		t.Fatal("second call for the same elapsed expiry must not extend again")
	}
}

func TestEndMakesSessionStale(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.SetClock(fixedClock(now))

	s, err := mgr.Create(context.Background(), "order-1", 10, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !mgr.Fresh(s) {
		t.Fatal("active session with nil expiry should be fresh")
	}
	if err := mgr.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	ended, err := mgr.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("expected ended status, got %s", ended.Status)
	}
	if mgr.Fresh(ended) {
		t.Fatal("ended session must not be fresh")
	}
	// ending twice is a no-op
	if err := mgr.End(context.Background(), s.ID); err != nil {
		t.Fatalf("second End: %v", err)
	}
}

func TestExtendBookkeepingStaysBounded(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.SetClock(fixedClock(now))

	// abandoned sessions never call End; their markers must not pile up
	past := now.Add(-time.Minute)
	for i := 0; i < maxExtendMarkers+50; i++ {
		s, err := mgr.Create(context.Background(), "order-1", 10, &past)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, extended, err := mgr.ExtendIfExpired(context.Background(), s.ID, 15*time.Minute); err != nil || !extended {
			t.Fatalf("ExtendIfExpired %d: extended=%v err=%v", i, extended, err)
		}
	}

	mgr.mu.Lock()
	size := len(mgr.extendedFor)
	mgr.mu.Unlock()
	if size > maxExtendMarkers {
		t.Fatalf("extend markers grew to %d, cap is %d", size, maxExtendMarkers)
	}
}

func TestExtendIgnoresActiveOrEndedSessions(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.SetClock(fixedClock(now))

	future := now.Add(time.Hour)
	s, _ := mgr.Create(context.Background(), "order-1", 10, &future)
	if _, extended, _ := mgr.ExtendIfExpired(context.Background(), s.ID, time.Minute); extended {
		t.Fatal("future expiry must not be extended")
	}

	past := now.Add(-time.Hour)
	s2, _ := mgr.Create(context.Background(), "order-2", 10, &past)
	_ = mgr.End(context.Background(), s2.ID)
	if _, extended, _ := mgr.ExtendIfExpired(context.Background(), s2.ID, time.Minute); extended {
		t.Fatal("ended session must not be extended")
	}
}
