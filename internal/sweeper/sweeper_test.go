package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/solvia/usage-gateway/internal/auth"
	"github.com/solvia/usage-gateway/internal/budget"
	"github.com/solvia/usage-gateway/internal/reconcile"
	"github.com/solvia/usage-gateway/internal/session"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	// listOverride, when set, is returned from ListStaleActive verbatim to
	// simulate a listing that went stale between the scan and the end attempt.
	listOverride []*session.Session
}

func (m *memSessionStore) GetActive(ctx context.Context, userID string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (m *memSessionStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) Create(ctx context.Context, s *session.Session) error { return nil }

func (m *memSessionStore) AddUsage(ctx context.Context, sessionID string, tokensIn, tokensOut int64, cost float64) error {
	return nil
}

func (m *memSessionStore) End(ctx context.Context, sessionID string, endedAt time.Time, billableMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	s.Status = session.StatusEnded
	s.EndedAt = &endedAt
	s.BillableMinutes = &billableMinutes
	return nil
}

func (m *memSessionStore) ListStaleActive(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listOverride != nil {
		return m.listOverride, nil
	}
	var out []*session.Session
	for _, s := range m.sessions {
		if s.Status == session.StatusActive && s.StartedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memProfileStore struct {
	mu          sync.Mutex
	profiles    map[string]*auth.Profile
	decremented map[string]int
}

func (m *memProfileStore) GetByToken(ctx context.Context, token string) (*auth.Profile, error) {
	return nil, auth.ErrTokenNotFound
}

func (m *memProfileStore) GetByUserID(ctx context.Context, userID string) (*auth.Profile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	return p, nil
}

func (m *memProfileStore) CreateToken(ctx context.Context, userID, token string) error { return nil }

func (m *memProfileStore) DecrementIncludedMinutes(ctx context.Context, userID string, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decremented[userID] += minutes
	return nil
}

type recordingMeter struct {
	mu    sync.Mutex
	calls []*reconcile.MeterEvent
}

func (m *recordingMeter) ReportUsage(ctx context.Context, ev *reconcile.MeterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ev)
	return nil
}

type emptyQueue struct{}

func (emptyQueue) Enqueue(ctx context.Context, ev *reconcile.MeterEvent) error { return nil }
func (emptyQueue) Dequeue(ctx context.Context) (*reconcile.MeterEvent, error) {
	return nil, reconcile.ErrQueueEmpty
}

func TestCloseStaleSessions(t *testing.T) {
	store := &memSessionStore{sessions: map[string]*session.Session{
		"sess-old": {
			ID: "sess-old", UserID: "user-1",
			StartedAt: time.Now().Add(-8 * time.Hour),
			Status:    session.StatusActive,
		},
		"sess-fresh": {
			ID: "sess-fresh", UserID: "user-2",
			StartedAt: time.Now().Add(-10 * time.Minute),
			Status:    session.StatusActive,
		},
	}}
	profiles := &memProfileStore{
		profiles: map[string]*auth.Profile{
			"user-1": {UserID: "user-1", Plan: budget.PlanStarter, StripeCustomerID: "cus_1"},
		},
		decremented: map[string]int{},
	}
	meter := &recordingMeter{}
	sw := New(session.NewTracker(store), profiles, reconcile.NewReconciler(meter, emptyQueue{}), 6*time.Hour)

	sw.CloseStaleSessions(context.Background())

	if store.sessions["sess-old"].Status != session.StatusEnded {
		t.Error("Expected the stale session to be closed")
	}
	if store.sessions["sess-fresh"].Status != session.StatusActive {
		t.Error("The fresh session must stay active")
	}
	if len(meter.calls) != 1 || meter.calls[0].SessionID != "sess-old" {
		t.Fatalf("Expected one meter event for the stale session, got %+v", meter.calls)
	}
	if meter.calls[0].Minutes < 480 {
		t.Errorf("Expected at least 480 billable minutes for 8 hours, got %d", meter.calls[0].Minutes)
	}
	if profiles.decremented["user-1"] != meter.calls[0].Minutes {
		t.Errorf("Expected included minutes consumed to match reported minutes, got %d", profiles.decremented["user-1"])
	}
}

func TestCloseStaleSessions_SkipsAlreadyEnded(t *testing.T) {
	now := time.Now()
	minutes := 10
	endedAt := now
	// The client reported between the listing and the end attempt: the
	// listing still carries the session as ACTIVE, the store already has it
	// ENDED.
	store := &memSessionStore{
		sessions: map[string]*session.Session{
			"sess-1": {
				ID: "sess-1", UserID: "user-1",
				StartedAt: now.Add(-8 * time.Hour),
				Status:    session.StatusEnded,
				EndedAt:   &endedAt, BillableMinutes: &minutes,
			},
		},
		listOverride: []*session.Session{{
			ID: "sess-1", UserID: "user-1",
			StartedAt: now.Add(-8 * time.Hour),
			Status:    session.StatusActive,
		}},
	}
	profiles := &memProfileStore{
		profiles:    map[string]*auth.Profile{"user-1": {UserID: "user-1", Plan: budget.PlanPAYG, StripeCustomerID: "cus_1"}},
		decremented: map[string]int{},
	}
	meter := &recordingMeter{}
	sw := New(session.NewTracker(store), profiles, reconcile.NewReconciler(meter, emptyQueue{}), 6*time.Hour)

	sw.CloseStaleSessions(context.Background())

	if len(meter.calls) != 0 {
		t.Errorf("Expected no meter event for an already-ended session, got %d", len(meter.calls))
	}
}
