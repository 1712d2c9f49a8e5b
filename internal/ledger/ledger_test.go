package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solvia/usage-gateway/internal/budget"
	"github.com/solvia/usage-gateway/internal/pricing"
)

func testPolicy() budget.Policy {
	return budget.Policy{
		Rates:                pricing.Rates{InputPerMTok: 0.10, OutputPerMTok: 0.40},
		SoftLimitRatio:       0.80,
		MarginTarget:         0.50,
		MaxOutputTokens:      8192,
		SoftLimitTokenCap:    1024,
		MinOutputTokens:      256,
		PAYGHourlyRate:       10,
		StarterMonthlyPrice:  100,
		StarterIncludedHours: 15,
	}
}

// memStore is an in-memory Store whose Accumulate is atomic under a mutex,
// mirroring the server-side increment contract of the Postgres store.
type memStore struct {
	mu      sync.Mutex
	policy  budget.Policy
	entries map[string]*Entry
	nextID  int

	createErr     error
	accumulateErr error
}

func newMemStore(policy budget.Policy) *memStore {
	return &memStore{policy: policy, entries: map[string]*Entry{}}
}

func (m *memStore) GetCurrent(ctx context.Context, userID string, now time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Entry
	for _, e := range m.entries {
		if e.UserID != userID || e.PeriodEnd.Before(now) {
			continue
		}
		if best == nil || e.PeriodStart.After(best.PeriodStart) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) Create(ctx context.Context, entry *Entry) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = "ledger-" + time.Now().Format("150405") + "-" + string(rune('a'+m.nextID))
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *memStore) Accumulate(ctx context.Context, ledgerID string, tokensIn, tokensOut int64, cost float64) (*Entry, error) {
	if m.accumulateErr != nil {
		return nil, m.accumulateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ledgerID]
	if !ok {
		return nil, ErrNotFound
	}
	e.TokensIn += tokensIn
	e.TokensOut += tokensOut
	e.EstimatedCostEUR += cost
	e.Status = m.policy.StatusFor(e.EstimatedCostEUR, e.BudgetEUR)
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

func TestGetOrCreate_CreatesWithPlanBudget(t *testing.T) {
	store := newMemStore(testPolicy())
	svc := NewService(store, testPolicy())

	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)
	entry, err := svc.GetOrCreate(context.Background(), "user-1", budget.PlanStarter, start, end)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// starter: 100 EUR monthly price at 0.5 margin
	if entry.BudgetEUR != 50 {
		t.Errorf("Expected budget 50, got %v", entry.BudgetEUR)
	}
	if entry.Status != budget.StatusActive {
		t.Errorf("Expected ACTIVE status, got %s", entry.Status)
	}
}

func TestGetOrCreate_ReusesCurrentLedger(t *testing.T) {
	store := newMemStore(testPolicy())
	svc := NewService(store, testPolicy())

	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)
	first, err := svc.GetOrCreate(context.Background(), "user-1", budget.PlanPAYG, start, end)
	if err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}
	second, err := svc.GetOrCreate(context.Background(), "user-1", budget.PlanPAYG, start, end)
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected the same ledger, got %s and %s", first.ID, second.ID)
	}
	if len(store.entries) != 1 {
		t.Errorf("Expected exactly one ledger, got %d", len(store.entries))
	}
}

func TestGetOrCreate_CreateRaceFallsBackToRead(t *testing.T) {
	store := newMemStore(testPolicy())
	svc := NewService(store, testPolicy())

	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)

	// Simulate a concurrent creator winning: Create fails but a current
	// ledger exists by the time we re-read.
	existing := &Entry{UserID: "user-1", PeriodStart: start, PeriodEnd: end, BudgetEUR: 5, Status: budget.StatusActive}
	if err := store.Create(context.Background(), existing); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store.createErr = errors.New("duplicate key value violates unique constraint")

	entry, err := svc.GetOrCreate(context.Background(), "user-1", budget.PlanPAYG, start, end)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if entry.ID != existing.ID {
		t.Errorf("Expected existing ledger %s, got %s", existing.ID, entry.ID)
	}
}

func TestAccumulate_Concurrent(t *testing.T) {
	store := newMemStore(testPolicy())
	svc := NewService(store, testPolicy())

	entry := &Entry{UserID: "user-1", PeriodStart: time.Now(), PeriodEnd: time.Now().Add(time.Hour), BudgetEUR: 1000}
	if err := store.Create(context.Background(), entry); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Accumulate(context.Background(), entry.ID, 10, 20, 0.01); err != nil {
				t.Errorf("Accumulate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := store.GetCurrent(context.Background(), "user-1", time.Now())
	if err != nil {
		t.Fatalf("GetCurrent failed: %v", err)
	}
	if final.TokensIn != writers*10 {
		t.Errorf("Expected %d input tokens, got %d", writers*10, final.TokensIn)
	}
	if final.TokensOut != writers*20 {
		t.Errorf("Expected %d output tokens, got %d", writers*20, final.TokensOut)
	}
	want := writers * 0.01
	if diff := final.EstimatedCostEUR - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected cost %v, got %v", want, final.EstimatedCostEUR)
	}
}

func TestAccumulate_StatusTransitions(t *testing.T) {
	store := newMemStore(testPolicy())
	svc := NewService(store, testPolicy())

	entry := &Entry{UserID: "user-1", PeriodStart: time.Now(), PeriodEnd: time.Now().Add(time.Hour), BudgetEUR: 10}
	if err := store.Create(context.Background(), entry); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := svc.Accumulate(context.Background(), entry.ID, 0, 0, 8.5)
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got.Status != budget.StatusSoftLimit {
		t.Errorf("Expected SOFT_LIMIT at 8.5/10, got %s", got.Status)
	}

	got, err = svc.Accumulate(context.Background(), entry.ID, 0, 0, 1.5)
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got.Status != budget.StatusHardLimit {
		t.Errorf("Expected HARD_LIMIT at 10/10, got %s", got.Status)
	}
}

func TestAccumulate_FailureIsReturned(t *testing.T) {
	store := newMemStore(testPolicy())
	store.accumulateErr = errors.New("connection refused")
	svc := NewService(store, testPolicy())

	if _, err := svc.Accumulate(context.Background(), "ledger-x", 1, 1, 0.01); err == nil {
		t.Fatal("Expected error when the store fails, got nil")
	}
}

func TestSnapshot_NoLedger(t *testing.T) {
	store := newMemStore(testPolicy())
	svc := NewService(store, testPolicy())

	snap, err := svc.Snapshot(context.Background(), "user-without-ledger")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Status != "NO_LEDGER" {
		t.Errorf("Expected NO_LEDGER, got %s", snap.Status)
	}
}
