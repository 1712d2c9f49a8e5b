// Package ledger owns the per-billing-period usage ledger: one non-expired
// entry per user, accumulated atomically as responses settle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solvia/usage-gateway/internal/budget"
)

var (
	ErrNotFound = errors.New("ledger not found")
	// ErrConflict is returned when the degraded compare-and-swap path loses
	// the race on every attempt.
	ErrConflict = errors.New("ledger update conflict")
)

// Entry is a persisted usage ledger for one user and billing period.
// EstimatedCostEUR is monotonically non-decreasing within a period. Entries
// are never deleted; expired periods are kept for archival.
type Entry struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	PeriodStart      time.Time     `json:"period_start"`
	PeriodEnd        time.Time     `json:"period_end"`
	TokensIn         int64         `json:"tokens_in"`
	TokensOut        int64         `json:"tokens_out"`
	EstimatedCostEUR float64       `json:"estimated_cost_eur"`
	BudgetEUR        float64       `json:"budget_eur"`
	Status           budget.Status `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type Store interface {
	// GetCurrent returns the most recent ledger whose period has not expired.
	GetCurrent(ctx context.Context, userID string, now time.Time) (*Entry, error)
	Create(ctx context.Context, entry *Entry) error
	// Accumulate atomically adds the three deltas and recomputes status.
	// Implementations must not use a read-modify-write cycle on the primary
	// path; concurrent responses for the same user settle close together.
	Accumulate(ctx context.Context, ledgerID string, tokensIn, tokensOut int64, cost float64) (*Entry, error)
}

// Service wraps a Store with plan-budget derivation and failure reporting.
type Service struct {
	store  Store
	policy budget.Policy
}

func NewService(store Store, policy budget.Policy) *Service {
	return &Service{store: store, policy: policy}
}

// GetOrCreate finds the user's current ledger or lazily creates one with a
// budget derived from the plan's pricing model.
func (s *Service) GetOrCreate(ctx context.Context, userID, plan string, periodStart, periodEnd time.Time) (*Entry, error) {
	entry, err := s.store.GetCurrent(ctx, userID, time.Now())
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get current ledger: %w", err)
	}

	entry = &Entry{
		UserID:      userID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		BudgetEUR:   s.policy.PlanBudget(plan, s.policy.StarterIncludedHours*60),
		Status:      budget.StatusActive,
	}
	if err := s.store.Create(ctx, entry); err != nil {
		// A concurrent request may have created the period ledger first.
		if existing, getErr := s.store.GetCurrent(ctx, userID, time.Now()); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	return entry, nil
}

// Accumulate settles a response's usage into the ledger. A failure here is a
// data-integrity incident: it is logged loudly and returned, never swallowed,
// since lost increments directly undercount billing.
func (s *Service) Accumulate(ctx context.Context, ledgerID string, tokensIn, tokensOut int64, cost float64) (*Entry, error) {
	entry, err := s.store.Accumulate(ctx, ledgerID, tokensIn, tokensOut, cost)
	if err != nil {
		log.Error().Err(err).
			Str("ledger_id", ledgerID).
			Int64("tokens_in", tokensIn).
			Int64("tokens_out", tokensOut).
			Float64("cost_eur", cost).
			Msg("ledger accumulate failed, usage not recorded")
		return nil, fmt.Errorf("accumulate ledger %s: %w", ledgerID, err)
	}
	return entry, nil
}

// Snapshot derives the ephemeral budget view for a user. Users without a
// current ledger get an empty snapshot rather than an error.
func (s *Service) Snapshot(ctx context.Context, userID string) (budget.Snapshot, error) {
	entry, err := s.store.GetCurrent(ctx, userID, time.Now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return budget.Snapshot{Status: "NO_LEDGER"}, nil
		}
		return budget.Snapshot{}, fmt.Errorf("get current ledger: %w", err)
	}
	return s.policy.SnapshotFor(entry.EstimatedCostEUR, entry.BudgetEUR), nil
}
