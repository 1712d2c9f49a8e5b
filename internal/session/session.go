// Package session tracks per-conversation usage sessions and their billable
// duration. Sessions move one way: ACTIVE to ENDED.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrActiveExists signals that a concurrent request created the user's
	// ACTIVE session first.
	ErrActiveExists = errors.New("active session already exists")
)

// Session is one usage session. EndedAt and BillableMinutes are set together
// on the ENDED transition and never again.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	ConversationID   string     `json:"conversation_id"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	TokensIn         int64      `json:"tokens_in"`
	TokensOut        int64      `json:"tokens_out"`
	EstimatedCostEUR float64    `json:"estimated_cost_eur"`
	BillableMinutes  *int       `json:"billable_minutes,omitempty"`
	Status           Status     `json:"status"`
}

type Store interface {
	// GetActive returns the user's newest ACTIVE session.
	GetActive(ctx context.Context, userID string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	AddUsage(ctx context.Context, sessionID string, tokensIn, tokensOut int64, cost float64) error
	// End marks the session ENDED. Implementations must only transition
	// sessions that are still ACTIVE.
	End(ctx context.Context, sessionID string, endedAt time.Time, billableMinutes int) error
	// ListStaleActive returns ACTIVE sessions started before the cutoff.
	ListStaleActive(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// BillableMinutes rounds a session duration up to whole minutes, minimum one.
// Wall-clock time is billed even when no tokens were generated.
func BillableMinutes(startedAt, endedAt time.Time) int {
	seconds := endedAt.Sub(startedAt).Seconds()
	minutes := int(math.Ceil(seconds / 60))
	if minutes < 1 {
		return 1
	}
	return minutes
}

// Tracker drives the session lifecycle.
type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// EnsureActive returns the user's ACTIVE session, creating one when none
// exists. At most one ACTIVE session per user: when creation loses a race
// against a concurrent request, the winner's session is reused.
func (t *Tracker) EnsureActive(ctx context.Context, userID, conversationID string) (*Session, error) {
	s, err := t.store.GetActive(ctx, userID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get active session: %w", err)
	}

	s = &Session{
		UserID:         userID,
		ConversationID: conversationID,
		StartedAt:      t.now(),
		Status:         StatusActive,
	}
	if err := t.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrActiveExists) {
			return t.store.GetActive(ctx, userID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// AddUsage adds settled response usage to the session totals.
func (t *Tracker) AddUsage(ctx context.Context, sessionID string, tokensIn, tokensOut int64, cost float64) error {
	if err := t.store.AddUsage(ctx, sessionID, tokensIn, tokensOut, cost); err != nil {
		return fmt.Errorf("add session usage: %w", err)
	}
	return nil
}

// End finalizes the session's billable minutes. Ending an already-ENDED
// session is idempotent: it reports success with the recorded minutes and
// mutates nothing. Sessions owned by another user are not disclosed; callers
// get ErrNotFound. The alreadyEnded result lets callers skip side effects
// such as re-reporting metered usage.
func (t *Tracker) End(ctx context.Context, sessionID, userID string) (s *Session, alreadyEnded bool, err error) {
	s, err = t.store.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if s.UserID != userID {
		return nil, false, ErrNotFound
	}
	if s.Status == StatusEnded {
		return s, true, nil
	}

	endedAt := t.now()
	minutes := BillableMinutes(s.StartedAt, endedAt)
	if err := t.store.End(ctx, sessionID, endedAt, minutes); err != nil {
		return nil, false, fmt.Errorf("end session: %w", err)
	}
	s.EndedAt = &endedAt
	s.BillableMinutes = &minutes
	s.Status = StatusEnded
	return s, false, nil
}

// StaleActive lists ACTIVE sessions older than maxActive, for the sweep that
// closes sessions whose client disappeared without reporting.
func (t *Tracker) StaleActive(ctx context.Context, maxActive time.Duration) ([]*Session, error) {
	return t.store.ListStaleActive(ctx, t.now().Add(-maxActive))
}
