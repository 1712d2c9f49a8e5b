package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/solvia/usage-gateway/internal/budget"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists ledgers in the ai_usage_ledger table. The primary
// Accumulate path is a single server-side UPDATE that both increments the
// counters and recomputes the status, so concurrent settlements cannot lose
// updates.
type PostgresStore struct {
	db     DB
	policy budget.Policy
}

func NewPostgresStore(db DB, policy budget.Policy) *PostgresStore {
	return &PostgresStore{db: db, policy: policy}
}

const entryColumns = `id, user_id, period_start, period_end, tokens_in, tokens_out, estimated_cost_eur, budget_eur, status, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.UserID, &e.PeriodStart, &e.PeriodEnd,
		&e.TokensIn, &e.TokensOut, &e.EstimatedCostEUR, &e.BudgetEUR,
		&e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) GetCurrent(ctx context.Context, userID string, now time.Time) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ai_usage_ledger
		WHERE user_id = $1 AND period_end >= $2
		ORDER BY period_start DESC
		LIMIT 1
	`
	entry, err := scanEntry(s.db.QueryRow(ctx, query, userID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current ledger: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Create(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO ai_usage_ledger (user_id, period_start, period_end, budget_eur, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, tokens_in, tokens_out, estimated_cost_eur, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		entry.UserID, entry.PeriodStart, entry.PeriodEnd, entry.BudgetEUR, budget.StatusActive,
	).Scan(&entry.ID, &entry.TokensIn, &entry.TokensOut, &entry.EstimatedCostEUR, &entry.CreatedAt, &entry.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	entry.Status = budget.StatusActive
	return nil
}

// Accumulate adds the deltas in one atomic statement. The status CASE runs
// against the post-increment cost; the budget_eur <= 0 branch comes first so
// the ratio never divides by zero.
func (s *PostgresStore) Accumulate(ctx context.Context, ledgerID string, tokensIn, tokensOut int64, cost float64) (*Entry, error) {
	query := `
		UPDATE ai_usage_ledger
		SET tokens_in = tokens_in + $2,
		    tokens_out = tokens_out + $3,
		    estimated_cost_eur = estimated_cost_eur + $4,
		    status = CASE
		        WHEN budget_eur <= 0 OR estimated_cost_eur + $4 >= budget_eur THEN 'HARD_LIMIT'
		        WHEN (estimated_cost_eur + $4) / budget_eur >= $5 THEN 'SOFT_LIMIT'
		        ELSE 'ACTIVE'
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + entryColumns + `
	`
	entry, err := scanEntry(s.db.QueryRow(ctx, query, ledgerID, tokensIn, tokensOut, cost, s.policy.SoftLimitRatio))
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	// Degraded path: compare-and-swap guarded by updated_at. Known
	// consistency gap relative to the single-statement increment; it exists
	// only so a transiently broken primary path does not drop usage.
	log.Warn().Err(err).Str("ledger_id", ledgerID).
		Msg("atomic ledger accumulate failed, falling back to compare-and-swap")
	return s.accumulateCAS(ctx, ledgerID, tokensIn, tokensOut, cost)
}

const casAttempts = 3

func (s *PostgresStore) accumulateCAS(ctx context.Context, ledgerID string, tokensIn, tokensOut int64, cost float64) (*Entry, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := scanEntry(s.db.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM ai_usage_ledger WHERE id = $1`, ledgerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to read ledger for fallback update: %w", err)
		}

		newCost := current.EstimatedCostEUR + cost
		newStatus := s.policy.StatusFor(newCost, current.BudgetEUR)

		query := `
			UPDATE ai_usage_ledger
			SET tokens_in = $2, tokens_out = $3, estimated_cost_eur = $4, status = $5, updated_at = now()
			WHERE id = $1 AND updated_at = $6
			RETURNING ` + entryColumns + `
		`
		entry, err := scanEntry(s.db.QueryRow(ctx, query,
			ledgerID, current.TokensIn+tokensIn, current.TokensOut+tokensOut,
			newCost, newStatus, current.UpdatedAt,
		))
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("fallback ledger update failed: %w", err)
		}
		// Lost the race against a concurrent writer; re-read and retry.
	}
	return nil, ErrConflict
}
