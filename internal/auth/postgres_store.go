package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*Profile, error) {
	query := `
		SELECT p.id, p.plan, p.current_period_start, p.current_period_end,
		       COALESCE(p.stripe_customer_id, ''), COALESCE(p.included_minutes_remaining, 0)
		FROM access_tokens t
		JOIN profiles p ON p.id = t.user_id
		WHERE t.token_hash = $1 AND t.active = true
	`
	var p Profile
	err := s.db.QueryRow(ctx, query, hashToken(token)).Scan(
		&p.UserID, &p.Plan, &p.CurrentPeriodStart, &p.CurrentPeriodEnd,
		&p.StripeCustomerID, &p.IncludedMinutesRemaining,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get profile by token: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetByUserID(ctx context.Context, userID string) (*Profile, error) {
	query := `
		SELECT id, plan, current_period_start, current_period_end,
		       COALESCE(stripe_customer_id, ''), COALESCE(included_minutes_remaining, 0)
		FROM profiles
		WHERE id = $1
	`
	var p Profile
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Plan, &p.CurrentPeriodStart, &p.CurrentPeriodEnd,
		&p.StripeCustomerID, &p.IncludedMinutesRemaining,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, userID, token string) error {
	query := `
		INSERT INTO access_tokens (user_id, token_hash, active)
		VALUES ($1, $2, true)
	`
	if _, err := s.db.Exec(ctx, query, userID, hashToken(token)); err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) DecrementIncludedMinutes(ctx context.Context, userID string, minutes int) error {
	query := `
		UPDATE profiles
		SET included_minutes_remaining = GREATEST(0, included_minutes_remaining - $2)
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, userID, minutes)
	if err != nil {
		return fmt.Errorf("failed to decrement included minutes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}
