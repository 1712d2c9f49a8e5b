package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists sessions in the ai_sessions table. The schema
// carries a partial unique index on (user_id) WHERE status = 'ACTIVE', so the
// one-active-session invariant holds even across service instances.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_id, conversation_id, started_at, ended_at, tokens_in, tokens_out, estimated_cost_eur, billable_minutes, status`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.ConversationID, &s.StartedAt, &s.EndedAt,
		&s.TokensIn, &s.TokensOut, &s.EstimatedCostEUR, &s.BillableMinutes, &s.Status,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *PostgresStore) GetActive(ctx context.Context, userID string) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM ai_sessions
		WHERE user_id = $1 AND status = 'ACTIVE'
		ORDER BY started_at DESC
		LIMIT 1
	`
	sess, err := scanSession(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM ai_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO ai_sessions (user_id, conversation_id, started_at, status)
		VALUES ($1, $2, $3, 'ACTIVE')
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query, sess.UserID, sess.ConversationID, sess.StartedAt).Scan(&sess.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	sess.Status = StatusActive
	return nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, sessionID string, tokensIn, tokensOut int64, cost float64) error {
	query := `
		UPDATE ai_sessions
		SET tokens_in = tokens_in + $2,
		    tokens_out = tokens_out + $3,
		    estimated_cost_eur = estimated_cost_eur + $4
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, sessionID, tokensIn, tokensOut, cost)
	if err != nil {
		return fmt.Errorf("failed to add session usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) End(ctx context.Context, sessionID string, endedAt time.Time, billableMinutes int) error {
	query := `
		UPDATE ai_sessions
		SET ended_at = $2, billable_minutes = $3, status = 'ENDED'
		WHERE id = $1 AND status = 'ACTIVE'
	`
	tag, err := s.db.Exec(ctx, query, sessionID, endedAt, billableMinutes)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already ended by a concurrent report; the transition is one-way.
		return nil
	}
	return nil
}

func (s *PostgresStore) ListStaleActive(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM ai_sessions
		WHERE status = 'ACTIVE' AND started_at < $1
		ORDER BY started_at ASC
	`
	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}
