package conversation

import (
	"context"
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

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (user_id, session_key)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query, c.UserID, c.SessionKey).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	query := `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.Exec(ctx, query, conversationID, role, content); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTitle(ctx context.Context, conversationID, title string) error {
	query := `UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, conversationID, title); err != nil {
		return fmt.Errorf("failed to set conversation title: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, conversationID string) error {
	query := `UPDATE conversations SET updated_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, conversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}
