// Package conversation persists chat conversations and their messages.
package conversation

import (
	"context"
	"time"
)

type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SessionKey string    `json:"session_key"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

const maxTitleLen = 60

// TitleFrom derives a conversation title from its opening message.
func TitleFrom(content string) string {
	if content == "" {
		return "New conversation"
	}
	runes := []rune(content)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return content
}

type Store interface {
	Create(ctx context.Context, c *Conversation) error
	AppendMessage(ctx context.Context, conversationID, role, content string) error
	// SetTitle sets the title and bumps updated_at.
	SetTitle(ctx context.Context, conversationID, title string) error
	// Touch bumps updated_at only.
	Touch(ctx context.Context, conversationID string) error
}
